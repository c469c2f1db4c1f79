package detect

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclens/inferd/pkg/config"
	"github.com/seclens/inferd/pkg/event"
	"github.com/seclens/inferd/pkg/filter"
)

func configFor(typ string) config.DetectorConfig {
	return config.DetectorConfig{
		Type:       typ,
		Model:      "test-model",
		Confidence: 0.5,
	}
}

// fakeRunner returns fixed boxes or a fixed error
type fakeRunner struct {
	boxes []RawBox
	err   error
	calls int
}

func (f *fakeRunner) Infer(ctx context.Context, img image.Image) ([]RawBox, error) {
	f.calls++
	return f.boxes, f.err
}

// fakeOCR returns a fixed result and records invocations
type fakeOCR struct {
	result OCRResult
	err    error
	calls  int
}

func (f *fakeOCR) Recognize(ctx context.Context, img image.Image) (OCRResult, error) {
	f.calls++
	return f.result, f.err
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 640, 480))
}

func testContext() Context {
	return Context{CameraID: "cam-A", FrameWidth: 640, FrameHeight: 480}
}

func TestObjectDetectorFiltersAndThresholds(t *testing.T) {
	runner := &fakeRunner{boxes: []RawBox{
		{Label: "knife", Conf: 0.85, X1: 10, Y1: 10, X2: 60, Y2: 60},
		{Label: "knife", Conf: 0.40, X1: 100, Y1: 100, X2: 150, Y2: 150},
		{Label: "person", Conf: 0.99, X1: 200, Y1: 200, X2: 300, Y2: 400},
		{Label: "pistol", Conf: 0.65, X1: 300, Y1: 300, X2: 340, Y2: 330},
	}}

	d := NewObjectDetector(runner, ObjectConfig{
		EventType:       event.TypeWeapon,
		Labels:          []string{"knife", "pistol"},
		Confidence:      0.6,
		ClassConfidence: map[string]float64{"pistol": 0.7},
	})

	out, err := d.Process(context.Background(), testFrame(), 1000, testContext())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "knife", out[0].Label)
	assert.Equal(t, event.TypeWeapon, out[0].Type)
	assert.Equal(t, 0.85, out[0].Conf)
}

func TestObjectDetectorClampsToFrame(t *testing.T) {
	runner := &fakeRunner{boxes: []RawBox{
		{Label: "knife", Conf: 0.9, X1: -20, Y1: -5, X2: 700, Y2: 500},
	}}
	d := NewObjectDetector(runner, ObjectConfig{EventType: event.TypeWeapon, Confidence: 0.5})

	out, err := d.Process(context.Background(), testFrame(), 1000, testContext())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, event.BBox{X1: 0, Y1: 0, X2: 640, Y2: 480}, out[0].BBox)
}

func TestObjectDetectorPropagatesInferenceError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("cuda out of memory")}
	d := NewObjectDetector(runner, ObjectConfig{EventType: event.TypeWeapon})

	out, err := d.Process(context.Background(), testFrame(), 1000, testContext())
	assert.Error(t, err)
	assert.Empty(t, out)
}

// Inference returns fire at 0.58 and smoke at 0.56; with fire_thr=0.6
// and smoke_thr=0.55 only the smoke event passes.
func TestFireSmokeSplitThresholds(t *testing.T) {
	runner := &fakeRunner{boxes: []RawBox{
		{Label: "fire", Conf: 0.58, X1: 10, Y1: 10, X2: 60, Y2: 60},
		{Label: "smoke", Conf: 0.56, X1: 100, Y1: 100, X2: 200, Y2: 200},
	}}

	d := NewFireSmokeDetector(runner, FireSmokeConfig{
		FireLabels:     []string{"fire"},
		SmokeLabels:    []string{"smoke"},
		FireThreshold:  0.6,
		SmokeThreshold: 0.55,
	})

	out, err := d.Process(context.Background(), testFrame(), 1000, testContext())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, event.TypeSmoke, out[0].Type)
	assert.Equal(t, "smoke", out[0].Label)
}

func TestFireSmokeIgnoresOtherLabels(t *testing.T) {
	runner := &fakeRunner{boxes: []RawBox{
		{Label: "cloud", Conf: 0.99, X1: 10, Y1: 10, X2: 60, Y2: 60},
	}}
	d := NewFireSmokeDetector(runner, FireSmokeConfig{
		FireLabels:     []string{"fire"},
		SmokeLabels:    []string{"smoke"},
		FireThreshold:  0.5,
		SmokeThreshold: 0.5,
	})

	out, err := d.Process(context.Background(), testFrame(), 1000, testContext())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestALPRReadsPlate(t *testing.T) {
	runner := &fakeRunner{boxes: []RawBox{
		{Label: "plate", Conf: 0.9, X1: 100, Y1: 100, X2: 200, Y2: 150},
	}}
	ocr := &fakeOCR{result: OCRResult{Text: "AB123CD", Conf: 0.88}}

	d := NewALPRDetector(runner, ocr, ALPRConfig{
		PlateThreshold:   0.7,
		CropExpand:       0.1,
		OCRConfThreshold: 0.5,
	})

	out, err := d.Process(context.Background(), testFrame(), 1000, testContext())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, event.TypeALPR, out[0].Type)
	assert.Equal(t, "AB123CD", out[0].Extras["plate_text"])
	assert.Equal(t, "0.88", out[0].Extras["ocr_conf"])
	assert.Equal(t, 1, ocr.calls)
}

// A plate whose bbox center lies outside the ROI is rejected before the
// OCR engine is invoked.
func TestALPRROIRejectionSkipsOCR(t *testing.T) {
	runner := &fakeRunner{boxes: []RawBox{
		{Label: "plate", Conf: 0.9, X1: 150, Y1: 150, X2: 200, Y2: 200},
	}}
	ocr := &fakeOCR{result: OCRResult{Text: "AB123CD", Conf: 0.9}}

	d := NewALPRDetector(runner, ocr, ALPRConfig{
		PlateThreshold:   0.7,
		OCRConfThreshold: 0.5,
	})

	dctx := testContext()
	dctx.ROI = &filter.Mask{
		Polygons: []filter.Polygon{{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}},
		Mode:     filter.ModeCenter,
	}

	out, err := d.Process(context.Background(), testFrame(), 1000, dctx)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, ocr.calls, "OCR must not run for out-of-ROI plates")
}

func TestALPRDiscardsLowOCRConfidence(t *testing.T) {
	runner := &fakeRunner{boxes: []RawBox{
		{Label: "plate", Conf: 0.9, X1: 100, Y1: 100, X2: 200, Y2: 150},
	}}
	ocr := &fakeOCR{result: OCRResult{Text: "AB123CD", Conf: 0.3}}

	d := NewALPRDetector(runner, ocr, ALPRConfig{
		PlateThreshold:   0.7,
		OCRConfThreshold: 0.5,
	})

	out, err := d.Process(context.Background(), testFrame(), 1000, testContext())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, ocr.calls)
}

func TestALPRSkipsLowConfidencePlates(t *testing.T) {
	runner := &fakeRunner{boxes: []RawBox{
		{Label: "plate", Conf: 0.4, X1: 100, Y1: 100, X2: 200, Y2: 150},
	}}
	ocr := &fakeOCR{}

	d := NewALPRDetector(runner, ocr, ALPRConfig{PlateThreshold: 0.7})

	out, err := d.Process(context.Background(), testFrame(), 1000, testContext())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, ocr.calls)
}

func TestCropExpanded(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	b := event.BBox{X1: 100, Y1: 100, X2: 200, Y2: 150}

	crop := cropExpanded(img, b, 0.1)
	// 100x50 box expanded by 10% per side: 120x60
	assert.Equal(t, 120, crop.Bounds().Dx())
	assert.Equal(t, 60, crop.Bounds().Dy())

	// Expansion clips at the frame edge
	edge := event.BBox{X1: 0, Y1: 0, X2: 100, Y2: 50}
	crop = cropExpanded(img, edge, 0.2)
	assert.Equal(t, 120, crop.Bounds().Dx())
	assert.Equal(t, 60, crop.Bounds().Dy())
}

func TestFactoryClosedTypeSet(t *testing.T) {
	rt := Runtimes{
		Runner: func(model string) (ModelRunner, error) { return &fakeRunner{}, nil },
		OCR:    func(engine, lang string) (OCREngine, error) { return &fakeOCR{}, nil },
	}

	tests := []struct {
		typ     string
		wantErr bool
	}{
		{"weapon", false},
		{"fire_smoke", false},
		{"alpr", false},
		{"face", true},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			_, err := New(configFor(tt.typ), rt)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
