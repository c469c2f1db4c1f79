package detect

import (
	"context"
	"image"
	"image/draw"
	"math"
	"strconv"

	"github.com/seclens/inferd/pkg/event"
)

// ALPRConfig configures the plate-recognition detector
type ALPRConfig struct {
	// PlateThreshold is the minimum plate-detection confidence before
	// OCR is attempted
	PlateThreshold float64
	// CropExpand widens the plate crop by this ratio on each side so
	// tight detector boxes do not cut off characters
	CropExpand float64
	// OCRConfThreshold discards reads the OCR engine is unsure about
	OCRConfThreshold float64
}

// ALPRDetector detects licence plates and reads them with an external
// OCR engine. OCR is expensive, so plates outside the camera's ROI are
// rejected before the engine is invoked.
type ALPRDetector struct {
	runner ModelRunner
	ocr    OCREngine
	cfg    ALPRConfig
}

// NewALPRDetector creates a plate-recognition detector
func NewALPRDetector(runner ModelRunner, ocr OCREngine, cfg ALPRConfig) *ALPRDetector {
	return &ALPRDetector{runner: runner, ocr: ocr, cfg: cfg}
}

// Type returns the alpr event type
func (d *ALPRDetector) Type() string {
	return event.TypeALPR
}

// Process detects plates, crops each high-confidence one, and runs OCR
func (d *ALPRDetector) Process(ctx context.Context, img image.Image, tsMs int64, dctx Context) ([]event.Detection, error) {
	boxes, err := d.runner.Infer(ctx, img)
	if err != nil {
		return nil, err
	}

	var out []event.Detection
	for _, b := range boxes {
		if b.Conf < d.cfg.PlateThreshold {
			continue
		}

		bbox := clampBox(b, dctx.FrameWidth, dctx.FrameHeight)
		if bbox.Area() <= 0 || bbox.Area() < dctx.MinBoxArea {
			continue
		}

		// The filter would reject this detection anyway; checking here
		// saves the OCR call
		if !dctx.ROI.Admits(bbox) {
			continue
		}

		crop := cropExpanded(img, bbox, d.cfg.CropExpand)
		read, err := d.ocr.Recognize(ctx, crop)
		if err != nil {
			return out, err
		}
		if read.Text == "" || read.Conf < d.cfg.OCRConfThreshold {
			continue
		}

		out = append(out, event.Detection{
			Type:  event.TypeALPR,
			Label: "plate",
			Conf:  b.Conf,
			BBox:  bbox,
			Extras: map[string]string{
				"plate_text": read.Text,
				"ocr_conf":   strconv.FormatFloat(read.Conf, 'f', 2, 64),
			},
		})
	}
	return out, nil
}

// cropExpanded copies the bbox region expanded by ratio on each side,
// clipped to the image bounds
func cropExpanded(img image.Image, b event.BBox, ratio float64) image.Image {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1

	r := image.Rect(
		int(math.Floor(b.X1-w*ratio)),
		int(math.Floor(b.Y1-h*ratio)),
		int(math.Ceil(b.X2+w*ratio)),
		int(math.Ceil(b.Y2+h*ratio)),
	).Intersect(img.Bounds())

	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}
