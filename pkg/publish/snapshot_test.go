package publish

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclens/inferd/pkg/event"
)

// fakeS3 records uploads
type fakeS3 struct {
	mu      sync.Mutex
	uploads []*s3.PutObjectInput
	bodies  [][]byte
	err     error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(params.Body)
	f.uploads = append(f.uploads, params)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

type fakePresigner struct{}

func (f *fakePresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL: "https://bucket.example/" + aws.ToString(params.Key) + "?signed",
	}, nil
}

func grayFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.Gray{Y: 128})
		}
	}
	return img
}

func TestSnapshotSave(t *testing.T) {
	api := &fakeS3{}
	p := newSnapshotPublisher(api, &fakePresigner{}, DefaultSnapshotConfig("cam-snapshots"), SinkMetrics{}, testLogger())

	p.Save(context.Background(), grayFrame(), "cam-A", 1700000000123, nil)

	require.Len(t, api.uploads, 1)
	up := api.uploads[0]
	assert.Equal(t, "cam-snapshots", aws.ToString(up.Bucket))
	assert.Equal(t, "snapshots/cam-A/1700000000123.jpg", aws.ToString(up.Key))
	assert.Equal(t, "image/jpeg", aws.ToString(up.ContentType))
	assert.Equal(t, "cam-A", up.Metadata["camera-id"])
	assert.Equal(t, "1700000000123", up.Metadata["timestamp-ms"])
	assert.Equal(t, "320", up.Metadata["width"])
	assert.Equal(t, "240", up.Metadata["height"])

	// Body is a decodable JPEG of the frame's dimensions
	img, err := jpeg.Decode(bytes.NewReader(api.bodies[0]))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 240, img.Bounds().Dy())

	assert.Equal(t, int64(1), p.Metrics().Published)
}

func TestSnapshotAnnotationDrawsBoxes(t *testing.T) {
	dets := []event.Detection{{
		Type:  event.TypeWeapon,
		Label: "knife",
		Conf:  0.87,
		BBox:  event.BBox{X1: 50, Y1: 50, X2: 150, Y2: 120},
	}}

	annotated := annotate(grayFrame(), dets).(*image.RGBA)

	// Border pixel takes the box color, interior keeps the frame
	r, g, b, _ := annotated.At(50, 80).RGBA()
	assert.True(t, r>>8 > 200 && g>>8 < 100 && b>>8 < 100, "border pixel painted")

	r, g, b, _ = annotated.At(100, 85).RGBA()
	assert.InDelta(t, 128, int(r>>8), 3)
	assert.InDelta(t, 128, int(g>>8), 3)
	assert.InDelta(t, 128, int(b>>8), 3)
}

func TestSnapshotAnnotationOnCopy(t *testing.T) {
	frame := grayFrame()
	dets := []event.Detection{{
		Label: "knife", Conf: 0.9,
		BBox: event.BBox{X1: 10, Y1: 10, X2: 100, Y2: 100},
	}}

	_ = annotate(frame, dets)

	// Original frame untouched
	r, _, _, _ := frame.At(10, 50).RGBA()
	assert.InDelta(t, 128, int(r>>8), 3)
}

func TestSnapshotUploadErrorCounted(t *testing.T) {
	api := &fakeS3{err: errors.New("bucket gone")}
	p := newSnapshotPublisher(api, &fakePresigner{}, DefaultSnapshotConfig("b"), SinkMetrics{}, testLogger())

	p.Save(context.Background(), grayFrame(), "cam-A", 1, nil)

	m := p.Metrics()
	assert.Equal(t, int64(0), m.Published)
	assert.Equal(t, int64(1), m.Failed)
}

func TestSnapshotPresignURL(t *testing.T) {
	p := newSnapshotPublisher(&fakeS3{}, &fakePresigner{}, DefaultSnapshotConfig("b"), SinkMetrics{}, testLogger())

	url, err := p.PresignURL(context.Background(), "cam-A", 42)
	require.NoError(t, err)
	assert.Contains(t, url, "snapshots/cam-A/42.jpg")
	assert.Contains(t, url, "signed")
}
