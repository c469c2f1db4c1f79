package publish

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/seclens/inferd/pkg/event"
)

// s3API is the slice of the S3 API we use
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3Presigner mints time-limited access URLs for stored keys
type s3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// SnapshotConfig configures the object-store snapshot sink
type SnapshotConfig struct {
	Bucket      string
	Prefix      string
	JPEGQuality int
	Annotate    bool
	PresignTTL  time.Duration
	CallTimeout time.Duration
}

// DefaultSnapshotConfig returns the sink defaults
func DefaultSnapshotConfig(bucket string) SnapshotConfig {
	return SnapshotConfig{
		Bucket:      bucket,
		Prefix:      "snapshots",
		JPEGQuality: 80,
		Annotate:    true,
		PresignTTL:  15 * time.Minute,
		CallTimeout: 10 * time.Second,
	}
}

// SnapshotPublisher uploads annotated JPEG frames to an object store
// under {prefix}/{camera_id}/{ts_ms}.jpg. Uploads run synchronously
// within the per-call deadline; snapshots are per-emission, not
// per-frame, so there is no batching to amortise.
type SnapshotPublisher struct {
	api     s3API
	presign s3Presigner
	cfg     SnapshotConfig
	logger  *slog.Logger
	metrics SinkMetrics

	mu     sync.Mutex
	counts Snapshot
}

// NewSnapshotPublisher creates the sink from shared AWS config
func NewSnapshotPublisher(awsCfg aws.Config, cfg SnapshotConfig, m SinkMetrics, logger *slog.Logger) *SnapshotPublisher {
	client := s3.NewFromConfig(awsCfg)
	return newSnapshotPublisher(client, s3.NewPresignClient(client), cfg, m, logger)
}

func newSnapshotPublisher(api s3API, presign s3Presigner, cfg SnapshotConfig, m SinkMetrics, logger *slog.Logger) *SnapshotPublisher {
	return &SnapshotPublisher{
		api:     api,
		presign: presign,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Key returns the object key for one snapshot
func (p *SnapshotPublisher) Key(cameraID string, tsMs int64) string {
	return fmt.Sprintf("%s/%s/%d.jpg", p.cfg.Prefix, cameraID, tsMs)
}

// Save encodes and uploads one frame. When detections are given and
// annotation is enabled, boxes and labels are drawn on a copy first.
// Errors are logged and counted, never returned to the worker.
func (p *SnapshotPublisher) Save(ctx context.Context, img image.Image, cameraID string, tsMs int64, detections []event.Detection) {
	frame := img
	if p.cfg.Annotate && len(detections) > 0 {
		frame = annotate(img, detections)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
		p.logger.Error("encode snapshot", "camera_id", cameraID, "error", err)
		p.add(Snapshot{Failed: 1})
		p.metrics.failed(1)
		return
	}

	bounds := frame.Bounds()
	key := p.Key(cameraID, tsMs)

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	_, err := p.api.PutObject(callCtx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("image/jpeg"),
		Metadata: map[string]string{
			"camera-id":    cameraID,
			"timestamp-ms": strconv.FormatInt(tsMs, 10),
			"quality":      strconv.Itoa(p.cfg.JPEGQuality),
			"width":        strconv.Itoa(bounds.Dx()),
			"height":       strconv.Itoa(bounds.Dy()),
		},
	})
	if err != nil {
		p.logger.Error("upload snapshot",
			"camera_id", cameraID,
			"key", key,
			"error", err)
		p.add(Snapshot{Failed: 1})
		p.metrics.failed(1)
		return
	}

	p.add(Snapshot{Published: 1})
	p.metrics.published(1)
	p.logger.Debug("snapshot uploaded", "camera_id", cameraID, "key", key, "bytes", buf.Len())
}

// PresignURL mints a time-limited access URL for a stored snapshot
func (p *SnapshotPublisher) PresignURL(ctx context.Context, cameraID string, tsMs int64) (string, error) {
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.Key(cameraID, tsMs)),
	}, func(o *s3.PresignOptions) {
		o.Expires = p.cfg.PresignTTL
	})
	if err != nil {
		return "", fmt.Errorf("presign snapshot URL: %w", err)
	}
	return req.URL, nil
}

// Metrics returns the sink's counter snapshot
func (p *SnapshotPublisher) Metrics() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

func (p *SnapshotPublisher) add(d Snapshot) {
	p.mu.Lock()
	p.counts.Published += d.Published
	p.counts.Failed += d.Failed
	p.mu.Unlock()
}

// annotate draws detection boxes and labels on a copy of the frame
func annotate(img image.Image, detections []event.Detection) image.Image {
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)

	boxColor := color.RGBA{R: 255, G: 64, B: 64, A: 255}
	for _, det := range detections {
		r := image.Rect(int(det.BBox.X1), int(det.BBox.Y1), int(det.BBox.X2), int(det.BBox.Y2))
		drawRect(out, r, boxColor, 2)
		label := fmt.Sprintf("%s %.2f", det.Label, det.Conf)
		drawLabel(out, r.Min.X+3, r.Min.Y-4, label, boxColor)
	}
	return out
}

// drawRect draws a rectangle outline of the given thickness
func drawRect(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	r = r.Intersect(img.Bounds())
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, r.Min.Y+t, c)
			img.Set(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.Set(r.Min.X+t, y, c)
			img.Set(r.Max.X-1-t, y, c)
		}
	}
}

// drawLabel renders text just above the box; labels that would leave
// the frame are drawn inside it instead
func drawLabel(img *image.RGBA, x, y int, text string, c color.Color) {
	if y < basicfont.Face7x13.Ascent {
		y += basicfont.Face7x13.Height + 8
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
