package detect

import (
	"context"
	"image"

	"github.com/seclens/inferd/pkg/event"
)

// ObjectConfig configures a single-family object detector
type ObjectConfig struct {
	// EventType is the event type every emission carries
	EventType string
	// Labels restricts output to this class subset; empty keeps all
	Labels []string
	// Confidence is the default per-detection threshold
	Confidence float64
	// ClassConfidence overrides the threshold for specific labels
	ClassConfidence map[string]float64
}

// ObjectDetector filters a multi-class model's output to a configured
// label subset with per-class thresholds. The weapon detector is an
// instance of this.
type ObjectDetector struct {
	runner ModelRunner
	cfg    ObjectConfig
	keep   map[string]bool
}

// NewObjectDetector creates an object detector
func NewObjectDetector(runner ModelRunner, cfg ObjectConfig) *ObjectDetector {
	keep := make(map[string]bool, len(cfg.Labels))
	for _, l := range cfg.Labels {
		keep[l] = true
	}
	return &ObjectDetector{runner: runner, cfg: cfg, keep: keep}
}

// Type returns the configured event type
func (d *ObjectDetector) Type() string {
	return d.cfg.EventType
}

// threshold returns the confidence floor for one label
func (d *ObjectDetector) threshold(label string) float64 {
	if thr, ok := d.cfg.ClassConfidence[label]; ok {
		return thr
	}
	return d.cfg.Confidence
}

// Process runs inference and keeps configured classes above threshold
func (d *ObjectDetector) Process(ctx context.Context, img image.Image, tsMs int64, dctx Context) ([]event.Detection, error) {
	boxes, err := d.runner.Infer(ctx, img)
	if err != nil {
		return nil, err
	}

	var out []event.Detection
	for _, b := range boxes {
		if len(d.keep) > 0 && !d.keep[b.Label] {
			continue
		}
		if b.Conf < d.threshold(b.Label) {
			continue
		}
		out = append(out, event.Detection{
			Type:  d.cfg.EventType,
			Label: b.Label,
			Conf:  b.Conf,
			BBox:  clampBox(b, dctx.FrameWidth, dctx.FrameHeight),
		})
	}
	return out, nil
}
