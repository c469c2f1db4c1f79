package detect

import (
	"context"
	"image"

	"github.com/seclens/inferd/pkg/event"
)

// FireSmokeConfig configures the fire/smoke detector. One model serves
// both label groups; each group has its own threshold and maps to a
// distinct event type.
type FireSmokeConfig struct {
	FireLabels     []string
	SmokeLabels    []string
	FireThreshold  float64
	SmokeThreshold float64
}

// FireSmokeDetector splits one model's output into fire and smoke
// events with separate thresholds
type FireSmokeDetector struct {
	runner ModelRunner
	cfg    FireSmokeConfig
	fire   map[string]bool
	smoke  map[string]bool
}

// NewFireSmokeDetector creates a fire/smoke detector
func NewFireSmokeDetector(runner ModelRunner, cfg FireSmokeConfig) *FireSmokeDetector {
	fire := make(map[string]bool, len(cfg.FireLabels))
	for _, l := range cfg.FireLabels {
		fire[l] = true
	}
	smoke := make(map[string]bool, len(cfg.SmokeLabels))
	for _, l := range cfg.SmokeLabels {
		smoke[l] = true
	}
	return &FireSmokeDetector{runner: runner, cfg: cfg, fire: fire, smoke: smoke}
}

// Type returns the fire event type; smoke detections carry their own
// type per detection
func (d *FireSmokeDetector) Type() string {
	return event.TypeFire
}

// Process runs inference and routes each kept box to fire or smoke
func (d *FireSmokeDetector) Process(ctx context.Context, img image.Image, tsMs int64, dctx Context) ([]event.Detection, error) {
	boxes, err := d.runner.Infer(ctx, img)
	if err != nil {
		return nil, err
	}

	var out []event.Detection
	for _, b := range boxes {
		var eventType string
		switch {
		case d.fire[b.Label]:
			if b.Conf < d.cfg.FireThreshold {
				continue
			}
			eventType = event.TypeFire
		case d.smoke[b.Label]:
			if b.Conf < d.cfg.SmokeThreshold {
				continue
			}
			eventType = event.TypeSmoke
		default:
			continue
		}
		out = append(out, event.Detection{
			Type:  eventType,
			Label: b.Label,
			Conf:  b.Conf,
			BBox:  clampBox(b, dctx.FrameWidth, dctx.FrameHeight),
		})
	}
	return out, nil
}
