package detect

import (
	"context"
	"fmt"
	"image"

	"github.com/seclens/inferd/pkg/config"
	"github.com/seclens/inferd/pkg/event"
	"github.com/seclens/inferd/pkg/filter"
)

// RawBox is one box returned by the external model runtime
type RawBox struct {
	Label string
	Conf  float64
	X1    float64
	Y1    float64
	X2    float64
	Y2    float64
}

// ModelRunner is the narrow contract to the external ML runtime. The
// core never reasons about weights or GPU allocation; whether a runner
// may be shared across workers is the runtime's concern.
type ModelRunner interface {
	Infer(ctx context.Context, img image.Image) ([]RawBox, error)
}

// OCRResult is one text read from a cropped plate image
type OCRResult struct {
	Text string
	Conf float64
}

// OCREngine is the narrow contract to the external OCR runtime
type OCREngine interface {
	Recognize(ctx context.Context, img image.Image) (OCRResult, error)
}

// Context carries the per-camera surroundings a detector needs for one
// frame
type Context struct {
	CameraID    string
	FrameWidth  int
	FrameHeight int
	ROI         *filter.Mask
	MinBoxArea  float64
}

// Detector runs one ML task against one frame. Stateless with respect
// to video content; confirmation and dedup history live in the filter.
type Detector interface {
	// Type returns the event type family this detector produces
	Type() string

	// Process returns raw detections for one frame. An error means the
	// inference failed; the caller counts it and treats the frame as
	// having no detections.
	Process(ctx context.Context, img image.Image, tsMs int64, dctx Context) ([]event.Detection, error)
}

// Runtimes bundles the external runtimes available to the factory
type Runtimes struct {
	// Runner returns a model runner for a named model reference
	Runner func(model string) (ModelRunner, error)
	// OCR returns an OCR engine for a named engine and language
	OCR func(engine, lang string) (OCREngine, error)
}

// New constructs a detector from its configuration. The detector type
// set is closed; unknown types are a configuration error caught before
// this point.
func New(cfg config.DetectorConfig, rt Runtimes) (Detector, error) {
	runner, err := rt.Runner(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("model runner for %q: %w", cfg.Model, err)
	}

	switch cfg.Type {
	case "weapon":
		return NewObjectDetector(runner, ObjectConfig{
			EventType:       event.TypeWeapon,
			Labels:          cfg.Labels,
			Confidence:      cfg.Confidence,
			ClassConfidence: cfg.ClassConfidence,
		}), nil

	case "fire_smoke":
		return NewFireSmokeDetector(runner, FireSmokeConfig{
			FireLabels:     cfg.FireLabels,
			SmokeLabels:    cfg.SmokeLabels,
			FireThreshold:  cfg.FireThreshold,
			SmokeThreshold: cfg.SmokeThreshold,
		}), nil

	case "alpr":
		ocr, err := rt.OCR(cfg.OCREngine, cfg.OCRLang)
		if err != nil {
			return nil, fmt.Errorf("ocr engine %q: %w", cfg.OCREngine, err)
		}
		return NewALPRDetector(runner, ocr, ALPRConfig{
			PlateThreshold:   cfg.Confidence,
			CropExpand:       cfg.CropExpand,
			OCRConfThreshold: cfg.OCRConfThreshold,
		}), nil

	default:
		return nil, fmt.Errorf("unknown detector type %q", cfg.Type)
	}
}

// clampBox clips a raw box to the frame bounds and converts it
func clampBox(b RawBox, width, height int) event.BBox {
	return event.BBox{
		X1: clamp(b.X1, 0, float64(width)),
		Y1: clamp(b.Y1, 0, float64(height)),
		X2: clamp(b.X2, 0, float64(width)),
		Y2: clamp(b.Y2, 0, float64(height)),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
