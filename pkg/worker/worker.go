package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seclens/inferd/pkg/detect"
	"github.com/seclens/inferd/pkg/event"
	"github.com/seclens/inferd/pkg/filter"
	"github.com/seclens/inferd/pkg/metrics"
	"github.com/seclens/inferd/pkg/publish"
	"github.com/seclens/inferd/pkg/video"
)

// ChainEntry pairs one detector with its confirmation filter. The
// filter holds the temporal and dedup state keyed to this worker's
// emissions, so entries are never shared across workers.
type ChainEntry struct {
	Name     string
	Detector detect.Detector
	Filter   *filter.Filter
	// MinBoxArea is handed to the detector so expensive follow-up work
	// (OCR) can skip detections the filter would reject anyway
	MinBoxArea float64
}

// Sinks holds the shared publishers a worker fans out to. Nil fields
// are disabled sinks.
type Sinks struct {
	Stream   publish.Publisher
	Snapshot *publish.SnapshotPublisher
	Record   publish.Publisher
}

// Config is one worker's runtime configuration
type Config struct {
	CameraID       string
	FPSTarget      int // 0 = process every frame
	ROI            *filter.Mask
	PublishTimeout time.Duration
}

// Status is a point-in-time health snapshot
type Status struct {
	CameraID    string           `json:"camera_id"`
	Alive       bool             `json:"alive"`
	State       string           `json:"state"`
	FramesTotal int64            `json:"frames_total"`
	EventsTotal map[string]int64 `json:"events_total"`
	LastFrameMs int64            `json:"last_frame_ms"`
}

// Worker runs one camera's processing loop: read a frame, run the
// detector chain in order, fan confirmed events out to the sinks.
// Single-threaded within the worker; the system scales across cameras,
// not across detectors per frame.
type Worker struct {
	cfg     Config
	source  video.Source
	chain   []ChainEntry
	sinks   Sinks
	metrics *metrics.Metrics
	logger  *slog.Logger
	limiter *rate.Limiter

	mu          sync.RWMutex
	alive       bool
	framesTotal int64
	eventsTotal map[string]int64
	lastFrameMs int64
	frameIdx    int64
}

// New creates a worker. The worker exclusively owns its source and
// chain; the sinks are shared and internally synchronised.
func New(cfg Config, source video.Source, chain []ChainEntry, sinks Sinks, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.FPSTarget > 0 {
		// Burst 1: a slow frame never builds up a debt of catch-up frames
		limiter = rate.NewLimiter(rate.Limit(cfg.FPSTarget), 1)
	}

	return &Worker{
		cfg:         cfg,
		source:      source,
		chain:       chain,
		sinks:       sinks,
		metrics:     m,
		logger:      logger,
		limiter:     limiter,
		eventsTotal: make(map[string]int64),
	}
}

// Run executes the worker loop until cancellation or terminal source
// failure. A terminal failure marks the worker not-alive and returns
// video.ErrSourceFailed; other cameras are unaffected.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting")

	if err := w.source.Open(ctx); err != nil {
		w.setAlive(false)
		return err
	}
	defer w.source.Close()

	w.setAlive(true)

	for {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				w.shutdown()
				return nil
			}
		}

		frame, err := w.source.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.shutdown()
				return nil
			}
			w.setAlive(false)
			w.logger.Error("frame source failed permanently", "error", err)
			return err
		}

		w.processFrame(ctx, frame)

		if ctx.Err() != nil {
			w.shutdown()
			return nil
		}
	}
}

// processFrame runs the detector chain over one frame and publishes
// confirmed events
func (w *Worker) processFrame(ctx context.Context, frame video.Frame) {
	start := time.Now()

	bounds := frame.Image.Bounds()

	w.mu.Lock()
	w.frameIdx++
	frameIdx := w.frameIdx
	w.mu.Unlock()

	for _, entry := range w.chain {
		dctx := detect.Context{
			CameraID:    w.cfg.CameraID,
			FrameWidth:  bounds.Dx(),
			FrameHeight: bounds.Dy(),
			ROI:         w.cfg.ROI,
			MinBoxArea:  entry.MinBoxArea,
		}

		raw, err := entry.Detector.Process(ctx, frame.Image, frame.TsMs, dctx)
		if err != nil {
			// Inference errors mean zero detections on this frame, never
			// a dead worker
			w.metrics.DetectorFailures.WithLabelValues(w.cfg.CameraID, entry.Name).Inc()
			w.logger.Warn("detector failed",
				"detector", entry.Name,
				"error", err)
			continue
		}

		confirmed := entry.Filter.Apply(raw, frameIdx)
		if len(confirmed) == 0 {
			continue
		}

		w.publishEvents(ctx, frame, confirmed)
	}

	latencyMs := float64(time.Since(start).Milliseconds())
	w.metrics.FramesProcessed.WithLabelValues(w.cfg.CameraID).Inc()
	w.metrics.InferLatencyMs.WithLabelValues(w.cfg.CameraID).Observe(latencyMs)

	w.mu.Lock()
	w.framesTotal++
	w.lastFrameMs = frame.TsMs
	w.mu.Unlock()
}

// publishEvents fans one detector's confirmed detections out to every
// enabled sink
func (w *Worker) publishEvents(ctx context.Context, frame video.Frame, confirmed []event.Detection) {
	pubCtx, cancel := context.WithTimeout(ctx, w.cfg.PublishTimeout)
	defer cancel()

	for _, det := range confirmed {
		ev := event.Event{
			CameraID: w.cfg.CameraID,
			Type:     det.Type,
			Label:    det.Label,
			Conf:     det.Conf,
			BBox:     det.BBox,
			TsMs:     frame.TsMs,
			Extras:   det.Extras,
		}
		env := event.Wrap(ev)

		if w.sinks.Stream != nil {
			w.sinks.Stream.Publish(pubCtx, env)
		}
		if w.sinks.Record != nil {
			w.sinks.Record.Publish(pubCtx, env)
		}

		w.metrics.EventsEmitted.WithLabelValues(w.cfg.CameraID, ev.Type).Inc()
		w.mu.Lock()
		w.eventsTotal[ev.Type]++
		w.mu.Unlock()

		w.logger.Info("event emitted",
			"camera_id", ev.CameraID,
			"event_type", ev.Type,
			"label", ev.Label,
			"conf", ev.Conf,
			"event_id", env.EventID)
	}

	// One snapshot per detector emission burst, annotated with this
	// detector's confirmed detections
	if w.sinks.Snapshot != nil {
		w.sinks.Snapshot.Save(pubCtx, frame.Image, w.cfg.CameraID, frame.TsMs, confirmed)
	}
}

// shutdown is the cooperative exit path: stop reading, leave alive=0
func (w *Worker) shutdown() {
	w.logger.Info("worker stopping")
	w.setAlive(false)
}

func (w *Worker) setAlive(alive bool) {
	w.mu.Lock()
	w.alive = alive
	w.mu.Unlock()

	v := 0.0
	if alive {
		v = 1.0
	}
	w.metrics.WorkerAlive.WithLabelValues(w.cfg.CameraID).Set(v)
}

// Status returns the worker's health snapshot. Safe to call from the
// observability endpoint while the loop runs.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	events := make(map[string]int64, len(w.eventsTotal))
	for k, v := range w.eventsTotal {
		events[k] = v
	}

	return Status{
		CameraID:    w.cfg.CameraID,
		Alive:       w.alive,
		State:       w.source.State().String(),
		FramesTotal: w.framesTotal,
		EventsTotal: events,
		LastFrameMs: w.lastFrameMs,
	}
}
