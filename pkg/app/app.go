package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/seclens/inferd/pkg/config"
	"github.com/seclens/inferd/pkg/detect"
	"github.com/seclens/inferd/pkg/filter"
	"github.com/seclens/inferd/pkg/metrics"
	"github.com/seclens/inferd/pkg/publish"
	"github.com/seclens/inferd/pkg/video"
	"github.com/seclens/inferd/pkg/worker"
)

// Deps are the external collaborators the core only knows through
// interfaces: cloud credentials, the ML runtime, and the fragment
// decoder.
type Deps struct {
	AWS        aws.Config
	Runtimes   detect.Runtimes
	NewDecoder func(cameraID string) video.Decoder
}

// Options are process-level knobs not carried in the config file
type Options struct {
	HTTPAddr        string
	StaggerInterval time.Duration
	WorkerStopWait  time.Duration
	FlushTimeout    time.Duration
	ControlQPS      float64
}

// DefaultOptions returns the process defaults
func DefaultOptions(httpAddr string) Options {
	return Options{
		HTTPAddr:        httpAddr,
		StaggerInterval: 2 * time.Second,
		WorkerStopWait:  5 * time.Second,
		FlushTimeout:    10 * time.Second,
		ControlQPS:      5,
	}
}

// App is the application root: it owns the shared publishers, one
// worker per enabled camera, the control gate, and the observability
// endpoint.
type App struct {
	cfg     *config.Config
	opts    Options
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics

	gate     *video.ControlGate
	server   *Server
	workers  map[string]*worker.Worker
	stream   *publish.StreamPublisher
	snapshot *publish.SnapshotPublisher
	record   *publish.RecordPublisher
}

// New wires the application from validated configuration. Construction
// failures are unrecoverable startup errors.
func New(cfg *config.Config, deps Deps, opts Options, log *slog.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		opts:    opts,
		deps:    deps,
		logger:  log,
		metrics: metrics.New(),
		workers: make(map[string]*worker.Worker),
	}

	a.gate = video.NewControlGate(opts.ControlQPS, log.With("component", "gate"))

	if err := a.buildPublishers(); err != nil {
		return nil, err
	}
	if err := a.buildWorkers(); err != nil {
		return nil, err
	}

	a.server = NewServer(a.metrics, a.workerStatuses, a.gate.Stats,
		log.With("component", "http"))

	return a, nil
}

// buildPublishers constructs each enabled sink exactly once
func (a *App) buildPublishers() error {
	pubs := a.cfg.Publishers

	if pubs.Stream.Enabled {
		cfg := publish.DefaultStreamConfig(pubs.Stream.StreamName)
		cfg.BatchSize = pubs.Stream.BatchSize
		cfg.FlushInterval = time.Duration(pubs.Stream.FlushIntervalMs) * time.Millisecond
		cfg.MaxRetries = pubs.Stream.MaxRetries
		cfg.CallTimeout = time.Duration(pubs.Stream.CallTimeoutMs) * time.Millisecond

		a.stream = publish.NewStreamPublisher(
			a.regionalAWS(pubs.Stream.Region),
			cfg,
			a.sinkMetrics("stream"),
			a.logger.With("component", "publisher", "sink", "stream"),
		)
	}

	if pubs.Snapshot.Enabled {
		cfg := publish.DefaultSnapshotConfig(pubs.Snapshot.Bucket)
		cfg.Prefix = pubs.Snapshot.Prefix
		cfg.JPEGQuality = pubs.Snapshot.JPEGQuality
		cfg.Annotate = *pubs.Snapshot.Annotate
		cfg.PresignTTL = time.Duration(pubs.Snapshot.PresignTTLS) * time.Second

		a.snapshot = publish.NewSnapshotPublisher(
			a.regionalAWS(pubs.Snapshot.Region),
			cfg,
			a.sinkMetrics("snapshot"),
			a.logger.With("component", "publisher", "sink", "snapshot"),
		)
	}

	if pubs.Record.Enabled {
		cfg := publish.DefaultRecordConfig(pubs.Record.Table)
		cfg.BatchSize = pubs.Record.BatchSize
		cfg.MaxRetries = pubs.Record.MaxRetries
		cfg.CallTimeout = time.Duration(pubs.Record.CallTimeoutMs) * time.Millisecond
		cfg.TTLDays = pubs.Record.TTLDays

		a.record = publish.NewRecordPublisher(
			a.regionalAWS(pubs.Record.Region),
			cfg,
			a.sinkMetrics("record"),
			a.logger.With("component", "publisher", "sink", "record"),
		)
	}

	return nil
}

// regionalAWS returns the shared AWS config with a per-sink region
// override when configured
func (a *App) regionalAWS(region string) aws.Config {
	if region == "" {
		return a.deps.AWS
	}
	cfg := a.deps.AWS.Copy()
	cfg.Region = region
	return cfg
}

func (a *App) sinkMetrics(sink string) publish.SinkMetrics {
	return publish.SinkMetrics{
		Published: a.metrics.PublisherPublished.WithLabelValues(sink),
		Failed:    a.metrics.PublisherFailures.WithLabelValues(sink),
		Retried:   a.metrics.PublisherRetries.WithLabelValues(sink),
		Dropped:   a.metrics.PublisherDropped.WithLabelValues(sink),
		Batches:   a.metrics.PublisherBatches.WithLabelValues(sink),
	}
}

// buildWorkers constructs one worker per enabled camera
func (a *App) buildWorkers() error {
	playback := video.NewKVSClient(a.deps.AWS, a.logger.With("component", "kvs"))

	for _, cameraID := range a.cfg.EnabledCameras() {
		cam := a.cfg.Cameras[cameraID]
		camLog := a.logger.With("camera_id", cameraID)

		mask, err := buildMask(cam.ROI)
		if err != nil {
			return fmt.Errorf("camera %q: %w", cameraID, err)
		}

		chain, err := a.buildChain(cameraID, cam, mask)
		if err != nil {
			return fmt.Errorf("camera %q: %w", cameraID, err)
		}

		srcCfg := video.DefaultSourceConfig(cam.StreamName)
		srcCfg.SessionSeconds = cam.Playback.SessionSeconds
		srcCfg.RefreshMargin = time.Duration(cam.Playback.URLRefreshMarginSeconds) * time.Second

		reader := video.NewHLSReader(a.deps.NewDecoder(cameraID), camLog.With("component", "hls"))
		source := video.NewHLSSource(srcCfg, playback, reader, a.gate,
			a.sourceMetrics(cameraID), camLog.With("component", "source"))

		w := worker.New(worker.Config{
			CameraID:  cameraID,
			FPSTarget: cam.FPSTarget,
			ROI:       mask,
		}, source, chain, worker.Sinks{
			Stream:   streamOrNil(a.stream),
			Snapshot: a.snapshot,
			Record:   recordOrNil(a.record),
		}, a.metrics, camLog.With("component", "worker"))

		a.workers[cameraID] = w
	}

	return nil
}

// streamOrNil avoids a typed-nil interface when the sink is disabled
func streamOrNil(p *publish.StreamPublisher) publish.Publisher {
	if p == nil {
		return nil
	}
	return p
}

func recordOrNil(p *publish.RecordPublisher) publish.Publisher {
	if p == nil {
		return nil
	}
	return p
}

// buildChain constructs the camera's ordered detector+filter pairs
func (a *App) buildChain(cameraID string, cam *config.CameraConfig, mask *filter.Mask) ([]worker.ChainEntry, error) {
	chain := make([]worker.ChainEntry, 0, len(cam.Detectors))
	for i, detCfg := range cam.Detectors {
		d, err := detect.New(detCfg, a.deps.Runtimes)
		if err != nil {
			return nil, fmt.Errorf("detector %d (%s): %w", i, detCfg.Type, err)
		}

		fCfg := filter.Config{
			TemporalWindow:   detCfg.Temporal.Window,
			MinConfirmations: detCfg.Temporal.MinConfirmations,
			IoUThreshold:     detCfg.Temporal.IoU,
			DedupWindow:      detCfg.Dedup.Window,
			GridSize:         detCfg.Dedup.GridSize,
			MinBoxArea:       detCfg.MinBoxArea,
		}
		if detCfg.Type == "alpr" {
			fCfg.DedupTextKey = "plate_text"
		}

		chain = append(chain, worker.ChainEntry{
			Name:       fmt.Sprintf("%s.%d", detCfg.Type, i),
			Detector:   d,
			Filter:     filter.New(fCfg, mask),
			MinBoxArea: detCfg.MinBoxArea,
		})
	}
	return chain, nil
}

// buildMask converts the ROI configuration into a filter mask; nil
// when disabled
func buildMask(roi config.ROIConfig) (*filter.Mask, error) {
	if !roi.Enabled {
		return nil, nil
	}

	mode, err := filter.ParseFilterMode(roi.FilterMode)
	if err != nil {
		return nil, err
	}

	polygons := make([]filter.Polygon, 0, len(roi.Polygons))
	for _, rawPoly := range roi.Polygons {
		poly := make(filter.Polygon, 0, len(rawPoly))
		for _, pt := range rawPoly {
			poly = append(poly, filter.Point{X: pt[0], Y: pt[1]})
		}
		polygons = append(polygons, poly)
	}

	return &filter.Mask{
		Polygons:   polygons,
		Mode:       mode,
		MinOverlap: roi.MinOverlap,
	}, nil
}

func (a *App) sourceMetrics(cameraID string) video.SourceMetrics {
	return video.SourceMetrics{
		Frames:       a.metrics.SourceFrames.WithLabelValues(cameraID),
		Reconnects:   a.metrics.SourceReconnects.WithLabelValues(cameraID),
		URLRefreshes: a.metrics.SourceURLRefreshes.WithLabelValues(cameraID),
		ReadErrors:   a.metrics.SourceReadErrors.WithLabelValues(cameraID),
		State:        a.metrics.ConnectionState.WithLabelValues(cameraID),
		LastFrameTs:  a.metrics.LastFrameTimestamp.WithLabelValues(cameraID),
	}
}

func (a *App) workerStatuses() []worker.Status {
	statuses := make([]worker.Status, 0, len(a.workers))
	for _, id := range a.cfg.EnabledCameras() {
		if w, ok := a.workers[id]; ok {
			statuses = append(statuses, w.Status())
		}
	}
	return statuses
}

// Run starts everything, blocks until ctx is cancelled (termination
// signal) or every worker has exited, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Start(ctx, a.opts.HTTPAddr); err != nil {
		return fmt.Errorf("start observability endpoint: %w", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	cameraIDs := a.cfg.EnabledCameras()

	var wg sync.WaitGroup
	wg.Add(len(cameraIDs))
	allDone := make(chan struct{})

	a.logger.Info("starting camera workers",
		"count", len(cameraIDs),
		"stagger_interval", a.opts.StaggerInterval)

	go func() {
		for i, cameraID := range cameraIDs {
			select {
			case <-ctx.Done():
				// Release the slots of workers that never launched
				for range cameraIDs[i:] {
					wg.Done()
				}
				return
			default:
			}

			go func(id string, w *worker.Worker) {
				defer wg.Done()
				if err := w.Run(workerCtx); err != nil {
					a.logger.Error("worker exited with failure",
						"camera_id", id, "error", err)
				}
			}(cameraID, a.workers[cameraID])

			// Stagger startup (except for last camera) so URL fetches
			// spread out over the control gate
			if i < len(cameraIDs)-1 {
				select {
				case <-time.After(a.opts.StaggerInterval):
				case <-ctx.Done():
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("termination signal received")
	case <-allDone:
		a.logger.Warn("all workers exited")
	}

	a.stop(cancelWorkers, allDone)
	return nil
}

// stop runs the shutdown sequence: workers, publishers, server, gate
func (a *App) stop(cancelWorkers context.CancelFunc, allDone <-chan struct{}) {
	// 1. Signal all workers and wait, bounded
	cancelWorkers()
	select {
	case <-allDone:
	case <-time.After(a.opts.WorkerStopWait):
		a.logger.Warn("workers did not stop within deadline",
			"deadline", a.opts.WorkerStopWait)
	}

	// 2. Flush publishers with a bounded deadline
	flushCtx, cancel := context.WithTimeout(context.Background(), a.opts.FlushTimeout)
	defer cancel()

	if a.stream != nil {
		if err := a.stream.Close(flushCtx); err != nil {
			a.logger.Error("flush stream publisher", "error", err)
		}
	}
	if a.record != nil {
		if err := a.record.Close(flushCtx); err != nil {
			a.logger.Error("flush record publisher", "error", err)
		}
	}

	// 3. Stop the observability endpoint and the control gate
	if err := a.server.Stop(flushCtx); err != nil {
		a.logger.Error("stop HTTP server", "error", err)
	}
	if err := a.gate.Stop(); err != nil {
		a.logger.Error("stop control gate", "error", err)
	}

	// 4. Final metrics log line
	a.logFinalMetrics()
}

// logFinalMetrics emits one summary line with the sink totals
func (a *App) logFinalMetrics() {
	args := []any{}
	if a.stream != nil {
		s := a.stream.Metrics()
		args = append(args,
			"stream_published", s.Published,
			"stream_failed", s.Failed,
			"stream_dropped", s.Dropped,
			"stream_batches", s.BatchesSent)
	}
	if a.record != nil {
		s := a.record.Metrics()
		args = append(args, "record_published", s.Published, "record_failed", s.Failed)
	}
	if a.snapshot != nil {
		s := a.snapshot.Metrics()
		args = append(args, "snapshots_uploaded", s.Published, "snapshots_failed", s.Failed)
	}

	var frames, events int64
	for _, w := range a.workers {
		st := w.Status()
		frames += st.FramesTotal
		for _, n := range st.EventsTotal {
			events += n
		}
	}
	args = append(args, "frames_total", frames, "events_total", events)

	a.logger.Info("shutdown complete", args...)
}
