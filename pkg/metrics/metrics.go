package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the service exports. One instance per
// process; workers and publishers hold a reference and write through
// the client library's own concurrency safety.
type Metrics struct {
	Registry *prometheus.Registry

	// Inference pipeline
	FramesProcessed  *prometheus.CounterVec // infer_frames_total{camera_id}
	EventsEmitted    *prometheus.CounterVec // infer_events_total{camera_id,type}
	InferLatencyMs   *prometheus.HistogramVec
	DetectorFailures *prometheus.CounterVec // detector_failures_total{camera_id,detector}
	WorkerAlive      *prometheus.GaugeVec

	// Frame source
	SourceFrames       *prometheus.CounterVec
	SourceReconnects   *prometheus.CounterVec
	SourceURLRefreshes *prometheus.CounterVec
	SourceReadErrors   *prometheus.CounterVec
	ConnectionState    *prometheus.GaugeVec
	LastFrameTimestamp *prometheus.GaugeVec

	// Publishers
	PublisherPublished *prometheus.CounterVec // publisher_published_total{sink}
	PublisherFailures  *prometheus.CounterVec // publisher_failures_total{sink}
	PublisherRetries   *prometheus.CounterVec
	PublisherDropped   *prometheus.CounterVec
	PublisherBatches   *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		FramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infer_frames_total",
			Help: "Frames processed through the detector chain",
		}, []string{"camera_id"}),

		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infer_events_total",
			Help: "Confirmed events emitted, by type",
		}, []string{"camera_id", "type"}),

		InferLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "infer_latency_ms",
			Help:    "End-to-end frame processing latency in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000},
		}, []string{"camera_id"}),

		DetectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_failures_total",
			Help: "Inference errors, treated as zero detections",
		}, []string{"camera_id", "detector"}),

		WorkerAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_alive",
			Help: "1 while the camera worker is running, 0 after terminal failure",
		}, []string{"camera_id"}),

		SourceFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frames_total",
			Help: "Frames read from the frame source",
		}, []string{"camera_id"}),

		SourceReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconnects_total",
			Help: "Frame source reconnect cycles",
		}, []string{"camera_id"}),

		SourceURLRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "url_refreshes_total",
			Help: "Proactive playback URL refreshes",
		}, []string{"camera_id"}),

		SourceReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "read_errors_total",
			Help: "Transient frame read errors",
		}, []string{"camera_id"}),

		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "connection_state",
			Help: "Frame source state: 0 disconnected, 1 connecting, 2 streaming, 3 reconnecting, 4 failed",
		}, []string{"camera_id"}),

		LastFrameTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "last_frame_timestamp",
			Help: "Wall-clock timestamp of the last frame, ms since epoch",
		}, []string{"camera_id"}),

		PublisherPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publisher_published_total",
			Help: "Envelopes delivered to a sink",
		}, []string{"sink"}),

		PublisherFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publisher_failures_total",
			Help: "Envelopes that exhausted retries or failed terminally",
		}, []string{"sink"}),

		PublisherRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publisher_retries_total",
			Help: "Per-record retry attempts",
		}, []string{"sink"}),

		PublisherDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publisher_dropped_total",
			Help: "Envelopes dropped under backpressure or at shutdown",
		}, []string{"sink"}),

		PublisherBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publisher_batches_total",
			Help: "Batches flushed to a sink",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FramesProcessed,
		m.EventsEmitted,
		m.InferLatencyMs,
		m.DetectorFailures,
		m.WorkerAlive,
		m.SourceFrames,
		m.SourceReconnects,
		m.SourceURLRefreshes,
		m.SourceReadErrors,
		m.ConnectionState,
		m.LastFrameTimestamp,
		m.PublisherPublished,
		m.PublisherFailures,
		m.PublisherRetries,
		m.PublisherDropped,
		m.PublisherBatches,
	)

	return m
}
