package publish

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seclens/inferd/pkg/event"
)

// Publisher is the contract every envelope sink satisfies. Publish
// never returns an error: sink failures are logged and counted, and
// must not propagate into the camera workers. Implementations are safe
// for concurrent use by many workers.
type Publisher interface {
	// Publish accepts one envelope, buffering it for delivery. When
	// the buffer is full and the flusher is stalled, it blocks up to
	// ctx's deadline, then drops the envelope and counts it.
	Publish(ctx context.Context, env event.Envelope)

	// Flush delivers everything buffered, blocking up to ctx's
	// deadline. Remaining envelopes after cancellation are dropped
	// but counted.
	Flush(ctx context.Context) error

	// Metrics returns a snapshot of the sink's counters
	Metrics() Snapshot

	// Close stops background flushing after a final drain
	Close(ctx context.Context) error
}

// Snapshot is a point-in-time view of one sink's counters. For any
// sink, Published + Failed + Dropped equals the number of envelopes
// ever accepted once a flush has drained the buffer.
type Snapshot struct {
	Published   int64
	Failed      int64
	Retried     int64
	Dropped     int64
	BatchesSent int64
}

// SinkMetrics carries one sink's prometheus collectors. Zero value is
// a no-op.
type SinkMetrics struct {
	Published prometheus.Counter
	Failed    prometheus.Counter
	Retried   prometheus.Counter
	Dropped   prometheus.Counter
	Batches   prometheus.Counter
}

func (m SinkMetrics) published(n int) {
	if m.Published != nil && n > 0 {
		m.Published.Add(float64(n))
	}
}

func (m SinkMetrics) failed(n int) {
	if m.Failed != nil && n > 0 {
		m.Failed.Add(float64(n))
	}
}

func (m SinkMetrics) retried(n int) {
	if m.Retried != nil && n > 0 {
		m.Retried.Add(float64(n))
	}
}

func (m SinkMetrics) dropped(n int) {
	if m.Dropped != nil && n > 0 {
		m.Dropped.Add(float64(n))
	}
}

func (m SinkMetrics) batch() {
	if m.Batches != nil {
		m.Batches.Inc()
	}
}
