package video

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SourceMetrics carries one camera's frame-source collectors. Zero
// value is a no-op, which keeps tests quiet.
type SourceMetrics struct {
	Frames       prometheus.Counter
	Reconnects   prometheus.Counter
	URLRefreshes prometheus.Counter
	ReadErrors   prometheus.Counter
	State        prometheus.Gauge
	LastFrameTs  prometheus.Gauge
}

func (m SourceMetrics) frame(tsMs int64) {
	if m.Frames != nil {
		m.Frames.Inc()
	}
	if m.LastFrameTs != nil {
		m.LastFrameTs.Set(float64(tsMs))
	}
}

func (m SourceMetrics) reconnects() {
	if m.Reconnects != nil {
		m.Reconnects.Inc()
	}
}

func (m SourceMetrics) urlRefreshes() {
	if m.URLRefreshes != nil {
		m.URLRefreshes.Inc()
	}
}

func (m SourceMetrics) readErrors() {
	if m.ReadErrors != nil {
		m.ReadErrors.Inc()
	}
}

func (m SourceMetrics) connState(state int) {
	if m.State != nil {
		m.State.Set(float64(state))
	}
}
