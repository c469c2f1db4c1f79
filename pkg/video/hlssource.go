package video

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// SourceConfig controls one camera's frame source
type SourceConfig struct {
	StreamName           string
	SessionSeconds       int
	RefreshMargin        time.Duration
	MaxConsecutiveErrors int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
}

// DefaultSourceConfig returns the source defaults
func DefaultSourceConfig(streamName string) SourceConfig {
	return SourceConfig{
		StreamName:           streamName,
		SessionSeconds:       300,
		RefreshMargin:        30 * time.Second,
		MaxConsecutiveErrors: 10,
		BaseBackoff:          100 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
	}
}

// frameReader is the HLS reader seam; satisfied by *HLSReader
type frameReader interface {
	Start(ctx context.Context, sessionURL string) error
	ReadFrame(ctx context.Context) (Frame, error)
	Stop()
}

// HLSSource maintains a resilient frame feed for one camera. It owns
// the playback URL lifecycle and the reconnect state machine; frame
// decoding is delegated to the reader. Single consumer; State may be
// read concurrently.
type HLSSource struct {
	cfg      SourceConfig
	playback PlaybackClient
	reader   frameReader
	gate     *ControlGate
	metrics  SourceMetrics
	logger   *slog.Logger

	mu                sync.RWMutex
	state             ConnState
	url               PlaybackURL
	consecutiveErrors int
}

// NewHLSSource creates a source. gate may be nil to call the playback
// service directly.
func NewHLSSource(cfg SourceConfig, playback PlaybackClient, reader frameReader, gate *ControlGate, m SourceMetrics, logger *slog.Logger) *HLSSource {
	return &HLSSource{
		cfg:      cfg,
		playback: playback,
		reader:   reader,
		gate:     gate,
		metrics:  m,
		logger:   logger,
		state:    StateDisconnected,
	}
}

// Open prepares the source. Connection happens lazily on the first
// NextFrame call so a slow upstream cannot stall startup.
func (s *HLSSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDisconnected {
		return fmt.Errorf("source already open (state %s)", s.state)
	}
	s.setStateLocked(StateConnecting)
	return nil
}

// Close releases the reader session
func (s *HLSSource) Close() error {
	s.reader.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(StateDisconnected)
	return nil
}

// State returns the current connection state
func (s *HLSSource) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// NextFrame drives the state machine until a frame is available or the
// source fails terminally
func (s *HLSSource) NextFrame(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		switch s.State() {
		case StateDisconnected:
			return Frame{}, fmt.Errorf("source not open")

		case StateFailed:
			return Frame{}, ErrSourceFailed

		case StateConnecting:
			if err := s.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return Frame{}, ctx.Err()
				}
				s.noteFailure("connect failed", err)
				continue
			}
			s.setState(StateStreaming)

		case StateReconnecting:
			delay := s.backoffDelay()
			s.metrics.reconnects()
			s.logger.Info("reconnecting",
				"stream_name", s.cfg.StreamName,
				"attempt", s.failures(),
				"delay", delay)

			select {
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			case <-time.After(delay):
			}
			s.setState(StateConnecting)

		case StateStreaming:
			if s.urlExpiresSoon() {
				if err := s.refreshURL(ctx); err != nil {
					if ctx.Err() != nil {
						return Frame{}, ctx.Err()
					}
					s.noteFailure("url refresh failed", err)
					continue
				}
			}

			frame, err := s.reader.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return Frame{}, ctx.Err()
				}
				s.metrics.readErrors()
				s.noteFailure("frame read failed", err)
				continue
			}

			s.resetFailures()
			s.metrics.frame(frame.TsMs)
			return frame, nil
		}
	}
}

// connect fetches a fresh playback URL and starts the reader on it
func (s *HLSSource) connect(ctx context.Context) error {
	url, err := s.fetchURL(ctx, false)
	if err != nil {
		return err
	}

	if err := s.reader.Start(ctx, url.URL); err != nil {
		return fmt.Errorf("start reader: %w", err)
	}

	s.mu.Lock()
	s.url = url
	s.mu.Unlock()
	return nil
}

// refreshURL proactively replaces a near-expiry URL without surfacing
// a read error. Decoded frames buffered in the reader survive, so
// timestamps stay monotonic across the boundary.
func (s *HLSSource) refreshURL(ctx context.Context) error {
	s.metrics.urlRefreshes()
	s.logger.Info("refreshing playback URL before expiry",
		"stream_name", s.cfg.StreamName)

	url, err := s.fetchURL(ctx, true)
	if err != nil {
		return err
	}

	if err := s.reader.Start(ctx, url.URL); err != nil {
		return fmt.Errorf("restart reader: %w", err)
	}

	s.mu.Lock()
	s.url = url
	s.mu.Unlock()
	return nil
}

// fetchURL goes through the shared control gate when one is attached
// so fleet-wide control calls stay under the API rate limit
func (s *HLSSource) fetchURL(ctx context.Context, refresh bool) (PlaybackURL, error) {
	if s.gate == nil {
		return s.playback.GetPlaybackURL(ctx, s.cfg.StreamName, s.cfg.SessionSeconds)
	}

	var url PlaybackURL
	fn := func() error {
		var err error
		url, err = s.playback.GetPlaybackURL(ctx, s.cfg.StreamName, s.cfg.SessionSeconds)
		return err
	}

	var err error
	if refresh {
		err = s.gate.Refresh(s.cfg.StreamName, fn)
	} else {
		err = s.gate.Connect(s.cfg.StreamName, fn)
	}
	return url, err
}

func (s *HLSSource) urlExpiresSoon() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url.ExpiresSoon(time.Now(), s.cfg.RefreshMargin)
}

// noteFailure counts one failed cycle and moves to RECONNECTING, or to
// FAILED once the budget is exhausted
func (s *HLSSource) noteFailure(msg string, err error) {
	s.mu.Lock()
	s.consecutiveErrors++
	n := s.consecutiveErrors
	terminal := n >= s.cfg.MaxConsecutiveErrors
	if terminal {
		s.setStateLocked(StateFailed)
	} else {
		s.setStateLocked(StateReconnecting)
	}
	s.mu.Unlock()

	if terminal {
		s.logger.Error(msg+", retries exhausted",
			"stream_name", s.cfg.StreamName,
			"consecutive_errors", n,
			"error", err)
		return
	}
	s.logger.Warn(msg,
		"stream_name", s.cfg.StreamName,
		"consecutive_errors", n,
		"error", err)
}

func (s *HLSSource) failures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveErrors
}

func (s *HLSSource) resetFailures() {
	s.mu.Lock()
	s.consecutiveErrors = 0
	s.mu.Unlock()
}

// backoffDelay computes base * 2^(n-1) * U[0.8, 1.2], capped
func (s *HLSSource) backoffDelay() time.Duration {
	n := s.failures()
	if n < 1 {
		n = 1
	}

	delay := s.cfg.BaseBackoff << uint(n-1)
	if delay > s.cfg.MaxBackoff || delay <= 0 {
		delay = s.cfg.MaxBackoff
	}

	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (s *HLSSource) setState(st ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

// setStateLocked requires s.mu held
func (s *HLSSource) setStateLocked(st ConnState) {
	s.state = st
	s.metrics.connState(int(st))
}
