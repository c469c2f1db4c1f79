package video

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakePlayback serves scripted URL fetch results
type fakePlayback struct {
	calls    int
	failures int // first N calls fail
	lifetime time.Duration
}

func (f *fakePlayback) GetPlaybackURL(ctx context.Context, streamName string, sessionSeconds int) (PlaybackURL, error) {
	f.calls++
	if f.calls <= f.failures {
		return PlaybackURL{}, errors.New("upstream unavailable")
	}
	lifetime := f.lifetime
	if lifetime == 0 {
		lifetime = time.Duration(sessionSeconds) * time.Second
	}
	return PlaybackURL{
		URL:        "https://playback.example/session.m3u8",
		StreamName: streamName,
		FetchedAt:  time.Now(),
		Lifetime:   lifetime,
	}, nil
}

// fakeReader yields frames with increasing timestamps, optionally
// failing reads
type fakeReader struct {
	started   int
	stopped   int
	reads     int
	failReads int // first N reads fail
	ts        int64
}

func (f *fakeReader) Start(ctx context.Context, sessionURL string) error {
	f.started++
	return nil
}

func (f *fakeReader) Stop() { f.stopped++ }

func (f *fakeReader) ReadFrame(ctx context.Context) (Frame, error) {
	f.reads++
	if f.reads <= f.failReads {
		return Frame{}, errors.New("segment fetch failed")
	}
	f.ts += 100
	return Frame{Image: image.NewRGBA(image.Rect(0, 0, 4, 4)), TsMs: f.ts}, nil
}

func fastConfig() SourceConfig {
	cfg := DefaultSourceConfig("test-stream")
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.MaxConsecutiveErrors = 3
	return cfg
}

func TestSourceHappyPath(t *testing.T) {
	pb := &fakePlayback{}
	rd := &fakeReader{}
	src := NewHLSSource(fastConfig(), pb, rd, nil, SourceMetrics{}, testLogger())

	ctx := context.Background()
	require.NoError(t, src.Open(ctx))

	f1, err := src.NextFrame(ctx)
	require.NoError(t, err)
	f2, err := src.NextFrame(ctx)
	require.NoError(t, err)

	assert.Greater(t, f2.TsMs, f1.TsMs)
	assert.Equal(t, StateStreaming, src.State())
	assert.Equal(t, 1, pb.calls, "one URL fetch serves many frames")

	require.NoError(t, src.Close())
	assert.Equal(t, StateDisconnected, src.State())
}

func TestSourceOpenTwice(t *testing.T) {
	src := NewHLSSource(fastConfig(), &fakePlayback{}, &fakeReader{}, nil, SourceMetrics{}, testLogger())
	require.NoError(t, src.Open(context.Background()))
	assert.Error(t, src.Open(context.Background()))
}

func TestSourceNotOpen(t *testing.T) {
	src := NewHLSSource(fastConfig(), &fakePlayback{}, &fakeReader{}, nil, SourceMetrics{}, testLogger())
	_, err := src.NextFrame(context.Background())
	assert.Error(t, err)
}

func TestSourceRecoversFromTransientReadErrors(t *testing.T) {
	pb := &fakePlayback{}
	rd := &fakeReader{failReads: 2}
	src := NewHLSSource(fastConfig(), pb, rd, nil, SourceMetrics{}, testLogger())

	ctx := context.Background()
	require.NoError(t, src.Open(ctx))

	f, err := src.NextFrame(ctx)
	require.NoError(t, err)
	assert.NotZero(t, f.TsMs)

	// Two failed cycles, each reconnecting with a fresh URL
	assert.Equal(t, 3, pb.calls)
	assert.Equal(t, StateStreaming, src.State())
}

// Permanently unavailable upstream: the configured number of failed
// cycles, then terminal failure.
func TestSourceReconnectExhaustion(t *testing.T) {
	pb := &fakePlayback{failures: 1 << 30}
	src := NewHLSSource(fastConfig(), pb, &fakeReader{}, nil, SourceMetrics{}, testLogger())

	ctx := context.Background()
	require.NoError(t, src.Open(ctx))

	_, err := src.NextFrame(ctx)
	require.ErrorIs(t, err, ErrSourceFailed)
	assert.Equal(t, StateFailed, src.State())
	assert.Equal(t, 3, pb.calls)

	// Terminal state is sticky
	_, err = src.NextFrame(ctx)
	assert.ErrorIs(t, err, ErrSourceFailed)
	assert.Equal(t, 3, pb.calls)
}

// A URL close to expiry is refreshed before the next read; no read
// error surfaces and timestamps stay monotonic.
func TestSourceProactiveURLRefresh(t *testing.T) {
	pb := &fakePlayback{lifetime: time.Millisecond}
	rd := &fakeReader{}
	cfg := fastConfig()
	cfg.RefreshMargin = 0
	src := NewHLSSource(cfg, pb, rd, nil, SourceMetrics{}, testLogger())

	ctx := context.Background()
	require.NoError(t, src.Open(ctx))

	f1, err := src.NextFrame(ctx)
	require.NoError(t, err)

	// Let the 1ms URL lifetime lapse
	time.Sleep(5 * time.Millisecond)

	f2, err := src.NextFrame(ctx)
	require.NoError(t, err)

	assert.Greater(t, pb.calls, 1, "expiring URL triggers a refresh fetch")
	assert.Greater(t, f2.TsMs, f1.TsMs, "timestamps monotonic across refresh")
	assert.Equal(t, StateStreaming, src.State())
}

func TestSourceCancellation(t *testing.T) {
	pb := &fakePlayback{failures: 1 << 30}
	cfg := fastConfig()
	cfg.BaseBackoff = time.Hour // would block forever without cancellation
	cfg.MaxBackoff = time.Hour
	src := NewHLSSource(cfg, pb, &fakeReader{}, nil, SourceMetrics{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, src.Open(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := src.NextFrame(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("NextFrame did not observe cancellation")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	cfg := DefaultSourceConfig("s")
	src := NewHLSSource(cfg, &fakePlayback{}, &fakeReader{}, nil, SourceMetrics{}, testLogger())

	src.consecutiveErrors = 1
	for i := 0; i < 50; i++ {
		d := src.backoffDelay()
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}

	src.consecutiveErrors = 2
	for i := 0; i < 50; i++ {
		d := src.backoffDelay()
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}

	// Deep failure counts stay at the cap (plus jitter)
	src.consecutiveErrors = 40
	for i := 0; i < 50; i++ {
		d := src.backoffDelay()
		assert.LessOrEqual(t, d, time.Duration(float64(cfg.MaxBackoff)*1.2))
	}
}

func TestPlaybackURLExpiresSoon(t *testing.T) {
	now := time.Now()
	u := PlaybackURL{FetchedAt: now, Lifetime: 300 * time.Second}

	assert.False(t, u.ExpiresSoon(now.Add(200*time.Second), 30*time.Second))
	assert.True(t, u.ExpiresSoon(now.Add(270*time.Second), 30*time.Second))
	assert.True(t, u.ExpiresSoon(now.Add(400*time.Second), 30*time.Second))
}
