package video

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateExecutes(t *testing.T) {
	g := NewControlGate(1000, testLogger())
	defer g.Stop()

	ran := false
	err := g.Connect("stream-a", func() error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)

	stats := g.Stats()
	assert.Equal(t, int64(1), stats.Executed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, 0, stats.Pending)
}

func TestGateReturnsCallError(t *testing.T) {
	g := NewControlGate(1000, testLogger())
	defer g.Stop()

	err := g.Refresh("stream-a", func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int64(1), g.Stats().Failed)
}

// A refresh submitted while connects are queued runs before them.
func TestGateRefreshOvertakesConnects(t *testing.T) {
	g := NewControlGate(10, testLogger()) // 100ms between calls
	defer g.Stop()

	var mu sync.Mutex
	var order []string
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	launch := func(fn func() error, refresh bool) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if refresh {
				_ = g.Refresh("s", fn)
			} else {
				_ = g.Connect("s", fn)
			}
		}()
		// Give the submission time to land in its lane
		time.Sleep(20 * time.Millisecond)
	}

	// The first connect is picked up immediately; the rest queue behind
	// the rate limit, and the late refresh must jump them
	launch(record("connect-1"), false)
	launch(record("connect-2"), false)
	launch(record("connect-3"), false)
	launch(record("refresh-1"), true)

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "connect-1", order[0])
	assert.Contains(t, order[1:3], "refresh-1", "refresh runs ahead of queued connects")
	assert.Equal(t, "connect-3", order[3])
}

func TestGateStopFailsPending(t *testing.T) {
	g := NewControlGate(0.001, testLogger()) // one burst token, then ~1000s between calls

	// The first call spends the burst token; the second then waits on the
	// limiter inside the drain goroutine
	go func() { _ = g.Connect("s", func() error { return nil }) }()
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- g.Connect("s", func() error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, g.Stop())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending call not released on stop")
	}
}

func TestGatePacesCalls(t *testing.T) {
	g := NewControlGate(20, testLogger()) // 50ms per call
	defer g.Stop()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Connect("s", func() error { return nil })
		}()
	}
	wg.Wait()

	// First call is immediate, the next two wait for the limiter
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
