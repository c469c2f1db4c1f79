package video

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// controlCall is one pending playback-service call and its reply path
type controlCall struct {
	stream string
	kind   string
	fn     func() error
	reply  chan error
}

// ControlGate paces playback-service control calls across the whole
// camera fleet so a fleet-wide restart cannot trip API throttling.
// Calls arrive on two lanes: URL refreshes for live sessions, which a
// single drain goroutine always empties first, and cold connects,
// which absorb the remaining rate budget. Workers block on their call's
// reply, so the gate doubles as the fleet's connect pacing.
type ControlGate struct {
	limiter *rate.Limiter
	logger  *slog.Logger

	refreshes chan *controlCall
	connects  chan *controlCall

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	executed atomic.Int64
	failed   atomic.Int64
}

// laneDepth bounds how many calls can queue per lane. Submitters block
// once it fills, which is the point: the lane *is* the waiting room.
const laneDepth = 64

// NewControlGate creates a gate allowing qps control calls per second
func NewControlGate(qps float64, logger *slog.Logger) *ControlGate {
	ctx, cancel := context.WithCancel(context.Background())

	g := &ControlGate{
		limiter:   rate.NewLimiter(rate.Limit(qps), 1), // smooth pacing, no bursts
		logger:    logger,
		refreshes: make(chan *controlCall, laneDepth),
		connects:  make(chan *controlCall, laneDepth),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go g.drain()

	logger.Info("control gate started", "qps", qps)
	return g
}

// Refresh runs a session URL refresh through the gate. Refreshes keep
// live streams unbroken, so they go ahead of any queued connects.
func (g *ControlGate) Refresh(streamName string, fn func() error) error {
	return g.run(g.refreshes, &controlCall{
		stream: streamName,
		kind:   "refresh",
		fn:     fn,
		reply:  make(chan error, 1),
	})
}

// Connect runs a cold connect or recovery fetch through the gate
func (g *ControlGate) Connect(streamName string, fn func() error) error {
	return g.run(g.connects, &controlCall{
		stream: streamName,
		kind:   "connect",
		fn:     fn,
		reply:  make(chan error, 1),
	})
}

// run enqueues the call and blocks until it has executed or the gate
// shut down
func (g *ControlGate) run(lane chan *controlCall, call *controlCall) error {
	select {
	case lane <- call:
	case <-g.ctx.Done():
		return context.Canceled
	}

	select {
	case err := <-call.reply:
		return err
	case <-g.ctx.Done():
		return context.Canceled
	}
}

// drain is the single consumer of both lanes
func (g *ControlGate) drain() {
	defer close(g.done)

	for {
		call := g.next()
		if call == nil {
			return
		}

		if err := g.limiter.Wait(g.ctx); err != nil {
			call.reply <- err
			continue
		}

		start := time.Now()
		err := call.fn()

		g.executed.Add(1)
		if err != nil {
			g.failed.Add(1)
		}

		g.logger.Info("control call executed",
			"kind", call.kind,
			"stream_name", call.stream,
			"duration_ms", time.Since(start).Milliseconds(),
			"success", err == nil,
			"error", err)

		call.reply <- err
	}
}

// next returns the next call, refreshes first; nil once the gate is
// shutting down
func (g *ControlGate) next() *controlCall {
	// A queued refresh always wins over a queued connect
	select {
	case call := <-g.refreshes:
		return call
	default:
	}

	select {
	case call := <-g.refreshes:
		return call
	case call := <-g.connects:
		return call
	case <-g.ctx.Done():
		return nil
	}
}

// Stop shuts the gate down and fails whatever is still queued
func (g *ControlGate) Stop() error {
	g.cancel()
	<-g.done

	rejected := 0
	for {
		select {
		case call := <-g.refreshes:
			call.reply <- context.Canceled
			rejected++
		case call := <-g.connects:
			call.reply <- context.Canceled
			rejected++
		default:
			g.logger.Info("control gate stopped", "rejected_calls", rejected)
			return nil
		}
	}
}

// GateStats is a point-in-time view of the gate
type GateStats struct {
	Pending  int
	Executed int64
	Failed   int64
}

// Stats returns current gate statistics
func (g *ControlGate) Stats() GateStats {
	return GateStats{
		Pending:  len(g.refreshes) + len(g.connects),
		Executed: g.executed.Load(),
		Failed:   g.failed.Load(),
	}
}
