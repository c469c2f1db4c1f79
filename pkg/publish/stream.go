package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/seclens/inferd/pkg/event"
)

// kinesisAPI is the slice of the Kinesis Data Streams API we use
type kinesisAPI interface {
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

// StreamConfig configures the streaming-bus sink
type StreamConfig struct {
	StreamName    string
	BatchSize     int // <= 500, the PutRecords limit
	FlushInterval time.Duration
	MaxRetries    int
	CallTimeout   time.Duration
	BaseBackoff   time.Duration
}

// DefaultStreamConfig returns the sink defaults
func DefaultStreamConfig(streamName string) StreamConfig {
	return StreamConfig{
		StreamName:    streamName,
		BatchSize:     500,
		FlushInterval: time.Second,
		MaxRetries:    3,
		CallTimeout:   5 * time.Second,
		BaseBackoff:   100 * time.Millisecond,
	}
}

// pendingRecord is one buffered envelope with its retry budget
type pendingRecord struct {
	key      string
	data     []byte
	attempts int
}

// StreamPublisher batches envelopes onto a Kinesis data stream. The
// partition key is the camera id, so per-camera order is preserved on
// the bus. Buffering is a mutex-guarded slice drained by a background
// flusher; producers only block when the buffer is full and the
// flusher has stalled.
type StreamPublisher struct {
	api     kinesisAPI
	cfg     StreamConfig
	logger  *slog.Logger
	metrics SinkMetrics

	mu     sync.Mutex
	buf    []pendingRecord
	counts Snapshot

	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStreamPublisher creates the sink from shared AWS config
func NewStreamPublisher(awsCfg aws.Config, cfg StreamConfig, m SinkMetrics, logger *slog.Logger) *StreamPublisher {
	return newStreamPublisher(kinesis.NewFromConfig(awsCfg), cfg, m, logger)
}

func newStreamPublisher(api kinesisAPI, cfg StreamConfig, m SinkMetrics, logger *slog.Logger) *StreamPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &StreamPublisher{
		api:     api,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		buf:     make([]pendingRecord, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.wg.Add(1)
	go p.flushLoop()

	return p
}

// Publish buffers one envelope. A full buffer triggers an immediate
// background flush; if the buffer stays full past ctx's deadline the
// envelope is dropped and counted.
func (p *StreamPublisher) Publish(ctx context.Context, env event.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("marshal envelope", "event_id", env.EventID, "error", err)
		p.addCounts(Snapshot{Failed: 1})
		p.metrics.failed(1)
		return
	}

	rec := pendingRecord{key: env.CameraID, data: data}

	for {
		p.mu.Lock()
		if len(p.buf) < p.cfg.BatchSize {
			p.buf = append(p.buf, rec)
			full := len(p.buf) >= p.cfg.BatchSize
			p.mu.Unlock()
			if full {
				p.kick()
			}
			return
		}
		p.mu.Unlock()

		// Buffer full: nudge the flusher and wait briefly for space
		p.kick()
		select {
		case <-ctx.Done():
			p.logger.Warn("dropping envelope under backpressure",
				"camera_id", env.CameraID, "event_id", env.EventID)
			p.addCounts(Snapshot{Dropped: 1})
			p.metrics.dropped(1)
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// kick wakes the background flusher without blocking
func (p *StreamPublisher) kick() {
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

// flushLoop drains the buffer on interval, on demand, and at shutdown
func (p *StreamPublisher) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		case <-p.flushCh:
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CallTimeout)
		if err := p.Flush(ctx); err != nil {
			p.logger.Error("background flush", "error", err)
		}
		cancel()
	}
}

// Flush sends everything buffered, re-enqueueing per-record failures
// until their retry budget runs out
func (p *StreamPublisher) Flush(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.buf) == 0 {
			p.mu.Unlock()
			return nil
		}
		n := len(p.buf)
		if n > p.cfg.BatchSize {
			n = p.cfg.BatchSize
		}
		batch := make([]pendingRecord, n)
		copy(batch, p.buf)
		p.buf = append(p.buf[:0], p.buf[n:]...)
		p.mu.Unlock()

		if err := p.sendBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// sendBatch performs one PutRecords call with throttling backoff
func (p *StreamPublisher) sendBatch(ctx context.Context, batch []pendingRecord) error {
	entries := make([]types.PutRecordsRequestEntry, len(batch))
	for i, rec := range batch {
		entries[i] = types.PutRecordsRequestEntry{
			Data:         rec.data,
			PartitionKey: aws.String(rec.key),
		}
	}

	var out *kinesis.PutRecordsOutput
	err := retry.Do(
		func() error {
			var callErr error
			out, callErr = p.api.PutRecords(ctx, &kinesis.PutRecordsInput{
				StreamName: aws.String(p.cfg.StreamName),
				Records:    entries,
			})
			return callErr
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.cfg.MaxRetries)+1),
		retry.DelayType(p.jitterBackoff),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var throttle *types.ProvisionedThroughputExceededException
			return errors.As(err, &throttle)
		}),
	)
	if err != nil {
		// Whole call failed: every record in the batch failed
		p.logger.Error("put records failed",
			"stream_name", p.cfg.StreamName,
			"records", len(batch),
			"error", err)
		p.addCounts(Snapshot{Failed: int64(len(batch))})
		p.metrics.failed(len(batch))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	p.addCounts(Snapshot{BatchesSent: 1})
	p.metrics.batch()

	// Partial failures: requeue only the failed subset
	var requeue []pendingRecord
	published := 0
	failed := 0
	for i, result := range out.Records {
		if result.ErrorCode == nil {
			published++
			continue
		}
		rec := batch[i]
		rec.attempts++
		if rec.attempts > p.cfg.MaxRetries {
			failed++
			p.logger.Warn("record dropped after retries",
				"partition_key", rec.key,
				"error_code", aws.ToString(result.ErrorCode))
			continue
		}
		requeue = append(requeue, rec)
	}

	p.addCounts(Snapshot{
		Published: int64(published),
		Failed:    int64(failed),
		Retried:   int64(len(requeue)),
	})
	p.metrics.published(published)
	p.metrics.failed(failed)
	p.metrics.retried(len(requeue))

	if len(requeue) > 0 {
		p.mu.Lock()
		p.buf = append(p.buf, requeue...)
		p.mu.Unlock()
	}

	p.logger.DebugContext(ctx, "batch sent",
		"stream_name", p.cfg.StreamName,
		"published", published,
		"requeued", len(requeue),
		"failed", failed)

	return nil
}

// jitterBackoff is base * 2^attempt * U[0.8, 1.2]
func (p *StreamPublisher) jitterBackoff(n uint, _ error, _ *retry.Config) time.Duration {
	d := p.cfg.BaseBackoff << n
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

// Metrics returns the sink's counter snapshot
func (p *StreamPublisher) Metrics() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

// Close stops the background flusher after a final bounded drain.
// Whatever cannot be delivered before ctx expires is dropped but
// counted.
func (p *StreamPublisher) Close(ctx context.Context) error {
	err := p.Flush(ctx)

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	remaining := len(p.buf)
	p.buf = nil
	p.mu.Unlock()

	if remaining > 0 {
		p.logger.Warn("dropping undelivered envelopes at shutdown", "count", remaining)
		p.addCounts(Snapshot{Dropped: int64(remaining)})
		p.metrics.dropped(remaining)
	}
	return err
}

func (p *StreamPublisher) addCounts(d Snapshot) {
	p.mu.Lock()
	p.counts.Published += d.Published
	p.counts.Failed += d.Failed
	p.counts.Retried += d.Retried
	p.counts.Dropped += d.Dropped
	p.counts.BatchesSent += d.BatchesSent
	p.mu.Unlock()
}
