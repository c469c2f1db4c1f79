package publish

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/seclens/inferd/pkg/event"
)

// dynamoAPI is the slice of the DynamoDB API we use
type dynamoAPI interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// RecordConfig configures the key-value record sink
type RecordConfig struct {
	Table         string
	BatchSize     int // <= 25, the BatchWriteItem limit
	FlushInterval time.Duration
	MaxRetries    int
	CallTimeout   time.Duration
	BaseBackoff   time.Duration
	TTLDays       int // 0 disables the expiry column
}

// DefaultRecordConfig returns the sink defaults
func DefaultRecordConfig(table string) RecordConfig {
	return RecordConfig{
		Table:         table,
		BatchSize:     25,
		FlushInterval: time.Second,
		MaxRetries:    3,
		CallTimeout:   5 * time.Second,
		BaseBackoff:   100 * time.Millisecond,
	}
}

// recordItem is the marshalled table row. The hash key is the
// deterministic event id, so at-least-once delivery collapses to
// exactly-once at rest; ts_ms is the range key for time scans. Reals
// go through attributevalue's exact-decimal Number type.
type recordItem struct {
	EventID  string            `dynamodbav:"event_id"`
	TsMs     int64             `dynamodbav:"ts_ms"`
	CameraID string            `dynamodbav:"camera_id"`
	Producer string            `dynamodbav:"producer"`
	Type     string            `dynamodbav:"type"`
	Label    string            `dynamodbav:"label"`
	Conf     float64           `dynamodbav:"conf"`
	X1       float64           `dynamodbav:"bbox_x1"`
	Y1       float64           `dynamodbav:"bbox_y1"`
	X2       float64           `dynamodbav:"bbox_x2"`
	Y2       float64           `dynamodbav:"bbox_y2"`
	Extras   map[string]string `dynamodbav:"extras,omitempty"`
	// ExpiresAt is the TTL attribute in epoch seconds
	ExpiresAt int64 `dynamodbav:"expires_at,omitempty"`
}

// pendingItem is one buffered row with its retry budget
type pendingItem struct {
	item     map[string]types.AttributeValue
	attempts int
}

// RecordPublisher writes envelopes into a DynamoDB table in batches of
// up to 25. Same buffering model as the stream sink: mutex-guarded
// buffer, background flusher, bounded backpressure.
type RecordPublisher struct {
	api     dynamoAPI
	cfg     RecordConfig
	logger  *slog.Logger
	metrics SinkMetrics

	mu     sync.Mutex
	buf    []pendingItem
	counts Snapshot

	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewRecordPublisher creates the sink from shared AWS config
func NewRecordPublisher(awsCfg aws.Config, cfg RecordConfig, m SinkMetrics, logger *slog.Logger) *RecordPublisher {
	return newRecordPublisher(dynamodb.NewFromConfig(awsCfg), cfg, m, logger)
}

func newRecordPublisher(api dynamoAPI, cfg RecordConfig, m SinkMetrics, logger *slog.Logger) *RecordPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &RecordPublisher{
		api:     api,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		buf:     make([]pendingItem, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}

	p.wg.Add(1)
	go p.flushLoop()

	return p
}

// marshalEnvelope flattens one envelope into a table row
func (p *RecordPublisher) marshalEnvelope(env event.Envelope) (map[string]types.AttributeValue, error) {
	row := recordItem{
		EventID:  env.EventID,
		TsMs:     env.Payload.TsMs,
		CameraID: env.CameraID,
		Producer: env.Producer,
		Type:     env.Payload.Type,
		Label:    env.Payload.Label,
		Conf:     env.Payload.Conf,
		X1:       env.Payload.BBox.X1,
		Y1:       env.Payload.BBox.Y1,
		X2:       env.Payload.BBox.X2,
		Y2:       env.Payload.BBox.Y2,
		Extras:   env.Payload.Extras,
	}
	if p.cfg.TTLDays > 0 {
		row.ExpiresAt = p.now().Add(time.Duration(p.cfg.TTLDays) * 24 * time.Hour).Unix()
	}
	return attributevalue.MarshalMap(row)
}

// Publish buffers one envelope for batched writing
func (p *RecordPublisher) Publish(ctx context.Context, env event.Envelope) {
	item, err := p.marshalEnvelope(env)
	if err != nil {
		p.logger.Error("marshal record", "event_id", env.EventID, "error", err)
		p.addCounts(Snapshot{Failed: 1})
		p.metrics.failed(1)
		return
	}

	rec := pendingItem{item: item}

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

		p.kick()
		select {
		case <-ctx.Done():
			p.logger.Warn("dropping record under backpressure", "event_id", env.EventID)
			p.addCounts(Snapshot{Dropped: 1})
			p.metrics.dropped(1)
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *RecordPublisher) kick() {
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

func (p *RecordPublisher) flushLoop() {
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

// Flush writes everything buffered, requeueing unprocessed items until
// their retry budget runs out
func (p *RecordPublisher) Flush(ctx context.Context) error {
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
		batch := make([]pendingItem, n)
		copy(batch, p.buf)
		p.buf = append(p.buf[:0], p.buf[n:]...)
		p.mu.Unlock()

		if err := p.writeBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// writeBatch performs one BatchWriteItem call with throttling backoff
func (p *RecordPublisher) writeBatch(ctx context.Context, batch []pendingItem) error {
	requests := make([]types.WriteRequest, len(batch))
	for i, rec := range batch {
		requests[i] = types.WriteRequest{
			PutRequest: &types.PutRequest{Item: rec.item},
		}
	}

	var out *dynamodb.BatchWriteItemOutput
	err := retry.Do(
		func() error {
			var callErr error
			out, callErr = p.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{
					p.cfg.Table: requests,
				},
			})
			return callErr
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.cfg.MaxRetries)+1),
		retry.DelayType(p.jitterBackoff),
		retry.LastErrorOnly(true),
		retry.RetryIf(isDynamoThrottle),
	)
	if err != nil {
		p.logger.Error("batch write failed",
			"table", p.cfg.Table,
			"items", len(batch),
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

	// Unprocessed items come back keyed by table; requeue them
	unprocessed := out.UnprocessedItems[p.cfg.Table]
	published := len(batch) - len(unprocessed)

	var requeue []pendingItem
	failed := 0
	for _, wr := range unprocessed {
		if wr.PutRequest == nil {
			continue
		}
		rec := pendingItem{item: wr.PutRequest.Item, attempts: maxAttempts(batch, wr.PutRequest.Item) + 1}
		if rec.attempts > p.cfg.MaxRetries {
			failed++
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

	return nil
}

// maxAttempts finds the attempt count of the batch entry matching the
// unprocessed item (by event_id)
func maxAttempts(batch []pendingItem, item map[string]types.AttributeValue) int {
	id, ok := item["event_id"].(*types.AttributeValueMemberS)
	if !ok {
		return 0
	}
	for _, rec := range batch {
		if recID, ok := rec.item["event_id"].(*types.AttributeValueMemberS); ok && recID.Value == id.Value {
			return rec.attempts
		}
	}
	return 0
}

func isDynamoThrottle(err error) bool {
	var throughput *types.ProvisionedThroughputExceededException
	var limit *types.RequestLimitExceeded
	return errors.As(err, &throughput) || errors.As(err, &limit)
}

// jitterBackoff is base * 2^attempt * U[0.8, 1.2]
func (p *RecordPublisher) jitterBackoff(n uint, _ error, _ *retry.Config) time.Duration {
	d := p.cfg.BaseBackoff << n
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

// Metrics returns the sink's counter snapshot
func (p *RecordPublisher) Metrics() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

// Close stops the background flusher after a final bounded drain
func (p *RecordPublisher) Close(ctx context.Context) error {
	err := p.Flush(ctx)

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	remaining := len(p.buf)
	p.buf = nil
	p.mu.Unlock()

	if remaining > 0 {
		p.logger.Warn("dropping undelivered records at shutdown", "count", remaining)
		p.addCounts(Snapshot{Dropped: int64(remaining)})
		p.metrics.dropped(remaining)
	}
	return err
}

func (p *RecordPublisher) addCounts(d Snapshot) {
	p.mu.Lock()
	p.counts.Published += d.Published
	p.counts.Failed += d.Failed
	p.counts.Retried += d.Retried
	p.counts.Dropped += d.Dropped
	p.counts.BatchesSent += d.BatchesSent
	p.mu.Unlock()
}
