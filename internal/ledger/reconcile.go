// reconcile.go adapts the teacher's Redis Streams job-queue idiom
// (internal/redis.Client: XAdd/XGroupCreateMkStream/XReadGroup with a DLQ
// stream for exhausted retries) into a queue of ledger reconciliation
// records. Where the teacher moves failed jobs to a dead-letter stream after
// repeated delivery, the ledger pushes settlement failures onto a stream the
// moment they happen — spec §9 requires they never be swallowed silently —
// and a drain worker consumes them for manual or automated reconciliation.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cm64-studio/llmule-broker/internal/activity"
)

const reconcileStream = "llmule:reconcile:v1"

// ReconcileEntry is one settlement failure awaiting manual or automated
// resolution.
type ReconcileEntry struct {
	Timestamp time.Time
	Reason    string // e.g. "debit_failed", "credit_failed", "record_transaction_failed"
	Account   string
	Amount    float64
	Detail    string
}

// ReconcileQueue pushes and drains ReconcileEntry records via a Redis
// Stream with a consumer group, mirroring internal/redis.Client's
// EnsureConsumerGroup/XReadGroup/XAck shape.
type ReconcileQueue struct {
	client        *redis.Client
	consumerGroup string
	consumerName  string
	blockTimeout  time.Duration
	log           activity.Logger
}

// ReconcileQueueConfig configures a ReconcileQueue.
type ReconcileQueueConfig struct {
	URL           string
	Password      string
	ConsumerGroup string
	BlockTimeout  time.Duration
	Logger        activity.Logger
}

// NewReconcileQueue connects to Redis and ensures the consumer group exists.
func NewReconcileQueue(ctx context.Context, cfg ReconcileQueueConfig) (*ReconcileQueue, error) {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "llmule-ledger"
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = activity.Noop()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	q := &ReconcileQueue{
		client:        client,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  fmt.Sprintf("ledger-%s", uuid.New().String()[:8]),
		blockTimeout:  cfg.BlockTimeout,
		log:           cfg.Logger,
	}

	if err := client.XGroupCreateMkStream(ctx, reconcileStream, q.consumerGroup, "0").Err(); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create consumer group: %w", err)
		}
	}

	return q, nil
}

// Close releases the underlying Redis connection.
func (q *ReconcileQueue) Close() error {
	return q.client.Close()
}

// Push enqueues a reconciliation record. Failures to push are logged but
// never returned to the settlement caller — the settlement failure itself
// is already the signal that matters; a best-effort push failure on top of
// it degrades to a log line rather than compounding the error.
func (q *ReconcileQueue) Push(entry ReconcileEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fields := map[string]interface{}{
		"timestamp": entry.Timestamp.UTC().Format(time.RFC3339Nano),
		"reason":    entry.Reason,
		"account":   entry.Account,
		"amount":    fmt.Sprintf("%.6f", entry.Amount),
		"detail":    entry.Detail,
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: reconcileStream, Values: fields}).Err(); err != nil {
		activity.Logf(q.log, "error", "reconcile queue push failed for %s: %v", entry.Account, err)
	}
}

// reconcileMessage is a message pulled off the stream, carrying its ID for
// acknowledgment.
type reconcileMessage struct {
	ID    string
	Entry ReconcileEntry
}

// ReadOne reads the next unclaimed reconciliation entry, blocking up to the
// configured timeout. Returns (nil, nil) if none is available.
func (q *ReconcileQueue) ReadOne(ctx context.Context) (*reconcileMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.consumerGroup,
		Consumer: q.consumerName,
		Streams:  []string{reconcileStream, ">"},
		Count:    1,
		Block:    q.blockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read reconcile stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	msg := streams[0].Messages[0]
	entry := ReconcileEntry{Reason: str(msg.Values, "reason"), Account: str(msg.Values, "account"), Detail: str(msg.Values, "detail")}
	entry.Timestamp, _ = time.Parse(time.RFC3339Nano, str(msg.Values, "timestamp"))
	fmt.Sscanf(str(msg.Values, "amount"), "%f", &entry.Amount)

	return &reconcileMessage{ID: msg.ID, Entry: entry}, nil
}

// Ack acknowledges a processed reconciliation entry.
func (q *ReconcileQueue) Ack(ctx context.Context, messageID string) error {
	return q.client.XAck(ctx, reconcileStream, q.consumerGroup, messageID).Err()
}

func str(values map[string]interface{}, key string) string {
	v, ok := values[key].(string)
	if !ok {
		return ""
	}
	return v
}

// DrainFunc processes one reconciliation entry. A nil error acknowledges
// it; a non-nil error leaves it unacknowledged in the consumer group's
// pending list. Drain reads only new entries, so it does not hand that
// entry to handle again.
type DrainFunc func(ctx context.Context, entry ReconcileEntry) error

// Drain runs handle over every available reconciliation entry, blocking
// between reads, until ctx is canceled — the reconciliation counterpart to
// the teacher's Runner.Run dispatch loop.
func (q *ReconcileQueue) Drain(ctx context.Context, handle DrainFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := q.ReadOne(ctx)
		if err != nil {
			activity.Logf(q.log, "error", "reconcile drain read failed: %v", err)
			continue
		}
		if msg == nil {
			continue
		}

		if err := handle(ctx, msg.Entry); err != nil {
			activity.Logf(q.log, "warning", "reconcile entry for %s not yet resolved: %v", msg.Entry.Account, err)
			continue
		}
		if err := q.Ack(ctx, msg.ID); err != nil {
			activity.Logf(q.log, "error", "reconcile ack failed: %v", err)
		}
	}
}
