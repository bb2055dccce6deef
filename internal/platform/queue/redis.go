package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dontdude/gradex/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis Streams backend.
type RedisOptions struct {
	Stream            string
	Group             string
	DeadLetterStream  string
	ConsumerPrefix    string
	VisibilityTimeout time.Duration
	Block             time.Duration
	MaxReceiveCount   int64
}

// RedisProvider owns the Redis connection shared by every RedisQueue handle.
//
// A message is leased through a sorted set (<stream>:leases) scored by the lease expiry in unix
// milliseconds. Receivers first try to take over an expired lease and only then read new
// entries from the consumer group.
type RedisProvider struct {
	client redis.UniversalClient
	opts   RedisOptions
	now    func() time.Time
}

var _ domain.QueueProvider = (*RedisProvider)(nil)
var _ domain.Publisher = (*RedisProvider)(nil)

// NewRedisProvider pings Redis and makes sure the consumer group exists.
func NewRedisProvider(ctx context.Context, client redis.UniversalClient, opts RedisOptions) (*RedisProvider, error) {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.ConsumerPrefix == "" {
		opts.ConsumerPrefix = "grader"
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// "0" so that jobs published before the first worker started are not skipped.
	err := client.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &RedisProvider{client: client, opts: opts, now: time.Now}, nil
}

func (p *RedisProvider) leaseKey() string {
	return p.opts.Stream + ":leases"
}

// ProvideQueue returns a handle with its own consumer name.
func (p *RedisProvider) ProvideQueue(_ context.Context) (domain.QueueClient, error) {
	return p.newQueue(), nil
}

func (p *RedisProvider) newQueue() *RedisQueue {
	return &RedisQueue{
		p:        p,
		consumer: fmt.Sprintf("%s-%s", p.opts.ConsumerPrefix, uuid.NewString()),
	}
}

// Publish enqueues a job to the stream using XADD.
func (p *RedisProvider) Publish(ctx context.Context, job domain.Job) error {
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	return p.PublishRaw(ctx, data)
}

// PublishRaw appends an unvalidated body.
func (p *RedisProvider) PublishRaw(ctx context.Context, body []byte) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.opts.Stream,
		Values: map[string]interface{}{bodyField: body},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}

// RedisQueue is one worker loop's view of the stream. It is not safe for concurrent use.
type RedisQueue struct {
	p        *RedisProvider
	consumer string
}

var _ domain.QueueClient = (*RedisQueue)(nil)

// ReceiveMessage blocks until a message is leased to this handle or ctx is done.
func (q *RedisQueue) ReceiveMessage(ctx context.Context) (*domain.LeasedMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := q.reclaimExpired(ctx)
		if err == nil && entry == nil {
			entry, err = q.readNew(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Error("Redis read error", "consumer", q.consumer, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return nil, ctx.Err()
			}
			continue
		}
		if entry == nil {
			continue
		}

		msg, err := q.admit(ctx, *entry)
		if errors.Is(err, errDeadLettered) {
			continue
		}
		return msg, err
	}
}

// reclaimExpired takes over at most one message whose lease has run out. ZREM decides which
// receiver wins when several see the same expired lease.
func (q *RedisQueue) reclaimExpired(ctx context.Context) (*redis.XMessage, error) {
	now := q.p.now()
	ids, err := q.p.client.ZRangeByScore(ctx, q.p.leaseKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 1,
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	id := ids[0]
	removed, err := q.p.client.ZRem(ctx, q.p.leaseKey(), id).Result()
	if err != nil || removed == 0 {
		return nil, err
	}

	msgs, err := q.p.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.p.opts.Stream,
		Group:    q.p.opts.Group,
		Consumer: q.consumer,
		MinIdle:  0,
		Messages: []string{id},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", id, err)
	}
	if len(msgs) == 0 {
		// acked or deleted by its previous owner after the lease expired
		return nil, nil
	}
	slog.Warn("Reclaimed job with expired lease", "msgID", id, "consumer", q.consumer)
	if err := q.lease(ctx, id, q.p.opts.VisibilityTimeout); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (q *RedisQueue) readNew(ctx context.Context) (*redis.XMessage, error) {
	streams, err := q.p.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.p.opts.Group,
		Consumer: q.consumer,
		Streams:  []string{q.p.opts.Stream, ">"},
		Count:    1,
		Block:    q.p.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			if err := q.lease(ctx, m.ID, q.p.opts.VisibilityTimeout); err != nil {
				return nil, err
			}
			return &m, nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) lease(ctx context.Context, id string, d time.Duration) error {
	expiry := q.p.now().Add(d)
	return q.p.client.ZAdd(ctx, q.p.leaseKey(), redis.Z{
		Score:  float64(expiry.UnixMilli()),
		Member: id,
	}).Err()
}

var errDeadLettered = errors.New("message dead-lettered")

// admit enforces the receive limit and decodes the body.
func (q *RedisQueue) admit(ctx context.Context, m redis.XMessage) (*domain.LeasedMessage, error) {
	deliveries, err := q.deliveryCount(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	body := fieldBytes(m.Values[bodyField])
	if limit := q.p.opts.MaxReceiveCount; limit > 0 && deliveries > limit {
		if err := q.deadLetter(ctx, m.ID, body, deliveries); err != nil {
			return nil, err
		}
		slog.Warn("Moved job to dead-letter stream", "msgID", m.ID, "deliveries", deliveries)
		return nil, errDeadLettered
	}

	job, err := DecodeJob(body)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, err)
	}

	return &domain.LeasedMessage{
		Job:         job,
		Token:       m.ID,
		LeaseExpiry: q.p.now().Add(q.p.opts.VisibilityTimeout),
		Deliveries:  deliveries,
	}, nil
}

func (q *RedisQueue) deliveryCount(ctx context.Context, id string) (int64, error) {
	pending, err := q.p.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.p.opts.Stream,
		Group:  q.p.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", id, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return pending[0].RetryCount, nil
}

func (q *RedisQueue) deadLetter(ctx context.Context, id string, body []byte, deliveries int64) error {
	if q.p.opts.DeadLetterStream != "" {
		err := q.p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.p.opts.DeadLetterStream,
			Values: map[string]interface{}{
				bodyField:    body,
				"source_id":  id,
				"deliveries": deliveries,
			},
		}).Err()
		if err != nil {
			return fmt.Errorf("dead-letter %s: %w", id, err)
		}
	}
	return q.remove(ctx, id)
}

// ExtendMessageLease moves the lease expiry to now + timeout. XX keeps a lease that was already
// acked from being recreated.
func (q *RedisQueue) ExtendMessageLease(ctx context.Context, msg *domain.LeasedMessage, timeout time.Duration) error {
	expiry := q.p.now().Add(timeout)
	err := q.p.client.ZAddArgs(ctx, q.p.leaseKey(), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(expiry.UnixMilli()), Member: msg.Token}},
	}).Err()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", msg.Token, err)
	}
	msg.LeaseExpiry = expiry
	return nil
}

// AckMessage removes the entry from the group, the stream and the lease set.
func (q *RedisQueue) AckMessage(ctx context.Context, msg *domain.LeasedMessage) error {
	if err := q.remove(ctx, msg.Token); err != nil {
		return fmt.Errorf("ack %s: %w", msg.Token, err)
	}
	return nil
}

func (q *RedisQueue) remove(ctx context.Context, id string) error {
	_, err := q.p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.p.opts.Stream, q.p.opts.Group, id)
		pipe.XDel(ctx, q.p.opts.Stream, id)
		pipe.ZRem(ctx, q.p.leaseKey(), id)
		return nil
	})
	return err
}

// Close is a no-op; unacked entries stay leased until their lease expires.
func (q *RedisQueue) Close() error {
	return nil
}

func fieldBytes(v interface{}) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
