package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/gradex/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the subset of *amqp.Channel the queue uses.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// RabbitOptions configures the RabbitMQ backend.
type RabbitOptions struct {
	URL            string
	Queue          string
	DeliveryLimit  int
	ReconnectDelay time.Duration
}

// RabbitProvider owns one AMQP connection and redials it when the broker drops it. Each queue
// handle gets its own channel.
type RabbitProvider struct {
	opts RabbitOptions

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool

	// openChannel is replaced in tests.
	openChannel func() (amqpChannel, error)
}

var _ domain.QueueProvider = (*RabbitProvider)(nil)
var _ domain.Publisher = (*RabbitProvider)(nil)

// NewRabbitProvider dials the broker and starts the reconnect watcher.
func NewRabbitProvider(ctx context.Context, opts RabbitOptions) (*RabbitProvider, error) {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	p := &RabbitProvider{opts: opts, conn: conn}
	p.openChannel = p.channelFromConn
	go p.watch(ctx, conn)
	return p, nil
}

func (p *RabbitProvider) channelFromConn() (amqpChannel, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, errors.New("rabbitmq connection is not open")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// watch redials every ReconnectDelay after the connection closes unexpectedly.
func (p *RabbitProvider) watch(ctx context.Context, conn *amqp.Connection) {
	for {
		closeErr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
		p.mu.Lock()
		shutdown := p.closed
		p.mu.Unlock()
		if shutdown || !ok {
			return
		}
		slog.Error("RabbitMQ connection lost", "error", closeErr)

		for {
			if !sleepCtx(ctx, p.opts.ReconnectDelay) {
				return
			}
			next, err := amqp.Dial(p.opts.URL)
			if err != nil {
				slog.Error("RabbitMQ reconnect failed", "error", err)
				continue
			}
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				_ = next.Close()
				return
			}
			p.conn = next
			p.mu.Unlock()
			conn = next
			slog.Info("RabbitMQ reconnected")
			break
		}
	}
}

func (p *RabbitProvider) queueArgs() amqp.Table {
	if p.opts.DeliveryLimit <= 0 {
		return nil
	}
	// x-delivery-limit is only honored by quorum queues.
	return amqp.Table{
		"x-queue-type":     "quorum",
		"x-delivery-limit": int64(p.opts.DeliveryLimit),
	}
}

// ProvideQueue opens a dedicated channel for one worker loop.
func (p *RabbitProvider) ProvideQueue(_ context.Context) (domain.QueueClient, error) {
	q := &RabbitQueue{
		name:  p.opts.Queue,
		args:  p.queueArgs(),
		open:  p.openChannel,
		retry: p.opts.ReconnectDelay,
	}
	if err := q.ensureChannel(); err != nil {
		return nil, err
	}
	return q, nil
}

// Publish sends a persistent job message to the queue.
func (p *RabbitProvider) Publish(ctx context.Context, job domain.Job) error {
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	ch, err := p.openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(p.opts.Queue, true, false, false, false, p.queueArgs()); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	err = ch.PublishWithContext(ctx, "", p.opts.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID.String(),
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed: %w", err)
	}
	return nil
}

func (p *RabbitProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// pendingDelivery is the message currently held by a handle.
type pendingDelivery struct {
	d       amqp.Delivery
	invalid bool
}

// RabbitQueue receives exactly one message per consume: it subscribes, takes the first delivery
// and cancels the subscription. With prefetch 1 the broker never pushes a second message to the
// channel while one is unacked.
type RabbitQueue struct {
	name  string
	args  amqp.Table
	open  func() (amqpChannel, error)
	retry time.Duration

	ch      amqpChannel
	closed  chan *amqp.Error
	pending *pendingDelivery
}

var _ domain.QueueClient = (*RabbitQueue)(nil)

func (q *RabbitQueue) ensureChannel() error {
	if q.ch != nil {
		select {
		case <-q.closed:
			q.ch = nil
			q.pending = nil
		default:
			return nil
		}
	}

	ch, err := q.open()
	if err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	q.ch = ch
	q.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// release returns a delivery that was never acked. Valid jobs go back on the queue. Bodies that
// failed validation are rejected so the broker's dead-letter policy applies.
func (q *RabbitQueue) release() {
	if q.pending == nil {
		return
	}
	p := q.pending
	q.pending = nil
	if err := p.d.Nack(false, !p.invalid); err != nil {
		slog.Warn("Failed to release unacked delivery", "deliveryTag", p.d.DeliveryTag, "error", err)
	}
}

// ReceiveMessage blocks until one delivery arrives or ctx is done.
func (q *RabbitQueue) ReceiveMessage(ctx context.Context) (*domain.LeasedMessage, error) {
	q.release()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.ensureChannel(); err != nil {
			slog.Error("RabbitMQ channel unavailable", "queue", q.name, "error", err)
			if !sleepCtx(ctx, q.retry) {
				return nil, ctx.Err()
			}
			continue
		}

		d, ok, err := q.consumeOne(ctx)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			slog.Error("RabbitMQ consume failed", "queue", q.name, "error", err)
			q.dropChannel()
			if !sleepCtx(ctx, q.retry) {
				return nil, ctx.Err()
			}
			continue
		}
		if !ok {
			// channel closed underneath us
			q.dropChannel()
			continue
		}

		job, err := DecodeJob(d.Body)
		if err != nil {
			q.pending = &pendingDelivery{d: d, invalid: true}
			return nil, fmt.Errorf("delivery %d: %w", d.DeliveryTag, err)
		}
		q.pending = &pendingDelivery{d: d}

		return &domain.LeasedMessage{
			Job:        job,
			Token:      fmt.Sprint(d.DeliveryTag),
			Deliveries: deliveryCount(d),
			Raw:        d,
		}, nil
	}
}

func (q *RabbitQueue) consumeOne(ctx context.Context) (amqp.Delivery, bool, error) {
	tag := "grader-" + uuid.NewString()
	deliveries, err := q.ch.Consume(q.name, tag, false, false, false, false, nil)
	if err != nil {
		return amqp.Delivery{}, false, fmt.Errorf("consume %s: %w", q.name, err)
	}

	select {
	case <-ctx.Done():
		q.cancel(tag, deliveries)
		return amqp.Delivery{}, false, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return amqp.Delivery{}, false, nil
		}
		q.cancel(tag, deliveries)
		return d, true, nil
	}
}

// cancel stops the subscription and requeues anything that raced in before the cancel landed.
func (q *RabbitQueue) cancel(tag string, deliveries <-chan amqp.Delivery) {
	if err := q.ch.Cancel(tag, false); err != nil {
		slog.Warn("Failed to cancel consumer", "consumerTag", tag, "error", err)
		return
	}
	for extra := range deliveries {
		_ = extra.Nack(false, true)
	}
}

func (q *RabbitQueue) dropChannel() {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	q.ch = nil
	q.pending = nil
}

func deliveryCount(d amqp.Delivery) int64 {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int64:
			return n + 1
		case int32:
			return int64(n) + 1
		case int:
			return int64(n) + 1
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

// ExtendMessageLease is a no-op: an unacked delivery stays with this channel until it is acked
// or the channel closes.
func (q *RabbitQueue) ExtendMessageLease(_ context.Context, _ *domain.LeasedMessage, _ time.Duration) error {
	return nil
}

// AckMessage acks the delivery held by this handle.
func (q *RabbitQueue) AckMessage(_ context.Context, msg *domain.LeasedMessage) error {
	d, ok := msg.Raw.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("message %s was not received from rabbitmq", msg.Token)
	}
	if q.pending != nil && q.pending.d.DeliveryTag == d.DeliveryTag {
		q.pending = nil
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("ack %s: %w", msg.Token, err)
	}
	return nil
}

// Close closes the channel. The broker requeues any unacked delivery.
func (q *RabbitQueue) Close() error {
	if q.ch == nil {
		return nil
	}
	ch := q.ch
	q.ch = nil
	q.pending = nil
	return ch.Close()
}
