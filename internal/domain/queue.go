package domain

import (
	"context"
	"time"
)

// LeasedMessage is a received job together with the backend token needed to extend or
// acknowledge it. It is owned by the worker loop that received it.
type LeasedMessage struct {
	Job Job

	// Token is the backend acknowledgment handle (a stream entry ID or a delivery tag).
	Token string

	// LeaseExpiry is the time after which the backend may redeliver the message.
	// Backends without a lease concept leave it zero.
	LeaseExpiry time.Time

	// Deliveries is how many times the backend has handed this message out, when known.
	Deliveries int64

	// Raw is backend-private state (for example the AMQP delivery).
	Raw any
}

// QueueClient is the contract every queue backend satisfies. A single QueueClient handle has at
// most one message in flight at a time; create one handle per worker loop.
type QueueClient interface {
	// ReceiveMessage blocks until a message is available or ctx is done. A body that fails to
	// decode or validate is returned as an error wrapping ErrInvalidMessage and is not acked.
	ReceiveMessage(ctx context.Context) (*LeasedMessage, error)

	// ExtendMessageLease pushes the redelivery deadline to now + timeout. It is idempotent.
	ExtendMessageLease(ctx context.Context, msg *LeasedMessage, timeout time.Duration) error

	// AckMessage permanently removes the message.
	AckMessage(ctx context.Context, msg *LeasedMessage) error

	// Close releases the handle. Unacked messages become eligible for redelivery.
	Close() error
}

// QueueProvider hands out independent queue handles, one per worker loop.
type QueueProvider interface {
	ProvideQueue(ctx context.Context) (QueueClient, error)
	Close() error
}

// Publisher enqueues raw job messages. Used by the producer tool and tests.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}
