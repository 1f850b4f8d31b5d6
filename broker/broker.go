// Package broker connects the pipeline processes to durable work queues with
// at-least-once delivery and explicit acknowledgement.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("broker connection closed")
	// ErrUnconfirmed wraps a publish whose message left the client but whose
	// confirm never arrived. The message may or may not be enqueued.
	ErrUnconfirmed = errors.New("publish outcome unknown")
)

// ConfirmTimeout bounds the wait for a broker confirm once a message has been
// handed off. The wait ignores cancellation of the caller's context.
var ConfirmTimeout = 30 * time.Second

// Unconfirmed reports whether a Publish error leaves the message's fate
// unknown. That is the case for ErrUnconfirmed and for any error returned
// because ctx ended, since the message may already have been sent.
func Unconfirmed(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnconfirmed) {
		return true
	}
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func confirmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ConfirmTimeout)
}

// Delivery is one received message. Exactly one of Ack or Nack must be called.
// Nack always requeues the message for redelivery.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack() error
}

// Publisher sends persistent messages to a named durable queue. A nil error
// means the broker has taken responsibility for the message.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Conn is one live broker session.
type Conn interface {
	Publisher
	// Declare creates the named queues as durable if they do not exist.
	Declare(ctx context.Context, queues ...string) error
	// Consume streams deliveries one at a time; the next message is only
	// delivered after the previous one is acked or nacked. The channel is
	// closed when ctx ends or the connection is lost.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// DialFunc opens a new connection.
type DialFunc func(ctx context.Context) (Conn, error)
