package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the slice of *amqp.Channel the transport uses, with publish
// folded into a confirmed call.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) error
	Close() error
}

type confirmChannel struct {
	*amqp.Channel
}

// PublishConfirmed publishes to the default exchange and waits for the
// broker's confirm.
func (c confirmChannel) PublishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) error {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return err
	}
	return awaitConfirm(ctx, dc)
}

// confirmation is the part of *amqp.DeferredConfirmation awaitConfirm needs.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm waits for the broker's answer to a publish already on the
// wire. A caller that gives up must not turn the publish into a failure, so
// the wait is detached from ctx and bounded by ConfirmTimeout instead.
func awaitConfirm(ctx context.Context, dc confirmation) error {
	wctx, cancel := confirmContext(ctx)
	defer cancel()
	ok, err := dc.WaitContext(wctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnconfirmed, err)
	}
	if !ok {
		return errors.New("broker rejected publish")
	}
	return nil
}

// DialAMQP returns a DialFunc for RabbitMQ. Each connection opens one channel
// in confirm mode with a prefetch of one.
func DialAMQP(url, connectionName string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		cfg := amqp.Config{
			Heartbeat:  10 * time.Second,
			Properties: amqp.NewConnectionProperties(),
			Dial:       amqp.DefaultDial(10 * time.Second),
		}
		cfg.Properties.SetClientConnectionName(connectionName)

		conn, err := amqp.DialConfig(url, cfg)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("amqp channel: %w", err)
		}
		if err := ch.Qos(1, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("amqp qos: %w", err)
		}
		if err := ch.Confirm(false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("amqp confirm mode: %w", err)
		}
		return newAMQPConn(confirmChannel{ch}, conn), nil
	}
}

type amqpConn struct {
	ch   amqpChannel
	conn interface{ Close() error }

	once sync.Once
}

func newAMQPConn(ch amqpChannel, conn interface{ Close() error }) *amqpConn {
	return &amqpConn{ch: ch, conn: conn}
}

func (c *amqpConn) Declare(_ context.Context, queues ...string) error {
	for _, q := range queues {
		if _, err := c.ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return nil
}

func (c *amqpConn) Publish(ctx context.Context, queue string, body []byte) error {
	return c.ch.PublishConfirmed(ctx, queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (c *amqpConn) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	in, err := c.ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range in {
			select {
			case out <- amqpDelivery{d}:
			case <-ctx.Done():
				// unacked deliveries are requeued by the broker when the channel closes
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpConn) Close() error {
	var err error
	c.once.Do(func() {
		err = errors.Join(c.ch.Close(), closeIfSet(c.conn))
		if errors.Is(err, amqp.ErrClosed) {
			err = nil
		}
	})
	return err
}

func closeIfSet(c interface{ Close() error }) error {
	if c == nil {
		return nil
	}
	return c.Close()
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte { return a.d.Body }
func (a amqpDelivery) Ack() error   { return a.d.Ack(false) }
func (a amqpDelivery) Nack() error  { return a.d.Nack(false, true) }
