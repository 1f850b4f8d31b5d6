package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"audiorelay/logger"
	"audiorelay/pipeline"
)

// HandlerFunc processes one delivery. pub publishes on the same connection
// the delivery arrived on. The handler must ack or nack d.
type HandlerFunc func(ctx context.Context, pub Publisher, d Delivery)

// Serve consumes queue until ctx is cancelled. When the delivery stream
// closes because the connection was lost, Serve waits the connector's Delay
// and reconnects through c instead of returning. Streams that end without a
// single delivery count against the connector's Attempts; once that many are
// lost in a row, or c gives up dialling, Serve returns a KindConnection error.
func Serve(ctx context.Context, c *Connector, queue string, h HandlerFunc) error {
	attempts, delay, sleep := c.attempts(), c.delay(), c.sleeper()
	barren := 0
	for {
		conn, err := c.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		delivered, lost := consume(ctx, conn, queue, h)
		conn.Close()
		if !lost {
			return nil
		}
		if delivered > 0 {
			barren = 0
		} else {
			barren++
		}
		if barren >= attempts {
			return pipeline.New(pipeline.KindConnection, "consume "+queue,
				fmt.Errorf("delivery stream lost %d times in a row without a delivery", barren))
		}
		logger.Warnf("delivery stream closed: queue=%s, empty_streams=%d/%d, reconnecting in %v", queue, barren, attempts, delay)
		if err := sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// consume drains one connection. lost reports whether the stream ended while
// ctx was still live; delivered counts the messages handed to h.
func consume(ctx context.Context, conn Conn, queue string, h HandlerFunc) (delivered int, lost bool) {
	deliveries, err := conn.Consume(ctx, queue)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		logger.Errorf("consume failed: queue=%s, error=%v", queue, err)
		return 0, true
	}
	logger.Infof("consuming: queue=%s", queue)

	for {
		select {
		case <-ctx.Done():
			return delivered, false
		case d, ok := <-deliveries:
			if !ok {
				return delivered, ctx.Err() == nil
			}
			delivered++
			h(ctx, conn, d)
		}
	}
}

// Session is a long-lived publisher for request handlers. A failed publish
// drops the connection and the next publish dials once more, so one broker
// outage fails the requests made during it without blocking them on retries.
type Session struct {
	connector *Connector

	mu   sync.Mutex
	conn Conn
}

// NewSession wraps an already established connection.
func NewSession(c *Connector, conn Conn) *Session {
	return &Session{connector: c, conn: conn}
}

func (s *Session) Publish(ctx context.Context, queue string, body []byte) error {
	conn, err := s.current(ctx)
	if err != nil {
		return err
	}
	if err := conn.Publish(ctx, queue, body); err != nil {
		s.drop(conn)
		return err
	}
	return nil
}

// Connected reports whether the session currently holds a connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) current(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := s.connector.connectOnce(ctx)
	if err != nil {
		return nil, pipeline.New(pipeline.KindConnection, "reconnect to broker", err)
	}
	s.conn = conn
	return conn, nil
}

func (s *Session) drop(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
