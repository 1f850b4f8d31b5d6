package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"audiorelay/logger"
	"audiorelay/pipeline"
)

const (
	DefaultAttempts = 5
	DefaultDelay    = 5 * time.Second
)

// Connector establishes connections with a bounded, fixed-delay retry and
// declares every queue in Queues before handing the connection out.
type Connector struct {
	Dial     DialFunc
	Queues   []string
	Attempts int
	Delay    time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// Connect tries up to Attempts times. When every attempt fails it returns a
// KindConnection error, which callers treat as fatal.
func (c *Connector) Connect(ctx context.Context) (Conn, error) {
	if c.Dial == nil {
		return nil, errors.New("broker dial func is required")
	}
	attempts, delay, sleep := c.attempts(), c.delay(), c.sleeper()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := c.connectOnce(ctx)
		if err == nil {
			logger.Infof("broker connected: attempt=%d, queues=%v", attempt, c.Queues)
			return conn, nil
		}
		lastErr = err
		logger.Warnf("broker connection failed: attempt=%d/%d, error=%v", attempt, attempts, err)

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, pipeline.New(pipeline.KindConnection, "connect to broker", err)
		}
	}
	return nil, pipeline.New(pipeline.KindConnection, "connect to broker",
		fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr))
}

func (c *Connector) attempts() int {
	if c.Attempts <= 0 {
		return DefaultAttempts
	}
	return c.Attempts
}

func (c *Connector) delay() time.Duration {
	if c.Delay <= 0 {
		return DefaultDelay
	}
	return c.Delay
}

func (c *Connector) sleeper() func(ctx context.Context, d time.Duration) error {
	if c.sleep == nil {
		return sleepContext
	}
	return c.sleep
}

func (c *Connector) connectOnce(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if len(c.Queues) > 0 {
		if err := conn.Declare(ctx, c.Queues...); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queues: %w", err)
		}
	}
	return conn, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
