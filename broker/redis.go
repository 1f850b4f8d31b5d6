package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"audiorelay/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "audiorelay:"
	redisPollTimeout = time.Second
)

// envelope wraps a body so identical payloads stay distinct list entries;
// LREM on ack must remove exactly the delivered entry.
type envelope struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`
}

func redisQueueKey(queue string) string {
	return redisKeyPrefix + "queue:" + queue
}

func redisProcessingKey(queue, consumer string) string {
	return redisKeyPrefix + "processing:" + queue + ":" + consumer
}

// DialRedis returns a DialFunc for the reliable-list transport. consumer names
// this process's processing lists and must be unique among live consumers.
func DialRedis(opts *redis.Options, consumer string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
		}
		return &redisConn{client: client, consumer: consumer, done: make(chan struct{})}, nil
	}
}

type redisConn struct {
	client   *redis.Client
	consumer string

	once sync.Once
	done chan struct{}
}

// Declare registers the queues and moves entries left in this consumer's
// processing lists by a previous run back onto the queues.
func (c *redisConn) Declare(ctx context.Context, queues ...string) error {
	for _, q := range queues {
		if err := c.client.SAdd(ctx, redisKeyPrefix+"queues", q).Err(); err != nil {
			return err
		}
		recovered := 0
		for {
			err := c.client.LMove(ctx, redisProcessingKey(q, c.consumer), redisQueueKey(q), "RIGHT", "RIGHT").Err()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return fmt.Errorf("recover processing list for %s: %w", q, err)
			}
			recovered++
		}
		if recovered > 0 {
			logger.Warnf("requeued unacked messages: queue=%s, consumer=%s, count=%d", q, c.consumer, recovered)
		}
	}
	return nil
}

func (c *redisConn) Publish(ctx context.Context, queue string, body []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	raw, err := json.Marshal(envelope{ID: uuid.NewString(), Body: body})
	if err != nil {
		return err
	}
	pctx, cancel := confirmContext(ctx)
	defer cancel()
	if err := c.client.LPush(pctx, redisQueueKey(queue), raw).Err(); err != nil {
		if pctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrUnconfirmed, err)
		}
		return err
	}
	return nil
}

func (c *redisConn) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	out := make(chan Delivery)
	go c.pump(ctx, queue, out)
	return out, nil
}

func (c *redisConn) pump(ctx context.Context, queue string, out chan<- Delivery) {
	defer close(out)
	src, proc := redisQueueKey(queue), redisProcessingKey(queue, c.consumer)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		raw, err := c.client.BRPopLPush(ctx, src, proc, redisPollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Errorf("redis consume failed: queue=%s, error=%v", queue, err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Not ours to interpret; hand the raw entry through so the
			// consumer's validation rejects it like any malformed body.
			env.Body = []byte(raw)
		}
		d := &redisDelivery{conn: c, src: src, proc: proc, raw: raw, body: env.Body, settled: make(chan struct{})}

		select {
		case out <- d:
		case <-ctx.Done():
			// stays in the processing list and is recovered by the next Declare
			return
		case <-c.done:
			return
		}
		select {
		case <-d.settled:
		case <-c.done:
			return
		}
	}
}

func (c *redisConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.client.Close()
	})
	return err
}

type redisDelivery struct {
	conn      *redisConn
	src, proc string
	raw       string
	body      []byte

	mu      sync.Mutex
	done    bool
	settled chan struct{}
}

func (d *redisDelivery) Body() []byte { return d.body }

func (d *redisDelivery) Ack() error {
	return d.settle(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.LRem(ctx, d.proc, 1, d.raw)
	})
}

// Nack puts the entry back at the consuming end so it is delivered next.
func (d *redisDelivery) Nack() error {
	return d.settle(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.LRem(ctx, d.proc, 1, d.raw)
		pipe.RPush(ctx, d.src, d.raw)
	})
}

func (d *redisDelivery) settle(fn func(context.Context, redis.Pipeliner)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return errors.New("delivery already settled")
	}
	ctx := context.Background()
	_, err := d.conn.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(ctx, pipe)
		return nil
	})
	// On failure the entry stays in the processing list; the next Declare
	// for this consumer requeues it.
	d.done = true
	close(d.settled)
	return err
}
