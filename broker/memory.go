package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Memory is an in-process broker. It keeps the delivery semantics of the
// network transports (durable queues, one unacked message per consumer,
// requeue on nack or disconnect) and is used by tests and the standalone
// command.
type Memory struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	conns      map[*memConn]struct{}
	down       bool
	publishErr error
}

type memQueue struct {
	ready []*memMessage
	wake  chan struct{}
}

type memMessage struct {
	body        []byte
	redelivered bool
}

func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		conns:  make(map[*memConn]struct{}),
	}
}

// Dial satisfies DialFunc.
func (m *Memory) Dial(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errors.New("memory broker unavailable")
	}
	c := &memConn{m: m, done: make(chan struct{}), inflight: make(map[*memDelivery]struct{})}
	m.conns[c] = struct{}{}
	return c, nil
}

// SetDown makes subsequent dials fail while down is true.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetPublishError makes every publish fail with err until it is reset to nil.
func (m *Memory) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// Disconnect drops every open connection, as a broker restart would.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	conns := make([]*memConn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Ready returns copies of the bodies waiting in queue, next delivery first.
func (m *Memory) Ready(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if q == nil {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, msg := range q.ready {
		out = append(out, append([]byte(nil), msg.body...))
	}
	return out
}

// Declared reports whether queue exists.
func (m *Memory) Declared(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[queue]
	return ok
}

// Unacked counts deliveries handed out on queue and not yet settled.
func (m *Memory) Unacked(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for c := range m.conns {
		for d := range c.inflight {
			if d.queue == queue {
				n++
			}
		}
	}
	return n
}

// push must be called with m.mu held.
func (m *Memory) push(queue string, msg *memMessage, front bool) {
	q := m.queues[queue]
	if q == nil {
		return
	}
	if front {
		q.ready = append([]*memMessage{msg}, q.ready...)
	} else {
		q.ready = append(q.ready, msg)
	}
	close(q.wake)
	q.wake = make(chan struct{})
}

type memConn struct {
	m        *Memory
	done     chan struct{}
	closed   bool
	inflight map[*memDelivery]struct{}
}

func (c *memConn) Declare(_ context.Context, queues ...string) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, name := range queues {
		if _, ok := c.m.queues[name]; !ok {
			c.m.queues[name] = &memQueue{wake: make(chan struct{})}
		}
	}
	return nil
}

func (c *memConn) Publish(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.m.publishErr != nil {
		return c.m.publishErr
	}
	if _, ok := c.m.queues[queue]; !ok {
		return fmt.Errorf("queue %q not declared", queue)
	}
	c.m.push(queue, &memMessage{body: append([]byte(nil), body...)}, false)
	return nil
}

func (c *memConn) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	c.m.mu.Lock()
	_, ok := c.m.queues[queue]
	closed := c.closed
	c.m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("queue %q not declared", queue)
	}

	out := make(chan Delivery)
	go c.pump(ctx, queue, out)
	return out, nil
}

func (c *memConn) pump(ctx context.Context, queue string, out chan<- Delivery) {
	defer close(out)
	for {
		d, wake := c.next(queue)
		if d == nil {
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}

		select {
		case out <- d:
		case <-ctx.Done():
			d.settle(true)
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

// next pops the head of queue into this connection's inflight set, or returns
// the channel that is closed on the next push.
func (c *memConn) next(queue string) (*memDelivery, <-chan struct{}) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	q := c.m.queues[queue]
	if c.closed || len(q.ready) == 0 {
		return nil, q.wake
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	d := &memDelivery{conn: c, queue: queue, msg: msg, settled: make(chan struct{})}
	c.inflight[d] = struct{}{}
	return d, nil
}

// Close requeues every unsettled delivery at the head of its queue.
func (c *memConn) Close() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	for d := range c.inflight {
		d.msg.redelivered = true
		c.m.push(d.queue, d.msg, true)
	}
	c.inflight = nil
	delete(c.m.conns, c)
	return nil
}

type memDelivery struct {
	conn    *memConn
	queue   string
	msg     *memMessage
	settled chan struct{}
	done    bool
}

func (d *memDelivery) Body() []byte { return d.msg.body }

// Redelivered reports whether the message was handed out before.
func (d *memDelivery) Redelivered() bool { return d.msg.redelivered }

func (d *memDelivery) Ack() error  { return d.settle(false) }
func (d *memDelivery) Nack() error { return d.settle(true) }

func (d *memDelivery) settle(requeue bool) error {
	m := d.conn.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.done {
		return errors.New("delivery already settled")
	}
	if d.conn.closed {
		return ErrClosed
	}
	d.done = true
	delete(d.conn.inflight, d)
	if requeue {
		d.msg.redelivered = true
		m.push(d.queue, d.msg, true)
	}
	close(d.settled)
	return nil
}
