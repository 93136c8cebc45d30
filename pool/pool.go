// Package pool implements a bounded connection pool with FIFO fairness for
// waiting callers and self-repair of broken connections.
//
// A connection is either available or busy. Acquire hands out an available
// connection, dials a new one while the pool is below MaxConnections, or
// queues the caller until a connection is released or AcquireTimeout
// elapses. A connection that breaks is dropped and replaced in the
// background; the replacement goes to the oldest waiting caller first.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edwingeng/deque/v2"
	"github.com/sirupsen/logrus"

	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/errext"
	"github.com/raniellyferreira/redis-runtime/internal/retry"
)

// DialFunc opens a new connection for the pool
type DialFunc func(ctx context.Context) (*conn.Conn, error)

// Options configures a Pool
type Options struct {
	MinConnections int
	MaxConnections int
	AcquireTimeout time.Duration

	Dial   DialFunc
	Retry  *retry.Policy
	Logger logrus.FieldLogger
	Clock  clock.Clock
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Pending   int `json:"pending"`
	Total     int `json:"total"`
}

type result struct {
	c   *conn.Conn
	err error
}

// waiter is a pending Acquire. done is set under the pool mutex when the
// waiter is granted, rejected or gives up; done waiters are skipped when
// the queue is drained.
type waiter struct {
	ch         chan result
	done       bool
	enqueuedAt time.Time
}

// Pool is a bounded set of connections
type Pool struct {
	opts Options
	log  logrus.FieldLogger
	clk  clock.Clock

	mu        sync.Mutex
	available []*conn.Conn
	busy      map[uint64]*conn.Conn
	dialing   int
	pending   *deque.Deque[*waiter]
	waiting   int
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool and opens MinConnections connections. If any of them
// cannot be established the ones already open are closed and the error is
// returned.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Dial == nil {
		return nil, errors.New("pool: Dial is required")
	}
	if opts.MaxConnections <= 0 {
		return nil, fmt.Errorf("pool: MaxConnections must be positive, got %d", opts.MaxConnections)
	}
	if opts.MinConnections < 0 || opts.MinConnections > opts.MaxConnections {
		return nil, fmt.Errorf("pool: MinConnections %d out of range [0, %d]", opts.MinConnections, opts.MaxConnections)
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		opts.Logger = l
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.DefaultConfig(), opts.Logger)
	}

	p := &Pool{
		opts:    opts,
		log:     opts.Logger.WithField("component", "pool"),
		clk:     opts.Clock,
		busy:    make(map[uint64]*conn.Conn),
		pending: deque.NewDeque[*waiter](),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for i := 0; i < opts.MinConnections; i++ {
		c, err := opts.Dial(ctx)
		if err != nil {
			_ = p.Disconnect()
			return nil, fmt.Errorf("pool warm-up failed after %d connections: %w", i, err)
		}
		p.track(c)
		p.mu.Lock()
		p.available = append(p.available, c)
		p.mu.Unlock()
	}

	p.log.WithFields(logrus.Fields{
		"min": opts.MinConnections,
		"max": opts.MaxConnections,
	}).Debug("Connection pool ready")
	return p, nil
}

// track registers the pool's lifecycle listeners on c
func (p *Pool) track(c *conn.Conn) {
	c.OnError(func(err error) { p.onConnError(c, err) })
	c.OnEnd(func() { p.onConnEnd(c) })
}

// Acquire returns a connection for exclusive use until Release.
//
// It fails with errext.ErrPoolExhausted when no connection became available
// within AcquireTimeout, errext.ErrPoolShuttingDown once Disconnect was
// called, or ctx.Err() when ctx ends first.
func (p *Pool) Acquire(ctx context.Context) (*conn.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errext.ErrPoolShuttingDown
	}

	if n := len(p.available); n > 0 {
		c := p.available[n-1]
		p.available = p.available[:n-1]
		p.busy[c.ID()] = c
		p.mu.Unlock()
		return c, nil
	}

	if len(p.busy)+p.dialing < p.opts.MaxConnections {
		p.dialing++
		p.mu.Unlock()
		return p.dialBusy(ctx)
	}

	w := &waiter{ch: make(chan result, 1), enqueuedAt: p.clk.Now()}
	p.pending.PushFront(w)
	p.waiting++
	timer := p.clk.Timer(p.opts.AcquireTimeout)
	p.mu.Unlock()

	select {
	case r := <-w.ch:
		timer.Stop()
		return r.c, r.err
	case <-timer.C:
		if r, granted := p.abandon(w); granted {
			return r.c, r.err
		}
		p.log.WithField("waited", p.clk.Since(w.enqueuedAt)).Warn("Connection pool exhausted")
		return nil, errext.ErrPoolExhausted
	case <-ctx.Done():
		timer.Stop()
		if r, granted := p.abandon(w); granted && r.c != nil {
			_ = p.Release(r.c)
		}
		return nil, ctx.Err()
	}
}

// abandon withdraws w from the queue. If w was granted concurrently the
// result is returned instead.
func (p *Pool) abandon(w *waiter) (result, bool) {
	p.mu.Lock()
	if w.done {
		p.mu.Unlock()
		return <-w.ch, true
	}
	w.done = true
	p.waiting--
	p.mu.Unlock()
	return result{}, false
}

func (p *Pool) dialBusy(ctx context.Context) (*conn.Conn, error) {
	c, err := p.opts.Dial(ctx)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.refillLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = c.Close()
		return nil, errext.ErrPoolShuttingDown
	}
	p.busy[c.ID()] = c
	p.mu.Unlock()

	p.track(c)
	p.log.WithField("conn", c.ID()).Debug("Connection added to pool")
	return c, nil
}

// grantLocked hands c to the oldest live waiter. It reports false when
// nobody is waiting. Must be called with p.mu held.
func (p *Pool) grantLocked(c *conn.Conn) bool {
	for p.pending.Len() > 0 {
		w := p.pending.PopBack()
		if w.done {
			continue
		}
		w.done = true
		p.waiting--
		p.busy[c.ID()] = c
		w.ch <- result{c: c}
		return true
	}
	return false
}

// rejectLocked fails the oldest live waiter with err. It reports false when
// nobody is waiting. Must be called with p.mu held.
func (p *Pool) rejectLocked(err error) bool {
	for p.pending.Len() > 0 {
		w := p.pending.PopBack()
		if w.done {
			continue
		}
		w.done = true
		p.waiting--
		w.ch <- result{err: err}
		return true
	}
	return false
}

// refillLocked starts a background dial when callers are queued and a failed
// dial left a capacity slot free. Must be called with p.mu held.
func (p *Pool) refillLocked() {
	if p.closed || p.waiting == 0 {
		return
	}
	if len(p.available)+len(p.busy)+p.dialing >= p.opts.MaxConnections {
		return
	}
	p.dialing++
	p.wg.Add(1)
	go p.replace()
}

// Release returns c to the pool. Releasing a connection the pool already
// dropped because it broke is a no-op.
func (p *Pool) Release(c *conn.Conn) error {
	p.mu.Lock()
	if _, ok := p.busy[c.ID()]; !ok {
		p.mu.Unlock()
		switch c.State() {
		case conn.StateError, conn.StateClosed:
			return nil
		}
		return fmt.Errorf("pool: connection %d is not busy in this pool", c.ID())
	}
	delete(p.busy, c.ID())

	if p.closed {
		p.mu.Unlock()
		return c.Close()
	}
	if c.State() != conn.StateReady {
		p.mu.Unlock()
		return nil
	}
	if !p.grantLocked(c) {
		p.available = append(p.available, c)
	}
	p.mu.Unlock()
	return nil
}

// Do acquires a connection, runs fn with it and releases it
func (p *Pool) Do(ctx context.Context, fn func(c *conn.Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := p.Release(c); rerr != nil {
			p.log.WithError(rerr).Warn("Release failed")
		}
	}()
	return fn(c)
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available: len(p.available),
		Busy:      len(p.busy),
		Pending:   p.waiting,
		Total:     len(p.available) + len(p.busy),
	}
}

// removeLocked drops c from both sets. Must be called with p.mu held.
func (p *Pool) removeLocked(c *conn.Conn) bool {
	if _, ok := p.busy[c.ID()]; ok {
		delete(p.busy, c.ID())
		return true
	}
	for i, a := range p.available {
		if a == c {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) onConnEnd(c *conn.Conn) {
	p.mu.Lock()
	p.removeLocked(c)
	p.mu.Unlock()
}

func (p *Pool) onConnError(c *conn.Conn, err error) {
	p.mu.Lock()
	removed := p.removeLocked(c)
	if !removed || p.closed {
		p.mu.Unlock()
		return
	}
	p.dialing++
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.WithError(err).WithField("conn", c.ID()).Warn("Dropping broken connection, dialing replacement")
	go p.replace()
}

// replace dials a connection in place of a broken or never established one.
// The capacity slot was reserved by the caller through p.dialing. When the
// retries run out the oldest waiter receives the dial error and the next
// one gets a fresh attempt.
func (p *Pool) replace() {
	defer p.wg.Done()

	c, err := retry.Do(p.ctx, p.opts.Retry, "replace connection", func(ctx context.Context) (*conn.Conn, error) {
		return p.opts.Dial(ctx)
	})

	p.mu.Lock()
	p.dialing--
	if err != nil {
		if p.rejectLocked(err) {
			p.refillLocked()
		}
		p.mu.Unlock()
		p.log.WithError(err).Error("Could not replace broken connection")
		return
	}
	if p.closed {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	if !p.grantLocked(c) {
		p.available = append(p.available, c)
	}
	p.mu.Unlock()

	p.track(c)
	p.log.WithField("conn", c.ID()).Debug("Replacement connection added to pool")
}

// Disconnect closes every connection and rejects pending and future
// Acquire calls with errext.ErrPoolShuttingDown.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	conns := make([]*conn.Conn, 0, len(p.available)+len(p.busy))
	conns = append(conns, p.available...)
	for _, c := range p.busy {
		conns = append(conns, c)
	}
	p.available = nil
	p.busy = make(map[uint64]*conn.Conn)

	for p.rejectLocked(errext.ErrPoolShuttingDown) {
	}
	p.mu.Unlock()

	p.cancel()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()

	p.log.WithField("closed", len(conns)).Debug("Connection pool disconnected")
	return errors.Join(errs...)
}
