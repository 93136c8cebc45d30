package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/raniellyferreira/redis-runtime/errext"
	"github.com/raniellyferreira/redis-runtime/protocol"
)

// State is the lifecycle state of a connection
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateError
	StateClosed
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a connection
type Options struct {
	Addr     string
	Password string
	DB       int
	TLS      *tls.Config

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	Logger logrus.FieldLogger
}

var nextID atomic.Uint64

// Conn is one RESP link to the store. Do and Pipeline are safe for
// concurrent use and are serialized on the wire.
type Conn struct {
	id   uint64
	opts Options
	log  logrus.FieldLogger

	mu      sync.Mutex
	netConn net.Conn
	reader  *protocol.Reader
	writer  *protocol.Writer

	state     atomic.Int32
	listening atomic.Bool

	lmu       sync.Mutex
	onError   []func(error)
	onEnd     []func()
	finalized bool
}

// Dial connects to opts.Addr, authenticates when a password is set and
// selects opts.DB. The returned connection is in StateReady.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		opts.Logger = l
	}

	c := &Conn{id: nextID.Inc(), opts: opts}
	c.log = opts.Logger.WithFields(logrus.Fields{"conn": c.id, "addr": opts.Addr})
	c.state.Store(int32(StateConnecting))

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	var (
		nc  net.Conn
		err error
	)
	if opts.TLS != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: opts.TLS}
		nc, err = td.DialContext(ctx, "tcp", opts.Addr)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", opts.Addr)
	}
	if err != nil {
		c.state.Store(int32(StateError))
		return nil, &errext.TransportError{Op: "dial", Addr: opts.Addr, Err: err}
	}

	c.netConn = nc
	c.reader = protocol.NewReader(nc)
	c.writer = protocol.NewWriter(nc)

	if opts.Password != "" {
		if err := c.handshake(ctx, "AUTH", opts.Password); err != nil {
			_ = nc.Close()
			c.state.Store(int32(StateError))
			return nil, err
		}
	}
	if opts.DB != 0 {
		if err := c.handshake(ctx, "SELECT", opts.DB); err != nil {
			_ = nc.Close()
			c.state.Store(int32(StateError))
			return nil, err
		}
	}

	c.state.Store(int32(StateReady))
	c.log.Debug("Connection ready")
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, args ...any) error {
	reply, err := c.roundTrip(ctx, [][]any{args})
	if err != nil {
		return err
	}
	if rerr := reply[0].Err(); rerr != nil {
		op := strings.ToLower(fmt.Sprint(args[0]))
		return &errext.TransportError{Op: op, Addr: c.opts.Addr, Err: rerr}
	}
	return nil
}

// ID returns the process-unique identifier of the connection
func (c *Conn) ID() uint64 {
	return c.id
}

// Addr returns the address the connection was dialed to
func (c *Conn) Addr() string {
	return c.opts.Addr
}

// State returns the current lifecycle state
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Listening reports whether the connection has entered subscriber mode
func (c *Conn) Listening() bool {
	return c.listening.Load()
}

// OnError registers fn to run once if the connection breaks.
// It runs on the goroutine that observed the failure, outside any lock.
func (c *Conn) OnError(fn func(error)) {
	c.lmu.Lock()
	c.onError = append(c.onError, fn)
	c.lmu.Unlock()
}

// OnEnd registers fn to run once when the connection is closed with Close
func (c *Conn) OnEnd(fn func()) {
	c.lmu.Lock()
	c.onEnd = append(c.onEnd, fn)
	c.lmu.Unlock()
}

// Do sends one command and waits for its reply. An error reply is returned
// as *errext.ReplyError alongside the reply value.
func (c *Conn) Do(ctx context.Context, args ...any) (protocol.Value, error) {
	if c.listening.Load() {
		return protocol.Value{}, errext.ErrListening
	}
	replies, err := c.roundTrip(ctx, [][]any{args})
	if err != nil {
		return protocol.Value{}, err
	}
	return replies[0], replies[0].Err()
}

// Pipeline writes all commands in one flush and reads their replies in
// order. Error replies are left in the returned values.
func (c *Conn) Pipeline(ctx context.Context, cmds [][]any) ([]protocol.Value, error) {
	if c.listening.Load() {
		return nil, errext.ErrListening
	}
	if len(cmds) == 0 {
		return nil, nil
	}
	return c.roundTrip(ctx, cmds)
}

func (c *Conn) roundTrip(ctx context.Context, cmds [][]any) ([]protocol.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	encoded := make([][][]byte, len(cmds))
	for i, cmd := range cmds {
		args, err := protocol.EncodeArgs(cmd...)
		if err != nil {
			return nil, err
		}
		encoded[i] = args
	}

	c.mu.Lock()
	if st := c.State(); st == StateClosed || st == StateError {
		c.mu.Unlock()
		return nil, errext.ErrClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.netConn.SetDeadline(time.Now())
	})
	replies, op, err := c.exchange(encoded)
	stop()
	c.mu.Unlock()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		terr := &errext.TransportError{Op: op, Addr: c.opts.Addr, Err: err}
		c.fail(terr)
		return nil, terr
	}
	return replies, nil
}

// exchange runs under c.mu
func (c *Conn) exchange(cmds [][][]byte) ([]protocol.Value, string, error) {
	if err := c.setDeadlines(); err != nil {
		return nil, "write", err
	}
	for _, args := range cmds {
		if err := c.writer.WriteArgs(args); err != nil {
			return nil, "write", err
		}
	}
	if err := c.writer.Flush(); err != nil {
		return nil, "write", err
	}

	replies := make([]protocol.Value, len(cmds))
	for i := range replies {
		v, err := c.reader.ReadNext()
		if err != nil {
			return nil, "read", err
		}
		replies[i] = v
	}
	return replies, "", nil
}

func (c *Conn) setDeadlines() error {
	now := time.Now()
	var rd, wd time.Time
	if c.opts.ReadTimeout > 0 {
		rd = now.Add(c.opts.ReadTimeout)
	}
	if c.opts.WriteTimeout > 0 {
		wd = now.Add(c.opts.WriteTimeout)
	}
	if err := c.netConn.SetReadDeadline(rd); err != nil {
		return err
	}
	return c.netConn.SetWriteDeadline(wd)
}

// Send writes a command without waiting for a reply and switches the
// connection to listening mode. Replies arrive through Receive.
func (c *Conn) Send(ctx context.Context, args ...any) error {
	encoded, err := protocol.EncodeArgs(args...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if st := c.State(); st == StateClosed || st == StateError {
		c.mu.Unlock()
		return errext.ErrClosed
	}
	c.listening.Store(true)

	var wd time.Time
	if c.opts.WriteTimeout > 0 {
		wd = time.Now().Add(c.opts.WriteTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (wd.IsZero() || dl.Before(wd)) {
		wd = dl
	}
	err = c.netConn.SetWriteDeadline(wd)
	if err == nil {
		err = c.writer.WriteArgs(encoded)
	}
	if err == nil {
		err = c.writer.Flush()
	}
	c.mu.Unlock()

	if err != nil {
		terr := &errext.TransportError{Op: "write", Addr: c.opts.Addr, Err: err}
		c.fail(terr)
		return terr
	}
	return nil
}

// Receive blocks until the next pushed value arrives. Only one goroutine
// may call Receive. It returns errext.ErrClosed after Close.
func (c *Conn) Receive() (protocol.Value, error) {
	_ = c.netConn.SetReadDeadline(time.Time{})
	v, err := c.reader.ReadNext()
	if err != nil {
		if c.State() == StateClosed {
			return protocol.Value{}, errext.ErrClosed
		}
		terr := &errext.TransportError{Op: "read", Addr: c.opts.Addr, Err: err}
		c.fail(terr)
		return protocol.Value{}, terr
	}
	return v, nil
}

// fail moves the connection to StateError and fires error listeners once
func (c *Conn) fail(err error) {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateError)) {
		return
	}
	_ = c.netConn.Close()
	c.log.WithError(err).Error("Connection broken")

	c.lmu.Lock()
	if c.finalized {
		c.lmu.Unlock()
		return
	}
	c.finalized = true
	listeners := c.onError
	c.lmu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// Close closes the connection and fires end listeners. Closing a broken
// or already closed connection only releases the socket.
func (c *Conn) Close() error {
	prev := State(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}
	err := c.netConn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	c.lmu.Lock()
	if c.finalized {
		c.lmu.Unlock()
		return err
	}
	c.finalized = true
	listeners := c.onEnd
	c.lmu.Unlock()

	c.log.Debug("Connection closed")
	for _, fn := range listeners {
		fn()
	}
	return err
}
