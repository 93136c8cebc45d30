// Package pubsub implements a publish/subscribe broker that wraps payloads
// in a JSON envelope and fans received messages out to registered handlers.
//
// The broker owns two connections. The publisher runs PUBLISH as ordinary
// request/response traffic; the subscriber stays in listening mode and is
// read by a single goroutine, so handlers for a channel run in delivery
// order. A handler that calls Subscribe or Pattern synchronously blocks
// the reader until its own acknowledgement times out.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/errext"
	"github.com/raniellyferreira/redis-runtime/internal/retry"
	"github.com/raniellyferreira/redis-runtime/protocol"
)

// Message is the envelope carried on every channel
type Message struct {
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId"`

	// Pattern is set for messages delivered through Pattern
	Pattern string `json:"-"`
}

// Decode unmarshals the message data into dst
func (m *Message) Decode(dst any) error {
	if err := json.Unmarshal(m.Data, dst); err != nil {
		return &errext.SerializationError{Op: "unmarshal", Err: err}
	}
	return nil
}

// Time returns the publish time of the message
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Handler receives messages for a channel or pattern
type Handler func(msg *Message)

// Subscription identifies one registered handler
type Subscription struct {
	id      uint64
	name    string
	pattern bool
	handler Handler
	broker  *Broker
}

// Channel returns the channel or pattern, without the broker prefix
func (s *Subscription) Channel() string {
	return s.name
}

// Unsubscribe removes this handler only
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if s.pattern {
		return s.broker.PUnsubscribe(ctx, s.name, s)
	}
	return s.broker.Unsubscribe(ctx, s.name, s)
}

// Validation configures envelope checks
type Validation struct {
	Enabled bool
	Schema  *Schema
}

// DialFunc opens one of the broker's connections
type DialFunc func(ctx context.Context) (*conn.Conn, error)

// Options configures a Broker
type Options struct {
	ChannelPrefix string
	Validation    Validation
	Logger        logrus.FieldLogger

	// Retry schedules redials of a broken publisher connection. Brokers
	// built with New never redial.
	Retry *retry.Policy
}

// Stats holds the broker's counters
type Stats struct {
	Published int64            `json:"published"`
	Received  int64            `json:"received"`
	Errors    int64            `json:"errors"`
	Channels  map[string]int64 `json:"channels"`
}

// Broker publishes and dispatches enveloped messages
type Broker struct {
	sub  *conn.Conn
	dial DialFunc
	opts Options
	log  logrus.FieldLogger

	pubMu sync.Mutex
	pub   *conn.Conn

	// setupMu keeps registry changes and the commands they send in the
	// same order
	setupMu sync.Mutex

	regMu    sync.RWMutex
	channels map[string][]*Subscription
	patterns map[string][]*Subscription
	nextID   uint64

	// replies holds one slot per command sent on the subscriber
	// connection, in send order. A nil slot is not awaited.
	replies *deque.Deque[chan error]

	published atomic.Int64
	received  atomic.Int64
	errors    atomic.Int64

	statsMu    sync.Mutex
	perChannel map[string]int64

	closed atomic.Bool
	done   chan struct{}
}

// Dial opens the publisher and subscriber connections concurrently and
// returns a broker owning them. dial is kept to replace the publisher when
// a failed command breaks it.
func Dial(ctx context.Context, dial DialFunc, opts Options) (*Broker, error) {
	var pub, sub *conn.Conn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		pub, err = dial(gctx)
		return err
	})
	g.Go(func() (err error) {
		sub, err = dial(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		for _, c := range []*conn.Conn{pub, sub} {
			if c != nil {
				_ = c.Close()
			}
		}
		return nil, fmt.Errorf("dial pub/sub connections: %w", err)
	}
	return newBroker(pub, sub, dial, opts), nil
}

// New creates a broker over two dedicated connections. The broker takes
// ownership of both.
func New(pub, sub *conn.Conn, opts Options) *Broker {
	return newBroker(pub, sub, nil, opts)
}

func newBroker(pub, sub *conn.Conn, dial DialFunc, opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Validation.Enabled && opts.Validation.Schema == nil {
		opts.Validation.Schema = DefaultSchema()
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.DefaultConfig(), opts.Logger)
	}

	b := &Broker{
		pub:        pub,
		sub:        sub,
		dial:       dial,
		opts:       opts,
		log:        opts.Logger.WithField("component", "pubsub"),
		channels:   make(map[string][]*Subscription),
		patterns:   make(map[string][]*Subscription),
		replies:    deque.NewDeque[chan error](),
		perChannel: make(map[string]int64),
		done:       make(chan struct{}),
	}
	go b.readLoop()
	return b
}

func (b *Broker) fullName(name string) string {
	if b.opts.ChannelPrefix == "" {
		return name
	}
	return b.opts.ChannelPrefix + ":" + name
}

func (b *Broker) shortName(full string) string {
	if b.opts.ChannelPrefix == "" {
		return full
	}
	return strings.TrimPrefix(full, b.opts.ChannelPrefix+":")
}

// Publish sends data to channel and reports whether at least one
// subscriber received it
func (b *Broker) Publish(ctx context.Context, channel string, data any) bool {
	n, err := b.PublishCount(ctx, channel, data)
	return err == nil && n > 0
}

// PublishCount sends data to channel and returns the number of receivers
func (b *Broker) PublishCount(ctx context.Context, channel string, data any) (int64, error) {
	payload, err := b.envelope(channel, data)
	if err != nil {
		b.errors.Inc()
		b.log.WithError(err).WithField("channel", channel).Warn("Message rejected")
		return 0, err
	}

	pub, err := b.publisher(ctx)
	if err != nil {
		b.errors.Inc()
		b.log.WithError(err).WithField("channel", channel).Warn("Publish failed")
		return 0, err
	}
	reply, err := pub.Do(ctx, "PUBLISH", b.fullName(channel), payload)
	if err == nil {
		var n int64
		if n, err = reply.Int(); err == nil {
			if n > 0 {
				b.published.Inc()
			}
			return n, nil
		}
	}
	b.errors.Inc()
	b.log.WithError(err).WithField("channel", channel).Warn("Publish failed")
	return 0, err
}

// publisher returns the publishing connection, first replacing it when a
// failed command left it broken
func (b *Broker) publisher(ctx context.Context) (*conn.Conn, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.closed.Load() {
		return nil, errext.ErrClosed
	}
	if b.pub.State() != conn.StateError || b.dial == nil {
		return b.pub, nil
	}

	c, err := retry.Do(ctx, b.opts.Retry, "redial publisher", func(ctx context.Context) (*conn.Conn, error) {
		return b.dial(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("redial publisher: %w", err)
	}
	if b.closed.Load() {
		_ = c.Close()
		return nil, errext.ErrClosed
	}
	_ = b.pub.Close()
	b.pub = c
	b.log.WithField("conn", c.ID()).Info("Publisher connection replaced")
	return c, nil
}

func (b *Broker) envelope(channel string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, &errext.SerializationError{Op: "marshal", Err: err}
	}
	payload, err := json.Marshal(Message{
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
	})
	if err != nil {
		return nil, &errext.SerializationError{Op: "marshal", Err: err}
	}
	if b.opts.Validation.Enabled {
		if err := b.opts.Validation.Schema.Validate(payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// Subscribe registers h for channel, subscribing on the store when h is
// the channel's first handler
func (b *Broker) Subscribe(ctx context.Context, channel string, h Handler) (*Subscription, error) {
	return b.subscribe(ctx, channel, h, false)
}

// Pattern registers h for every channel matching the glob pattern
func (b *Broker) Pattern(ctx context.Context, pattern string, h Handler) (*Subscription, error) {
	return b.subscribe(ctx, pattern, h, true)
}

func (b *Broker) subscribe(ctx context.Context, name string, h Handler, pattern bool) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("pubsub: nil handler")
	}
	if b.closed.Load() {
		return nil, errext.ErrClosed
	}

	b.setupMu.Lock()
	full := b.fullName(name)
	cmd, registry := "SUBSCRIBE", b.channels
	if pattern {
		cmd, registry = "PSUBSCRIBE", b.patterns
	}

	b.regMu.Lock()
	b.nextID++
	sub := &Subscription{id: b.nextID, name: name, pattern: pattern, handler: h, broker: b}
	first := len(registry[full]) == 0
	registry[full] = append(registry[full], sub)

	var ack chan error
	if first {
		ack = make(chan error, 1)
		b.replies.PushBack(ack)
	}
	b.regMu.Unlock()

	if !first {
		b.setupMu.Unlock()
		return sub, nil
	}

	err := b.sub.Send(ctx, cmd, full)
	b.setupMu.Unlock()
	if err != nil {
		b.drop(registry, full, sub)
		return nil, fmt.Errorf("%s %s: %w", strings.ToLower(cmd), full, err)
	}

	select {
	case err = <-ack:
	case <-ctx.Done():
		err = ctx.Err()
		b.abandon(ctx, pattern, full, sub)
	case <-b.done:
		err = errext.ErrClosed
	}
	if err != nil {
		b.drop(registry, full, sub)
		return nil, fmt.Errorf("%s %s: %w", strings.ToLower(cmd), full, err)
	}

	b.log.WithField("channel", full).WithField("pattern", pattern).Debug("Subscribed")
	return sub, nil
}

func (b *Broker) drop(registry map[string][]*Subscription, full string, sub *Subscription) {
	b.regMu.Lock()
	b.removeLocked(registry, full, sub)
	b.regMu.Unlock()
}

// abandon withdraws a subscription whose caller stopped waiting for the
// acknowledgement. The store subscription is dropped again unless another
// handler joined in the meantime.
func (b *Broker) abandon(ctx context.Context, pattern bool, full string, sub *Subscription) {
	b.setupMu.Lock()
	defer b.setupMu.Unlock()

	cmd, registry := "UNSUBSCRIBE", b.channels
	if pattern {
		cmd, registry = "PUNSUBSCRIBE", b.patterns
	}

	b.regMu.Lock()
	b.removeLocked(registry, full, sub)
	if len(registry[full]) > 0 || b.closed.Load() {
		b.regMu.Unlock()
		return
	}
	b.replies.PushBack(nil)
	b.regMu.Unlock()

	if err := b.sub.Send(context.WithoutCancel(ctx), cmd, full); err != nil {
		b.log.WithError(err).WithField("channel", full).Warn("Could not drop abandoned subscription")
	}
}

// Unsubscribe removes subs from channel, or every handler when subs is
// empty. The store subscription is dropped once no handler remains.
func (b *Broker) Unsubscribe(ctx context.Context, channel string, subs ...*Subscription) error {
	return b.unsubscribe(ctx, channel, false, subs)
}

// PUnsubscribe is Unsubscribe for patterns
func (b *Broker) PUnsubscribe(ctx context.Context, pattern string, subs ...*Subscription) error {
	return b.unsubscribe(ctx, pattern, true, subs)
}

func (b *Broker) unsubscribe(ctx context.Context, name string, pattern bool, subs []*Subscription) error {
	if b.closed.Load() {
		return errext.ErrClosed
	}

	b.setupMu.Lock()
	defer b.setupMu.Unlock()

	full := b.fullName(name)
	cmd, registry := "UNSUBSCRIBE", b.channels
	if pattern {
		cmd, registry = "PUNSUBSCRIBE", b.patterns
	}

	b.regMu.Lock()
	if len(subs) == 0 {
		delete(registry, full)
	} else {
		for _, s := range subs {
			b.removeLocked(registry, full, s)
		}
		if len(registry[full]) > 0 {
			b.regMu.Unlock()
			return nil
		}
	}
	b.replies.PushBack(nil)
	b.regMu.Unlock()

	if err := b.sub.Send(ctx, cmd, full); err != nil {
		return fmt.Errorf("%s %s: %w", strings.ToLower(cmd), full, err)
	}
	b.log.WithField("channel", full).WithField("pattern", pattern).Debug("Unsubscribed")
	return nil
}

// removeLocked drops sub from registry[full], deleting the entry when it
// empties. Must be called with regMu held.
func (b *Broker) removeLocked(registry map[string][]*Subscription, full string, sub *Subscription) {
	list := registry[full]
	for i, s := range list {
		if s == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(registry, full)
		return
	}
	registry[full] = list
}

// readLoop consumes the subscriber connection until it is closed or breaks
func (b *Broker) readLoop() {
	defer close(b.done)

	for {
		v, err := b.sub.Receive()
		if err != nil {
			if !b.closed.Load() && !errors.Is(err, errext.ErrClosed) {
				b.log.WithError(err).Error("Subscriber connection lost")
			}
			b.failWaits(err)
			return
		}
		if v.IsError() {
			b.settle(v.Err())
			continue
		}

		push, err := protocol.ParsePush(v)
		if err != nil {
			b.errors.Inc()
			b.log.WithError(err).Warn("Dropping unexpected subscriber reply")
			continue
		}

		switch push.Kind {
		case protocol.PushSubscribe, protocol.PushPSubscribe, protocol.PushUnsubscribe, protocol.PushPUnsubscribe:
			b.settle(nil)
		case protocol.PushMessage:
			b.dispatch(push, b.channels, push.Channel)
		case protocol.PushPMessage:
			b.dispatch(push, b.patterns, push.Pattern)
		}
	}
}

// settle completes the oldest command sent on the subscriber connection
// with err
func (b *Broker) settle(err error) {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	if b.replies.Len() == 0 {
		b.log.WithError(err).Warn("Dropping reply with no pending command")
		return
	}
	if ack := b.replies.PopFront(); ack != nil {
		ack <- err
	}
}

// failWaits completes every pending command with err
func (b *Broker) failWaits(err error) {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	for b.replies.Len() > 0 {
		if ack := b.replies.PopFront(); ack != nil {
			ack <- err
		}
	}
}

// dispatch validates one received payload and runs the handlers
// registered under key
func (b *Broker) dispatch(push protocol.Push, registry map[string][]*Subscription, key string) {
	log := b.log.WithField("channel", push.Channel)

	if b.opts.Validation.Enabled {
		if err := b.opts.Validation.Schema.Validate(push.Payload); err != nil {
			b.errors.Inc()
			log.WithError(err).Warn("Dropping invalid message")
			return
		}
	}
	var msg Message
	if err := json.Unmarshal(push.Payload, &msg); err != nil {
		b.errors.Inc()
		log.WithError(&errext.SerializationError{Op: "unmarshal", Err: err}).Warn("Dropping malformed message")
		return
	}
	if push.Kind == protocol.PushPMessage {
		msg.Pattern = b.shortName(push.Pattern)
	}

	channel := b.shortName(push.Channel)
	b.received.Inc()
	b.statsMu.Lock()
	b.perChannel[channel]++
	b.statsMu.Unlock()

	b.regMu.RLock()
	handlers := append([]*Subscription(nil), registry[key]...)
	b.regMu.RUnlock()

	for _, s := range handlers {
		b.invoke(s, &msg, log)
	}
}

func (b *Broker) invoke(s *Subscription, msg *Message, log logrus.FieldLogger) {
	defer func() {
		if r := recover(); r != nil {
			b.errors.Inc()
			log.WithField("panic", r).Error("Message handler panicked")
		}
	}()
	m := *msg
	s.handler(&m)
}

// Stats returns a snapshot of the counters
func (b *Broker) Stats() Stats {
	b.statsMu.Lock()
	channels := make(map[string]int64, len(b.perChannel))
	for k, v := range b.perChannel {
		channels[k] = v
	}
	b.statsMu.Unlock()

	return Stats{
		Published: b.published.Load(),
		Received:  b.received.Load(),
		Errors:    b.errors.Load(),
		Channels:  channels,
	}
}

// ResetStats zeroes the counters and clears the per-channel counts
func (b *Broker) ResetStats() {
	b.published.Store(0)
	b.received.Store(0)
	b.errors.Store(0)
	b.statsMu.Lock()
	b.perChannel = make(map[string]int64)
	b.statsMu.Unlock()
}

// Disconnect closes both connections, stops the reader and clears every
// subscription
func (b *Broker) Disconnect() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.pubMu.Lock()
	pub := b.pub
	b.pubMu.Unlock()

	err := errors.Join(b.sub.Close(), pub.Close())
	<-b.done

	b.regMu.Lock()
	b.channels = make(map[string][]*Subscription)
	b.patterns = make(map[string][]*Subscription)
	b.regMu.Unlock()

	b.log.Debug("Broker disconnected")
	return err
}
