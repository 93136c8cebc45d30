package redisruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/raniellyferreira/redis-runtime/cache"
	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/internal/retry"
	"github.com/raniellyferreira/redis-runtime/pool"
	"github.com/raniellyferreira/redis-runtime/pubsub"
	"github.com/raniellyferreira/redis-runtime/replication"
	"github.com/raniellyferreira/redis-runtime/storage/policy"
)

// Stats aggregates the counters of every component
type Stats struct {
	Pool     pool.Stats             `json:"pool"`
	Cache    map[string]cache.Stats `json:"cache"`
	PubSub   *pubsub.Stats          `json:"pubsub,omitempty"`
	Topology *replication.Topology  `json:"topology,omitempty"`
}

// Runtime owns the pool, the cache clients, the broker and the replication
// manager built from one Config. Build it once and share it.
type Runtime struct {
	cfg  Config
	opts *options
	log  logrus.FieldLogger

	pool   *pool.Pool
	cache  *cache.Client
	broker *pubsub.Broker
	repl   *replication.Manager

	mu      sync.Mutex
	clients map[string]*cache.Client
	lru     *policy.LRU
	closed  bool

	collector *Collector
}

// New validates cfg, opens the pool, the broker and the replication
// manager concurrently and returns the runtime. If any of them fails the
// others are closed.
//
// Example:
//
//	cfg, err := redisruntime.LoadConfig("runtime.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	rt, err := redisruntime.New(ctx, cfg, redisruntime.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rt.Close()
func New(ctx context.Context, cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	rt := &Runtime{
		cfg:     cfg,
		opts:    o,
		log:     o.logger.WithField("component", "runtime"),
		clients: make(map[string]*cache.Client),
		lru:     policy.NewLRU(),
	}

	connOpts := rt.connOptions()
	dial := func(ctx context.Context) (*conn.Conn, error) {
		return o.dial(ctx, connOpts)
	}
	policy := retry.New(cfg.Retry, o.logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p, err := pool.New(gctx, pool.Options{
			MinConnections: cfg.Pool.MinConnections,
			MaxConnections: cfg.Pool.MaxConnections,
			AcquireTimeout: cfg.Pool.AcquireTimeout,
			Dial:           dial,
			Retry:          policy,
			Logger:         o.logger,
			Clock:          o.clock,
		})
		if err != nil {
			return fmt.Errorf("start pool: %w", err)
		}
		rt.pool = p
		return nil
	})

	if cfg.PubSub.Enabled {
		g.Go(func() error {
			v := cfg.PubSub.Validation
			schema := pubsub.DefaultSchema()
			schema.MaxDataBytes = v.MaxDataBytes
			b, err := pubsub.Dial(gctx, dial, pubsub.Options{
				ChannelPrefix: cfg.PubSub.ChannelPrefix,
				Validation:    pubsub.Validation{Enabled: v.Enabled, Schema: schema},
				Logger:        o.logger,
				Retry:         policy,
			})
			if err != nil {
				return fmt.Errorf("start pub/sub broker: %w", err)
			}
			rt.broker = b
			return nil
		})
	}

	if cfg.Replication.Enabled {
		g.Go(func() error {
			m := replication.New(replication.Options{
				Master:       cfg.Replication.Master,
				Slaves:       cfg.Replication.Slaves,
				LagAggregate: cfg.Replication.LagAggregate,
				Dial: func(ctx context.Context, n replication.NodeConfig) (*conn.Conn, error) {
					co := connOpts
					co.Addr = n.Addr()
					co.Password = n.Password
					co.DB = 0
					return o.dial(ctx, co)
				},
				Retry:  policy,
				Logger: o.logger,
			})
			rt.repl = m
			if err := m.Start(gctx); err != nil {
				return fmt.Errorf("start replication manager: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = rt.shutdown()
		return nil, err
	}

	rt.cache = rt.newCache(cfg.Cache.KeyPrefix)

	if o.registerer != nil {
		rt.collector = NewCollector(rt)
		if err := o.registerer.Register(rt.collector); err != nil {
			_ = rt.shutdown()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	rt.log.WithFields(logrus.Fields{
		"addr":        cfg.Addr,
		"pubsub":      cfg.PubSub.Enabled,
		"replication": cfg.Replication.Enabled,
	}).Info("Runtime started")
	return rt, nil
}

func (rt *Runtime) connOptions() conn.Options {
	return conn.Options{
		Addr:           rt.cfg.Addr,
		Password:       rt.cfg.Password,
		DB:             rt.cfg.DB,
		TLS:            rt.opts.tls,
		ConnectTimeout: rt.cfg.ConnectTimeout,
		ReadTimeout:    rt.cfg.ReadTimeout,
		WriteTimeout:   rt.cfg.WriteTimeout,
		Logger:         rt.opts.logger,
	}
}

func (rt *Runtime) newCache(prefix string) *cache.Client {
	return cache.New(rt.pool, cache.Options{
		KeyPrefix:   prefix,
		DefaultTTL:  rt.cfg.Cache.DefaultTTL,
		Compression: rt.cfg.Cache.Compression,
		Logger:      rt.opts.logger,
	})
}

// Config returns the configuration the runtime was built from
func (rt *Runtime) Config() Config {
	return rt.cfg
}

// Pool returns the shared connection pool
func (rt *Runtime) Pool() *pool.Pool {
	return rt.pool
}

// Cache returns the cache client for the configured key prefix
func (rt *Runtime) Cache() *cache.Client {
	return rt.cache
}

// CacheWithPrefix returns a cache client for prefix, creating it on first
// use. At most ClientRegistrySize clients are kept; the least recently
// used one is dropped when the bound is exceeded. Dropped clients keep
// working but their counters no longer appear in Stats.
func (rt *Runtime) CacheWithPrefix(prefix string) *cache.Client {
	if prefix == rt.cfg.Cache.KeyPrefix {
		return rt.cache
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if c, ok := rt.clients[prefix]; ok {
		rt.lru.OnGet(prefix)
		return c
	}

	c := rt.newCache(prefix)
	rt.clients[prefix] = c
	rt.lru.OnSet(prefix, 1)
	if over := rt.lru.Len() - rt.cfg.ClientRegistrySize; over > 0 {
		for _, evicted := range rt.lru.Evict(over) {
			delete(rt.clients, evicted)
			rt.log.WithField("prefix", evicted).Debug("Cache client evicted from registry")
		}
	}
	return c
}

// PubSub returns the broker, or nil when pub/sub is disabled
func (rt *Runtime) PubSub() *pubsub.Broker {
	return rt.broker
}

// Replication returns the replication manager, or nil when replication is
// disabled
func (rt *Runtime) Replication() *replication.Manager {
	return rt.repl
}

// Stats returns a snapshot of every component's counters
func (rt *Runtime) Stats() Stats {
	s := Stats{
		Pool:  rt.pool.Stats(),
		Cache: map[string]cache.Stats{rt.cache.Prefix(): rt.cache.Stats()},
	}

	rt.mu.Lock()
	for prefix, c := range rt.clients {
		s.Cache[prefix] = c.Stats()
	}
	rt.mu.Unlock()

	if rt.broker != nil {
		ps := rt.broker.Stats()
		s.PubSub = &ps
	}
	if rt.repl != nil {
		t := rt.repl.Topology()
		s.Topology = &t
	}
	return s
}

// Close stops every component. It is safe to call more than once.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	if rt.collector != nil {
		rt.opts.registerer.Unregister(rt.collector)
	}
	err := rt.shutdown()
	rt.log.Info("Runtime closed")
	return err
}

func (rt *Runtime) shutdown() error {
	var errs []error
	if rt.broker != nil {
		errs = append(errs, rt.broker.Disconnect())
	}
	if rt.repl != nil {
		errs = append(errs, rt.repl.Cleanup())
	}
	if rt.pool != nil {
		errs = append(errs, rt.pool.Disconnect())
	}
	return errors.Join(errs...)
}
