// Package cache implements a JSON cache client with key prefixing, TTLs and
// size-triggered gzip compression.
//
// Per-key operations are fail-soft: transport, encoding and decoding
// failures are logged and reported as a miss or false. Clear is the only
// operation that returns an error.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/errext"
	"github.com/raniellyferreira/redis-runtime/protocol"
)

// NoExpiration stores a key without a TTL
const NoExpiration time.Duration = -1

// Marker is the prefix of every compressed payload (the gzip magic number)
var Marker = []byte{0x1f, 0x8b}

const scanBatch = 100

// Executor runs fn with a connection. *pool.Pool satisfies it.
type Executor interface {
	Do(ctx context.Context, fn func(c *conn.Conn) error) error
}

// Direct runs every operation on one dedicated connection
type Direct struct {
	Conn *conn.Conn
}

// Do calls fn with the wrapped connection
func (d Direct) Do(_ context.Context, fn func(c *conn.Conn) error) error {
	return fn(d.Conn)
}

// Compression configures payload compression
type Compression struct {
	Enabled   bool `yaml:"enabled" envconfig:"ENABLED"`
	Threshold int  `yaml:"threshold" envconfig:"THRESHOLD"`

	// Level is a gzip level. nil selects gzip.DefaultCompression; 0 is
	// gzip.NoCompression.
	Level *int `yaml:"level" envconfig:"LEVEL"`
}

// CompressionLevel returns a Compression.Level for level
func CompressionLevel(level int) *int {
	return &level
}

func (c Compression) level() int {
	if c.Level == nil {
		return gzip.DefaultCompression
	}
	return *c.Level
}

// Options configures a Client
type Options struct {
	KeyPrefix   string
	DefaultTTL  time.Duration
	Compression Compression
	Logger      logrus.FieldLogger
}

// Stats holds the client's counters
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`
}

// Entry is one key/value pair for SetMultiple
type Entry struct {
	Key   string
	Value any
}

// Client is a cache client bound to one key prefix
type Client struct {
	exec Executor
	opts Options
	log  logrus.FieldLogger

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// New creates a client running its commands through exec
func New(exec Executor, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Client{
		exec: exec,
		opts: opts,
		log:  opts.Logger.WithFields(logrus.Fields{"component": "cache", "prefix": opts.KeyPrefix}),
	}
}

// Prefix returns the client's key prefix
func (c *Client) Prefix() string {
	return c.opts.KeyPrefix
}

// Key returns the store key for key
func (c *Client) Key(key string) string {
	if c.opts.KeyPrefix == "" {
		return key
	}
	return c.opts.KeyPrefix + ":" + key
}

// Get decodes the value stored under key into dst and reports whether it
// was found. Failures are logged and reported as a miss.
func (c *Client) Get(ctx context.Context, key string, dst any) bool {
	var reply protocol.Value
	err := c.exec.Do(ctx, func(cn *conn.Conn) error {
		var err error
		reply, err = cn.Do(ctx, "GET", c.Key(key))
		return err
	})
	if err != nil {
		c.fail(err, "Cache get failed", key)
		c.misses.Inc()
		return false
	}
	if reply.IsNil() {
		c.misses.Inc()
		return false
	}
	if err := c.decode(reply.Data, dst); err != nil {
		c.fail(err, "Cache value could not be decoded", key)
		c.misses.Inc()
		return false
	}
	c.hits.Inc()
	return true
}

// Set stores value under key. A zero ttl uses DefaultTTL; NoExpiration
// keeps the key forever. It reports whether the store acknowledged the write.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	payload, err := c.encode(value)
	if err != nil {
		c.fail(err, "Cache value could not be encoded", key)
		return false
	}

	var reply protocol.Value
	err = c.exec.Do(ctx, func(cn *conn.Conn) error {
		var err error
		reply, err = cn.Do(ctx, c.setArgs(key, payload, ttl)...)
		return err
	})
	if err != nil {
		c.fail(err, "Cache set failed", key)
		return false
	}
	if !reply.IsOK() {
		c.log.WithField("key", key).WithField("reply", reply.String()).Warn("Cache set not acknowledged")
		return false
	}
	c.sets.Inc()
	return true
}

// Delete removes key and reports whether it existed
func (c *Client) Delete(ctx context.Context, key string) bool {
	n, err := c.integer(ctx, "DEL", key)
	if err != nil {
		c.fail(err, "Cache delete failed", key)
		return false
	}
	if n == 0 {
		return false
	}
	c.deletes.Inc()
	return true
}

// Exists reports whether key is present
func (c *Client) Exists(ctx context.Context, key string) bool {
	n, err := c.integer(ctx, "EXISTS", key)
	if err != nil {
		c.fail(err, "Cache exists failed", key)
		return false
	}
	return n > 0
}

// Clear deletes every key under the client's prefix and returns how many
// were removed
func (c *Client) Clear(ctx context.Context) (int64, error) {
	match := "*"
	if c.opts.KeyPrefix != "" {
		match = escapeGlob(c.opts.KeyPrefix) + ":*"
	}

	var deleted int64
	err := c.exec.Do(ctx, func(cn *conn.Conn) error {
		cursor := "0"
		for {
			reply, err := cn.Do(ctx, "SCAN", cursor, "MATCH", match, "COUNT", scanBatch)
			if err != nil {
				return err
			}
			if len(reply.Array) != 2 {
				return fmt.Errorf("unexpected SCAN reply %s", reply.String())
			}
			cursor = string(reply.Array[0].Data)

			if keys := reply.Array[1].Strings(); len(keys) > 0 {
				args := make([]any, 0, len(keys)+1)
				args = append(args, "DEL")
				for _, k := range keys {
					args = append(args, k)
				}
				n, err := cn.Do(ctx, args...)
				if err != nil {
					return err
				}
				deleted += n.Integer
			}
			if cursor == "0" {
				return nil
			}
		}
	})
	if err != nil {
		c.errors.Inc()
		return deleted, fmt.Errorf("clear cache prefix %q: %w", c.opts.KeyPrefix, err)
	}
	c.log.WithField("deleted", deleted).Debug("Cache cleared")
	return deleted, nil
}

// GetMultiple fetches keys in one MGET. The result follows the order of
// keys; missing or undecodable entries are nil.
func GetMultiple[T any](ctx context.Context, c *Client, keys []string) []*T {
	out := make([]*T, len(keys))
	if len(keys) == 0 {
		return out
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, "MGET")
	for _, k := range keys {
		args = append(args, c.Key(k))
	}

	var reply protocol.Value
	err := c.exec.Do(ctx, func(cn *conn.Conn) error {
		var err error
		reply, err = cn.Do(ctx, args...)
		return err
	})
	if err != nil || len(reply.Array) != len(keys) {
		if err == nil {
			err = fmt.Errorf("MGET returned %d values for %d keys", len(reply.Array), len(keys))
		}
		c.fail(err, "Cache multi-get failed", strings.Join(keys, ","))
		c.misses.Add(int64(len(keys)))
		return out
	}

	for i, item := range reply.Array {
		if item.IsNil() {
			c.misses.Inc()
			continue
		}
		v := new(T)
		if err := c.decode(item.Data, v); err != nil {
			c.fail(err, "Cache value could not be decoded", keys[i])
			c.misses.Inc()
			continue
		}
		c.hits.Inc()
		out[i] = v
	}
	return out
}

// SetMultiple stores entries in one pipeline. The result follows the order
// of entries.
func (c *Client) SetMultiple(ctx context.Context, entries []Entry, ttl time.Duration) []bool {
	out := make([]bool, len(entries))

	var (
		cmds  [][]any
		index []int
	)
	for i, e := range entries {
		payload, err := c.encode(e.Value)
		if err != nil {
			c.fail(err, "Cache value could not be encoded", e.Key)
			continue
		}
		cmds = append(cmds, c.setArgs(e.Key, payload, ttl))
		index = append(index, i)
	}
	if len(cmds) == 0 {
		return out
	}

	var replies []protocol.Value
	err := c.exec.Do(ctx, func(cn *conn.Conn) error {
		var err error
		replies, err = cn.Pipeline(ctx, cmds)
		return err
	})
	if err != nil {
		c.fail(err, "Cache multi-set failed", "")
		return out
	}
	for j, reply := range replies {
		if reply.IsOK() {
			out[index[j]] = true
			c.sets.Inc()
		}
	}
	return out
}

// Stats returns a snapshot of the counters
func (c *Client) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
}

// ResetStats zeroes every counter
func (c *Client) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
	c.errors.Store(0)
}

func (c *Client) setArgs(key string, payload []byte, ttl time.Duration) []any {
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}
	args := []any{"SET", c.Key(key), payload}
	if ttl > 0 {
		ms := ttl.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		args = append(args, "PX", ms)
	}
	return args
}

func (c *Client) integer(ctx context.Context, cmd, key string) (int64, error) {
	var n int64
	err := c.exec.Do(ctx, func(cn *conn.Conn) error {
		reply, err := cn.Do(ctx, cmd, c.Key(key))
		if err != nil {
			return err
		}
		n, err = reply.Int()
		return err
	})
	return n, err
}

func (c *Client) fail(err error, msg, key string) {
	c.errors.Inc()
	c.log.WithError(err).WithField("key", key).Warn(msg)
}

// encode serializes value as JSON and compresses it when it exceeds the
// threshold
func (c *Client) encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, &errext.SerializationError{Op: "marshal", Err: err}
	}
	if !c.opts.Compression.Enabled || len(data) <= c.opts.Compression.Threshold {
		return data, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.opts.Compression.level())
	if err != nil {
		return nil, &errext.SerializationError{Op: "compress", Err: err}
	}
	if _, err := zw.Write(data); err != nil {
		return nil, &errext.SerializationError{Op: "compress", Err: err}
	}
	if err := zw.Close(); err != nil {
		return nil, &errext.SerializationError{Op: "compress", Err: err}
	}
	return buf.Bytes(), nil
}

func (c *Client) decode(payload []byte, dst any) error {
	if bytes.HasPrefix(payload, Marker) {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return &errext.SerializationError{Op: "decompress", Err: err}
		}
		payload, err = io.ReadAll(zr)
		if err != nil {
			return &errext.SerializationError{Op: "decompress", Err: err}
		}
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return &errext.SerializationError{Op: "unmarshal", Err: err}
	}
	return nil
}

// escapeGlob quotes the glob metacharacters in s
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
