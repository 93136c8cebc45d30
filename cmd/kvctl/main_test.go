package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-runtime/internal/memtest"
	"github.com/raniellyferreira/redis-runtime/pubsub"
)

// syncBuffer is a bytes.Buffer safe to read while a command writes to it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(ctx context.Context, out *syncBuffer, args ...string) error {
	gs := newGlobalState(ctx, out, &syncBuffer{})
	root := newRootCommand(gs)
	root.SetArgs(append([]string{"--no-color", "--log-level", "error"}, args...))
	return root.Execute()
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	out := &syncBuffer{}
	require.NoError(t, execute(context.Background(), out, args...))
	return out.String()
}

func TestCacheCommands(t *testing.T) {
	srv := memtest.Start(t)
	addr := srv.Addr()

	assert.Equal(t, "OK\n", run(t, "--addr", addr, "cache", "set", "user", `{"name":"ada"}`))
	assert.Equal(t, "{\"name\":\"ada\"}\n", run(t, "--addr", addr, "cache", "get", "user"))
	assert.Equal(t, "(nil)\n", run(t, "--addr", addr, "cache", "get", "missing"))

	db, err := srv.Storage().DB(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, db.Exists("cache:user"))

	assert.Equal(t, "OK\n", run(t, "--addr", addr, "cache", "set", "--prefix", "other", "--ttl", "1m", "k", "plain"))
	assert.Equal(t, "\"plain\"\n", run(t, "--addr", addr, "cache", "get", "--prefix", "other", "k"))
	assert.Greater(t, db.TTL("other:k"), time.Duration(0))

	assert.Equal(t, "deleted 1\n", run(t, "--addr", addr, "cache", "del", "user", "missing"))
	assert.Equal(t, "deleted 1\n", run(t, "--addr", addr, "cache", "clear", "--prefix", "other"))
	assert.Zero(t, db.KeyCount())
}

func TestPublishWithoutSubscribers(t *testing.T) {
	srv := memtest.Start(t)
	assert.Equal(t, "delivered to 0 subscribers\n", run(t, "--addr", srv.Addr(), "publish", "orders", `{"id":1}`))
}

func TestSubscribe(t *testing.T) {
	srv := memtest.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, out, "--addr", srv.Addr(), "subscribe", "-n", "1", "orders")
	}()

	broker := pubsub.New(srv.Dial(), srv.Dial(), pubsub.Options{ChannelPrefix: "events"})
	defer broker.Disconnect() //nolint:errcheck

	require.Eventually(t, func() bool {
		n, err := broker.PublishCount(ctx, "orders", map[string]int{"id": 1})
		return err == nil && n > 0
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not exit")
	}
	assert.Contains(t, out.String(), `orders {"id":1}`)
}

func TestInfoAndLag(t *testing.T) {
	master := memtest.Start(t)
	replica := memtest.Start(t)
	replica.ReplicaOf(master.Host(), master.Port())

	require.Eventually(t, func() bool {
		out := run(t, "--addr", replica.Addr(), "info")
		return strings.Contains(out, "master_link_status: up")
	}, 5*time.Second, 20*time.Millisecond)

	out := run(t, "--addr", replica.Addr(), "info")
	assert.Contains(t, out, "role: slave")
	assert.Contains(t, out, "master: "+master.Addr())

	require.Eventually(t, func() bool {
		out = run(t, "--addr", master.Addr(), "info")
		return strings.Contains(out, "connected_slaves: 1")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, out, "role: master")
	assert.Contains(t, out, "slave0: ")

	assert.Eventually(t, func() bool {
		return strings.Contains(run(t, "--addr", master.Addr(), "lag", "--aggregate", "mean"), "lag: 0\n")
	}, 5*time.Second, 20*time.Millisecond)

	err := execute(context.Background(), &syncBuffer{}, "--addr", replica.Addr(), "lag")
	assert.Error(t, err, "a replica is not a master")

	err = execute(context.Background(), &syncBuffer{}, "--addr", master.Addr(), "lag", "--aggregate", "p99")
	assert.ErrorContains(t, err, "invalid --aggregate")
}

func TestStats(t *testing.T) {
	srv := memtest.Start(t)
	out := run(t, "--addr", srv.Addr(), "stats")
	assert.Contains(t, out, "runtime:")
	assert.Contains(t, out, "role: master")
	assert.Contains(t, out, "# Keyspace")
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, out, "serve", "--listen", "127.0.0.1:0", "--dir", t.TempDir())
	}()

	require.Eventually(t, func() bool {
		return strings.HasPrefix(out.String(), "listening on ")
	}, 5*time.Second, 10*time.Millisecond)
	addr := strings.TrimSpace(strings.TrimPrefix(out.String(), "listening on "))

	rdb := redis.NewClient(&redis.Options{Addr: addr, Protocol: 2, DisableIdentity: true})
	defer rdb.Close()
	require.NoError(t, rdb.Set(ctx, "k", "v", 0).Err())
	assert.Equal(t, "v", rdb.Get(ctx, "k").Val())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestVersion(t *testing.T) {
	out := run(t, "version")
	assert.Contains(t, out, "version: 1.0.0\n")
	assert.Contains(t, out, "go: go")
}

func TestInvalidLogLevel(t *testing.T) {
	gs := newGlobalState(context.Background(), &syncBuffer{}, &syncBuffer{})
	root := newRootCommand(gs)
	root.SetArgs([]string{"--log-level", "loud", "version"})
	assert.ErrorContains(t, root.Execute(), "invalid --log-level")
}

func TestJSONArg(t *testing.T) {
	assert.Equal(t, "plain", jsonArg("plain"))
	assert.Equal(t, "not json {", jsonArg("not json {"))
	assert.Equal(t, json.RawMessage(`{"a":1}`), jsonArg(`{"a":1}`))
	assert.Equal(t, json.RawMessage(`42`), jsonArg("42"))
}
