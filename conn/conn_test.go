package conn_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/errext"
	"github.com/raniellyferreira/redis-runtime/internal/memtest"
	"github.com/raniellyferreira/redis-runtime/server"
)

func TestConn_Do(t *testing.T) {
	srv := memtest.Start(t)
	c := srv.Dial()
	ctx := context.Background()

	assert.Equal(t, conn.StateReady, c.State())
	assert.Equal(t, srv.Addr(), c.Addr())

	reply, err := c.Do(ctx, "SET", "k", []byte("v"))
	require.NoError(t, err)
	assert.True(t, reply.IsOK())

	reply, err = c.Do(ctx, "GET", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(reply.Data))

	reply, err = c.Do(ctx, "EXPIRE", "k", 60)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reply.Integer)
}

func TestConn_ErrorReplyKeepsConnectionHealthy(t *testing.T) {
	srv := memtest.Start(t)
	c := srv.Dial()
	ctx := context.Background()

	reply, err := c.Do(ctx, "NOPE")
	require.Error(t, err)
	var rerr *errext.ReplyError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Message, "unknown command")
	assert.True(t, reply.IsError())

	assert.Equal(t, conn.StateReady, c.State())
	_, err = c.Do(ctx, "PING")
	assert.NoError(t, err)
}

func TestConn_Pipeline(t *testing.T) {
	srv := memtest.Start(t)
	c := srv.Dial()

	replies, err := c.Pipeline(context.Background(), [][]any{
		{"SET", "a", "1"},
		{"GET", "a"},
		{"BOGUS"},
		{"EXISTS", "a", "b"},
	})
	require.NoError(t, err)
	require.Len(t, replies, 4)
	assert.True(t, replies[0].IsOK())
	assert.Equal(t, "1", string(replies[1].Data))
	assert.True(t, replies[2].IsError())
	assert.EqualValues(t, 1, replies[3].Integer)

	replies, err = c.Pipeline(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, replies)
}

func TestConn_UnsupportedArgument(t *testing.T) {
	srv := memtest.Start(t)
	c := srv.Dial()

	_, err := c.Do(context.Background(), "SET", "k", struct{}{})
	require.Error(t, err)
	assert.False(t, errext.IsTransport(err))
	assert.Equal(t, conn.StateReady, c.State())
}

func TestConn_DialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = conn.Dial(context.Background(), conn.Options{Addr: addr, ConnectTimeout: time.Second})
	require.Error(t, err)
	var terr *errext.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)
	assert.Equal(t, addr, terr.Addr)
}

func TestConn_AuthAndSelect(t *testing.T) {
	srv := memtest.Start(t, server.WithPassword("secret"))
	ctx := context.Background()

	opts := srv.Options()
	opts.Password = "wrong"
	_, err := conn.Dial(ctx, opts)
	require.Error(t, err)
	var terr *errext.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "auth", terr.Op)

	opts.Password = "secret"
	opts.DB = 2
	c, err := conn.Dial(ctx, opts)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Do(ctx, "SET", "k", "v")
	require.NoError(t, err)

	db2, err := srv.Storage().DB(2)
	require.NoError(t, err)
	v, ok := db2.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestConn_SendReceive(t *testing.T) {
	srv := memtest.Start(t)
	c := srv.Dial()
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "SUBSCRIBE", "ch"))
	assert.True(t, c.Listening())

	v, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, []string{"subscribe", "ch", ""}, v.Strings())

	_, err = c.Do(ctx, "PING")
	assert.ErrorIs(t, err, errext.ErrListening)
	_, err = c.Pipeline(ctx, [][]any{{"PING"}})
	assert.ErrorIs(t, err, errext.ErrListening)

	pub := srv.Dial()
	_, err = pub.Do(ctx, "PUBLISH", "ch", "hello")
	require.NoError(t, err)

	v, err = c.Receive()
	require.NoError(t, err)
	assert.Equal(t, []string{"message", "ch", "hello"}, v.Strings())
}

func TestConn_BrokenConnectionFiresOnErrorOnce(t *testing.T) {
	srv := memtest.Start(t)
	c := srv.Dial()
	ctx := context.Background()

	var errs, ends atomic.Int32
	c.OnError(func(error) { errs.Inc() })
	c.OnEnd(func() { ends.Inc() })

	srv.Kill()

	var err error
	require.Eventually(t, func() bool {
		_, err = c.Do(ctx, "PING")
		return err != nil
	}, time.Second, 10*time.Millisecond)
	assert.True(t, errext.IsTransport(err) || errors.Is(err, errext.ErrClosed))
	assert.Equal(t, conn.StateError, c.State())

	_, err = c.Do(ctx, "PING")
	assert.ErrorIs(t, err, errext.ErrClosed)

	require.NoError(t, c.Close())
	assert.EqualValues(t, 1, errs.Load())
	assert.EqualValues(t, 0, ends.Load(), "end listeners do not fire after an error")
}

func TestConn_CloseFiresOnEndOnce(t *testing.T) {
	srv := memtest.Start(t)
	c := srv.Dial()

	var ends atomic.Int32
	c.OnEnd(func() { ends.Inc() })

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.EqualValues(t, 1, ends.Load())
	assert.Equal(t, conn.StateClosed, c.State())

	_, err := c.Do(context.Background(), "PING")
	assert.ErrorIs(t, err, errext.ErrClosed)
	_, err = c.Receive()
	assert.ErrorIs(t, err, errext.ErrClosed)
}

func TestConn_ContextCancellation(t *testing.T) {
	srv := memtest.Start(t)
	c := srv.Dial()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, "PING")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, conn.StateReady, c.State(), "nothing was written")

	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.Do(ctx, "PING")
	assert.NoError(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", conn.StateConnecting.String())
	assert.Equal(t, "ready", conn.StateReady.String())
	assert.Equal(t, "error", conn.StateError.String())
	assert.Equal(t, "closed", conn.StateClosed.String())
}
