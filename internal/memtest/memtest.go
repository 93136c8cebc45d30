// Package memtest starts embedded servers for tests.
package memtest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/server"
	"github.com/raniellyferreira/redis-runtime/storage"
)

// Server is a running embedded server bound to a loopback port
type Server struct {
	*server.Server
	tb testing.TB
}

// Start runs a server on 127.0.0.1 and stops it when the test ends
func Start(tb testing.TB, opts ...server.Option) *Server {
	tb.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	opts = append([]server.Option{
		server.WithLogger(log),
		server.WithReplicaAckInterval(20 * time.Millisecond),
		server.WithSnapshotFile(tb.TempDir(), ""),
	}, opts...)

	store := storage.NewMemory()
	srv := server.NewServer("127.0.0.1:0", store, opts...)
	require.NoError(tb, srv.Start())
	tb.Cleanup(func() {
		_ = srv.Stop()
		_ = store.Close()
	})
	return &Server{Server: srv, tb: tb}
}

// Host returns the listening host
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Options returns connection options for the server
func (s *Server) Options() conn.Options {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return conn.Options{
		Addr:           s.Addr(),
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
		WriteTimeout:   2 * time.Second,
		Logger:         l,
	}
}

// Dial opens a conn.Conn to the server, closed when the test ends. The
// server has registered the client when Dial returns.
func (s *Server) Dial() *conn.Conn {
	s.tb.Helper()
	c, err := conn.Dial(context.Background(), s.Options())
	require.NoError(s.tb, err)
	s.tb.Cleanup(func() { _ = c.Close() })
	_, err = c.Do(context.Background(), "PING")
	require.NoError(s.tb, err)
	return c
}

// Client returns a go-redis client for the server
func (s *Server) Client() *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:            s.Addr(),
		Protocol:        2,
		DisableIdentity: true,
		MaxRetries:      -1,
	})
	s.tb.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// Kill drops every client connection while the server keeps listening,
// including connections dialed but not yet accepted
func (s *Server) Kill() {
	s.tb.Helper()
	// accepts are FIFO: once this one answers, every earlier dial is registered
	s.Dial()
	s.DisconnectClients()
}
