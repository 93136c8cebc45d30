package pubsub_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/protocol"
	"github.com/raniellyferreira/redis-runtime/pubsub"
)

// scriptedStore is a bare RESP endpoint whose replies are chosen by the
// test. reply gets every command and returns the raw frames to write back,
// or "" to stay silent.
type scriptedStore struct {
	addr string
	cmds chan []string
}

func startScriptedStore(t *testing.T, reply func(cmd []string) string) *scriptedStore {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &scriptedStore{addr: ln.Addr().String(), cmds: make(chan []string, 64)}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		conns  []net.Conn
		closed bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			if closed {
				mu.Unlock()
				_ = nc.Close()
				return
			}
			conns = append(conns, nc)
			wg.Add(1)
			mu.Unlock()

			go func() {
				defer wg.Done()
				r := protocol.NewReader(nc)
				for {
					v, err := r.ReadNext()
					if err != nil {
						return
					}
					cmd := make([]string, len(v.Array))
					for i, a := range v.Array {
						cmd[i] = string(a.Data)
					}
					if cmd[0] != "PUBLISH" {
						s.cmds <- cmd
					}
					if out := reply(cmd); out != "" {
						if _, err := io.WriteString(nc, out); err != nil {
							return
						}
					}
				}
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		closed = true
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	return s
}

// next returns the next subscriber-side command the store received
func (s *scriptedStore) next(t *testing.T) []string {
	t.Helper()
	select {
	case cmd := <-s.cmds:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command reached the store")
		return nil
	}
}

func (s *scriptedStore) dial(ctx context.Context) (*conn.Conn, error) {
	return conn.Dial(ctx, conn.Options{Addr: s.addr, ReadTimeout: time.Second, WriteTimeout: time.Second})
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return log
}

// broker builds a broker over two connections to the store
func (s *scriptedStore) broker(t *testing.T) *pubsub.Broker {
	t.Helper()
	pub, err := s.dial(context.Background())
	require.NoError(t, err)
	sub, err := s.dial(context.Background())
	require.NoError(t, err)
	b := pubsub.New(pub, sub, pubsub.Options{Logger: quietLogger()})
	t.Cleanup(func() { _ = b.Disconnect() })
	return b
}

// dialBroker builds a broker through pubsub.Dial, counting dials
func (s *scriptedStore) dialBroker(t *testing.T, dials *atomic.Int32) *pubsub.Broker {
	t.Helper()
	b, err := pubsub.Dial(context.Background(), func(ctx context.Context) (*conn.Conn, error) {
		dials.Inc()
		return s.dial(ctx)
	}, pubsub.Options{Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Disconnect() })
	return b
}

func pushFrame(kind, name string, n int) string {
	return fmt.Sprintf("*3\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n:%d\r\n", len(kind), kind, len(name), name, n)
}
