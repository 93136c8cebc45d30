package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/raniellyferreira/redis-runtime/lua"
	"github.com/raniellyferreira/redis-runtime/protocol"
	"github.com/raniellyferreira/redis-runtime/storage"
)

// Server provides the RESP server in front of a MemoryStorage
type Server struct {
	storage *storage.MemoryStorage
	lua     *lua.Engine
	hub     *hub
	log     logrus.FieldLogger

	// Server configuration
	addr           string
	password       string
	idleTimeout    time.Duration
	ackInterval    time.Duration
	loadOnStart    bool
	runID          string
	startedAt      time.Time
	configMu       sync.RWMutex
	dir            string
	dbFilename     string
	masterAuth     string
	persistence    persistence
	replicationCtl replicationState

	// Connection management
	listener net.Listener
	clients  sync.Map // map[*Client]struct{}

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	connCount    atomic.Int64
	commandCount atomic.Int64
	errorCount   atomic.Int64
}

// Option configures a Server
type Option func(*Server)

// WithPassword requires clients to AUTH with password
func WithPassword(password string) Option {
	return func(s *Server) { s.password = password }
}

// WithLogger sets the server logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithIdleTimeout closes clients idle for longer than d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithSnapshotFile sets the directory and file name used by SAVE and BGSAVE
func WithSnapshotFile(dir, filename string) Option {
	return func(s *Server) {
		if dir != "" {
			s.dir = dir
		}
		if filename != "" {
			s.dbFilename = filename
		}
	}
}

// WithLoadOnStart restores the snapshot file, if present, when the server starts
func WithLoadOnStart(load bool) Option {
	return func(s *Server) { s.loadOnStart = load }
}

// WithReplicaAckInterval sets how often a replica reports its offset to
// its master
func WithReplicaAckInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.ackInterval = d
		}
	}
}

// NewServer creates a new server bound to addr once started
func NewServer(addr string, store *storage.MemoryStorage, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)

	s := &Server{
		storage:     store,
		hub:         newHub(),
		log:         l,
		addr:        addr,
		ackInterval: time.Second,
		runID:       newReplID(),
		dir:         ".",
		dbFilename:  "dump.json",
		ctx:         ctx,
		cancel:      cancel,
	}
	s.lua = lua.NewEngine(s.dispatchScript)
	s.replicationCtl.init()

	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "server")
	return s
}

func newReplID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Start starts listening and serving clients
func (s *Server) Start() error {
	if s.loadOnStart {
		if err := s.loadSnapshot(); err != nil {
			return err
		}
	}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.startedAt = time.Now()

	s.wg.Add(1)
	go s.acceptConnections()

	s.log.WithField("addr", s.Addr()).Info("Server listening")
	return nil
}

// Stop stops the server, its replication link and every client
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}
	s.stopReplicaLink()
	s.DisconnectClients()

	s.wg.Wait()
	return nil
}

// DisconnectClients drops every connected client while the server keeps
// listening
func (s *Server) DisconnectClients() {
	s.clients.Range(func(key, _ any) bool {
		key.(*Client).Close()
		return true
	})
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Port returns the listening port, or 0 before Start
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Storage returns the keyspace served by s
func (s *Server) Storage() *storage.MemoryStorage {
	return s.storage
}

// Stats returns server statistics
func (s *Server) Stats() map[string]any {
	clientCount := 0
	s.clients.Range(func(_, _ any) bool {
		clientCount++
		return true
	})

	return map[string]any{
		"connected_clients": clientCount,
		"total_commands":    s.commandCount.Load(),
		"total_errors":      s.errorCount.Load(),
		"total_connections": s.connCount.Load(),
	}
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("Accept failed")
			continue
		}
		s.handleNewClient(conn)
	}
}

// handleNewClient registers conn and starts serving it
func (s *Server) handleNewClient(conn net.Conn) {
	s.connCount.Inc()

	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		conn:          conn,
		reader:        protocol.NewReader(conn),
		writer:        protocol.NewWriter(conn),
		server:        s,
		authenticated: s.password == "",
		ctx:           ctx,
		cancel:        cancel,
	}
	client.db, _ = s.storage.DB(0)

	s.clients.Store(client, struct{}{})

	s.wg.Add(1)
	go client.handle()
}

// Client represents a connected client. The pseudo client that applies a
// master's stream on a replica has no connection.
type Client struct {
	conn   net.Conn
	reader *protocol.Reader
	server *Server

	wmu    sync.Mutex
	writer *protocol.Writer

	// Client state
	authenticated bool
	db            *storage.Database
	channels      map[string]struct{}
	patterns      map[string]struct{}
	fromMaster    bool
	listeningPort int
	replica       *replicaRecord

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Close closes the client connection and drops its subscriptions
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
		c.server.hub.removeClient(c)
		c.server.removeReplica(c)
		c.server.clients.Delete(c)
	})
}

// RemoteIP returns the client's IP address
func (c *Client) RemoteIP() string {
	if c.conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

// handle reads and executes commands until the client goes away
func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	for {
		if c.server.idleTimeout > 0 && c.replica == nil && c.subscriptions() == 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.server.idleTimeout))
		} else {
			c.conn.SetReadDeadline(time.Time{})
		}

		value, err := c.reader.ReadNext()
		if err != nil {
			if errors.Is(err, io.EOF) || c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.send(protocol.Value{Type: protocol.TypeError, Data: []byte("ERR Protocol error: " + err.Error())})
			return
		}

		cmd, err := protocol.ParseCommand(value)
		if err != nil {
			c.send(protocol.Value{Type: protocol.TypeError, Data: []byte("ERR Protocol error: " + err.Error())})
			continue
		}

		reply := c.server.execute(c.ctx, c, cmd)
		if reply.Type != 0 {
			c.send(reply)
		}
		if cmd.Name == "QUIT" {
			return
		}
	}
}

// send writes one value to the client and flushes it
func (c *Client) send(v protocol.Value) error {
	if c.conn == nil {
		return nil
	}
	if v.Type == protocol.TypeError {
		c.server.errorCount.Inc()
		clean := strings.NewReplacer("\r", " ", "\n", " ").Replace(string(v.Data))
		v = protocol.Value{Type: protocol.TypeError, Data: []byte(clean)}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.writer.WriteValue(v); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) subscriptions() int {
	return len(c.channels) + len(c.patterns)
}
