package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/errext"
	"github.com/raniellyferreira/redis-runtime/internal/retry"
)

// NodeConfig addresses one store instance
type NodeConfig struct {
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
}

// Addr returns host:port
func (n NodeConfig) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// DialFunc opens a connection to node
type DialFunc func(ctx context.Context, node NodeConfig) (*conn.Conn, error)

// Options configures a Manager
type Options struct {
	Master NodeConfig
	Slaves []NodeConfig

	// LagAggregate selects the GetReplicationLag aggregate. Defaults to LagMax.
	LagAggregate Aggregate

	// Conn is the template for connections opened by the default dialer.
	// Addr and Password are taken from each node.
	Conn conn.Options
	Dial DialFunc

	// Retry schedules redials of a node connection broken by a failed
	// command
	Retry *retry.Policy

	Logger logrus.FieldLogger
}

// Topology is a snapshot of the managed nodes
type Topology struct {
	Master NodeConfig   `json:"master"`
	Slaves []NodeConfig `json:"slaves"`
}

type node struct {
	cfg NodeConfig

	mu     sync.Mutex
	conn   *conn.Conn
	closed bool
}

func (n *node) close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return n.conn.Close()
}

// Manager coordinates a master and its slaves. mu guards the topology
// only; commands to the nodes run without it.
type Manager struct {
	opts Options
	log  logrus.FieldLogger

	mu     sync.Mutex
	master *node
	slaves []*node
}

// New creates a manager. No connection is opened until SetupMaster.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.LagAggregate == "" {
		opts.LagAggregate = LagMax
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.DefaultConfig(), opts.Logger)
	}
	if opts.Dial == nil {
		template := opts.Conn
		if template.Logger == nil {
			template.Logger = opts.Logger
		}
		opts.Dial = func(ctx context.Context, n NodeConfig) (*conn.Conn, error) {
			o := template
			o.Addr = n.Addr()
			o.Password = n.Password
			return conn.Dial(ctx, o)
		}
	}
	return &Manager{
		opts: opts,
		log:  opts.Logger.WithField("component", "replication"),
	}
}

// Start sets up the master and adds every configured slave concurrently
func (m *Manager) Start(ctx context.Context) error {
	if err := m.SetupMaster(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.opts.Slaves {
		g.Go(func() error {
			return m.AddSlave(gctx, s)
		})
	}
	return g.Wait()
}

// SetupMaster connects to the configured master and checks that it
// reports role:master
func (m *Manager) SetupMaster(ctx context.Context) error {
	cfg := m.opts.Master
	c, err := m.opts.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to master %s: %w", cfg.Addr(), err)
	}

	info, err := queryInfo(ctx, c)
	if err == nil && !info.IsMaster() {
		err = fmt.Errorf("%w: %s reports role %q", errext.ErrNotMaster, cfg.Addr(), info.Role)
	}
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("verify master %s: %w", cfg.Addr(), err)
	}

	m.mu.Lock()
	prev := m.master
	m.master = &node{cfg: cfg, conn: c}
	m.mu.Unlock()
	if prev != nil {
		_ = prev.close()
	}

	m.log.WithField("master", cfg.Addr()).Info("Master connected")
	return nil
}

// AddSlave connects to cfg, makes it replicate from the master and adds
// it to the topology
func (m *Manager) AddSlave(ctx context.Context, cfg NodeConfig) error {
	m.mu.Lock()
	master := m.master
	duplicate := m.findLocked(cfg.Host, cfg.Port) >= 0
	m.mu.Unlock()
	if master == nil {
		return errext.ErrNoMaster
	}
	if duplicate {
		return fmt.Errorf("slave %s is already in the topology", cfg.Addr())
	}

	c, err := m.opts.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to slave %s: %w", cfg.Addr(), err)
	}
	if err := replicaOf(ctx, c, master.cfg.Host, strconv.Itoa(master.cfg.Port)); err != nil {
		_ = c.Close()
		return fmt.Errorf("attach slave %s to %s: %w", cfg.Addr(), master.cfg.Addr(), err)
	}

	m.mu.Lock()
	if m.findLocked(cfg.Host, cfg.Port) >= 0 {
		m.mu.Unlock()
		_ = c.Close()
		return fmt.Errorf("slave %s is already in the topology", cfg.Addr())
	}
	m.slaves = append(m.slaves, &node{cfg: cfg, conn: c})
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"slave": cfg.Addr(), "master": master.cfg.Addr()}).Info("Slave added")
	return nil
}

// RemoveSlave detaches the slave at host:port, closes its connection and
// drops it from the topology
func (m *Manager) RemoveSlave(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	m.mu.Lock()
	i := m.findLocked(host, port)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", errext.ErrSlaveNotFound, addr)
	}
	s := m.slaves[i]
	m.mu.Unlock()

	if err := m.replicaOf(ctx, s, "NO", "ONE"); err != nil {
		return fmt.Errorf("detach slave %s: %w", s.cfg.Addr(), err)
	}

	m.mu.Lock()
	if !m.dropSlaveLocked(s) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", errext.ErrSlaveNotFound, addr)
	}
	m.mu.Unlock()
	_ = s.close()

	m.log.WithField("slave", s.cfg.Addr()).Info("Slave removed")
	return nil
}

// PromoteSlaveToMaster turns the slave matching host into a standalone
// master and makes it the topology's master. host may carry a port
// ("host:port") to pick one of several slaves on the same host. The
// previous master connection is closed. Remaining slaves keep following
// the old master until RepointSlaves is called.
func (m *Manager) PromoteSlaveToMaster(ctx context.Context, host string) error {
	port := 0
	if h, p, err := net.SplitHostPort(host); err == nil {
		host = h
		port, _ = strconv.Atoi(p)
	}

	m.mu.Lock()
	i := m.findLocked(host, port)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", errext.ErrSlaveNotFound, host)
	}
	s := m.slaves[i]
	m.mu.Unlock()

	if err := m.replicaOf(ctx, s, "NO", "ONE"); err != nil {
		return fmt.Errorf("promote slave %s: %w", s.cfg.Addr(), err)
	}

	m.mu.Lock()
	if !m.dropSlaveLocked(s) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", errext.ErrSlaveNotFound, host)
	}
	prev := m.master
	m.master = s
	m.mu.Unlock()
	if prev != nil {
		_ = prev.close()
	}

	m.log.WithField("master", s.cfg.Addr()).Info("Slave promoted to master")
	return nil
}

// RepointSlaves makes every slave replicate from the current master
func (m *Manager) RepointSlaves(ctx context.Context) error {
	m.mu.Lock()
	master := m.master
	slaves := append([]*node(nil), m.slaves...)
	m.mu.Unlock()
	if master == nil {
		return errext.ErrNoMaster
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range slaves {
		g.Go(func() error {
			if err := m.replicaOf(gctx, s, master.cfg.Host, strconv.Itoa(master.cfg.Port)); err != nil {
				return fmt.Errorf("repoint slave %s: %w", s.cfg.Addr(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{"master": master.cfg.Addr(), "slaves": len(slaves)}).Info("Slaves repointed")
	return nil
}

// SaveRDB snapshots the master. With a filename the snapshot is written
// synchronously under that name, otherwise a background save is started.
// Failures are logged and reported as false.
func (m *Manager) SaveRDB(ctx context.Context, filename string) bool {
	c, err := m.masterConn(ctx)
	if err == nil {
		if filename != "" {
			if _, err = c.Do(ctx, "CONFIG", "SET", "dbfilename", filename); err == nil {
				_, err = c.Do(ctx, "SAVE")
			}
		} else {
			_, err = c.Do(ctx, "BGSAVE")
		}
	}
	if err != nil {
		m.log.WithError(err).WithField("filename", filename).Error("Snapshot failed")
		return false
	}
	m.log.WithField("filename", filename).Info("Snapshot triggered")
	return true
}

// GetReplicationInfo queries and parses the master's replication section
func (m *Manager) GetReplicationInfo(ctx context.Context) (*Info, error) {
	c, err := m.masterConn(ctx)
	if err != nil {
		return nil, err
	}
	info, err := queryInfo(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("query replication info: %w", err)
	}
	return info, nil
}

// GetReplicationLag returns the master's offset lag folded with the
// configured aggregate. It is 0 with no connected slave.
func (m *Manager) GetReplicationLag(ctx context.Context) (int64, error) {
	info, err := m.GetReplicationInfo(ctx)
	if err != nil {
		return 0, err
	}
	return m.opts.LagAggregate.Lag(info), nil
}

// Topology returns the current master and slaves
func (m *Manager) Topology() Topology {
	m.mu.Lock()
	defer m.mu.Unlock()

	var t Topology
	if m.master != nil {
		t.Master = m.master.cfg
	}
	for _, s := range m.slaves {
		t.Slaves = append(t.Slaves, s.cfg)
	}
	return t
}

// Cleanup closes the master and every slave connection
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	nodes := m.slaves
	if m.master != nil {
		nodes = append([]*node{m.master}, nodes...)
	}
	m.master, m.slaves = nil, nil
	m.mu.Unlock()

	var errs []error
	for _, n := range nodes {
		if err := n.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", n.cfg.Addr(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) masterConn(ctx context.Context) (*conn.Conn, error) {
	m.mu.Lock()
	master := m.master
	m.mu.Unlock()
	if master == nil {
		return nil, errext.ErrNoMaster
	}
	return m.nodeConn(ctx, master)
}

// nodeConn returns the connection to n, first replacing it when a failed
// command left it broken
func (m *Manager) nodeConn(ctx context.Context, n *node) (*conn.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, errext.ErrClosed
	}
	if n.conn.State() != conn.StateError {
		return n.conn, nil
	}

	c, err := retry.Do(ctx, m.opts.Retry, "redial "+n.cfg.Addr(), func(ctx context.Context) (*conn.Conn, error) {
		return m.opts.Dial(ctx, n.cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("reconnect to %s: %w", n.cfg.Addr(), err)
	}
	_ = n.conn.Close()
	n.conn = c
	m.log.WithField("node", n.cfg.Addr()).Info("Node connection replaced")
	return c, nil
}

func (m *Manager) replicaOf(ctx context.Context, n *node, host, port string) error {
	c, err := m.nodeConn(ctx, n)
	if err != nil {
		return err
	}
	return replicaOf(ctx, c, host, port)
}

// dropSlaveLocked removes s from the slaves and reports whether it was
// still there. Must be called with m.mu held.
func (m *Manager) dropSlaveLocked(s *node) bool {
	for i, n := range m.slaves {
		if n == s {
			m.slaves = append(m.slaves[:i], m.slaves[i+1:]...)
			return true
		}
	}
	return false
}

// findLocked returns the index of the slave at host and port, or -1. A
// zero port matches any port on host.
func (m *Manager) findLocked(host string, port int) int {
	for i, s := range m.slaves {
		if s.cfg.Host == host && (port == 0 || s.cfg.Port == port) {
			return i
		}
	}
	return -1
}

func queryInfo(ctx context.Context, c *conn.Conn) (*Info, error) {
	reply, err := c.Do(ctx, "INFO", "replication")
	if err != nil {
		return nil, err
	}
	return ParseInfo(reply.String()), nil
}

// replicaOf issues REPLICAOF, falling back to SLAVEOF on stores that do
// not know the newer command
func replicaOf(ctx context.Context, c *conn.Conn, host, port string) error {
	_, err := c.Do(ctx, "REPLICAOF", host, port)
	if isUnknownCommand(err) {
		_, err = c.Do(ctx, "SLAVEOF", host, port)
	}
	return err
}

func isUnknownCommand(err error) bool {
	var rerr *errext.ReplyError
	return errors.As(err, &rerr) && strings.HasPrefix(rerr.Message, "ERR unknown command")
}
