package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/internal/retry"
	"github.com/raniellyferreira/redis-runtime/protocol"
	"github.com/raniellyferreira/redis-runtime/storage"
)

// replicationState holds the server's role and, on a master, its replicas.
// mu also serializes write commands so the stream matches execution order.
type replicationState struct {
	mu sync.Mutex

	replica    atomic.Bool
	masterHost string
	masterPort int
	replID     string
	offset     int64
	lastDB     int
	replicas   map[*Client]*replicaRecord
	link       *replicaLink
}

func (st *replicationState) init() {
	st.replID = newReplID()
	st.lastDB = -1
	st.replicas = make(map[*Client]*replicaRecord)
}

// replicaRecord is the master's view of one attached replica
type replicaRecord struct {
	ip        string
	port      int
	ackOffset atomic.Int64
	lastAck   atomic.Int64 // unix nanoseconds
}

// replicaLink is a replica's connection to its master
type replicaLink struct {
	addr   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	up           atomic.Bool
	offset       atomic.Int64
	masterOffset atomic.Int64
}

func (s *Server) isReplica() bool {
	return s.replicationCtl.replica.Load()
}

// propagatedForm is the command replicas receive for cmd
func (s *Server) propagatedForm(cmd *protocol.Command) *protocol.Command {
	if cmd.Name != "EVALSHA" {
		return cmd
	}
	script, ok := s.lua.Script(cmd.Arg(0))
	if !ok {
		return cmd
	}
	args := make([][]byte, len(cmd.Args))
	copy(args, cmd.Args)
	args[0] = []byte(script)
	return &protocol.Command{Name: "EVAL", Args: args}
}

// propagateLocked appends cmd to the replication stream, selecting db first
// when the stream last addressed another database
func (s *Server) propagateLocked(db int, cmd *protocol.Command) {
	st := &s.replicationCtl
	if db != st.lastDB {
		s.feedLocked(&protocol.Command{Name: "SELECT", Args: [][]byte{[]byte(strconv.Itoa(db))}})
		st.lastDB = db
	}
	s.feedLocked(cmd)
}

func (s *Server) feedLocked(cmd *protocol.Command) {
	v := commandValue(cmd)
	s.replicationCtl.offset += encodedLen(v)
	for c := range s.replicationCtl.replicas {
		if err := c.send(v); err != nil {
			s.log.WithError(err).WithField("replica", c.RemoteIP()).Warn("Failed to feed replica")
		}
	}
}

func commandValue(cmd *protocol.Command) protocol.Value {
	items := make([]protocol.Value, 0, len(cmd.Args)+1)
	items = append(items, bulkString(cmd.Name))
	for _, a := range cmd.Args {
		items = append(items, bulk(a))
	}
	return array(items...)
}

// encodedLen returns the number of bytes v occupies on the wire
func encodedLen(v protocol.Value) int64 {
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	_ = w.WriteValue(v)
	_ = w.Flush()
	return int64(buf.Len())
}

func (s *Server) removeReplica(c *Client) {
	s.replicationCtl.mu.Lock()
	defer s.replicationCtl.mu.Unlock()
	delete(s.replicationCtl.replicas, c)
}

// stopReplicaLink detaches from the current master, if any
func (s *Server) stopReplicaLink() {
	s.replicationCtl.mu.Lock()
	link := s.replicationCtl.link
	s.replicationCtl.link = nil
	s.replicationCtl.mu.Unlock()

	if link != nil {
		link.cancel()
		<-link.done
	}
}

// ReplicaOf attaches the server to the master at host:port
func (s *Server) ReplicaOf(host string, port int) {
	s.stopReplicaLink()

	ctx, cancel := context.WithCancel(s.ctx)
	link := &replicaLink{
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	st := &s.replicationCtl
	st.mu.Lock()
	st.masterHost = host
	st.masterPort = port
	st.link = link
	st.replica.Store(true)
	st.mu.Unlock()

	go s.runReplicaLink(link)
}

// PromoteToMaster stops replicating and starts a new replication history
func (s *Server) PromoteToMaster() {
	s.stopReplicaLink()

	st := &s.replicationCtl
	st.mu.Lock()
	defer st.mu.Unlock()
	st.replica.Store(false)
	st.masterHost = ""
	st.masterPort = 0
	st.replID = newReplID()
	st.lastDB = -1
}

// runReplicaLink keeps a sync session with the master alive until the
// link is stopped
func (s *Server) runReplicaLink(link *replicaLink) {
	defer close(link.done)

	log := s.log.WithField("master", link.addr)
	policy := retry.New(retry.Config{
		MaxAttempts:     10,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}, log)

	for link.ctx.Err() == nil {
		err := policy.Do(link.ctx, "replica sync", func(ctx context.Context) error {
			return s.syncWithMaster(ctx, link, log)
		})
		if link.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("Replication link down")
		select {
		case <-link.ctx.Done():
			return
		case <-time.After(policy.Config().MaxInterval):
		}
	}
}

// syncWithMaster performs a full resync and then applies the command
// stream until the connection breaks
func (s *Server) syncWithMaster(ctx context.Context, link *replicaLink, log logrus.FieldLogger) error {
	s.configMu.RLock()
	auth := s.masterAuth
	s.configMu.RUnlock()

	mc, err := conn.Dial(ctx, conn.Options{
		Addr:           link.addr,
		Password:       auth,
		ConnectTimeout: 5 * time.Second,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer mc.Close()
	stop := context.AfterFunc(ctx, func() { mc.Close() })
	defer stop()

	if _, err := mc.Do(ctx, "PING"); err != nil {
		return err
	}
	if _, err := mc.Do(ctx, "REPLCONF", "listening-port", s.Port()); err != nil {
		return err
	}
	if err := mc.Send(ctx, "PSYNC", "?", -1); err != nil {
		return err
	}

	reply, err := mc.Receive()
	if err != nil {
		return err
	}
	if reply.IsError() {
		return reply.Err()
	}
	fields := strings.Fields(string(reply.Data))
	if len(fields) != 3 || fields[0] != "FULLRESYNC" {
		return retry.Permanent(fmt.Errorf("unexpected PSYNC reply %q", reply.String()))
	}
	offset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid PSYNC offset %q: %w", fields[2], err)
	}

	payload, err := mc.Receive()
	if err != nil {
		return err
	}
	var snap storage.Snapshot
	if err := json.Unmarshal(payload.Data, &snap); err != nil {
		return fmt.Errorf("decode master snapshot: %w", err)
	}
	if err := s.storage.Restore(&snap); err != nil {
		return err
	}

	s.replicationCtl.mu.Lock()
	s.replicationCtl.replID = fields[1]
	s.replicationCtl.mu.Unlock()

	link.offset.Store(offset)
	link.masterOffset.Store(offset)
	link.up.Store(true)
	defer link.up.Store(false)
	log.WithFields(logrus.Fields{"keys": snap.KeyCount(), "offset": offset}).Info("Full resync completed")

	ackCtx, cancelAck := context.WithCancel(ctx)
	defer cancelAck()
	go s.ackMaster(ackCtx, mc, link)

	master := s.masterClient(ctx)
	for {
		v, err := mc.Receive()
		if err != nil {
			return err
		}
		cmd, err := protocol.ParseCommand(v)
		if err != nil {
			log.WithError(err).Warn("Skipping malformed replication command")
			continue
		}
		if reply := s.execute(ctx, master, cmd); reply.IsError() {
			log.WithFields(logrus.Fields{"command": cmd.Name, "reply": reply.String()}).Warn("Replicated command failed")
		}
		n := link.offset.Add(encodedLen(v))
		link.masterOffset.Store(n)
	}
}

// ackMaster reports the applied offset until ctx ends
func (s *Server) ackMaster(ctx context.Context, mc *conn.Conn, link *replicaLink) {
	ticker := time.NewTicker(s.ackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mc.Send(ctx, "REPLCONF", "ACK", link.offset.Load()); err != nil {
				return
			}
		}
	}
}

// masterClient is the connectionless client that applies the master's stream
func (s *Server) masterClient(ctx context.Context) *Client {
	c := &Client{
		server:        s,
		authenticated: true,
		fromMaster:    true,
		ctx:           ctx,
		cancel:        func() {},
	}
	c.db, _ = s.storage.DB(0)
	return c
}

func (c *Client) handleReplicaOf(_ context.Context, cmd *protocol.Command) protocol.Value {
	host, portArg := cmd.Arg(0), cmd.Arg(1)
	if strings.EqualFold(host, "no") && strings.EqualFold(portArg, "one") {
		c.server.PromoteToMaster()
		return ok()
	}
	port, err := strconv.Atoi(portArg)
	if err != nil || port <= 0 || port > 65535 {
		return errorf("ERR Invalid master port")
	}
	c.server.ReplicaOf(host, port)
	return ok()
}

func (c *Client) handleReplConf(_ context.Context, cmd *protocol.Command) protocol.Value {
	for i := 0; i+1 < len(cmd.Args); i += 2 {
		switch strings.ToLower(cmd.Arg(i)) {
		case "listening-port":
			port, err := strconv.Atoi(cmd.Arg(i + 1))
			if err != nil {
				return errNotInteger
			}
			c.listeningPort = port
		case "ack":
			if c.replica == nil {
				return noReply
			}
			offset, err := strconv.ParseInt(cmd.Arg(i+1), 10, 64)
			if err == nil {
				c.replica.ackOffset.Store(offset)
				c.replica.lastAck.Store(time.Now().UnixNano())
			}
			return noReply
		case "getack":
			return noReply
		}
	}
	return ok()
}

// handlePSync attaches c as a replica with a full resync. SYNC gets the
// snapshot without the FULLRESYNC header.
func (c *Client) handlePSync(_ context.Context, cmd *protocol.Command) protocol.Value {
	if c.conn == nil {
		return errorf("ERR PSYNC not allowed on this link")
	}
	s := c.server
	st := &s.replicationCtl

	st.mu.Lock()
	defer st.mu.Unlock()

	payload, err := json.Marshal(s.storage.Snapshot())
	if err != nil {
		return errorf("ERR snapshot failed: %v", err)
	}

	rec := &replicaRecord{ip: c.RemoteIP(), port: c.listeningPort}
	rec.ackOffset.Store(st.offset)
	rec.lastAck.Store(time.Now().UnixNano())

	if cmd.Name == "PSYNC" {
		if err := c.send(simple(fmt.Sprintf("FULLRESYNC %s %d", st.replID, st.offset))); err != nil {
			return noReply
		}
	}
	if err := c.send(bulk(payload)); err != nil {
		return noReply
	}

	c.replica = rec
	st.replicas[c] = rec
	st.lastDB = -1
	s.log.WithFields(logrus.Fields{"replica": rec.ip, "port": rec.port}).Info("Replica attached")
	return noReply
}

func (c *Client) handleRole(context.Context, *protocol.Command) protocol.Value {
	s := c.server
	st := &s.replicationCtl
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.replica.Load() {
		state, offset := "connect", int64(-1)
		if st.link != nil {
			offset = st.link.offset.Load()
			if st.link.up.Load() {
				state = "connected"
			}
		}
		return array(bulkString("slave"), bulkString(st.masterHost), integer(int64(st.masterPort)), bulkString(state), integer(offset))
	}

	replicas := make([]protocol.Value, 0, len(st.replicas))
	for _, r := range st.sortedReplicas() {
		replicas = append(replicas, array(
			bulkString(r.ip),
			bulkString(strconv.Itoa(r.port)),
			bulkString(strconv.FormatInt(r.ackOffset.Load(), 10)),
		))
	}
	return array(bulkString("master"), integer(st.offset), array(replicas...))
}

// sortedReplicas returns the attached replicas ordered by address
func (st *replicationState) sortedReplicas() []*replicaRecord {
	out := make([]*replicaRecord, 0, len(st.replicas))
	for _, r := range st.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ip != out[j].ip {
			return out[i].ip < out[j].ip
		}
		return out[i].port < out[j].port
	})
	return out
}
