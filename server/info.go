package server

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-runtime/protocol"
)

// infoSections lists the INFO sections in output order
var infoSections = []string{"server", "replication", "persistence", "stats", "keyspace"}

// Info renders the requested INFO sections. An empty section, "all" or
// "default" selects every section.
func (s *Server) Info(section string) string {
	section = strings.ToLower(section)
	var b strings.Builder
	for _, name := range infoSections {
		if section != "" && section != "all" && section != "default" && section != name {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\r\n")
		}
		fmt.Fprintf(&b, "# %s\r\n", strings.ToUpper(name[:1])+name[1:])
		switch name {
		case "server":
			s.writeServerInfo(&b)
		case "replication":
			s.writeReplicationInfo(&b)
		case "persistence":
			s.writePersistenceInfo(&b)
		case "stats":
			s.writeStatsInfo(&b)
		case "keyspace":
			s.writeKeyspaceInfo(&b)
		}
	}
	return b.String()
}

func (c *Client) handleInfo(_ context.Context, cmd *protocol.Command) protocol.Value {
	return bulkString(c.server.Info(cmd.Arg(0)))
}

func (s *Server) writeServerInfo(b *strings.Builder) {
	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt) / time.Second)
	}
	fmt.Fprintf(b, "redis_version:%s\r\n", Version)
	fmt.Fprintf(b, "redis_mode:standalone\r\n")
	fmt.Fprintf(b, "os:%s %s\r\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(b, "run_id:%s\r\n", s.runID)
	fmt.Fprintf(b, "tcp_port:%d\r\n", s.Port())
	fmt.Fprintf(b, "uptime_in_seconds:%d\r\n", uptime)
}

func (s *Server) writeReplicationInfo(b *strings.Builder) {
	st := &s.replicationCtl
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.replica.Load() {
		status, offset, masterOffset := "down", int64(0), int64(0)
		if st.link != nil {
			if st.link.up.Load() {
				status = "up"
			}
			offset = st.link.offset.Load()
			masterOffset = st.link.masterOffset.Load()
		}
		fmt.Fprintf(b, "role:slave\r\n")
		fmt.Fprintf(b, "master_host:%s\r\n", st.masterHost)
		fmt.Fprintf(b, "master_port:%d\r\n", st.masterPort)
		fmt.Fprintf(b, "master_link_status:%s\r\n", status)
		fmt.Fprintf(b, "slave_repl_offset:%d\r\n", offset)
		fmt.Fprintf(b, "connected_slaves:%d\r\n", len(st.replicas))
		fmt.Fprintf(b, "master_replid:%s\r\n", st.replID)
		fmt.Fprintf(b, "master_repl_offset:%d\r\n", masterOffset)
		return
	}

	now := time.Now()
	fmt.Fprintf(b, "role:master\r\n")
	fmt.Fprintf(b, "connected_slaves:%d\r\n", len(st.replicas))
	for i, r := range st.sortedReplicas() {
		lag := int64(now.Sub(time.Unix(0, r.lastAck.Load())) / time.Second)
		fmt.Fprintf(b, "slave%d:ip=%s,port=%d,state=online,offset=%d,lag=%d\r\n",
			i, r.ip, r.port, r.ackOffset.Load(), lag)
	}
	fmt.Fprintf(b, "master_replid:%s\r\n", st.replID)
	fmt.Fprintf(b, "master_repl_offset:%d\r\n", st.offset)
}

func (s *Server) writePersistenceInfo(b *strings.Builder) {
	p := &s.persistence
	status := "ok"
	if p.lastSave.Load() != 0 && !p.lastOK.Load() {
		status = "err"
	}
	fmt.Fprintf(b, "rdb_changes_since_last_save:%d\r\n", p.changes.Load())
	fmt.Fprintf(b, "rdb_bgsave_in_progress:%d\r\n", boolInt(p.inProgress.Load()))
	fmt.Fprintf(b, "rdb_last_save_time:%d\r\n", p.lastSave.Load())
	fmt.Fprintf(b, "rdb_last_bgsave_status:%s\r\n", status)
}

func (s *Server) writeStatsInfo(b *strings.Builder) {
	stats := s.Stats()
	fmt.Fprintf(b, "connected_clients:%d\r\n", stats["connected_clients"])
	fmt.Fprintf(b, "total_connections_received:%d\r\n", stats["total_connections"])
	fmt.Fprintf(b, "total_commands_processed:%d\r\n", stats["total_commands"])
	fmt.Fprintf(b, "total_error_replies:%d\r\n", stats["total_errors"])
}

func (s *Server) writeKeyspaceInfo(b *strings.Builder) {
	info := s.storage.KeyspaceInfo()
	for i := 0; i < s.storage.Databases(); i++ {
		ks, ok := info[i]
		if !ok {
			continue
		}
		fmt.Fprintf(b, "db%d:keys=%d,expires=%d,avg_ttl=0\r\n", i, ks.Keys, ks.Expires)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
