package server

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/raniellyferreira/redis-runtime/protocol"
	"github.com/raniellyferreira/redis-runtime/storage"
)

// persistence tracks SAVE and BGSAVE state
type persistence struct {
	inProgress atomic.Bool
	lastSave   atomic.Int64 // unix seconds
	lastOK     atomic.Bool
	changes    atomic.Int64
}

// snapshotPath returns the configured snapshot file
func (s *Server) snapshotPath() string {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return filepath.Join(s.dir, s.dbFilename)
}

// Save writes the keyspace to the snapshot file
func (s *Server) Save() error {
	if !s.persistence.inProgress.CompareAndSwap(false, true) {
		return errors.New("ERR Background save already in progress")
	}
	defer s.persistence.inProgress.Store(false)
	return s.save()
}

func (s *Server) save() error {
	path := s.snapshotPath()
	snap := s.storage.Snapshot()
	err := storage.WriteSnapshotFile(path, snap)
	s.persistence.lastOK.Store(err == nil)
	if err != nil {
		s.log.WithError(err).WithField("path", path).Error("Snapshot failed")
		return err
	}
	s.persistence.lastSave.Store(time.Now().Unix())
	s.persistence.changes.Store(0)
	s.log.WithField("path", path).WithField("keys", snap.KeyCount()).Info("Snapshot saved")
	return nil
}

// loadSnapshot restores the snapshot file. A missing file is not an error.
func (s *Server) loadSnapshot() error {
	path := s.snapshotPath()
	snap, err := storage.ReadSnapshotFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.storage.Restore(snap); err != nil {
		return err
	}
	s.persistence.lastSave.Store(snap.CreatedAt.Unix())
	s.persistence.lastOK.Store(true)
	s.log.WithField("path", path).WithField("keys", snap.KeyCount()).Info("Snapshot loaded")
	return nil
}

func (c *Client) handleSave(context.Context, *protocol.Command) protocol.Value {
	if err := c.server.Save(); err != nil {
		return errorf("%s", errorText(err))
	}
	return ok()
}

func (c *Client) handleBGSave(context.Context, *protocol.Command) protocol.Value {
	s := c.server
	if !s.persistence.inProgress.CompareAndSwap(false, true) {
		return errorf("ERR Background save already in progress")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.persistence.inProgress.Store(false)
		_ = s.save()
	}()
	return simple("Background saving started")
}

func (c *Client) handleLastSave(context.Context, *protocol.Command) protocol.Value {
	return integer(c.server.persistence.lastSave.Load())
}

// configParams are the parameters CONFIG GET and CONFIG SET understand
var configParams = []string{"dir", "dbfilename", "masterauth"}

func (c *Client) handleConfig(_ context.Context, cmd *protocol.Command) protocol.Value {
	s := c.server
	switch sub := strings.ToUpper(cmd.Arg(0)); sub {
	case "GET":
		if len(cmd.Args) != 2 {
			return errorf("ERR wrong number of arguments for 'config|get' command")
		}
		pattern := strings.ToLower(cmd.Arg(1))
		s.configMu.RLock()
		values := map[string]string{"dir": s.dir, "dbfilename": s.dbFilename, "masterauth": s.masterAuth}
		s.configMu.RUnlock()

		var out []protocol.Value
		for _, name := range configParams {
			if storage.MatchPattern(pattern, name) {
				out = append(out, bulkString(name), bulkString(values[name]))
			}
		}
		return array(out...)
	case "SET":
		if len(cmd.Args) != 3 {
			return errorf("ERR wrong number of arguments for 'config|set' command")
		}
		value := cmd.Arg(2)
		s.configMu.Lock()
		defer s.configMu.Unlock()
		switch strings.ToLower(cmd.Arg(1)) {
		case "dir":
			s.dir = value
		case "dbfilename":
			if value == "" || strings.ContainsRune(value, filepath.Separator) {
				return errorf("ERR Invalid dbfilename")
			}
			s.dbFilename = value
		case "masterauth":
			s.masterAuth = value
		default:
			return errorf("ERR Unsupported CONFIG parameter: %s", cmd.Arg(1))
		}
		return ok()
	case "RESETSTAT":
		s.commandCount.Store(0)
		s.errorCount.Store(0)
		return ok()
	default:
		return errorf("ERR unknown subcommand '%s'", sub)
	}
}

func errorText(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "ERR ") {
		return msg
	}
	return "ERR " + msg
}
