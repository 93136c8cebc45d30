package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshotVersion is bumped whenever the document layout changes
const snapshotVersion = 1

// Snapshot is a point-in-time copy of the keyspace
type Snapshot struct {
	Version   int                     `json:"version"`
	CreatedAt time.Time               `json:"createdAt"`
	Databases map[int][]SnapshotEntry `json:"databases"`
}

// SnapshotEntry is one key in a Snapshot. Value is base64 in JSON.
type SnapshotEntry struct {
	Key       string     `json:"key"`
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// KeyCount returns the number of keys in the snapshot
func (s *Snapshot) KeyCount() int {
	n := 0
	for _, entries := range s.Databases {
		n += len(entries)
	}
	return n
}

// Snapshot copies every live key of every database
func (s *MemoryStorage) Snapshot() *Snapshot {
	snap := &Snapshot{
		Version:   snapshotVersion,
		CreatedAt: time.Now().UTC(),
		Databases: make(map[int][]SnapshotEntry),
	}
	for _, db := range s.databases {
		var entries []SnapshotEntry
		db.forEach(func(key string, v *Value) bool {
			e := SnapshotEntry{Key: key, Value: append([]byte(nil), v.Data...)}
			if v.Expiry != nil {
				exp := *v.Expiry
				e.ExpiresAt = &exp
			}
			entries = append(entries, e)
			return true
		})
		if len(entries) > 0 {
			snap.Databases[db.index] = entries
		}
	}
	return snap
}

// Restore replaces the keyspace with the snapshot contents. Entries whose
// expiry has already passed are skipped.
func (s *MemoryStorage) Restore(snap *Snapshot) error {
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	for index := range snap.Databases {
		if index < 0 || index >= len(s.databases) {
			return fmt.Errorf("snapshot references database %d of %d", index, len(s.databases))
		}
	}

	s.FlushAll()
	now := time.Now()
	for index, entries := range snap.Databases {
		db := s.databases[index]
		for _, e := range entries {
			if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
				continue
			}
			if err := db.Set(e.Key, e.Value, e.ExpiresAt); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteSnapshotFile writes snap to path atomically
func WriteSnapshotFile(path string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// ReadSnapshotFile loads a snapshot written by WriteSnapshotFile
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}
