// Package storage provides the in-memory keyspace behind the embedded
// store.
//
// A MemoryStorage owns a fixed number of logical databases. Each Database
// shards its keys by xxhash so unrelated keys do not contend on one lock,
// expires keys lazily on access and through a background sampling sweep,
// and can be bounded to a maximum key count with LRU eviction.
//
// Basic usage:
//
//	s := storage.NewMemory()
//	defer s.Close()
//
//	db, _ := s.DB(0)
//	_ = db.Set("key", []byte("value"), nil)
//	value, ok := db.Get("key")
//
// Snapshot and Restore convert the whole keyspace to and from a JSON
// document; WriteSnapshotFile and ReadSnapshotFile persist it.
package storage
