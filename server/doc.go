// Package server provides an embedded RESP server over a storage.MemoryStorage.
//
// It speaks enough of the Redis protocol for the runtime's connection pool,
// cache, pub/sub broker and replication manager to run against it: string
// keys with expiry, pub/sub with glob patterns, Lua scripting through EVAL
// and EVALSHA, full-resync master/replica replication and JSON snapshots
// via SAVE and BGSAVE.
//
// Write commands are serialized and propagated to attached replicas in
// execution order. A replica rejects writes from ordinary clients.
package server

// Version is the server version reported by INFO
const Version = "7.0.0-runtime"
