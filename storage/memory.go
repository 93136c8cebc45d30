package storage

import (
	"fmt"
	randv2 "math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"github.com/raniellyferreira/redis-runtime/storage/policy"
)

// DefaultDatabases is the number of logical databases, matching the store's default
const DefaultDatabases = 16

// shard is a slice of one database's keyspace with its own lock
type shard struct {
	mu   sync.RWMutex
	data map[string]*Value
}

// Database is one logical database. It implements Storage.
type Database struct {
	index     int
	shards    []shard
	shardMask uint64
	keys      atomic.Int64

	maxKeys int64
	policy  policy.EvictionPolicy
}

var _ Storage = (*Database)(nil)

// MemoryStorage implements the in-memory keyspace
type MemoryStorage struct {
	databases []*Database

	cleanupConfig CleanupConfig
	cleanupStop   chan struct{}
	cleanupDone   chan struct{}
	closeOnce     sync.Once
	rng           *randv2.Rand
}

// memoryOptions collects MemoryOption values before construction
type memoryOptions struct {
	shards    int
	databases int
	maxKeys   int64
	cleanup   CleanupConfig
}

// MemoryOption is a function that configures a MemoryStorage instance
type MemoryOption func(*memoryOptions)

// WithShardCount sets the number of shards per database.
// The number is rounded up to the next power of 2.
func WithShardCount(count int) MemoryOption {
	return func(o *memoryOptions) {
		if count > 0 {
			o.shards = nextPowerOf2(count)
		}
	}
}

// WithDatabases sets the number of logical databases
func WithDatabases(n int) MemoryOption {
	return func(o *memoryOptions) {
		if n > 0 {
			o.databases = n
		}
	}
}

// WithMaxKeys bounds every database to n keys, evicting the least
// recently used keys beyond it. Zero means unbounded.
func WithMaxKeys(n int64) MemoryOption {
	return func(o *memoryOptions) {
		if n >= 0 {
			o.maxKeys = n
		}
	}
}

// WithCleanupConfig overrides the expiry sweep configuration
func WithCleanupConfig(cfg CleanupConfig) MemoryOption {
	return func(o *memoryOptions) {
		o.cleanup = cfg
	}
}

// NewMemory creates a new in-memory keyspace with 64 shards per database
func NewMemory(opts ...MemoryOption) *MemoryStorage {
	o := memoryOptions{
		shards:    64,
		databases: DefaultDatabases,
		cleanup:   CleanupConfigDefault,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &MemoryStorage{
		databases:     make([]*Database, o.databases),
		cleanupConfig: o.cleanup,
		cleanupStop:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
		rng:           randv2.New(randv2.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for i := range s.databases {
		s.databases[i] = newDatabase(i, o.shards, o.maxKeys)
	}

	go s.cleanupExpiredKeys()
	return s
}

func newDatabase(index, shards int, maxKeys int64) *Database {
	db := &Database{
		index:     index,
		shards:    make([]shard, shards),
		shardMask: uint64(shards - 1),
		maxKeys:   maxKeys,
		policy:    policy.Noop{},
	}
	if maxKeys > 0 {
		db.policy = policy.NewLRU()
	}
	for i := range db.shards {
		db.shards[i].data = make(map[string]*Value)
	}
	return db
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// DB returns database index
func (s *MemoryStorage) DB(index int) (*Database, error) {
	if index < 0 || index >= len(s.databases) {
		return nil, fmt.Errorf("DB index is out of range")
	}
	return s.databases[index], nil
}

// Databases returns the number of logical databases
func (s *MemoryStorage) Databases() int {
	return len(s.databases)
}

// FlushAll removes every key from every database
func (s *MemoryStorage) FlushAll() {
	for _, db := range s.databases {
		db.Flush()
	}
}

// KeyspaceStats describes one non-empty database for INFO keyspace
type KeyspaceStats struct {
	Keys    int64
	Expires int64
}

// KeyspaceInfo returns stats for every non-empty database
func (s *MemoryStorage) KeyspaceInfo() map[int]KeyspaceStats {
	out := make(map[int]KeyspaceStats)
	now := time.Now()
	for _, db := range s.databases {
		var st KeyspaceStats
		for i := range db.shards {
			sh := &db.shards[i]
			sh.mu.RLock()
			for _, v := range sh.data {
				if v.IsExpired(now) {
					continue
				}
				st.Keys++
				if v.Expiry != nil {
					st.Expires++
				}
			}
			sh.mu.RUnlock()
		}
		if st.Keys > 0 {
			out[db.index] = st
		}
	}
	return out
}

// Close stops the background expiry sweep
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.cleanupStop)
		<-s.cleanupDone
	})
	return nil
}

func (db *Database) shardFor(key string) *shard {
	return &db.shards[xxhash.Sum64String(key)&db.shardMask]
}

// Index returns the database number
func (db *Database) Index() int {
	return db.index
}

// Get retrieves a string value by key
func (db *Database) Get(key string) ([]byte, bool) {
	sh := db.shardFor(key)

	sh.mu.RLock()
	value, exists := sh.data[key]
	if !exists {
		sh.mu.RUnlock()
		return nil, false
	}
	if value.IsExpired(time.Now()) {
		sh.mu.RUnlock()
		db.deleteExpiredKey(key)
		return nil, false
	}
	result := append([]byte(nil), value.Data...)
	sh.mu.RUnlock()

	db.policy.OnGet(key)
	return result, true
}

// Set stores a value with optional expiration
func (db *Database) Set(key string, value []byte, expiry *time.Time) error {
	db.SetCond(key, value, expiry, SetAlways)
	return nil
}

// SetCond stores a value if cond holds and reports whether it was written
func (db *Database) SetCond(key string, value []byte, expiry *time.Time, cond SetCondition) bool {
	sh := db.shardFor(key)
	newValue := &Value{
		Type:   ValueTypeString,
		Data:   append([]byte(nil), value...),
		Expiry: expiry,
	}

	sh.mu.Lock()
	old, exists := sh.data[key]
	if exists && old.IsExpired(time.Now()) {
		exists = false
	}
	switch {
	case cond == SetIfAbsent && exists:
		sh.mu.Unlock()
		return false
	case cond == SetIfPresent && !exists:
		sh.mu.Unlock()
		return false
	}
	_, present := sh.data[key]
	sh.data[key] = newValue
	sh.mu.Unlock()

	if !present {
		db.keys.Inc()
	}
	db.policy.OnSet(key, int64(len(value)))
	db.enforceLimit(key)
	return true
}

// enforceLimit evicts least recently used keys beyond maxKeys, never
// evicting keep.
func (db *Database) enforceLimit(keep string) {
	if db.maxKeys <= 0 {
		return
	}
	over := db.keys.Load() - db.maxKeys
	if over <= 0 {
		return
	}
	for _, victim := range db.policy.Evict(int(over)) {
		if victim == keep {
			db.policy.OnSet(keep, 0)
			continue
		}
		db.removeKey(victim)
	}
}

// removeKey deletes key without notifying the policy
func (db *Database) removeKey(key string) bool {
	sh := db.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.data[key]
	if ok {
		delete(sh.data, key)
	}
	sh.mu.Unlock()
	if ok {
		db.keys.Dec()
	}
	return ok
}

// Del deletes keys and returns the number of live keys removed
func (db *Database) Del(keys ...string) int64 {
	var deleted int64
	now := time.Now()
	for _, key := range keys {
		sh := db.shardFor(key)
		sh.mu.Lock()
		value, ok := sh.data[key]
		if ok {
			delete(sh.data, key)
			if !value.IsExpired(now) {
				deleted++
			}
		}
		sh.mu.Unlock()
		if ok {
			db.keys.Dec()
			db.policy.OnDel(key)
		}
	}
	return deleted
}

// Exists counts how many of keys exist. Repeated keys count repeatedly.
func (db *Database) Exists(keys ...string) int64 {
	var count int64
	now := time.Now()
	for _, key := range keys {
		sh := db.shardFor(key)
		sh.mu.RLock()
		if value, ok := sh.data[key]; ok && !value.IsExpired(now) {
			count++
		}
		sh.mu.RUnlock()
	}
	return count
}

// Expire sets an expiry on an existing key
func (db *Database) Expire(key string, expiry time.Time) bool {
	sh := db.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	value, ok := sh.data[key]
	if !ok || value.IsExpired(time.Now()) {
		return false
	}
	value.Expiry = &expiry
	return true
}

// TTL returns the remaining time to live, -1 for keys without expiry and
// -2 for missing keys, in whole seconds.
func (db *Database) TTL(key string) time.Duration {
	ttl := db.PTTL(key)
	if ttl < 0 {
		return ttl
	}
	return ttl.Round(time.Second)
}

// PTTL returns the remaining time to live with millisecond precision,
// -1 for keys without expiry and -2 for missing keys.
func (db *Database) PTTL(key string) time.Duration {
	sh := db.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, ok := sh.data[key]
	now := time.Now()
	if !ok || value.IsExpired(now) {
		return -2
	}
	if value.Expiry == nil {
		return -1
	}
	return value.Expiry.Sub(now).Truncate(time.Millisecond)
}

// Keys returns all live keys matching pattern, sorted
func (db *Database) Keys(pattern string) []string {
	var keys []string
	now := time.Now()
	for i := range db.shards {
		sh := &db.shards[i]
		sh.mu.RLock()
		for key, value := range sh.data {
			if !value.IsExpired(now) && MatchPattern(pattern, key) {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Scan walks the keyspace one shard at a time. The cursor is the index of
// the next shard to visit, and 0 once the walk is complete. count is a
// hint: whole shards are returned, so a call may yield more keys.
func (db *Database) Scan(cursor uint64, match string, count int) (uint64, []string) {
	if count <= 0 {
		count = 10
	}
	var keys []string
	now := time.Now()
	idx := cursor
	for idx < uint64(len(db.shards)) {
		sh := &db.shards[idx]
		sh.mu.RLock()
		for key, value := range sh.data {
			if value.IsExpired(now) {
				continue
			}
			if match != "" && !MatchPattern(match, key) {
				continue
			}
			keys = append(keys, key)
		}
		sh.mu.RUnlock()
		idx++
		if len(keys) >= count {
			break
		}
	}
	if idx >= uint64(len(db.shards)) {
		idx = 0
	}
	sort.Strings(keys)
	return idx, keys
}

// KeyCount returns the number of stored keys, including expired keys not
// yet reclaimed
func (db *Database) KeyCount() int64 {
	return db.keys.Load()
}

// Type returns the type of the value stored at key
func (db *Database) Type(key string) ValueType {
	sh := db.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, ok := sh.data[key]
	if !ok || value.IsExpired(time.Now()) {
		return ValueTypeNone
	}
	return value.Type
}

// Flush removes every key from the database
func (db *Database) Flush() {
	for i := range db.shards {
		sh := &db.shards[i]
		sh.mu.Lock()
		for key := range sh.data {
			db.policy.OnDel(key)
		}
		n := int64(len(sh.data))
		sh.data = make(map[string]*Value)
		sh.mu.Unlock()
		db.keys.Sub(n)
	}
}

// forEach calls fn for every live key in the database until fn returns false
func (db *Database) forEach(fn func(key string, v *Value) bool) {
	now := time.Now()
	for i := range db.shards {
		sh := &db.shards[i]
		sh.mu.RLock()
		for key, value := range sh.data {
			if value.IsExpired(now) {
				continue
			}
			if !fn(key, value) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// deleteExpiredKey removes key only if it is still expired
func (db *Database) deleteExpiredKey(key string) {
	sh := db.shardFor(key)
	sh.mu.Lock()
	value, ok := sh.data[key]
	expired := ok && value.IsExpired(time.Now())
	if expired {
		delete(sh.data, key)
	}
	sh.mu.Unlock()
	if expired {
		db.keys.Dec()
		db.policy.OnDel(key)
	}
}

func (s *MemoryStorage) cleanupExpiredKeys() {
	defer close(s.cleanupDone)

	interval := s.cleanupConfig.Interval
	if interval <= 0 {
		interval = CleanupConfigDefault.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			for _, db := range s.databases {
				if db.keys.Load() == 0 {
					continue
				}
				for i := range db.shards {
					s.cleanupShard(db, &db.shards[i])
				}
			}
		}
	}
}

// cleanupShard samples keys and deletes the expired ones, repeating while
// the expired share stays above the threshold
func (s *MemoryStorage) cleanupShard(db *Database, sh *shard) {
	cfg := s.cleanupConfig
	for round := 0; round < cfg.MaxRounds; round++ {
		now := time.Now()
		var expired []string
		sampled := 0

		sh.mu.RLock()
		if len(sh.data) == 0 {
			sh.mu.RUnlock()
			return
		}
		skip := 0
		if len(sh.data) > cfg.SampleSize {
			skip = s.rng.IntN(len(sh.data) - cfg.SampleSize + 1)
		}
		for key, value := range sh.data {
			if skip > 0 {
				skip--
				continue
			}
			if sampled >= cfg.SampleSize {
				break
			}
			sampled++
			if value.IsExpired(now) {
				expired = append(expired, key)
			}
		}
		sh.mu.RUnlock()

		for _, key := range expired {
			db.deleteExpiredKey(key)
		}
		if sampled == 0 || float64(len(expired))/float64(sampled) <= cfg.ExpiredThreshold {
			return
		}
	}
}
