package storage

import "time"

// Storage is the set of operations on a single logical database
type Storage interface {
	// String operations
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, expiry *time.Time) error
	SetCond(key string, value []byte, expiry *time.Time, cond SetCondition) bool
	Del(keys ...string) int64
	Exists(keys ...string) int64

	// Expiration operations
	Expire(key string, expiry time.Time) bool
	TTL(key string) time.Duration
	PTTL(key string) time.Duration

	// Key operations
	Keys(pattern string) []string
	Scan(cursor uint64, match string, count int) (uint64, []string)
	KeyCount() int64
	Type(key string) ValueType
	Flush()
}

// SetCondition restricts when SetCond writes
type SetCondition int

const (
	// SetAlways writes unconditionally
	SetAlways SetCondition = iota
	// SetIfAbsent writes only when the key does not exist (NX)
	SetIfAbsent
	// SetIfPresent writes only when the key exists (XX)
	SetIfPresent
)

// CleanupConfig controls the sampling expiry sweep
type CleanupConfig struct {
	// Interval between sweeps
	Interval time.Duration
	// SampleSize is the number of keys sampled per shard per round
	SampleSize int
	// MaxRounds bounds the rounds per shard in one sweep
	MaxRounds int
	// ExpiredThreshold continues sweeping a shard while this share of the
	// sample was expired
	ExpiredThreshold float64
}

// CleanupConfigDefault mirrors the store's native active expiry cadence
var CleanupConfigDefault = CleanupConfig{
	Interval:         100 * time.Millisecond,
	SampleSize:       20,
	MaxRounds:        4,
	ExpiredThreshold: 0.25,
}
