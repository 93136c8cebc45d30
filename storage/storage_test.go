package storage_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-runtime/storage"
)

func newDB(t *testing.T, opts ...storage.MemoryOption) (*storage.MemoryStorage, *storage.Database) {
	t.Helper()
	s := storage.NewMemory(opts...)
	t.Cleanup(func() { _ = s.Close() })
	db, err := s.DB(0)
	require.NoError(t, err)
	return s, db
}

func ptr(t time.Time) *time.Time { return &t }

func TestMemoryStorage(t *testing.T) {
	_, db := newDB(t)

	require.NoError(t, db.Set("key1", []byte("value1"), nil))

	value, ok := db.Get("key1")
	require.True(t, ok)
	assert.Equal(t, "value1", string(value))

	_, ok = db.Get("nonexistent")
	assert.False(t, ok)
	assert.Equal(t, storage.ValueTypeString, db.Type("key1"))
	assert.Equal(t, "none", db.Type("nonexistent").String())
}

func TestMemoryStorageReturnsCopies(t *testing.T) {
	_, db := newDB(t)

	in := []byte("abc")
	require.NoError(t, db.Set("k", in, nil))
	in[0] = 'x'

	out, _ := db.Get("k")
	assert.Equal(t, "abc", string(out))
	out[0] = 'y'

	again, _ := db.Get("k")
	assert.Equal(t, "abc", string(again))
}

func TestMemoryStorageExpiry(t *testing.T) {
	_, db := newDB(t)

	require.NoError(t, db.Set("expired", []byte("v"), ptr(time.Now().Add(-time.Hour))))
	_, ok := db.Get("expired")
	assert.False(t, ok)

	require.NoError(t, db.Set("future", []byte("v"), ptr(time.Now().Add(time.Hour))))
	_, ok = db.Get("future")
	assert.True(t, ok)

	assert.EqualValues(t, 1, db.Exists("expired", "future"))
}

func TestMemoryStorageSetCond(t *testing.T) {
	_, db := newDB(t)

	assert.False(t, db.SetCond("k", []byte("1"), nil, storage.SetIfPresent))
	assert.True(t, db.SetCond("k", []byte("1"), nil, storage.SetIfAbsent))
	assert.False(t, db.SetCond("k", []byte("2"), nil, storage.SetIfAbsent))
	assert.True(t, db.SetCond("k", []byte("3"), nil, storage.SetIfPresent))

	v, _ := db.Get("k")
	assert.Equal(t, "3", string(v))

	require.NoError(t, db.Set("gone", []byte("v"), ptr(time.Now().Add(-time.Second))))
	assert.True(t, db.SetCond("gone", []byte("v"), nil, storage.SetIfAbsent), "expired keys count as absent")
	assert.EqualValues(t, 2, db.KeyCount())
}

func TestMemoryStorageDelExists(t *testing.T) {
	_, db := newDB(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Set(fmt.Sprintf("key%d", i), []byte("v"), nil))
	}

	assert.EqualValues(t, 3, db.Exists("key0", "key1", "key2", "missing"))
	assert.EqualValues(t, 2, db.Exists("key0", "key0"))
	assert.EqualValues(t, 2, db.Del("key0", "key1", "missing"))
	assert.EqualValues(t, 1, db.KeyCount())
	assert.EqualValues(t, 0, db.Del("key0"))
}

func TestMemoryStorageExpireTTL(t *testing.T) {
	_, db := newDB(t)

	require.NoError(t, db.Set("k", []byte("v"), nil))
	assert.Equal(t, time.Duration(-1), db.TTL("k"))
	assert.Equal(t, time.Duration(-2), db.TTL("missing"))

	assert.True(t, db.Expire("k", time.Now().Add(10*time.Second)))
	assert.Equal(t, 10*time.Second, db.TTL("k"))
	pttl := db.PTTL("k")
	assert.True(t, pttl > 9*time.Second && pttl <= 10*time.Second, "pttl %v", pttl)

	assert.False(t, db.Expire("missing", time.Now().Add(time.Second)))
}

func TestMemoryStorageKeys(t *testing.T) {
	_, db := newDB(t)

	for _, k := range []string{"user:1", "user:2", "order:1"} {
		require.NoError(t, db.Set(k, []byte("v"), nil))
	}
	require.NoError(t, db.Set("user:3", []byte("v"), ptr(time.Now().Add(-time.Second))))

	assert.Equal(t, []string{"user:1", "user:2"}, db.Keys("user:*"))
	assert.Len(t, db.Keys("*"), 3)
	assert.Empty(t, db.Keys("nothing*"))
}

func TestMemoryStorageScan(t *testing.T) {
	_, db := newDB(t, storage.WithShardCount(8))

	want := map[string]bool{}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("cache:%d", i)
		want[key] = true
		require.NoError(t, db.Set(key, []byte("v"), nil))
		require.NoError(t, db.Set(fmt.Sprintf("other:%d", i), []byte("v"), nil))
	}

	got := map[string]bool{}
	var cursor uint64
	iterations := 0
	for {
		var keys []string
		cursor, keys = db.Scan(cursor, "cache:*", 10)
		for _, k := range keys {
			got[k] = true
		}
		iterations++
		if cursor == 0 {
			break
		}
		require.Less(t, iterations, 100, "scan did not terminate")
	}
	assert.Equal(t, want, got)
}

func TestMemoryStorageFlushAndDatabases(t *testing.T) {
	s, db0 := newDB(t)
	db1, err := s.DB(1)
	require.NoError(t, err)

	require.NoError(t, db0.Set("a", []byte("0"), nil))
	require.NoError(t, db1.Set("a", []byte("1"), ptr(time.Now().Add(time.Hour))))

	v, _ := db1.Get("a")
	assert.Equal(t, "1", string(v))

	info := s.KeyspaceInfo()
	assert.Equal(t, storage.KeyspaceStats{Keys: 1}, info[0])
	assert.Equal(t, storage.KeyspaceStats{Keys: 1, Expires: 1}, info[1])

	db0.Flush()
	assert.Zero(t, db0.KeyCount())
	assert.EqualValues(t, 1, db1.KeyCount())

	s.FlushAll()
	assert.Empty(t, s.KeyspaceInfo())

	_, err = s.DB(storage.DefaultDatabases)
	assert.Error(t, err)
	assert.Equal(t, storage.DefaultDatabases, s.Databases())
}

func TestMemoryStorageMaxKeysEvictsLRU(t *testing.T) {
	_, db := newDB(t, storage.WithMaxKeys(3))

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, db.Set(k, []byte("v"), nil))
	}
	_, _ = db.Get("a")
	require.NoError(t, db.Set("d", []byte("v"), nil))

	assert.EqualValues(t, 3, db.KeyCount())
	assert.EqualValues(t, 0, db.Exists("b"))
	assert.EqualValues(t, 3, db.Exists("a", "c", "d"))
}

func TestMemoryStorageActiveExpiry(t *testing.T) {
	_, db := newDB(t, storage.WithCleanupConfig(storage.CleanupConfig{
		Interval:         5 * time.Millisecond,
		SampleSize:       20,
		MaxRounds:        10,
		ExpiredThreshold: 0.1,
	}))

	for i := 0; i < 50; i++ {
		require.NoError(t, db.Set(fmt.Sprintf("k%d", i), []byte("v"), ptr(time.Now().Add(10*time.Millisecond))))
	}

	assert.Eventually(t, func() bool {
		return db.KeyCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryStorageConcurrency(t *testing.T) {
	_, db := newDB(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("g%d:%d", g, i)
				_ = db.Set(key, []byte("v"), nil)
				_, _ = db.Get(key)
				if i%2 == 0 {
					db.Del(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.EqualValues(t, 8*100, db.KeyCount())
	assert.Len(t, db.Keys("g*"), 8*100)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, db0 := newDB(t)
	db2, err := s.DB(2)
	require.NoError(t, err)

	require.NoError(t, db0.Set("plain", []byte{0x00, 0x1f, 0x8b}, nil))
	require.NoError(t, db2.Set("ttl", []byte("v"), ptr(time.Now().Add(time.Hour))))
	require.NoError(t, db0.Set("dead", []byte("v"), ptr(time.Now().Add(-time.Second))))

	path := filepath.Join(t.TempDir(), "dump.json")
	require.NoError(t, storage.WriteSnapshotFile(path, s.Snapshot()))

	restored := storage.NewMemory()
	defer restored.Close()

	snap, err := storage.ReadSnapshotFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.KeyCount())
	require.NoError(t, restored.Restore(snap))

	r0, _ := restored.DB(0)
	r2, _ := restored.DB(2)
	v, ok := r0.Get("plain")
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x1f, 0x8b}, v)
	assert.True(t, r2.TTL("ttl") > 59*time.Minute)
	assert.EqualValues(t, 0, r0.Exists("dead"))
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	s, _ := newDB(t)
	assert.Error(t, s.Restore(&storage.Snapshot{Version: 99}))
}
