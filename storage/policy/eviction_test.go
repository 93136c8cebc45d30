package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raniellyferreira/redis-runtime/storage/policy"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	l := policy.NewLRU()
	l.OnSet("a", 1)
	l.OnSet("b", 1)
	l.OnSet("c", 1)
	l.OnGet("a")

	assert.Equal(t, []string{"b"}, l.Evict(1))
	assert.Equal(t, []string{"c", "a"}, l.Evict(5))
	assert.Zero(t, l.Len())
	assert.Empty(t, l.Evict(1))
}

func TestLRUDelAndReset(t *testing.T) {
	l := policy.NewLRU()
	l.OnSet("a", 1)
	l.OnSet("b", 1)
	l.OnDel("a")
	l.OnDel("missing")
	l.OnGet("missing")
	l.OnSet("b", 1)

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, []string{"b"}, l.Evict(1))
}

func TestNoop(t *testing.T) {
	var p policy.EvictionPolicy = policy.Noop{}
	p.OnSet("a", 1)
	assert.Nil(t, p.Evict(1))
	assert.Zero(t, p.Len())
}
