// Package policy holds key eviction policies for bounded key sets.
package policy

import (
	"container/list"
	"sync"
)

// EvictionPolicy tracks key usage and selects keys to evict.
type EvictionPolicy interface {
	// OnGet is called when a key is read.
	OnGet(key string)
	// OnSet is called when a key is written with its estimated cost.
	OnSet(key string, cost int64)
	// OnDel is called when a key is removed explicitly.
	OnDel(key string)
	// Evict removes and returns up to count eviction candidates.
	Evict(count int) []string
	// Len returns the number of tracked keys.
	Len() int
}

// LRU evicts the least recently used keys first. It is safe for
// concurrent use.
type LRU struct {
	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

// NewLRU creates an empty LRU policy
func NewLRU() *LRU {
	return &LRU{
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// OnGet marks key as most recently used. Unknown keys are ignored.
func (l *LRU) OnGet(key string) {
	l.mu.Lock()
	if el, ok := l.items[key]; ok {
		l.order.MoveToFront(el)
	}
	l.mu.Unlock()
}

// OnSet inserts key or marks it as most recently used
func (l *LRU) OnSet(key string, _ int64) {
	l.mu.Lock()
	if el, ok := l.items[key]; ok {
		l.order.MoveToFront(el)
	} else {
		l.items[key] = l.order.PushFront(key)
	}
	l.mu.Unlock()
}

// OnDel stops tracking key
func (l *LRU) OnDel(key string) {
	l.mu.Lock()
	if el, ok := l.items[key]; ok {
		l.order.Remove(el)
		delete(l.items, key)
	}
	l.mu.Unlock()
}

// Evict removes up to count keys starting from the least recently used
func (l *LRU) Evict(count int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for i := 0; i < count; i++ {
		el := l.order.Back()
		if el == nil {
			break
		}
		key := el.Value.(string)
		l.order.Remove(el)
		delete(l.items, key)
		out = append(out, key)
	}
	return out
}

// Len returns the number of tracked keys
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Noop never evicts anything. It is used for unbounded databases.
type Noop struct{}

func (Noop) OnGet(string)        {}
func (Noop) OnSet(string, int64) {}
func (Noop) OnDel(string)        {}
func (Noop) Evict(int) []string  { return nil }
func (Noop) Len() int            { return 0 }
