// Package keycache provides the Writer's in-memory key-ID cache: an LRU of
// recently resolved (namespace, key) -> id mappings backed by container/list,
// fronted by a per-namespace Bloom filter that lets a definite cache miss be
// answered without a map probe. Neither structure is sourced from a generic
// collections library; the corpus hand-rolls its own ordered structures
// (memtable.SkipList) rather than importing one, and this follows suit.
package keycache

import (
	"container/list"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// DefaultCapacity bounds the number of entries the LRU retains per cache.
const DefaultCapacity = 100_000

type entryKey struct {
	namespace uint32
	key       string
}

type entry struct {
	k  entryKey
	id uint32
}

// Cache is a bounded LRU of (namespace, key) -> id, guarded by a mutex so
// it is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[entryKey]*list.Element

	filterMu sync.Mutex
	filters  map[uint32]*bloom.BloomFilter
}

// New builds a Cache with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[entryKey]*list.Element),
		filters:  make(map[uint32]*bloom.BloomFilter),
	}
}

// MightContain reports whether (namespace, key) could plausibly be resolved
// already. A false result is definitive: the key has never been added to
// this namespace's filter. A true result may be a false positive and must be
// confirmed against the store or the LRU itself.
func (c *Cache) MightContain(namespace uint32, key []byte) bool {
	c.filterMu.Lock()
	f, ok := c.filters[namespace]
	c.filterMu.Unlock()
	if !ok {
		return false
	}
	return f.Test(key)
}

// Get returns the cached id for (namespace, key), promoting it to
// most-recently-used on hit.
func (c *Cache) Get(namespace uint32, key []byte) (uint32, bool) {
	k := entryKey{namespace, string(key)}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[k]
	if !ok {
		return 0, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).id, true
}

// Put records the (namespace, key) -> id mapping, evicting the least
// recently used entry if the cache is at capacity, and marks the key as
// present in the namespace's Bloom filter.
func (c *Cache) Put(namespace uint32, key []byte, id uint32) {
	c.markPresent(namespace, key)

	k := entryKey{namespace, string(key)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[k]; ok {
		el.Value.(*entry).id = id
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{k: k, id: id})
	c.index[k] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*entry).k)
		}
	}
}

func (c *Cache) markPresent(namespace uint32, key []byte) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()

	f, ok := c.filters[namespace]
	if !ok {
		f = bloom.NewWithEstimates(uint(c.capacity), 0.01)
		c.filters[namespace] = f
	}
	f.Add(key)
}

// ForgetNamespace drops every cached entry and the Bloom filter belonging to
// namespace, used after RemoveNamespace invalidates the store's dictionary.
func (c *Cache) ForgetNamespace(namespace uint32) {
	c.filterMu.Lock()
	delete(c.filters, namespace)
	c.filterMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, el := range c.index {
		if k.namespace == namespace {
			c.ll.Remove(el)
			delete(c.index, k)
		}
	}
}

// Len reports the number of entries currently cached, across all namespaces.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
