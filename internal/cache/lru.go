package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// lruShard is one mutex-guarded slice of the L1 cache.
type lruShard struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	capacity int
}

// L1Cache is a sharded, bounded LRU with per-entry TTL. Keys hash to a shard
// so contention stays per-shard under concurrent evaluation.
type L1Cache struct {
	shards   [shardCount]*lruShard
	ttlEvict func() // optional hook for metrics
}

// NewL1Cache builds an L1 cache with the given total capacity.
func NewL1Cache(capacity int) *L1Cache {
	if capacity < shardCount {
		capacity = shardCount
	}
	c := &L1Cache{}
	per := capacity / shardCount
	for i := range c.shards {
		c.shards[i] = &lruShard{
			entries:  make(map[string]*list.Element),
			order:    list.New(),
			capacity: per,
		}
	}
	return c
}

// OnTTLEvict registers a hook invoked when a TTL scan drops an entry.
func (c *L1Cache) OnTTLEvict(fn func()) { c.ttlEvict = fn }

func (c *L1Cache) shard(key string) *lruShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the entry and true on a live hit. Expired entries are dropped
// on access (TTL scan on access, per contract).
func (c *L1Cache) Get(key string) (Entry, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	entry := el.Value.(Entry)
	if entry.Expired(time.Now()) {
		s.order.Remove(el)
		delete(s.entries, key)
		if c.ttlEvict != nil {
			c.ttlEvict()
		}
		return Entry{}, false
	}
	s.order.MoveToFront(el)
	return entry, true
}

// Set inserts or replaces an entry, evicting strictly LRU on capacity.
func (c *L1Cache) Set(entry Entry) {
	s := c.shard(entry.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[entry.Key]; ok {
		el.Value = entry
		s.order.MoveToFront(el)
		return
	}
	if s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.entries, oldest.Value.(Entry).Key)
		}
	}
	s.entries[entry.Key] = s.order.PushFront(entry)
}

// Delete removes a key if present.
func (c *L1Cache) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.order.Remove(el)
		delete(s.entries, key)
	}
}

// Len returns the resident entry count across shards.
func (c *L1Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.order.Len()
		s.mu.Unlock()
	}
	return total
}
