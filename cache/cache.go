// Package cache implements the bounded, pre-slotted value cache that fronts
// the engine's read path. It is advisory only: a miss always falls back to
// the memtable/SSTable tiers, and a failed non-blocking lock acquisition on
// the write path is always safe to ignore (the write still lands in the
// memtable and WAL; only the opportunistic cache warm-up is skipped).
package cache

import "sync"

type slot struct {
	key    string
	value  []byte
	freq   uint64
	inUse  bool
}

// Cache is a fixed-capacity key -> value store with LFU eviction. Eviction
// scans every slot, O(C) per insert when full — acceptable for C up to the
// low tens of thousands and dwarfed by any disk I/O it saves.
type Cache struct {
	mu    sync.Mutex
	slots []slot
	index map[string]int // key -> slot index, only for in-use slots
}

// New allocates a cache with capacity pre-allocated slots.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		slots: make([]slot, capacity),
		index: make(map[string]int, capacity),
	}
}

// Get returns a copy of the cached value and bumps its access counter.
func (c *Cache) Get(key []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

// TryGet attempts a non-blocking read; it reports a miss without
// blocking if the cache's lock is currently held — the hot read path
// must never serialize on a contended cache lock.
func (c *Cache) TryGet(key []byte) ([]byte, bool) {
	if !c.mu.TryLock() {
		return nil, false
	}
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key []byte) ([]byte, bool) {
	i, ok := c.index[string(key)]
	if !ok {
		return nil, false
	}
	c.slots[i].freq++
	out := make([]byte, len(c.slots[i].value))
	copy(out, c.slots[i].value)
	return out, true
}

// Put inserts or updates key, evicting the least-frequently-used occupied
// slot (ties broken arbitrarily, by slot order) when the cache is full.
func (c *Cache) Put(key []byte, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// TryPut attempts a non-blocking insert; it reports false without blocking
// if the cache's lock is currently held — the intended shape for the write
// path, which must never let the cache serialize on a contended lock.
func (c *Cache) TryPut(key []byte, value []byte) bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()
	c.putLocked(key, value)
	return true
}

func (c *Cache) putLocked(key []byte, value []byte) {
	k := string(key)
	v := make([]byte, len(value))
	copy(v, value)

	if i, ok := c.index[k]; ok {
		c.slots[i].value = v
		c.slots[i].freq++
		return
	}

	idx := c.freeSlot()
	if idx < 0 {
		idx = c.evictLFU()
	}
	c.slots[idx] = slot{key: k, value: v, freq: 1, inUse: true}
	c.index[k] = idx
}

func (c *Cache) freeSlot() int {
	for i := range c.slots {
		if !c.slots[i].inUse {
			return i
		}
	}
	return -1
}

func (c *Cache) evictLFU() int {
	victim := 0
	minFreq := c.slots[0].freq
	for i := 1; i < len(c.slots); i++ {
		if c.slots[i].freq < minFreq {
			minFreq = c.slots[i].freq
			victim = i
		}
	}
	delete(c.index, c.slots[victim].key)
	return victim
}

// Clear returns every slot to free and drops the index.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		c.slots[i] = slot{}
	}
	c.index = make(map[string]int, len(c.slots))
}

// Len reports the number of occupied slots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}
