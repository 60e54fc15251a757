// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package cache provides BoundedCache, a generic, capacity-and-
// watermark-bounded cache of reference-counted values keyed by
// opaque fingerprint strings.
package cache

import (
	"sync"

	"github.com/sneller-vcore/vcore/heap"
)

// Sized is the capability every cached value must expose: its
// footprint in bytes. Per the "no further introspection" design
// note, BoundedCache never looks at a value beyond this.
type Sized interface {
	SizeBytes() int64
}

// CacheEntry is a shared-ownership record held by BoundedCache.
// Concurrent readers pin their own handle with Acquire/Release;
// eviction only drops the cache's own share.
type CacheEntry[V Sized] struct {
	Key   string
	Value V

	mu       sync.Mutex
	refcount int32
	released func(V)
}

// Acquire increments the entry's reference count. Callers that
// retrieve an entry via Lookup already hold one reference; Acquire
// is for callers that want to hand out additional independent
// handles to the same entry.
func (e *CacheEntry[V]) Acquire() {
	e.mu.Lock()
	e.refcount++
	e.mu.Unlock()
}

// Release drops one reference. When the count reaches zero and the
// entry has already been evicted from the cache, the value's own
// release hook (if any) runs.
func (e *CacheEntry[V]) Release() {
	e.mu.Lock()
	e.refcount--
	dead := e.refcount <= 0 && e.released != nil
	var r func(V)
	if dead {
		r = e.released
		e.released = nil
	}
	e.mu.Unlock()
	if r != nil {
		r(e.Value)
	}
}

type candidate struct {
	key string
	seq uint64
}

func candidateLess(a, b candidate) bool { return a.seq < b.seq }

// BoundedCache is an LRU-like cache bounded by both a byte capacity
// and a free-memory watermark. All mutating operations (including
// Lookup, which updates recency) are serialized by a single mutex.
type BoundedCache[V Sized] struct {
	mu sync.Mutex

	capacityBytes  int64
	freeMemPercent float64
	currentBytes   int64
	seq            uint64

	entries map[string]*CacheEntry[V]
	order   map[string]uint64 // key -> last-touch sequence number

	// availableMem, when non-nil, reports the fraction of
	// system/device memory currently free; overridable for tests.
	availableMem func() float64

	onRelease func(V)
}

// New constructs an empty BoundedCache with the given capacity (in
// bytes) and free-memory watermark (fraction in [0,1]).
func New[V Sized](capacityBytes int64, freeMemPercent float64) *BoundedCache[V] {
	return &BoundedCache[V]{
		capacityBytes:  capacityBytes,
		freeMemPercent: clamp01(freeMemPercent),
		entries:        make(map[string]*CacheEntry[V]),
		order:          make(map[string]uint64),
		availableMem:   systemFreeMemFraction,
	}
}

// OnRelease installs a hook invoked when an evicted/erased value's
// last reference is released; it is used by callers (such as
// DeviceCacheManager) that need to free heavyweight resources (e.g.
// device-resident index shards) once nobody can observe them.
func (c *BoundedCache[V]) OnRelease(fn func(V)) {
	c.mu.Lock()
	c.onRelease = fn
	c.mu.Unlock()
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Lookup returns the entry for key, touching its recency. The
// returned *CacheEntry carries one reference the caller must
// Release when done.
func (c *BoundedCache[V]) Lookup(key string) (*CacheEntry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.seq++
	c.order[key] = c.seq
	e.Acquire()
	return e, true
}

// Insert adds or replaces the entry for key. If value's own size
// exceeds capacityBytes, Insert is a no-op and returns false. Insert
// may otherwise evict least-recently-used entries (oldest touch
// first) until both the capacity and free-memory watermark
// constraints are satisfied.
func (c *BoundedCache[V]) Insert(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(key, value)
}

func (c *BoundedCache[V]) insertLocked(key string, value V) bool {
	size := value.SizeBytes()
	if size > c.capacityBytes {
		return false
	}
	if old, ok := c.entries[key]; ok {
		c.currentBytes -= old.Value.SizeBytes()
		c.dropLocked(old)
	}
	c.evictUntilFitsLocked(size)

	c.seq++
	e := &CacheEntry[V]{Key: key, Value: value, refcount: 1, released: c.onRelease}
	c.entries[key] = e
	c.order[key] = c.seq
	c.currentBytes += size
	return true
}

// evictUntilFitsLocked evicts the least-recently-used entries until
// adding an additional incoming byte count would not break the
// capacity or watermark invariants, or the cache is empty. For each
// eviction it builds a recency-ordered heap of all current entries
// and pops the oldest.
func (c *BoundedCache[V]) evictUntilFitsLocked(incoming int64) {
	for c.overCapacityLocked(incoming) || c.underWatermarkLocked() {
		if len(c.entries) == 0 {
			return
		}
		var heapSlice []candidate
		for k, s := range c.order {
			heap.PushSlice(&heapSlice, candidate{key: k, seq: s}, candidateLess)
		}
		if len(heapSlice) == 0 {
			return
		}
		victim := heap.PopSlice(&heapSlice, candidateLess)
		e, ok := c.entries[victim.key]
		if !ok {
			continue
		}
		c.currentBytes -= e.Value.SizeBytes()
		c.dropLocked(e)
	}
}

func (c *BoundedCache[V]) overCapacityLocked(incoming int64) bool {
	return c.currentBytes+incoming > c.capacityBytes
}

func (c *BoundedCache[V]) underWatermarkLocked() bool {
	if c.freeMemPercent <= 0 || c.availableMem == nil {
		return false
	}
	return c.availableMem() < c.freeMemPercent
}

func (c *BoundedCache[V]) dropLocked(e *CacheEntry[V]) {
	delete(c.entries, e.Key)
	delete(c.order, e.Key)
	e.Release()
}

// Erase removes key from the cache, if present.
func (c *BoundedCache[V]) Erase(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.currentBytes -= e.Value.SizeBytes()
	c.dropLocked(e)
}

// Clear empties the cache, releasing the cache's share of every entry.
func (c *BoundedCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.Release()
	}
	c.entries = make(map[string]*CacheEntry[V])
	c.order = make(map[string]uint64)
	c.currentBytes = 0
}

// SetFreeMemPercent updates the watermark and synchronously evicts
// entries if the new watermark is not currently satisfied.
func (c *BoundedCache[V]) SetFreeMemPercent(p float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeMemPercent = clamp01(p)
	c.evictUntilFitsLocked(0)
}

// Size returns the current byte footprint of the cache.
func (c *BoundedCache[V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBytes
}

// Count returns the number of entries currently cached.
func (c *BoundedCache[V]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetCapacityBytes updates the capacity ceiling and synchronously
// evicts entries if the cache is now over-capacity.
func (c *BoundedCache[V]) SetCapacityBytes(capacityBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacityBytes = capacityBytes
	c.evictUntilFitsLocked(0)
}
