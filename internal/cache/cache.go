package cache

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Once is a generic thread-safe cache that computes each value at most once.
//
// Lookups of held keys take a read lock only. Misses are funneled through a
// singleflight group keyed by the string form of the key, and the computation
// re-checks the map before running, so a value is never computed twice even
// when a caller arrives just after another caller's computation finished.
//
// Once is safe for concurrent use.
// Once must not be copied after creation (has mutex).
type Once[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
	group   singleflight.Group
	keyFunc func(K) string

	hits     atomic.Uint64
	misses   atomic.Uint64
	computes atomic.Uint64
}

// NewOnce creates an empty cache. keyFunc must map distinct keys to
// distinct strings.
func NewOnce[K comparable, V any](keyFunc func(K) string) *Once[K, V] {
	return &Once[K, V]{
		entries: make(map[K]V),
		keyFunc: keyFunc,
	}
}

// Get retrieves a value from the cache.
// Returns (value, true) if found, (zero, false) otherwise.
func (c *Once[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	v, ok := c.entries[key]
	c.mu.RUnlock()
	return v, ok
}

// GetOrCompute returns the cached value for key, computing it with compute
// if the key is not held yet. Concurrent calls for the same key run compute
// once; every caller receives that result.
func (c *Once[K, V]) GetOrCompute(key K, compute func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		c.hits.Add(1)
		slogger().Debug("cache: hit", "key", c.keyFunc(key))
		return v, nil
	}
	c.misses.Add(1)

	res, err, _ := c.group.Do(c.keyFunc(key), func() (any, error) {
		// Double-check: a computation for this key may have completed
		// between our miss and entering the group.
		if v, ok := c.Get(key); ok {
			return v, nil
		}

		c.computes.Add(1)
		v, err := compute()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = v
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Insert stores value under key unless the key is already held.
// Returns true if the value was stored.
func (c *Once[K, V]) Insert(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = value
	return true
}

// Range calls fn for each entry in a snapshot of the cache.
// Iteration stops when fn returns false.
func (c *Once[K, V]) Range(fn func(K, V) bool) {
	c.mu.RLock()
	keys := make([]K, 0, len(c.entries))
	values := make([]V, 0, len(c.entries))
	for k, v := range c.entries {
		keys = append(keys, k)
		values = append(values, v)
	}
	c.mu.RUnlock()

	for i := range keys {
		if !fn(keys[i], values[i]) {
			return
		}
	}
}

// Len returns the number of entries in the cache.
func (c *Once[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Stats returns cache statistics.
func (c *Once[K, V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Len:      c.Len(),
		Hits:     hits,
		Misses:   misses,
		Computes: c.computes.Load(),
		HitRate:  rate,
	}
}

// Stats contains cache statistics.
type Stats struct {
	// Len is the current number of entries.
	Len int
	// Hits is the number of lookups served from held entries.
	Hits uint64
	// Misses is the number of lookups that found no held entry.
	Misses uint64
	// Computes is the number of times a compute function actually ran.
	Computes uint64
	// HitRate is the cache hit rate 0.0 to 1.0.
	HitRate float64
}
