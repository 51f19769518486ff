// Package cache provides the compile-result cache used by mtlhal.
//
// # Once[K, V]
//
// A thread-safe map whose values are computed at most once per key.
// Concurrent callers asking for the same missing key share a single
// computation: one of them runs it, the others block until it finishes
// and receive the same value. A key that is already held is never
// recomputed, and nothing is evicted.
//
//	c := cache.NewOnce[Key, *Translation](Key.String)
//	v, err := c.GetOrCompute(key, func() (*Translation, error) {
//	    return translate(req)
//	})
//
// Failed computations are not stored; the next request for the key
// computes again.
//
// # Thread Safety
//
// Once is safe for concurrent use.
// It must not be copied after creation (it contains mutexes).
package cache
