package cohort

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// CacheKey identifies one node invocation within a run.
type CacheKey struct {
	NodeID string
	Params string // Env.Canonical()
}

// NewCacheKey builds the key for node id evaluated under env.
func NewCacheKey(nodeID string, env Env) CacheKey {
	return CacheKey{NodeID: nodeID, Params: env.Canonical()}
}

func (k CacheKey) String() string { return k.NodeID + "|" + k.Params }

// flight is the singleflight key. The length prefix keeps keys distinct even
// when NodeID contains the separator.
func (k CacheKey) flight() string { return strconv.Itoa(len(k.NodeID)) + ":" + k.String() }

// EntryState is the lifecycle state of a cache entry.
type EntryState int

const (
	StateAbsent EntryState = iota
	StatePending
	StateReady
)

func (s EntryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	}
	return "absent"
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Computes uint64 `json:"computes"`
	Failures uint64 `json:"failures"`
	Size     int    `json:"size"`
}

// Cache memoizes patient sets for the lifetime of one report run.
//
// Each key is computed at most once: the first caller runs compute, callers
// arriving while it is pending share its outcome. A successful result is kept
// until the cache is dropped; a failure is handed to every waiter and the key
// goes back to absent.
type Cache struct {
	mu      sync.RWMutex
	ready   map[CacheKey]PatientSet
	pending map[CacheKey]struct{}
	flights singleflight.Group

	hits     atomic.Uint64
	misses   atomic.Uint64
	computes atomic.Uint64
	failures atomic.Uint64
}

// NewCache returns an empty cache. One cache belongs to exactly one run.
func NewCache() *Cache {
	return &Cache{
		ready:   make(map[CacheKey]PatientSet),
		pending: make(map[CacheKey]struct{}),
	}
}

// GetOrCompute returns the memoized set for key, computing it if needed.
// compute runs detached from ctx: a caller that gives up (ctx done) stops
// waiting, but the computation keeps going for the other waiters and is
// bounded by whatever context compute itself closes over.
func (c *Cache) GetOrCompute(ctx context.Context, key CacheKey, compute func() (PatientSet, error)) (PatientSet, error) {
	if set, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return set, nil
	}
	c.misses.Add(1)

	ch := c.flights.DoChan(key.flight(), func() (interface{}, error) {
		c.mu.Lock()
		if set, ok := c.ready[key]; ok {
			c.mu.Unlock()
			return set, nil
		}
		c.pending[key] = struct{}{}
		c.mu.Unlock()

		c.computes.Add(1)
		set, err := compute()

		c.mu.Lock()
		delete(c.pending, key)
		if err == nil {
			c.ready[key] = set
		}
		c.mu.Unlock()

		if err != nil {
			c.failures.Add(1)
			return nil, err
		}
		return set, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return PatientSet{}, res.Err
		}
		return res.Val.(PatientSet), nil
	case <-ctx.Done():
		return PatientSet{}, ctx.Err()
	}
}

func (c *Cache) lookup(key CacheKey) (PatientSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.ready[key]
	return set, ok
}

// State reports where key is in its lifecycle.
func (c *Cache) State(key CacheKey) EntryState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.ready[key]; ok {
		return StateReady
	}
	if _, ok := c.pending[key]; ok {
		return StatePending
	}
	return StateAbsent
}

// Len returns the number of ready entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ready)
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Computes: c.computes.Load(),
		Failures: c.failures.Load(),
		Size:     c.Len(),
	}
}
