package embeddings

import (
	"context"
	"sync"
	"time"
)

// Cache memoizes text-hash → vector lookups. Implementations treat their own
// failures as misses; callers never see cache errors.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

type memoryEntry struct {
	vec          []float32
	expiresAt    time.Time
	lastAccessed time.Time
}

// MemoryCache is a thread-safe in-process cache with TTL and LRU eviction.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache creates a cache. A non-positive maxEntries means 10000.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryCache{
		entries:    make(map[string]*memoryEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a copy of the cached vector. Expired entries are removed.
func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := c.now()
	if c.ttl > 0 && now.After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	e.lastAccessed = now
	return append([]float32(nil), e.vec...), true
}

// Set stores a copy of vec, evicting the least recently used entry when full.
func (c *MemoryCache) Set(_ context.Context, key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	c.entries[key] = &memoryEntry{
		vec:          append([]float32(nil), vec...),
		expiresAt:    now.Add(c.ttl),
		lastAccessed: now,
	}
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLRU removes the least recently used entry. Caller must hold the lock.
func (c *MemoryCache) evictLRU() {
	var (
		oldestKey  string
		oldestTime time.Time
		first      = true
	)
	for k, e := range c.entries {
		if first || e.lastAccessed.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.lastAccessed, false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// TieredCache reads the tiers in order and back-fills faster tiers on a hit.
// Writes go to every tier.
type TieredCache struct {
	tiers []Cache
}

// NewTieredCache composes caches, fastest first. Nil tiers are skipped.
func NewTieredCache(tiers ...Cache) *TieredCache {
	t := &TieredCache{}
	for _, c := range tiers {
		if c != nil {
			t.tiers = append(t.tiers, c)
		}
	}
	return t
}

// Get returns the first hit.
func (t *TieredCache) Get(ctx context.Context, key string) ([]float32, bool) {
	for i, c := range t.tiers {
		if vec, ok := c.Get(ctx, key); ok {
			for j := 0; j < i; j++ {
				t.tiers[j].Set(ctx, key, vec)
			}
			return vec, true
		}
	}
	return nil, false
}

// Set writes to every tier.
func (t *TieredCache) Set(ctx context.Context, key string, vec []float32) {
	for _, c := range t.tiers {
		c.Set(ctx, key, vec)
	}
}
