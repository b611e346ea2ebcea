package resilience

import (
	"context"
	"log/slog"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheKey identifies a cached response. Conventionally "<method> <path>".
type CacheKey string

// cacheEntry holds one cached value. Entries are replaced wholesale on
// refresh, never partially mutated, so a reader holding a value copy is
// never exposed to a half-written entry.
type cacheEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	// Entries is the current number of cached entries.
	Entries int `json:"entries"`

	// Hits counts reads served from the cache, including stale reads.
	Hits uint64 `json:"hits"`

	// Misses counts reads that needed a blocking fetch.
	Misses uint64 `json:"misses"`

	// Evictions counts entries removed to make room for new ones.
	Evictions uint64 `json:"evictions"`

	// Refreshes counts completed background revalidations.
	Refreshes uint64 `json:"refreshes"`

	// HitRate is Hits / (Hits + Misses), 0 when no reads happened.
	HitRate float64 `json:"hit_rate"`
}

// ResponseCache is a TTL-keyed store with stale-while-revalidate reads
// and coalescing of concurrent identical fetches. A single in-flight
// fetch is ever issued per key; concurrent readers share its result.
type ResponseCache[T any] struct {
	config *CacheConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   map[CacheKey]*cacheEntry[T]
	hits      uint64
	misses    uint64
	evictions uint64
	refreshes uint64

	flight singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
}

// NewResponseCache creates a cache configured by the provided options and
// starts its expiry sweeper. Call Close to stop the sweeper.
//
// Example:
//
//	cache := resilience.NewResponseCache[*Service](
//	    resilience.WithDefaultTTL(time.Minute),
//	    resilience.WithMaxEntries(500),
//	)
//	defer cache.Close()
func NewResponseCache[T any](opts ...CacheOption) *ResponseCache[T] {
	config := DefaultCacheConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	c := &ResponseCache[T]{
		config:  config,
		logger:  config.Logger,
		now:     config.Clock,
		entries: make(map[CacheKey]*cacheEntry[T]),
		stop:    make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go c.sweep(config.SweepInterval)
	}

	return c
}

// GetOrFetch returns the cached value for key while it is unexpired;
// otherwise it fetches, stores the result with the given ttl, and returns
// it. Concurrent fetches for the same key are coalesced into one call.
func (c *ResponseCache[T]) GetOrFetch(ctx context.Context, key CacheKey, ttl time.Duration, fetch Operation[T]) (T, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expiresAt) {
		c.hits++
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.misses++
	c.mu.Unlock()

	return c.doFetch(ctx, key, ttl, fetch)
}

// GetWithRevalidate serves reads with stale-while-revalidate semantics.
// Entries younger than staleAfter are returned without any fetch. Entries
// between staleAfter and ttl are returned immediately while a background
// refresh runs (at most one per key). Expired or absent entries require a
// blocking fetch; if that fetch fails and stale data exists, the stale
// value is returned instead of the error.
func (c *ResponseCache[T]) GetWithRevalidate(ctx context.Context, key CacheKey, ttl, staleAfter time.Duration, fetch Operation[T]) (T, error) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	if staleAfter <= 0 || staleAfter > ttl {
		staleAfter = ttl
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		age := c.now().Sub(e.createdAt)
		if age < staleAfter {
			c.hits++
			v := e.value
			c.mu.Unlock()
			return v, nil
		}
		if age < ttl {
			c.hits++
			v := e.value
			c.mu.Unlock()
			c.refreshAsync(ctx, key, ttl, fetch)
			return v, nil
		}
	}
	c.misses++
	c.mu.Unlock()

	v, err := c.doFetch(ctx, key, ttl, fetch)
	if err == nil {
		return v, nil
	}

	// Expired data beats no data.
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		stale := e.value
		c.mu.Unlock()
		c.logger.Warn("fetch failed, serving stale entry",
			"key", string(key),
			"error", err)
		return stale, nil
	}
	c.mu.Unlock()

	var zero T
	return zero, err
}

// doFetch issues (or joins) the single in-flight fetch for key and stores
// a successful result. The fetch runs detached from the caller's
// cancellation so an abandoning caller never kills a shared fetch.
func (c *ResponseCache[T]) doFetch(ctx context.Context, key CacheKey, ttl time.Duration, fetch Operation[T]) (T, error) {
	v, err, _ := c.flight.Do(string(key), func() (interface{}, error) {
		val, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.store(key, val, ttl)
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// refreshAsync schedules a background refresh for key. singleflight
// guarantees it joins any fetch already pending for the key instead of
// issuing a duplicate call; the current caller is never blocked.
func (c *ResponseCache[T]) refreshAsync(ctx context.Context, key CacheKey, ttl time.Duration, fetch Operation[T]) {
	ch := c.flight.DoChan(string(key), func() (interface{}, error) {
		val, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.store(key, val, ttl)
		return val, nil
	})

	go func() {
		res := <-ch
		if res.Err != nil {
			c.logger.Debug("background refresh failed",
				"key", string(key),
				"error", res.Err)
			return
		}
		c.mu.Lock()
		c.refreshes++
		c.mu.Unlock()
	}()
}

// Set stores value under key with the given ttl, evicting the oldest
// entry first when the cache is full.
func (c *ResponseCache[T]) Set(key CacheKey, value T, ttl time.Duration) {
	c.store(key, value, ttl)
}

func (c *ResponseCache[T]) store(key CacheKey, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		c.evictOldest()
	}

	c.entries[key] = &cacheEntry[T]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
}

// evictOldest removes the entry with the oldest createdAt. Caller holds c.mu.
func (c *ResponseCache[T]) evictOldest() {
	var oldestKey CacheKey
	var oldest time.Time
	first := true
	for key, e := range c.entries {
		if first || e.createdAt.Before(oldest) {
			oldestKey = key
			oldest = e.createdAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Peek returns the entry for key without counting a hit or miss and
// without any freshness check beyond expiry.
func (c *ResponseCache[T]) Peek(key CacheKey) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && c.now().Before(e.expiresAt) {
		return e.value, true
	}
	var zero T
	return zero, false
}

// Clear removes all entries.
func (c *ResponseCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[CacheKey]*cacheEntry[T])
}

// Invalidate removes entries whose key matches pattern (path.Match
// syntax; a malformed pattern falls back to exact key comparison) and
// returns how many were removed.
func (c *ResponseCache[T]) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		matched, err := path.Match(pattern, string(key))
		if err != nil {
			matched = pattern == string(key)
		}
		if matched {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *ResponseCache[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Refreshes: c.refreshes,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// sweep periodically removes expired entries, independent of access patterns.
func (c *ResponseCache[T]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *ResponseCache[T]) removeExpired() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Close stops the expiry sweeper. The cache remains usable afterwards;
// expired entries are then only replaced on access.
func (c *ResponseCache[T]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
