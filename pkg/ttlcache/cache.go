package ttlcache

import (
	"context"
	"sync"
	"time"

	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Config holds configuration for a Cache
type Config struct {
	// Name labels the cache in metrics and logs
	Name string

	// TTL is the lifetime of a computed entry
	TTL time.Duration

	// MaintenanceInterval is how often the background sweep runs
	MaintenanceInterval time.Duration

	// ExpiryMargin removes entries this long before their real expiry so
	// that callers never receive a value about to lapse. Defaults to twice
	// the maintenance interval.
	ExpiryMargin time.Duration

	// Now overrides the clock, for tests
	Now func() time.Time
}

// Loader computes the value for a key on a cache miss
type Loader[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// Cache is an expiring key/value map with single-flight loading.
// At most one loader runs per key at a time; concurrent callers for the
// same key wait for and share its result.
type Cache[V any] struct {
	cfg     Config
	mu      sync.RWMutex
	entries map[string]*entry[V]
	// generations are bumped by Invalidate so that a load started before
	// the invalidation does not repopulate the entry
	generations map[string]uint64
	group       singleflight.Group
	logger      zerolog.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates a cache. Start must be called to run the periodic sweep.
func New[V any](cfg Config) *Cache[V] {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 10 * time.Second
	}
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = 2 * cfg.MaintenanceInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache[V]{
		cfg:         cfg,
		entries:     make(map[string]*entry[V]),
		generations: make(map[string]uint64),
		logger:      log.WithComponent("cache").With().Str("cache", cfg.Name).Logger(),
		stopCh:      make(chan struct{}),
	}
}

// Get returns the live value for key
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lookup(key)
	if ok {
		metrics.CacheLookups.WithLabelValues(c.cfg.Name, "hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues(c.cfg.Name, "miss").Inc()
	}
	return v, ok
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.cfg.Now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value with the default TTL
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.cfg.TTL)
}

// SetWithTTL stores a value that expires after ttl
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, value, ttl)
}

func (c *Cache[V]) put(key string, value V, ttl time.Duration) {
	now := c.cfg.Now()
	c.entries[key] = &entry[V]{value: value, createdAt: now, expiresAt: now.Add(ttl)}
	metrics.CacheEntries.WithLabelValues(c.cfg.Name).Set(float64(len(c.entries)))
}

// GetOrCompute returns the live value for key, or runs loader to produce
// it. While a load for key is in flight, other callers wait for it instead
// of starting their own.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, loader Loader[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.RLock()
	gen := c.generations[key]
	c.mu.RUnlock()

	// The shared load must not be cut short when only the first caller
	// gives up
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Double-check after winning the flight
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		metrics.CacheLoads.WithLabelValues(c.cfg.Name).Inc()
		v, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.generations[key] == gen {
			c.put(key, v, c.cfg.TTL)
		}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Invalidate removes key so that the next GetOrCompute reloads it
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.generations[key]++
	metrics.CacheEntries.WithLabelValues(c.cfg.Name).Set(float64(len(c.entries)))
	c.mu.Unlock()

	c.group.Forget(key)
	c.logger.Debug().Str("key", key).Msg("Cache entry invalidated")
}

// Sweep removes entries whose remaining lifetime is shorter than the
// expiry margin and returns how many were removed
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.cfg.Now().Add(c.cfg.ExpiryMargin)
	removed := 0
	for key, e := range c.entries {
		if e.expiresAt.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	metrics.CacheEntries.WithLabelValues(c.cfg.Name).Set(float64(len(c.entries)))
	return removed
}

// Len returns the number of stored entries, expired or not
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Start runs the periodic sweep until Stop is called
func (c *Cache[V]) Start() {
	go c.run()
}

// Stop stops the periodic sweep
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache[V]) run() {
	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug().Int("removed", n).Msg("Swept expiring cache entries")
			}
		case <-c.stopCh:
			return
		}
	}
}
