package bundle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/engine"
)

// Bundle is an assembled, in-memory runtime artifact keyed by the
// fingerprint of the configuration content it was built from. Bundles are
// never persisted; they are reclaimed by eviction or process restart.
type Bundle struct {
	Fingerprint string
	Handle      engine.BundleHandle
	AssembledAt time.Time
}

// AssembleFunc produces the bundle handle for a cache miss
type AssembleFunc func(ctx context.Context) (engine.BundleHandle, error)

// Cache is a keyed single-flight cache of assembled bundles. It is
// process-wide shared state owned by whoever constructs it; a fresh
// instance per test keeps it unit-testable.
type Cache struct {
	idleTTL time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// cacheEntry is either in flight (done open) or complete (done closed).
// Failed entries are removed from the map before done is closed, so the map
// never retains a failure.
type cacheEntry struct {
	done       chan struct{}
	bundle     *Bundle
	err        error
	lastAccess time.Time
}

// CacheConfig holds cache construction options
type CacheConfig struct {
	// IdleTTL is how long an unused entry survives between sweeps
	IdleTTL time.Duration
	Logger  zerolog.Logger
	// Metrics is optional; nil disables instrumentation
	Metrics *metrics.Metrics
}

// NewCache creates an empty bundle cache
func NewCache(cfg CacheConfig) *Cache {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Cache{
		idleTTL: cfg.IdleTTL,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		entries: make(map[string]*cacheEntry),
	}
}

// GetOrAssemble returns the cached bundle for fingerprint, joins an
// in-flight assembly if one exists, or makes this caller the assembler.
// All concurrent callers for one fingerprint share a single assemble call
// and its outcome. A failure releases every waiter with the same error and
// leaves no cache entry behind.
func (c *Cache) GetOrAssemble(ctx context.Context, fingerprint string, assemble AssembleFunc) (*Bundle, error) {
	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		select {
		case <-e.done:
			// Completed entry; failures are evicted before done closes,
			// so this is a hit.
			e.lastAccess = time.Now()
			c.mu.Unlock()
			c.countHit()
			return e.bundle, nil
		default:
		}
		c.mu.Unlock()

		// Assembly in flight: wait for the single assembler. Waiter
		// cancellation abandons the wait without aborting the assembly.
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		c.mu.Lock()
		e.lastAccess = time.Now()
		c.mu.Unlock()
		c.countHit()
		return e.bundle, nil
	}

	// This caller becomes the assembler.
	e := &cacheEntry{done: make(chan struct{})}
	c.entries[fingerprint] = e
	c.mu.Unlock()
	c.countMiss()

	handle, err := assemble(ctx)

	c.mu.Lock()
	if err != nil {
		delete(c.entries, fingerprint)
		e.err = err
	} else {
		e.bundle = &Bundle{
			Fingerprint: fingerprint,
			Handle:      handle,
			AssembledAt: time.Now(),
		}
		e.lastAccess = time.Now()
	}
	close(e.done)
	entryCount := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(entryCount))
	}

	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("fingerprint", fingerprint).
			Msg("Bundle assembly failed; not cached")
		return nil, err
	}

	c.logger.Info().
		Str("fingerprint", fingerprint).
		Msg("Bundle assembled and cached")
	return e.bundle, nil
}

// Invalidate drops the completed entry for a fingerprint, if any. An
// in-flight assembly is left alone; its waiters still share its outcome.
func (c *Cache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		return
	}
	select {
	case <-e.done:
		delete(c.entries, fingerprint)
	default:
	}
}

// Sweep evicts completed entries idle past the TTL and returns how many
// were removed. Bundles held by live session handles stay usable; eviction
// only drops the cache's reference.
func (c *Cache) Sweep() int {
	cutoff := time.Now().Add(-c.idleTTL)

	c.mu.Lock()
	evicted := 0
	for fingerprint, e := range c.entries {
		select {
		case <-e.done:
			if e.lastAccess.Before(cutoff) {
				delete(c.entries, fingerprint)
				evicted++
			}
		default:
			// in flight, never evicted
		}
	}
	entryCount := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheEvictionsTotal.Add(float64(evicted))
		c.metrics.CacheEntries.Set(float64(entryCount))
	}
	if evicted > 0 {
		c.logger.Debug().Int("evicted", evicted).Msg("Bundle cache swept")
	}
	return evicted
}

// Len returns the current number of entries, including in-flight ones
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) countHit() {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *Cache) countMiss() {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}
