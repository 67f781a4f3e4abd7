// Package cache deduplicates work by input key and reports usage metrics.
package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"time"

	"taskcache/internal/models"
)

const keyStripes = 64

type indexEntry struct {
	size      int64
	createdAt time.Time
}

// ResultCache fronts a Backend with hit/miss counters and a running storage
// total. The index mirrors the keys this process has written or read, so
// Stats never has to walk the backend.
type ResultCache struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	// stripes serialize backend I/O per key so the index follows the backend.
	stripes [keyStripes]sync.Mutex

	mu     sync.Mutex
	index  map[string]indexEntry
	hits   int64
	misses int64
	size   int64
}

// New wraps backend.
func New(backend Backend, logger *slog.Logger) *ResultCache {
	return &ResultCache{
		backend: backend,
		logger:  logger.With("component", "result_cache", "backend", backend.Name()),
		now:     time.Now,
		index:   make(map[string]indexEntry),
	}
}

// Get returns the cached value for key and records a hit or a miss. A backend
// failure counts as a miss so callers fall through to executing the work.
func (c *ResultCache) Get(ctx context.Context, key string) ([]byte, bool) {
	return c.get(ctx, key, true)
}

// Peek is Get without touching the hit/miss counters.
func (c *ResultCache) Peek(ctx context.Context, key string) ([]byte, bool) {
	return c.get(ctx, key, false)
}

func (c *ResultCache) get(ctx context.Context, key string, count bool) ([]byte, bool) {
	stripe := c.stripe(key)
	stripe.Lock()
	defer stripe.Unlock()

	e, found, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss",
			"input_key", key,
			"error", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !found {
		if err == nil {
			// Expired or removed behind our back.
			c.forgetLocked(key)
		}
		if count {
			c.misses++
		}
		return nil, false
	}
	if count {
		c.hits++
	}
	c.indexLocked(e)
	return e.Value, true
}

func (c *ResultCache) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.stripes[h.Sum32()%keyStripes]
}

// indexLocked records an entry seen in the backend but unknown to this process.
func (c *ResultCache) indexLocked(e Entry) {
	if _, known := c.index[e.Key]; known {
		return
	}
	c.index[e.Key] = indexEntry{size: e.Size(), createdAt: e.CreatedAt}
	c.size += e.Size()
}

// Put inserts or replaces the value stored under key.
func (c *ResultCache) Put(ctx context.Context, key string, value []byte) error {
	stripe := c.stripe(key)
	stripe.Lock()
	defer stripe.Unlock()

	e := Entry{Key: key, Value: value, CreatedAt: c.now()}
	if err := c.backend.Put(ctx, e); err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrUnavailable, key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetLocked(key)
	c.index[key] = indexEntry{size: e.Size(), createdAt: e.CreatedAt}
	c.size += e.Size()
	return nil
}

// Invalidate removes key from the backend and from the accounting.
func (c *ResultCache) Invalidate(ctx context.Context, key string) error {
	stripe := c.stripe(key)
	stripe.Lock()
	defer stripe.Unlock()

	if err := c.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %q: %v", ErrUnavailable, key, err)
	}
	c.mu.Lock()
	c.forgetLocked(key)
	c.mu.Unlock()
	return nil
}

// PruneBefore evicts every indexed entry created before cutoff and returns how
// many were removed. It stops at the first backend failure.
func (c *ResultCache) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	c.mu.Lock()
	stale := make([]string, 0)
	for key, ie := range c.index {
		if ie.createdAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	c.mu.Unlock()

	removed := 0
	for _, key := range stale {
		evicted, err := c.evictIfBefore(ctx, key, cutoff)
		if err != nil {
			return removed, err
		}
		if evicted {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("pruned cache entries", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// evictIfBefore deletes key unless it was rewritten at or after cutoff.
func (c *ResultCache) evictIfBefore(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	stripe := c.stripe(key)
	stripe.Lock()
	defer stripe.Unlock()

	c.mu.Lock()
	ie, ok := c.index[key]
	c.mu.Unlock()
	if !ok || !ie.createdAt.Before(cutoff) {
		return false, nil
	}
	if err := c.backend.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("%w: delete %q: %v", ErrUnavailable, key, err)
	}
	c.mu.Lock()
	c.forgetLocked(key)
	c.mu.Unlock()
	return true, nil
}

func (c *ResultCache) forgetLocked(key string) {
	if prev, ok := c.index[key]; ok {
		c.size -= prev.size
		delete(c.index, key)
	}
}

// Stats reports entry count, hit rate and storage estimate from counters.
func (c *ResultCache) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CacheStats{
		Backend:             c.backend.Name(),
		TotalEntriesCached:  int64(len(c.index)),
		Hits:                c.hits,
		Misses:              c.misses,
		CacheHitRate:        models.Ratio(c.hits, c.misses),
		StorageSizeEstimate: c.size,
		StorageSizeMB:       float64(c.size) / (1024 * 1024),
	}
}

// Close releases the backend's connections if it holds any.
func (c *ResultCache) Close() error {
	if closer, ok := c.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// IsUnavailable reports whether err came from a failing backend.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
