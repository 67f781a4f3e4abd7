package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcache/internal/logging"
)

type failingBackend struct {
	getErr error
	putErr error
}

func (f *failingBackend) Name() string { return "failing" }

func (f *failingBackend) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, f.getErr
}

func (f *failingBackend) Put(context.Context, Entry) error { return f.putErr }

func (f *failingBackend) Delete(context.Context, string) error { return f.putErr }

func newTestCache(t *testing.T) *ResultCache {
	t.Helper()
	return New(NewMemoryBackend(), logging.Discard())
}

func TestPutThenGetIsHit(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	got, ok := c.Get(ctx, "k")

	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
	assert.Equal(t, 1.0, stats.CacheHitRate)
}

func TestGetMissCounts(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, ok := c.Get(ctx, "absent")
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "present", []byte("x")))
	_, ok = c.Get(ctx, "present")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.CacheHitRate)
}

func TestHitRateZeroWithoutLookups(t *testing.T) {
	c := newTestCache(t)
	assert.Equal(t, 0.0, c.Stats().CacheHitRate)
}

func TestOverwritesDoNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	value := []byte("0123456789")
	for i := 0; i < 42; i++ {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("key-%02d", i), value))
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("key-%02d", i), value))
	}

	stats := c.Stats()
	assert.Equal(t, int64(42), stats.TotalEntriesCached)
	assert.Equal(t, int64(42*(len("key-00")+len(value))), stats.StorageSizeEstimate)
}

func TestOverwriteWithDifferentSizeAdjustsTotal(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Put(ctx, "k", []byte("short")))
	require.NoError(t, c.Put(ctx, "k", []byte("a much longer value")))

	assert.Equal(t, int64(len("k")+len("a much longer value")), c.Stats().StorageSizeEstimate)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "a much longer value", string(got))
}

func TestPeekDoesNotCount(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	require.NoError(t, c.Put(ctx, "k", []byte("v")))

	_, ok := c.Peek(ctx, "k")
	assert.True(t, ok)
	_, ok = c.Peek(ctx, "other")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestUnavailableBackendIsForcedMiss(t *testing.T) {
	ctx := context.Background()
	c := New(&failingBackend{getErr: errors.New("connection refused")}, logging.Discard())

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestPutFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	c := New(&failingBackend{putErr: errors.New("disk full")}, logging.Discard())

	err := c.Put(ctx, "k", []byte("v"))
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Zero(t, c.Stats().TotalEntriesCached)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	require.NoError(t, c.Put(ctx, "a", []byte("1")))
	require.NoError(t, c.Put(ctx, "b", []byte("22")))

	require.NoError(t, c.Invalidate(ctx, "a"))

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.TotalEntriesCached)
	assert.Equal(t, int64(len("b")+2), stats.StorageSizeEstimate)
}

func TestPruneBefore(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c.now = func() time.Time { return base }
	require.NoError(t, c.Put(ctx, "old-1", []byte("x")))
	require.NoError(t, c.Put(ctx, "old-2", []byte("x")))
	c.now = func() time.Time { return base.Add(48 * time.Hour) }
	require.NoError(t, c.Put(ctx, "fresh", []byte("x")))

	removed, err := c.PruneBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.Equal(t, int64(1), c.Stats().TotalEntriesCached)
	_, ok := c.Peek(ctx, "fresh")
	assert.True(t, ok)
}

func TestBackendEntriesIndexedOnFirstHit(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Put(ctx, Entry{Key: "warm", Value: []byte("abc"), CreatedAt: time.Now()}))

	c := New(backend, logging.Discard())
	assert.Zero(t, c.Stats().TotalEntriesCached)

	_, ok := c.Get(ctx, "warm")
	require.True(t, ok)
	_, _ = c.Get(ctx, "warm")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.TotalEntriesCached)
	assert.Equal(t, int64(len("warm")+3), stats.StorageSizeEstimate)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k-%d", i%10)
				_ = c.Put(ctx, key, []byte("value"))
				c.Get(ctx, key)
			}
		}(w)
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, int64(10), stats.TotalEntriesCached)
	assert.Equal(t, int64(10*(len("k-0")+len("value"))), stats.StorageSizeEstimate)
	assert.Equal(t, int64(800), stats.Hits+stats.Misses)
}

func TestMissForgetsEntryRemovedFromBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c := New(backend, logging.Discard())
	require.NoError(t, c.Put(ctx, "gone", []byte("abc")))
	require.NoError(t, c.Put(ctx, "kept", []byte("abc")))

	require.NoError(t, backend.Delete(ctx, "gone"))
	_, ok := c.Peek(ctx, "gone")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.TotalEntriesCached)
	assert.Equal(t, int64(len("kept")+3), stats.StorageSizeEstimate)
	assert.Zero(t, stats.Misses)
}

func TestPutAndInvalidateKeepIndexInStepWithBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c := New(backend, logging.Discard())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if (i+w)%2 == 0 {
					_ = c.Put(ctx, "contested", []byte(fmt.Sprintf("value-%d", w)))
				} else {
					_ = c.Invalidate(ctx, "contested")
				}
			}
		}(w)
	}
	wg.Wait()

	e, found, err := backend.Get(ctx, "contested")
	require.NoError(t, err)
	stats := c.Stats()
	if found {
		assert.Equal(t, int64(1), stats.TotalEntriesCached)
		assert.Equal(t, e.Size(), stats.StorageSizeEstimate)
	} else {
		assert.Zero(t, stats.TotalEntriesCached)
		assert.Zero(t, stats.StorageSizeEstimate)
	}
}
