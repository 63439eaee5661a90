package bundle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindling-ai/kindling/pkg/engine"
)

// fakeHandle is a trivial BundleHandle for cache tests
type fakeHandle struct {
	id string
}

func (f *fakeHandle) CreateRuntime(ctx context.Context, sessionID string) (engine.Runtime, error) {
	return nil, errors.New("not runnable in cache tests")
}

func newTestCache(ttl time.Duration) *Cache {
	return NewCache(CacheConfig{IdleTTL: ttl, Logger: zerolog.Nop()})
}

func TestCache_HitReturnsSameBundle(t *testing.T) {
	c := newTestCache(time.Hour)
	ctx := context.Background()

	calls := 0
	assemble := func(ctx context.Context) (engine.BundleHandle, error) {
		calls++
		return &fakeHandle{id: "h1"}, nil
	}

	first, err := c.GetOrAssemble(ctx, "fp-1", assemble)
	require.NoError(t, err)
	second, err := c.GetOrAssemble(ctx, "fp-1", assemble)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Same(t, first, second)
	assert.Same(t, first.Handle, second.Handle)
}

func TestCache_SingleFlight(t *testing.T) {
	c := newTestCache(time.Hour)

	var calls int32
	release := make(chan struct{})
	assemble := func(ctx context.Context) (engine.BundleHandle, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &fakeHandle{id: "shared"}, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]*Bundle, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrAssemble(context.Background(), "fp-1", assemble)
		}(i)
	}

	// Let the goroutines pile up on the in-flight entry, then release
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "assembly must run exactly once")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i], "all callers share one bundle")
	}
}

func TestCache_FailureNotCached(t *testing.T) {
	c := newTestCache(time.Hour)
	ctx := context.Background()

	calls := 0
	failing := func(ctx context.Context) (engine.BundleHandle, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("engine unavailable")
		}
		return &fakeHandle{id: "h1"}, nil
	}

	_, err := c.GetOrAssemble(ctx, "fp-1", failing)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len(), "failed assembly leaves no entry")

	// Next caller retries and succeeds
	b, err := c.GetOrAssemble(ctx, "fp-1", failing)
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Equal(t, 2, calls)
}

func TestCache_ConcurrentFailureSharedByWaiters(t *testing.T) {
	c := newTestCache(time.Hour)

	var calls int32
	release := make(chan struct{})
	assemble := func(ctx context.Context) (engine.BundleHandle, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil, errors.New("assembly exploded")
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrAssemble(context.Background(), "fp-1", assemble)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		assert.Error(t, errs[i], "every waiter sees the shared failure")
	}
	assert.Equal(t, 0, c.Len())
}

func TestCache_DistinctFingerprintsAssembleSeparately(t *testing.T) {
	c := newTestCache(time.Hour)
	ctx := context.Background()

	var calls int32
	assemble := func(ctx context.Context) (engine.BundleHandle, error) {
		atomic.AddInt32(&calls, 1)
		return &fakeHandle{}, nil
	}

	_, err := c.GetOrAssemble(ctx, "fp-1", assemble)
	require.NoError(t, err)
	_, err = c.GetOrAssemble(ctx, "fp-2", assemble)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, c.Len())
}

func TestCache_SweepEvictsIdleEntries(t *testing.T) {
	c := newTestCache(30 * time.Millisecond)
	ctx := context.Background()

	b, err := c.GetOrAssemble(ctx, "fp-1", func(ctx context.Context) (engine.BundleHandle, error) {
		return &fakeHandle{id: "h1"}, nil
	})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())

	// The evicted bundle stays usable for whoever still holds it
	assert.NotNil(t, b.Handle)
}

func TestCache_SweepKeepsFreshAndInFlightEntries(t *testing.T) {
	c := newTestCache(time.Hour)
	ctx := context.Background()

	_, err := c.GetOrAssemble(ctx, "fresh", func(ctx context.Context) (engine.BundleHandle, error) {
		return &fakeHandle{}, nil
	})
	require.NoError(t, err)

	release := make(chan struct{})
	go c.GetOrAssemble(ctx, "inflight", func(ctx context.Context) (engine.BundleHandle, error) {
		<-release
		return &fakeHandle{}, nil
	})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, c.Sweep())
	assert.Equal(t, 2, c.Len())
	close(release)
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(time.Hour)
	ctx := context.Background()

	calls := 0
	assemble := func(ctx context.Context) (engine.BundleHandle, error) {
		calls++
		return &fakeHandle{}, nil
	}

	_, err := c.GetOrAssemble(ctx, "fp-1", assemble)
	require.NoError(t, err)

	c.Invalidate("fp-1")
	assert.Equal(t, 0, c.Len())

	_, err = c.GetOrAssemble(ctx, "fp-1", assemble)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCache_WaiterCancellationDoesNotAbortAssembly(t *testing.T) {
	c := newTestCache(time.Hour)

	release := make(chan struct{})
	started := make(chan struct{})
	go c.GetOrAssemble(context.Background(), "fp-1", func(ctx context.Context) (engine.BundleHandle, error) {
		close(started)
		<-release
		return &fakeHandle{}, nil
	})
	<-started

	// A waiter with a cancelled context gives up without killing the flight
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrAssemble(cancelled, "fp-1", nil)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)

	// The original assembly still completes and is cached
	b, err := c.GetOrAssemble(context.Background(), "fp-1", nil)
	require.NoError(t, err)
	assert.NotNil(t, b)
}
