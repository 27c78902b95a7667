package walletage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/retry"
)

type fakeOracle struct {
	calls atomic.Int32
	fn    func(call int32) (int, error)
}

func (f *fakeOracle) AgeInDays(ctx context.Context, _ string) (int, error) {
	n := f.calls.Add(1)
	return f.fn(n)
}

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

const addr = "0x1abe1368601330a310162064e04d3c2628cb6497"

func TestResolveCachesAndExtrapolates(t *testing.T) {
	oracle := &fakeOracle{fn: func(int32) (int, error) { return 10, nil }}
	r := NewResolver(oracle, nil, Options{Retry: fastRetry, CacheTTL: 30 * 24 * time.Hour})
	now := time.Now()
	r.now = func() time.Time { return now }
	ctx := context.Background()

	assert.Equal(t, models.AgeOf(10), r.Resolve(ctx, addr))

	now = now.Add(3*24*time.Hour + time.Hour)
	assert.Equal(t, models.AgeOf(13), r.Resolve(ctx, addr))
	assert.Equal(t, int32(1), oracle.calls.Load())
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	oracle := &fakeOracle{fn: func(n int32) (int, error) {
		if n < 3 {
			return 0, models.ErrRateLimited
		}
		return 4, nil
	}}
	r := NewResolver(oracle, nil, Options{Retry: fastRetry})

	assert.Equal(t, models.AgeOf(4), r.Resolve(context.Background(), addr))
	assert.Equal(t, int32(3), oracle.calls.Load())
}

func TestResolveExhaustedIsUnknown(t *testing.T) {
	oracle := &fakeOracle{fn: func(int32) (int, error) { return 0, errors.New("502 bad gateway") }}
	r := NewResolver(oracle, nil, Options{Retry: fastRetry})

	assert.Equal(t, models.UnknownAge, r.Resolve(context.Background(), addr))
	assert.Equal(t, int32(3), oracle.calls.Load())
}

func TestResolveNotFoundIsNotRetriedAndCachedNegatively(t *testing.T) {
	oracle := &fakeOracle{fn: func(int32) (int, error) { return 0, models.ErrNotFound }}
	r := NewResolver(oracle, nil, Options{Retry: fastRetry, NegativeTTL: time.Hour})
	ctx := context.Background()

	assert.Equal(t, models.UnknownAge, r.Resolve(ctx, addr))
	assert.Equal(t, models.UnknownAge, r.Resolve(ctx, addr))
	assert.Equal(t, int32(1), oracle.calls.Load())
}

func TestResolveCallTimeout(t *testing.T) {
	oracle := &blockingOracle{}
	r := NewResolver(oracle, nil, Options{
		Retry:       retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		CallTimeout: 10 * time.Millisecond,
	})

	start := time.Now()
	assert.Equal(t, models.UnknownAge, r.Resolve(context.Background(), addr))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), oracle.calls.Load())
}

type blockingOracle struct{ calls atomic.Int32 }

func (b *blockingOracle) AgeInDays(ctx context.Context, _ string) (int, error) {
	b.calls.Add(1)
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestResolveWithoutOracle(t *testing.T) {
	r := NewResolver(nil, nil, Options{})
	assert.Equal(t, models.UnknownAge, r.Resolve(context.Background(), addr))
}

func TestResolveCollapsesConcurrentLookups(t *testing.T) {
	release := make(chan struct{})
	oracle := &fakeOracle{fn: func(int32) (int, error) {
		<-release
		return 2, nil
	}}
	r := NewResolver(oracle, nil, Options{Retry: fastRetry, CacheTTL: time.Hour})

	var wg sync.WaitGroup
	results := make([]models.WalletAge, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), addr)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, models.AgeOf(2), got)
	}
	assert.LessOrEqual(t, oracle.calls.Load(), int32(2))
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, addr, Entry{Days: 1, ObservedAt: now}, time.Minute)
	_, ok := c.Get(ctx, addr)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(ctx, addr)
	assert.False(t, ok)
}

func TestTieredFillsLocal(t *testing.T) {
	local, shared := NewMemoryCache(), NewMemoryCache()
	tiered := &Tiered{Local: local, Shared: shared, LocalTTL: time.Minute}
	ctx := context.Background()

	shared.Set(ctx, addr, Entry{Days: 7, ObservedAt: time.Now()}, time.Hour)
	e, ok := tiered.Get(ctx, addr)
	require.True(t, ok)
	assert.Equal(t, 7, e.Days)

	_, ok = local.Get(ctx, addr)
	assert.True(t, ok)
}
