package registry

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
)

type fakeSource struct {
	mu      sync.Mutex
	entries []models.WalletEntry
	err     error
	calls   atomic.Int32
}

func (f *fakeSource) ListMonitoredWallets(_ context.Context, _ bool) ([]models.WalletEntry, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.WalletEntry(nil), f.entries...), f.err
}

func (f *fakeSource) set(entries ...models.WalletEntry) {
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
}

const addr = "0x1abe1368601330a310162064e04d3c2628cb6497"

func TestLookupAndBypass(t *testing.T) {
	src := &fakeSource{}
	src.set(
		models.WalletEntry{Address: addr, Label: "whale", IsActive: true, BypassThresholds: true},
		models.WalletEntry{Address: "0xinactive", IsActive: false, BypassThresholds: true},
	)
	r := New(src, time.Minute)
	ctx := context.Background()

	entry, ok, err := r.Lookup(ctx, "0x1ABE1368601330A310162064E04D3C2628CB6497")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "whale", entry.Label)

	bypass, err := r.Bypass(ctx, addr)
	require.NoError(t, err)
	assert.True(t, bypass)

	bypass, err = r.Bypass(ctx, "0xinactive")
	require.NoError(t, err)
	assert.False(t, bypass)
	assert.Equal(t, 1, r.Len())
}

func TestSnapshotServedUntilStale(t *testing.T) {
	src := &fakeSource{}
	src.set(models.WalletEntry{Address: addr, IsActive: true})
	r := New(src, time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := r.Lookup(ctx, addr)
	require.NoError(t, err)
	src.set()

	_, ok, err := r.Lookup(ctx, addr)
	require.NoError(t, err)
	assert.True(t, ok, "cached snapshot should still contain the wallet")
	assert.Equal(t, int32(1), src.calls.Load())

	now = now.Add(2 * time.Minute)
	_, ok, err = r.Lookup(ctx, addr)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestInvalidateForcesReload(t *testing.T) {
	src := &fakeSource{}
	r := New(src, time.Hour)
	ctx := context.Background()

	_, ok, err := r.Lookup(ctx, addr)
	require.NoError(t, err)
	assert.False(t, ok)

	src.set(models.WalletEntry{Address: addr, IsActive: true, BypassThresholds: true})
	r.Invalidate()

	bypass, err := r.Bypass(ctx, addr)
	require.NoError(t, err)
	assert.True(t, bypass)
}

func TestLookupPropagatesStoreErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	r := New(src, time.Minute)

	_, _, err := r.Lookup(context.Background(), addr)
	assert.Error(t, err)
}

func TestConcurrentLookups(t *testing.T) {
	src := &fakeSource{}
	src.set(models.WalletEntry{Address: addr, IsActive: true})
	r := New(src, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := r.Lookup(context.Background(), addr)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, src.calls.Load(), int32(50))
}
