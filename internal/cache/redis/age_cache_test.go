package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polysentry/internal/walletage"
)

func setupTestRedis(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{Addr: "localhost:6379", DB: 1})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	require.NoError(t, c.rdb.FlushDB(ctx).Err())
	t.Cleanup(func() {
		_ = c.rdb.FlushDB(context.Background()).Err()
		_ = c.Close()
	})
	return c
}

func TestAgeCacheRoundTrip(t *testing.T) {
	c := setupTestRedis(t)
	cache := NewAgeCache(c)
	ctx := context.Background()
	addr := "0x1abe1368601330a310162064e04d3c2628cb6497"

	_, ok := cache.Get(ctx, addr)
	assert.False(t, ok)

	observed := time.Unix(1700000000, 0).UTC()
	cache.Set(ctx, addr, walletage.Entry{Days: 12, ObservedAt: observed}, time.Minute)

	e, ok := cache.Get(ctx, addr)
	require.True(t, ok)
	assert.Equal(t, 12, e.Days)
	assert.True(t, observed.Equal(e.ObservedAt))

	ttl, err := c.rdb.TTL(ctx, ageKey(addr)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestAgeCacheAsResolverTier(t *testing.T) {
	c := setupTestRedis(t)
	var _ walletage.Cache = NewAgeCache(c)
	tiered := &walletage.Tiered{Local: walletage.NewMemoryCache(), Shared: NewAgeCache(c), LocalTTL: time.Minute}

	ctx := context.Background()
	tiered.Set(ctx, "0xabc", walletage.Entry{NotFound: true, ObservedAt: time.Now()}, time.Minute)
	e, ok := NewAgeCache(c).Get(ctx, "0xabc")
	require.True(t, ok)
	assert.True(t, e.NotFound)
}
