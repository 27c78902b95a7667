package walletage

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached oracle answer. Days is the age at ObservedAt; a
// NotFound entry records that the oracle has no history for the address.
type Entry struct {
	Days       int       `json:"days"`
	NotFound   bool      `json:"not_found,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Cache stores oracle answers by normalized address. Implementations must be
// safe for concurrent use and must treat misses and backend failures alike.
type Cache interface {
	Get(ctx context.Context, addr string) (Entry, bool)
	Set(ctx context.Context, addr string, e Entry, ttl time.Duration)
}

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	items sync.Map
	now   func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, addr string) (Entry, bool) {
	v, ok := c.items.Load(addr)
	if !ok {
		return Entry{}, false
	}
	item := v.(memoryItem)
	if !item.expiresAt.IsZero() && !c.now().Before(item.expiresAt) {
		c.items.CompareAndDelete(addr, v)
		return Entry{}, false
	}
	return item.entry, true
}

func (c *MemoryCache) Set(_ context.Context, addr string, e Entry, ttl time.Duration) {
	item := memoryItem{entry: e}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	}
	c.items.Store(addr, item)
}

// Tiered consults a fast local cache before a shared one and fills the local
// tier on shared hits.
type Tiered struct {
	Local  Cache
	Shared Cache
	// LocalTTL bounds how long a shared hit is kept locally.
	LocalTTL time.Duration
}

func (t *Tiered) Get(ctx context.Context, addr string) (Entry, bool) {
	if e, ok := t.Local.Get(ctx, addr); ok {
		return e, true
	}
	e, ok := t.Shared.Get(ctx, addr)
	if ok {
		t.Local.Set(ctx, addr, e, t.LocalTTL)
	}
	return e, ok
}

func (t *Tiered) Set(ctx context.Context, addr string, e Entry, ttl time.Duration) {
	t.Local.Set(ctx, addr, e, ttl)
	t.Shared.Set(ctx, addr, e, ttl)
}
