// Package registry serves the operator-maintained monitored wallet list from a
// bounded-staleness in-memory snapshot.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rewired-gh/polysentry/internal/logger"
	"github.com/rewired-gh/polysentry/internal/models"
)

// Source loads monitored wallets from persistent storage.
type Source interface {
	ListMonitoredWallets(ctx context.Context, activeOnly bool) ([]models.WalletEntry, error)
}

// Registry answers lookups from a snapshot that is at most maxAge old.
type Registry struct {
	source Source
	maxAge time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	wallets  map[string]models.WalletEntry
	loadedAt time.Time
	stale    bool

	group singleflight.Group
}

// New creates a Registry. maxAge of zero reloads on every lookup.
func New(source Source, maxAge time.Duration) *Registry {
	return &Registry{
		source: source,
		maxAge: maxAge,
		now:    time.Now,
		stale:  true,
	}
}

// Lookup returns the active entry for addr. The address is matched
// case-insensitively. An error means the store could not be read.
func (r *Registry) Lookup(ctx context.Context, addr string) (models.WalletEntry, bool, error) {
	wallets, err := r.snapshot(ctx)
	if err != nil {
		return models.WalletEntry{}, false, err
	}
	entry, ok := wallets[strings.ToLower(strings.TrimSpace(addr))]
	return entry, ok, nil
}

// Bypass reports whether addr is an active monitored wallet that skips thresholds.
func (r *Registry) Bypass(ctx context.Context, addr string) (bool, error) {
	entry, ok, err := r.Lookup(ctx, addr)
	if err != nil || !ok {
		return false, err
	}
	return entry.BypassThresholds, nil
}

// Invalidate forces the next lookup to reload from the store.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

// Refresh reloads the snapshot now.
func (r *Registry) Refresh(ctx context.Context) error {
	r.Invalidate()
	_, err := r.snapshot(ctx)
	return err
}

// Len returns the number of wallets in the current snapshot.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.wallets)
}

func (r *Registry) snapshot(ctx context.Context) (map[string]models.WalletEntry, error) {
	r.mu.RLock()
	if !r.stale && r.now().Sub(r.loadedAt) < r.maxAge {
		wallets := r.wallets
		r.mu.RUnlock()
		return wallets, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do("load", func() (interface{}, error) {
		return r.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]models.WalletEntry), nil
}

func (r *Registry) load(ctx context.Context) (map[string]models.WalletEntry, error) {
	started := r.now()
	entries, err := r.source.ListMonitoredWallets(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load monitored wallets: %w", err)
	}

	wallets := make(map[string]models.WalletEntry, len(entries))
	for _, e := range entries {
		if !e.IsActive {
			continue
		}
		wallets[strings.ToLower(e.Address)] = e
	}

	r.mu.Lock()
	r.wallets = wallets
	r.loadedAt = started
	r.stale = false
	r.mu.Unlock()

	logger.Debug("Loaded %d monitored wallets", len(wallets))
	return wallets, nil
}
