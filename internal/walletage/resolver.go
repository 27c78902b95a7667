// Package walletage resolves wallet ages through a cached, retrying oracle.
package walletage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rewired-gh/polysentry/internal/logger"
	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/retry"
)

// Oracle answers how many days ago a wallet first transacted.
// It returns models.ErrNotFound when the wallet has no history.
type Oracle interface {
	AgeInDays(ctx context.Context, addr string) (int, error)
}

// Options tune a Resolver.
type Options struct {
	Retry       retry.Policy
	CallTimeout time.Duration
	CacheTTL    time.Duration
	NegativeTTL time.Duration
}

// Resolver wraps an Oracle with a cache, per-address call collapsing and
// bounded retries. It never returns an error; failures resolve to unknown.
type Resolver struct {
	oracle Oracle
	cache  Cache
	opts   Options
	now    func() time.Time

	group    singleflight.Group
	warnOnce sync.Once
}

// NewResolver creates a Resolver. A nil oracle resolves every address to unknown.
// A nil cache uses a MemoryCache.
func NewResolver(oracle Oracle, cache Cache, opts Options) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	return &Resolver{
		oracle: oracle,
		cache:  cache,
		opts:   opts,
		now:    time.Now,
	}
}

// Resolve returns the age of addr in whole days, or models.UnknownAge.
func (r *Resolver) Resolve(ctx context.Context, addr string) models.WalletAge {
	if r.oracle == nil {
		r.warnOnce.Do(func() {
			logger.Warn("Wallet age oracle not configured, all wallet ages resolve to unknown")
		})
		return models.UnknownAge
	}

	addr = strings.ToLower(strings.TrimSpace(addr))
	if e, ok := r.cache.Get(ctx, addr); ok {
		return r.extrapolate(e)
	}

	v, _, _ := r.group.Do(addr, func() (interface{}, error) {
		if e, ok := r.cache.Get(ctx, addr); ok {
			return r.extrapolate(e), nil
		}
		return r.lookup(ctx, addr), nil
	})
	return v.(models.WalletAge)
}

// extrapolate ages a cached answer by the whole days elapsed since it was observed.
func (r *Resolver) extrapolate(e Entry) models.WalletAge {
	if e.NotFound {
		return models.UnknownAge
	}
	elapsed := r.now().Sub(e.ObservedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return models.AgeOf(e.Days + int(elapsed/(24*time.Hour)))
}

func (r *Resolver) lookup(ctx context.Context, addr string) models.WalletAge {
	var days int
	attempts, err := retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		callCtx := ctx
		if r.opts.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
			defer cancel()
		}
		d, err := r.oracle.AgeInDays(callCtx, addr)
		if err != nil {
			return err
		}
		days = d
		return nil
	}, func(err error) bool {
		return !errors.Is(err, models.ErrNotFound)
	})

	observed := r.now()
	switch {
	case err == nil:
		r.cache.Set(ctx, addr, Entry{Days: days, ObservedAt: observed}, r.opts.CacheTTL)
		return models.AgeOf(days)
	case errors.Is(err, models.ErrNotFound):
		logger.Debug("No transaction history for %s", addr)
		if r.opts.NegativeTTL > 0 {
			r.cache.Set(ctx, addr, Entry{NotFound: true, ObservedAt: observed}, r.opts.NegativeTTL)
		}
		return models.UnknownAge
	default:
		logger.Warn("Wallet age lookup for %s failed after %d attempts: %v", addr, attempts, err)
		return models.UnknownAge
	}
}
