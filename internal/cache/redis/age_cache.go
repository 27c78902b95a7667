package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/polysentry/internal/logger"
	"github.com/rewired-gh/polysentry/internal/walletage"
)

// AgeCache implements walletage.Cache with one JSON string per address.
// Backend failures are logged and reported as misses so the resolver falls
// through to the oracle.
//
// Key schema:
//
//	walletage:{address} - JSON walletage.Entry
type AgeCache struct {
	rdb *redis.Client
}

// NewAgeCache creates an AgeCache backed by the given Client.
func NewAgeCache(c *Client) *AgeCache {
	return &AgeCache{rdb: c.rdb}
}

func ageKey(addr string) string { return "walletage:" + addr }

func (c *AgeCache) Get(ctx context.Context, addr string) (walletage.Entry, bool) {
	data, err := c.rdb.Get(ctx, ageKey(addr)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("redis: get wallet age %s: %v", addr, err)
		}
		return walletage.Entry{}, false
	}

	var e walletage.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		logger.Warn("redis: unmarshal wallet age %s: %v", addr, err)
		return walletage.Entry{}, false
	}
	return e, true
}

func (c *AgeCache) Set(ctx context.Context, addr string, e walletage.Entry, ttl time.Duration) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Warn("redis: marshal wallet age %s: %v", addr, err)
		return
	}
	if err := c.rdb.Set(ctx, ageKey(addr), data, ttl).Err(); err != nil {
		logger.Warn("redis: set wallet age %s: %v", addr, err)
	}
}
