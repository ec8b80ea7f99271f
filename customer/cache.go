package customer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/liamcoop/txscreen/internal/logger"
	"github.com/liamcoop/txscreen/screening"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultCacheTTL    = 5 * time.Minute
	DefaultCachePrefix = "txscreen:customer:"
)

// redisClient is the part of redis.Cmdable the cache uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// CachedSource is a read-through Redis cache in front of another Source.
// Redis failures are logged and bypassed; only the wrapped source can fail
// a fetch. Cached profiles are validated like fresh ones.
type CachedSource struct {
	next   Source
	rdb    redisClient
	ttl    time.Duration
	prefix string
}

func NewCachedSource(next Source, rdb redis.Cmdable, ttl time.Duration) *CachedSource {
	return newCachedSource(next, rdb, ttl)
}

func newCachedSource(next Source, rdb redisClient, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{next: next, rdb: rdb, ttl: ttl, prefix: DefaultCachePrefix}
}

func (s *CachedSource) Fetch(ctx context.Context, txID string) (screening.CustomerRiskProfile, error) {
	key := s.prefix + txID

	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p screening.CustomerRiskProfile
		if err := json.Unmarshal(data, &p); err == nil {
			return checked(txID, p)
		}
		logger.Warn("discarding corrupt cached profile", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		logger.Warn("customer cache read failed", "key", key, "error", err)
	}

	p, err := s.next.Fetch(ctx, txID)
	if err != nil {
		return screening.CustomerRiskProfile{}, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
			logger.Warn("customer cache write failed", "key", key, "error", err)
		}
	}
	return p, nil
}
