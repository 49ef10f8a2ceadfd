// Package cache keeps resolved canonical ids in Redis for the redirect API.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
)

const keyPrefix = "kbmerge:redirect:"

// Redirector resolves a vertex id to the id readers should use.
type Redirector interface {
	Redirect(ctx context.Context, id string) (string, error)
}

// Resolver is a Redirector whose cached answers can be dropped.
type Resolver interface {
	Redirector
	Forget(ctx context.Context, ids ...string) error
}

// Redirects is a read-through cache in front of a Redirector. Cache errors
// are logged and fall back to the Redirector.
type Redirects struct {
	rdb  redis.Cmdable
	next Redirector
	ttl  time.Duration
}

func NewRedirects(rdb redis.Cmdable, next Redirector, ttl time.Duration) *Redirects {
	return &Redirects{rdb: rdb, next: next, ttl: ttl}
}

// NewRedisClient connects to REDIS_URL, e.g. redis://localhost:6379/0.
func NewRedisClient(ctx context.Context) (*redis.Client, error) {
	url := util.GetEnv("REDIS_URL")
	if url == "" {
		return nil, errors.New("missing REDIS_URL")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = util.RetryWithContext(pingCtx, 3, func(ctx context.Context) (string, error) {
		return rdb.Ping(ctx).Result()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (r *Redirects) Redirect(ctx context.Context, id string) (string, error) {
	cached, err := r.rdb.Get(ctx, keyPrefix+id).Result()
	switch {
	case err == nil:
		return cached, nil
	case !errors.Is(err, redis.Nil):
		logger.Warn("[Cache] Redirect lookup failed", "id", id, "err", err)
	}

	target, err := r.next.Redirect(ctx, id)
	if err != nil {
		return "", err
	}
	if err := r.rdb.Set(ctx, keyPrefix+id, target, r.ttl).Err(); err != nil {
		logger.Warn("[Cache] Redirect store failed", "id", id, "err", err)
	}
	return target, nil
}

// Forget drops the cached redirects of ids. Callers pass every vertex a
// merge or rollback redirected.
func (r *Redirects) Forget(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	return r.rdb.Del(ctx, keys...).Err()
}

// Direct serves redirects without a cache. Forget has nothing to drop.
type Direct struct {
	Redirector
}

func (Direct) Forget(ctx context.Context, ids ...string) error { return nil }
