// Package bootstrap connects the engine to Postgres, the lease table and the
// metrics collector for the server, the worker and the CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/OFFIS-RIT/kbmerge/internal/cache"
	"github.com/OFFIS-RIT/kbmerge/internal/config"
	"github.com/OFFIS-RIT/kbmerge/internal/metrics"
	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/leaselock"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
	pgstore "github.com/OFFIS-RIT/kbmerge/pkg/store/pgx"
)

type Runtime struct {
	Config  *config.Config
	Pool    *pgxpool.Pool
	Store   *pgstore.Store
	Metrics *metrics.Collector
	Engine  *resolve.Engine

	closers []func()
}

// Open connects to DATABASE_URL and builds an engine whose passes hold a
// lease per kind.
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	dbURL := util.GetEnv("DATABASE_URL")
	if dbURL == "" {
		return nil, errors.New("missing DATABASE_URL")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	// the database may still be starting next to us
	if err := util.RetryErrWithContext(ctx, 5, pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := pgstore.New(pool)
	collector := metrics.New()
	locker := leaselock.NewLocker(leaselock.New(pool), leaselock.Options{
		TTL:         cfg.Lease.TTL,
		Wait:        cfg.Lease.Wait,
		TokenPrefix: "kbmerge:",
	})

	engine, err := resolve.NewEngine(s, cfg.Policy, cfg.Run,
		resolve.WithObserver(collector),
		resolve.WithLocker(locker),
	)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Runtime{
		Config:  cfg,
		Pool:    pool,
		Store:   s,
		Metrics: collector,
		Engine:  engine,
		closers: []func(){pool.Close},
	}, nil
}

// Redirects caches redirects in Redis when REDIS_URL is set and reads the
// store directly otherwise.
func (r *Runtime) Redirects(ctx context.Context) cache.Resolver {
	if util.GetEnv("REDIS_URL") == "" {
		return cache.Direct{Redirector: r.Engine.AuditTrail()}
	}
	rdb, err := cache.NewRedisClient(ctx)
	if err != nil {
		logger.Warn("[Bootstrap] Redis unavailable, serving redirects uncached", "err", err)
		return cache.Direct{Redirector: r.Engine.AuditTrail()}
	}
	r.closers = append(r.closers, func() { _ = rdb.Close() })
	return cache.NewRedirects(rdb, r.Engine.AuditTrail(), r.Config.Cache.TTL)
}

func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}
