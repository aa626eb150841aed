package main

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/redis"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
	"github.com/dmitrymomot/billingkit/pkg/subscription/pgstore"
	"github.com/dmitrymomot/billingkit/pkg/subscription/redisstore"
	"github.com/dmitrymomot/billingkit/pkg/subscription/sqlitestore"
)

// openStore connects the configured backend. SQL backends are migrated
// when migrate is true. The returned closer releases the connection.
func openStore(ctx context.Context, cfg appConfig, migrate bool, log *slog.Logger) (subscription.Store, func(), error) {
	log = log.With(logger.Component("store"), slog.String("backend", cfg.Store))

	switch cfg.Store {
	case storePostgres:
		pool, err := pg.Connect(ctx, cfg.PG)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := pgstore.Migrate(ctx, pool, cfg.PG, log); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return pgstore.New(pool), pool.Close, nil

	case storeRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		closer := func() { _ = client.Close() }
		return redisstore.New(client, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix)), closer, nil

	case storeSQLite:
		db, err := sqlitestore.Open(ctx, cfg.SQLite)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := sqlitestore.Migrate(ctx, db, cfg.SQLite, log); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		return sqlitestore.New(db), func() { _ = db.Close() }, nil

	case storeMemory:
		log.WarnContext(ctx, "Using in-memory store; state is lost on restart")
		return subscription.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, ErrUnknownStore
}
