package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/bookinggate/libs/db"
	"github.com/md-rashed-zaman/bookinggate/libs/httpx"
	"github.com/md-rashed-zaman/bookinggate/libs/kafkax"
	"github.com/md-rashed-zaman/bookinggate/libs/runtime"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/settings"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage/migrations"
	"github.com/redis/go-redis/v9"
)

const counterJanitorEvery = time.Minute

// openStore returns Postgres when DATABASE_URL is set, migrating it to the
// latest schema first; otherwise an in-memory store for single-node use.
func openStore(ctx context.Context, cfg settings.Settings, logger *slog.Logger) (storage.Store, []runtime.ReadyCheck, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		mem := storage.NewMemory()
		mem.SetEventRetention(cfg.OutboxMemoryRetention)
		return mem, nil, func() {}, nil
	}

	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: int32(cfg.DBMaxConns)})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("db connect: %w", err)
	}
	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	return storage.NewPostgres(pool), checks, pool.Close, nil
}

// openCounter builds the rate-limit counter. In-process counters get a
// janitor bound to ctx through the returned close func.
func openCounter(cfg settings.Settings) (httpx.Counter, []runtime.ReadyCheck, func(), error) {
	switch cfg.RateLimitBackend {
	case settings.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		check := runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}}
		return httpx.NewRedisCounter(rdb, cfg.Service), []runtime.ReadyCheck{check}, func() { _ = rdb.Close() }, nil

	case settings.BackendToken:
		c := httpx.NewTokenBucketCounter(15 * time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			t := time.NewTicker(counterJanitorEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					c.Cleanup()
				}
			}
		}()
		return c, nil, cancel, nil

	case settings.BackendMemory:
		c := httpx.NewFixedWindowCounter()
		ctx, cancel := context.WithCancel(context.Background())
		c.StartJanitor(ctx, counterJanitorEvery)
		return c, nil, cancel, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimitBackend)
}

func kafkaCheck(brokers string) runtime.ReadyCheck {
	return runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)}
}
