// Package backend opens the configured job store.
package backend

import (
	"context"
	"fmt"

	"github.com/ybxl/ftqueue/internal/config"
	redisq "github.com/ybxl/ftqueue/internal/redis"
	"github.com/ybxl/ftqueue/internal/sqlstore"
	"github.com/ybxl/ftqueue/internal/store"
)

func Open(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		s, err := redisq.Open(ctx, redisq.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqlstore.Open(cfg.SQLitePath, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store %s: %w", cfg.SQLitePath, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
