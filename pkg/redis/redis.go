package redis

import (
	"context"

	"paynode/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		zap.L().Warn("[Redis] not reachable at startup", zap.String("addr", c.Redis.Addr), zap.Error(err))
	} else {
		zap.L().Info("[Redis] connected", zap.String("addr", c.Redis.Addr))
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}
