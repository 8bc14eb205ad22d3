package events

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Client = fx.Module("events:client",
	fx.Provide(registerClient),
)

func registerClient(lc fx.Lifecycle, redis *redis.Client) *asynq.Client {
	client := asynq.NewClientFromRedisClient(redis)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}
