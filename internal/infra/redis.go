// README: Redis client initialization.
package infra

import (
	"context"

	"github.com/redis/go-redis/v9"

	"convoy/internal/apperr"
)

func NewRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperr.Infra("redis ping", err)
	}
	return client, nil
}
