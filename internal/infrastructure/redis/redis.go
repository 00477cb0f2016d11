package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// RedisClient backs the presence registry shared by every instance.
type RedisClient struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisClient(host, port, password string, log *slog.Logger) *RedisClient {
	addr := fmt.Sprintf("%s:%s", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return &RedisClient{client: client, log: log}
}

// NewFromClient wraps an existing client, mostly for tests.
func NewFromClient(c *redis.Client, log *slog.Logger) *RedisClient {
	return &RedisClient{client: c, log: log}
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
