// Package redisconn opens the single Redis connection pool shared by the
// broker adapter, the rate limiter, and health checks.
package redisconn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pytake/orchestrator/internal/config"
)

func Connect(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Broker.Host, cfg.Broker.Port),
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisconn: ping: %w", err)
	}

	return client, nil
}
