package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"huddle/pkg/retry"
)

// NewRedisClient connects with connection pooling, retrying the initial
// ping, and brings the schema up to date.
func NewRedisClient(ctx context.Context, address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warnw("redis ping failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	if err := retry.Retry(ctx, cfg, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", address,
		"db", db,
		"pool_size", poolSize,
	)
	return client, nil
}

func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
