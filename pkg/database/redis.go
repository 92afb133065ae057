package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/relaydesk-inc/followup-engine/pkg/config"
)

// NewRedisClient creates the optional Redis client used as the delivery
// dedupe pre-check cache. Returns nil (no error) when Redis is not
// configured; the ledger's unique index carries correctness alone then.
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg.Host == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
