package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewRedis creates a new Redis client for locks and wake-ups.
// Returns nil if redisURL is empty; callers fall back to in-process locks.
func NewRedis(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		log.Warn().Msg("Redis URL not configured, running without Redis")
		return nil, nil
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	// Lock calls are tiny; fail fast so a slow Redis surfaces as a lock error
	opt.PoolSize = 50
	opt.MinIdleConns = 5
	opt.DialTimeout = 3 * time.Second
	opt.ReadTimeout = time.Second
	opt.WriteTimeout = time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log.Info().Str("addr", opt.Addr).Int("db", opt.DB).Msg("Connected to Redis")
	return client, nil
}

// CloseRedis closes the Redis connection
func CloseRedis(client *redis.Client) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing Redis connection")
		return
	}
	log.Info().Msg("Redis connection closed")
}
