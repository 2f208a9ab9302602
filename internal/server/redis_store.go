package server

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"peertube-live/internal/redisutil"
)

// redisStore counts attempts with INCR and lets the key expire at the end of
// the window.
type redisStore struct {
	client redis.UniversalClient
}

func newRedisStore(cfg redisutil.Config) (*redisStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	client, err := redisutil.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("rate limit redis: %w", err)
	}
	return &redisStore{client: client}, nil
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		seconds := window / time.Second
		if seconds <= 0 {
			seconds = 1
		}
		if err := s.client.Expire(ctx, key, seconds*time.Second).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		ttl = window
	}
	return false, ttl, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
