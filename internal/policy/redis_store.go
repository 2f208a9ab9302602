package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"peertube-live/internal/models"
	"peertube-live/internal/redisutil"
)

const (
	fieldEnabled          = "enabled"
	fieldMaxInstanceLives = "max_instance_lives"
	fieldMaxUserLives     = "max_user_lives"
	fieldAllowReplay      = "allow_replay"
)

// RedisStoreConfig configures the Redis-backed policy store.
type RedisStoreConfig struct {
	Redis    redisutil.Config
	Key      string
	Defaults models.LivePolicy
}

// RedisStore keeps the policy in a Redis hash so every instance behind a load
// balancer observes administrator changes immediately.
type RedisStore struct {
	client   redis.UniversalClient
	key      string
	defaults models.LivePolicy
}

// NewRedisStore connects to Redis. The hash is not written until the first
// Update; reads fall back to cfg.Defaults while it is absent.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	client, err := redisutil.NewClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = "peertube:live:policy"
	}
	return &RedisStore{client: client, key: key, defaults: cfg.Defaults}, nil
}

func (s *RedisStore) Get(ctx context.Context) (models.LivePolicy, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return models.LivePolicy{}, fmt.Errorf("read live policy: %w", err)
	}
	if len(fields) == 0 {
		return s.defaults, nil
	}
	return decodePolicy(fields, s.defaults)
}

func (s *RedisStore) Update(ctx context.Context, policy models.LivePolicy) error {
	values := map[string]interface{}{
		fieldEnabled:          strconv.FormatBool(policy.Enabled),
		fieldMaxInstanceLives: strconv.Itoa(policy.MaxInstanceLives),
		fieldMaxUserLives:     strconv.Itoa(policy.MaxUserLives),
		fieldAllowReplay:      strconv.FormatBool(policy.AllowReplay),
	}
	if err := s.client.HSet(ctx, s.key, values).Err(); err != nil {
		return fmt.Errorf("write live policy: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodePolicy(fields map[string]string, defaults models.LivePolicy) (models.LivePolicy, error) {
	policy := defaults
	if raw, ok := fields[fieldEnabled]; ok {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return models.LivePolicy{}, fmt.Errorf("decode %s: %w", fieldEnabled, err)
		}
		policy.Enabled = parsed
	}
	if raw, ok := fields[fieldMaxInstanceLives]; ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return models.LivePolicy{}, fmt.Errorf("decode %s: %w", fieldMaxInstanceLives, err)
		}
		policy.MaxInstanceLives = parsed
	}
	if raw, ok := fields[fieldMaxUserLives]; ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return models.LivePolicy{}, fmt.Errorf("decode %s: %w", fieldMaxUserLives, err)
		}
		policy.MaxUserLives = parsed
	}
	if raw, ok := fields[fieldAllowReplay]; ok {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return models.LivePolicy{}, fmt.Errorf("decode %s: %w", fieldAllowReplay, err)
		}
		policy.AllowReplay = parsed
	}
	return policy, nil
}
