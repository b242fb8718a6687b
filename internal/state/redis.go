package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

const keyPrefix = "telhawk:detect:status:"

// RedisStore persists rule statuses in Redis as JSON values.
type RedisStore struct {
	redis   *redis.Client
	enabled bool
}

// NewRedisStore creates a store on an existing client. A disabled store
// records nothing and reports no status.
func NewRedisStore(client *redis.Client, enabled bool) *RedisStore {
	return &RedisStore{redis: client, enabled: enabled}
}

// Dial connects to redisURL and verifies the server answers.
func Dial(ctx context.Context, redisURL string, maxRetries, poolSize int) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if maxRetries > 0 {
		opt.MaxRetries = maxRetries
	}
	if poolSize > 0 {
		opt.PoolSize = poolSize
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// IsEnabled returns whether the store is enabled
func (s *RedisStore) IsEnabled() bool {
	return s.enabled && s.redis != nil
}

func (s *RedisStore) key(ruleID string) string {
	return keyPrefix + ruleID
}

func (s *RedisStore) Get(ctx context.Context, ruleID string) (*RuleStatus, error) {
	if !s.IsEnabled() {
		return nil, nil
	}

	data, err := s.redis.Get(ctx, s.key(ruleID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule status: %w", err)
	}

	var st RuleStatus
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule status: %w", err)
	}
	return &st, nil
}

func (s *RedisStore) Record(ctx context.Context, outcome models.RunOutcome) error {
	if !s.IsEnabled() {
		return nil
	}

	st, err := s.Get(ctx, outcome.RuleID)
	if err != nil {
		return err
	}
	if st == nil {
		st = &RuleStatus{}
	}
	st.Apply(outcome)

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal rule status: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(outcome.RuleID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set rule status: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}
