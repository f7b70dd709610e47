package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey holds the settings document.
const DefaultRedisKey = "wadm:settings"

// RedisStore shares settings between several wadm instances.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key}, nil
}

// Get returns defaults when the key does not exist.
func (r *RedisStore) Get(ctx context.Context) (Settings, error) {
	var s Settings
	raw, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, r.key, err)
	}
	return s, nil
}

func (r *RedisStore) Update(ctx context.Context, s Settings) (Settings, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Settings{}, fmt.Errorf("marshal settings: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key, data, 0).Err(); err != nil {
		return Settings{}, fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return s, nil
}

func (r *RedisStore) DeveloperMode(ctx context.Context) (bool, error) {
	s, err := r.Get(ctx)
	return s.DeveloperMode, err
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
