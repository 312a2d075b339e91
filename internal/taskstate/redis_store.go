package taskstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix    = "kbcrawler:task:"
	defaultRedisTimeout = 5 * time.Second
)

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	// TTL bounds how long a snapshot outlives its last update. Zero keeps it forever.
	TTL     time.Duration
	Timeout time.Duration
}

// RedisStore keeps one JSON snapshot per task under KeyPrefix+taskID.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	store := NewRedisStoreWithClient(client, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL, timeout: timeout}
}

func (s *RedisStore) key(taskID int64) string {
	return s.prefix + strconv.FormatInt(taskID, 10)
}

func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, s.key(snap.TaskID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.TaskID, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, taskID int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(ctx, s.key(taskID)).Err(); err != nil {
		return fmt.Errorf("remove snapshot %d: %w", taskID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
