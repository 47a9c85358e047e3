package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avatarforge/avatar-gateway/internal/pipeline"
)

const runKeyPrefix = "run:"

// RedisStore persists run snapshots in Redis with a TTL, so the runs API
// survives gateway restarts and works across replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Save writes the snapshot as JSON under run:<id>.
func (s *RedisStore) Save(ctx context.Context, snap pipeline.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, runKeyPrefix+snap.RunID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// Get loads the snapshot for runID. A missing key is not an error.
func (s *RedisStore) Get(ctx context.Context, runID string) (pipeline.Snapshot, bool, error) {
	data, err := s.client.Get(ctx, runKeyPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return pipeline.Snapshot{}, false, nil
	}
	if err != nil {
		return pipeline.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var snap pipeline.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return pipeline.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Ping reports connection health for readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
