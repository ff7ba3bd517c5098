package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/model"
)

// RedisStore persists session records in Redis so multiple crawler processes
// share login state.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	// saveMu serializes the read-compare-write in Save per process; the
	// SavedAt guard still protects against writers in other processes.
	saveMu sync.Mutex
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.SessionConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, platform model.Platform, account string) (*Record, error) {
	raw, err := s.client.Get(ctx, key(platform, account)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session load: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("session decode: %w", err)
	}
	return &rec, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	existing, err := s.Load(ctx, rec.Platform, rec.Account)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if existing != nil && existing.SavedAt.After(rec.SavedAt) {
		return model.ErrStaleSave
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	if err := s.client.Set(ctx, key(rec.Platform, rec.Account), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("session save: %w", err)
	}
	return nil
}

// Invalidate implements Store.
func (s *RedisStore) Invalidate(ctx context.Context, platform model.Platform, account string) error {
	if err := s.client.Del(ctx, key(platform, account)).Err(); err != nil {
		return fmt.Errorf("session invalidate: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
