// SPDX-License-Identifier: MIT

package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "persona:"

// RedisStore resolves personas from Redis, stored as JSON under
// "persona:<id>".
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a store to the given Redis instance.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
	}
}

// NewRedisStoreFromClient wraps an existing client (used with miniredis).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Persona, error) {
	raw, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persona %q: redis get: %w", id, err)
	}
	var p Persona
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("persona %q: decode: %w", id, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	return &p, nil
}

// Put stores a persona, primarily for seeding and tests.
func (s *RedisStore) Put(ctx context.Context, p *Persona) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("persona %q: encode: %w", p.ID, err)
	}
	if err := s.client.Set(ctx, keyPrefix+p.ID, raw, 0).Err(); err != nil {
		return fmt.Errorf("persona %q: redis set: %w", p.ID, err)
	}
	return nil
}

// Ping checks backend connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var (
	_ Store  = (*RedisStore)(nil)
	_ Pinger = (*RedisStore)(nil)
)
