// Package kvstore persists credential snapshots in Redis.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/justestif/bugbeats/internal/auth"
)

// DefaultKey holds the JSON snapshot when no key is configured.
const DefaultKey = "bugbeats:credentials"

// RedisBackend stores the whole credential map as one JSON value.
// It implements auth.Backend.
type RedisBackend struct {
	rdb *redis.Client
	key string
}

var _ auth.Backend = (*RedisBackend)(nil)

// New wraps an existing client. An empty key uses DefaultKey.
func New(rdb *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = DefaultKey
	}
	return &RedisBackend{rdb: rdb, key: key}
}

// Open connects to redisURL and verifies the connection.
func Open(ctx context.Context, redisURL, key string) (*RedisBackend, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return New(rdb, key), nil
}

// Key returns the key holding the snapshot.
func (b *RedisBackend) Key() string {
	return b.key
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

// Load reads the snapshot. A missing key loads as empty.
func (b *RedisBackend) Load(ctx context.Context) (map[string]auth.Credential, error) {
	data, err := b.rdb.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return make(map[string]auth.Credential), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", b.key, err)
	}

	var creds map[string]auth.Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", b.key, err)
	}
	if creds == nil {
		creds = make(map[string]auth.Credential)
	}
	for id, c := range creds {
		c.UserID = id
		creds[id] = c
	}
	return creds, nil
}

// Save overwrites the snapshot.
func (b *RedisBackend) Save(ctx context.Context, creds map[string]auth.Credential) error {
	if creds == nil {
		return fmt.Errorf("saving credentials: nil snapshot")
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := b.rdb.Set(ctx, b.key, data, 0).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", b.key, err)
	}
	return nil
}
