package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces blob keys when no prefix is given.
const DefaultRedisPrefix = "anvil:blob:"

// Compile-time interface satisfaction check.
var _ Storage = (*RedisStore)(nil)

// RedisStore implements Storage with one string key per blob.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, opts *redis.Options, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// List scans the prefix and returns every blob id with its size.
func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	entries := []Entry{}
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := s.rdb.StrLen(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("strlen %s: %w", key, err)
		}
		entries = append(entries, Entry{ID: key[len(s.prefix):], Size: n})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan blobs: %w", err)
	}
	return entries, nil
}

// Get retrieves a blob by id.
func (s *RedisStore) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return data, nil
}

// Set writes a blob. SET replaces the value atomically.
func (s *RedisStore) Set(ctx context.Context, id string, data []byte) error {
	if err := s.rdb.Set(ctx, s.prefix+id, data, 0).Err(); err != nil {
		return fmt.Errorf("set blob: %w", err)
	}
	return nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.prefix+id).Err(); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
