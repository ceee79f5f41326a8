package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a blob is not found.
var ErrNotFound = errors.New("blob not found")

// Entry describes one stored blob.
type Entry struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// Storage is the durable key/value surface owned by the blob repository.
// Writes are observed in call order. Get returns a copy the caller may keep.
type Storage interface {
	List(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, id string) ([]byte, error)
	Set(ctx context.Context, id string, data []byte) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Open creates a Storage for driver. dsn is a database file for sqlite, a
// directory for pebble and a redis:// URL for redis; memory ignores it.
func Open(driver, dsn string) (Storage, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite:
		return NewSQLiteStore(dsn)
	case DriverPebble:
		return NewPebbleStore(dsn)
	case DriverRedis:
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return NewRedisStore(context.Background(), opts, "")
	case DriverMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}
