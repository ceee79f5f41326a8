package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

var blobPrefix = []byte("blob/")

// Compile-time interface satisfaction check.
var _ Storage = (*PebbleStore)(nil)

// PebbleStore implements Storage on a Pebble LSM directory.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) the Pebble database in dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func blobKey(id string) []byte {
	k := make([]byte, 0, len(blobPrefix)+len(id))
	k = append(k, blobPrefix...)
	return append(k, id...)
}

// prefixEnd returns the first key after every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// List returns every stored blob id with its size.
func (s *PebbleStore) List(ctx context.Context) ([]Entry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: blobPrefix,
		UpperBound: prefixEnd(blobPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	entries := []Entry{}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := string(iter.Key()[len(blobPrefix):])
		entries = append(entries, Entry{ID: id, Size: int64(len(iter.Value()))})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iterate: %w", err)
	}
	return entries, nil
}

// Get retrieves a blob by id.
func (s *PebbleStore) Get(_ context.Context, id string) ([]byte, error) {
	val, closer, err := s.db.Get(blobKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

// Set writes a blob with a synced commit.
func (s *PebbleStore) Set(_ context.Context, id string, data []byte) error {
	if err := s.db.Set(blobKey(id), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *PebbleStore) Delete(_ context.Context, id string) error {
	if err := s.db.Delete(blobKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}
