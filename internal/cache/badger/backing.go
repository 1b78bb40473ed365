// Package badger provides a Badger-backed cache backing. Badger's native entry
// TTL enforces expiry, so an expired key reads as absent without a sweeper.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/reviewpulse/insightd/internal/cache"
)

// Backing wraps a badger.DB as a cache.Backing.
type Backing struct {
	db *badger.DB
}

// Open opens (or creates) a Badger database at path. An empty path opens an
// in-memory database.
func Open(path string) (*Backing, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &Backing{db: db}, nil
}

// NewWithDB wraps an already opened database.
func NewWithDB(db *badger.DB) *Backing {
	return &Backing{db: db}
}

// Get implements cache.Backing.
func (b *Backing) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %q: %w", key, err)
	}
	return value, nil
}

// Set implements cache.Backing.
func (b *Backing) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("badger set %q: %w", key, err)
	}
	return nil
}

// Delete implements cache.Backing.
func (b *Backing) Delete(_ context.Context, keys ...string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (b *Backing) Close() error {
	return b.db.Close()
}
