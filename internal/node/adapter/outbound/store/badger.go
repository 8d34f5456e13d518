// Package store implements the local storage engine on Badger. Badger's
// transactional writes give the crash guarantee the engine needs: a Put
// interrupted mid-flight is either fully visible or absent, never partial.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthanhphan/gosdk/logger"
	badger "github.com/dgraph-io/badger/v3"

	"github.com/distorage-io/distorage/internal/node/port"
)

// BadgerStore implements port.Store.
type BadgerStore struct {
	db *badger.DB
}

var _ port.Store = (*BadgerStore)(nil)

// Open opens (or creates) the node's store under dataDir.
func Open(dataDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", dataDir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Put writes one key atomically.
func (s *BadgerStore) Put(ctx context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", port.ErrStorageIO, key, err)
	}
	return nil
}

// Get reads one key, mapping missing keys to port.ErrNotFound.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, port.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", port.ErrStorageIO, key, err)
	}
	return value, nil
}

// Delete removes one key. Deleting an absent key is a no-op.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", port.ErrStorageIO, key, err)
	}
	return nil
}

// ListPrefix returns all keys under prefix in sorted order. Values are not
// prefetched: listings touch only the LSM index.
func (s *BadgerStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", port.ErrStorageIO, prefix, err)
	}
	return keys, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		logger.Warnw("Store close failed", "error", err.Error())
		return err
	}
	return nil
}
