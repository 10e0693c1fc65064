// Package store wraps a bbolt database file and exposes the two durable
// key-value namespaces spec.md §6 calls for: one bucket for ContainerStore
// records, one for PortPool entries, plus a third bucket (transitions) for
// the install/runtime state audit trail (SPEC_FULL.md §5). Wrapping rather
// than exposing *bbolt.DB directly keeps the public surface intentional: if
// the embedded engine ever changed, only this file would need to.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names for the two namespaces spec.md §6 describes, plus the
// transition audit trail SPEC_FULL.md §5 adds.
const (
	BucketContainers  = "containers"
	BucketPorts       = "ports"
	BucketTransitions = "transitions"
)

// Store is a thin wrapper around *bbolt.DB. All three buckets are created
// up front so callers never need to handle a "bucket does not exist" case.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the bbolt file at path and ensures all
// buckets exist. The parent directory is created if missing so callers do
// not need to pre-create the path on disk, matching the teacher's
// db.OpenDatabase convention.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %q: %w", dir, err)
	}

	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt store at %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{BucketContainers, BucketPorts, BucketTransitions} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store buckets: %w", err)
	}

	logger.Info("store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads a single key from bucket, returning (nil, false, nil) when the
// key is absent rather than an error — absence is an expected, cheap case
// for every caller (ContainerStore.Get, PortPool.lookup), not exceptional.
func (s *Store) Get(bucket, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		// bbolt's Get returns a slice valid only for the lifetime of the
		// transaction; it must be copied before View returns.
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Put writes a single key in bucket within its own transaction.
func (s *Store) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), value)
	})
}

// Delete removes a single key from bucket. Deleting an absent key is a
// no-op, matching bbolt's own semantics.
func (s *Store) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in bucket in bbolt's byte-sorted
// key order, calling fn for each. Stopping early is done by fn returning a
// non-nil error, which ForEach propagates.
func (s *Store) ForEach(bucket string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Update runs fn inside a single read-write transaction spanning every
// bucket, for callers (PortPool.reserve, ContainerStore atomic updates)
// that must read-then-write the same key without another writer
// interleaving. bbolt serializes all writers itself, so this needs no
// additional locking.
func (s *Store) Update(fn func(tx *bbolt.Tx) error) error {
	return s.db.Update(fn)
}
