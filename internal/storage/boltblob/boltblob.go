// Package boltblob implements ports.BlobRepository on top of bbolt, the
// single-bucket-per-kind pattern grounded on rubin-protocol's
// clients/go/node/store/db.go. Every key/value pair core writes (a
// preprocessing batch or an auxiliary-material version) lands in one of
// two buckets, named after spec.md 6's blob layout
// `prep/<element>/<batch_id>` and `aux/<material>/<version>`.
package boltblob

import (
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nilvm/engine/internal/ports"
)

var (
	bucketElements = []byte("element_batch_id")
	bucketAux      = []byte("aux_material_version")
)

// ErrExists is returned by PutIfAbsent when key is already present.
var ErrExists = errors.New("boltblob: key already exists")

// Store is a bbolt-backed BlobRepository.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path and ensures
// both of core's buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltblob: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketElements, bucketAux} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func bucketFor(key string) []byte {
	if len(key) >= 4 && key[:4] == "prep" {
		return bucketElements
	}
	return bucketAux
}

// Get implements ports.BlobRepository.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(key))
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("boltblob: key %q not found", key)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutIfAbsent implements ports.BlobRepository's conditional-put semantics:
// generation retries must not silently clobber a batch another retry
// already wrote successfully.
func (s *Store) PutIfAbsent(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketFor(key))
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) != nil {
			return ErrExists
		}
		return b.Put([]byte(key), value)
	})
}

// Delete implements ports.BlobRepository. Deleting an absent key is not an
// error: CleanupUsedElements must be idempotent per spec.md 4.6.
func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(key))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// CheckPermissions implements ports.BlobRepository by attempting a no-op
// read-write transaction.
func (s *Store) CheckPermissions(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error { return nil })
}

var _ ports.BlobRepository = (*Store)(nil)
