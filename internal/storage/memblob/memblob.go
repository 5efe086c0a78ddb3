// Package memblob implements ports.BlobRepository in memory, for tests and
// the fake-preprocessing devnet path described in spec.md 4.6.
package memblob

import (
	"context"
	"fmt"
	"sync"

	"github.com/nilvm/engine/internal/ports"
	"github.com/nilvm/engine/internal/storage/boltblob"
)

// Store is an in-memory ports.BlobRepository.
type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get implements ports.BlobRepository.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("memblob: key %q not found", key)
	}
	return append([]byte(nil), v...), nil
}

// PutIfAbsent implements ports.BlobRepository.
func (s *Store) PutIfAbsent(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return boltblob.ErrExists
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements ports.BlobRepository, idempotently.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// CheckPermissions implements ports.BlobRepository; an in-memory store is
// always writable.
func (s *Store) CheckPermissions(_ context.Context) error { return nil }

var _ ports.BlobRepository = (*Store)(nil)
