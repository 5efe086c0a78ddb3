package boltblob_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/internal/storage/boltblob"
)

func openTestStore(t *testing.T) *boltblob.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := boltblob.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestPutIfAbsentThenGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutIfAbsent(ctx, "prep/RandomInteger/0", []byte("batch-0")))
	got, err := s.Get(ctx, "prep/RandomInteger/0")
	require.NoError(t, err)
	require.Equal(t, "batch-0", string(got))
}

func TestPutIfAbsentRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutIfAbsent(ctx, "aux/EcdsaAux/1", []byte("v1")))
	err := s.PutIfAbsent(ctx, "aux/EcdsaAux/1", []byte("v2"))
	require.ErrorIs(t, err, boltblob.ErrExists)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Delete(ctx, "prep/RandomInteger/5"))
}

func TestCheckPermissions(t *testing.T) {
	require.NoError(t, openTestStore(t).CheckPermissions(context.Background()))
}
