package memblob_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/internal/storage/boltblob"
	"github.com/nilvm/engine/internal/storage/memblob"
)

func TestPutIfAbsentRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := memblob.New()
	require.NoError(t, s.PutIfAbsent(ctx, "prep/RandomInteger/1", []byte("a")))
	err := s.PutIfAbsent(ctx, "prep/RandomInteger/1", []byte("b"))
	require.ErrorIs(t, err, boltblob.ErrExists)
}

func TestGetMissingFails(t *testing.T) {
	_, err := memblob.New().Get(context.Background(), "aux/EcdsaAux/1")
	require.Error(t, err)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memblob.New()
	require.NoError(t, s.Delete(ctx, "prep/RandomInteger/1"))
	require.NoError(t, s.PutIfAbsent(ctx, "prep/RandomInteger/1", []byte("a")))
	require.NoError(t, s.Delete(ctx, "prep/RandomInteger/1"))
	require.NoError(t, s.Delete(ctx, "prep/RandomInteger/1"))
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memblob.New()
	require.NoError(t, s.PutIfAbsent(ctx, "aux/EcdsaAux/3", []byte("material")))
	got, err := s.Get(ctx, "aux/EcdsaAux/3")
	require.NoError(t, err)
	require.Equal(t, "material", string(got))
}
