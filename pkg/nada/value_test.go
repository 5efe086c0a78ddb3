package nada_test

import (
	"math/big"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/nada"
	"github.com/nilvm/engine/pkg/shamir"
)

var bigIntComparer = cmp.Comparer(func(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
})

func TestPrimitivePublicAccessors(t *testing.T) {
	i := nada.NewInteger(big.NewInt(-5))
	got, err := i.Int()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(-5), got)

	_, err = i.Bool()
	require.ErrorIs(t, err, nada.ErrNotPublic)

	b := nada.NewBoolean(true)
	gotB, err := b.Bool()
	require.NoError(t, err)
	require.True(t, gotB)
}

func TestArrayTypeAndSize(t *testing.T) {
	elType := nada.NewPrimitiveType(nada.KindInteger)
	elems := []nada.Value{nada.NewInteger(big.NewInt(1)), nada.NewInteger(big.NewInt(2))}
	arr, err := nada.NewArray(elType, elems)
	require.NoError(t, err)
	require.Equal(t, 2, arr.Type.Size)

	got, err := arr.Elements()
	require.NoError(t, err)
	require.Len(t, got, 2)

	mismatched := []nada.Value{nada.NewBoolean(true)}
	_, err = nada.NewArray(elType, mismatched)
	require.ErrorIs(t, err, nada.ErrKindMismatch)
}

func TestTupleParts(t *testing.T) {
	tup := nada.NewTuple(nada.NewInteger(big.NewInt(1)), nada.NewBoolean(false))
	left, right, err := tup.Parts()
	require.NoError(t, err)
	li, err := left.Int()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1), li)
	rb, err := right.Bool()
	require.NoError(t, err)
	require.False(t, rb)
}

func TestObjectFieldLookup(t *testing.T) {
	obj, err := nada.NewObject(
		[]string{"x", "y"},
		[]nada.Value{nada.NewInteger(big.NewInt(10)), nada.NewBoolean(true)},
	)
	require.NoError(t, err)

	x, err := obj.Field("x")
	require.NoError(t, err)
	xv, err := x.Int()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10), xv)

	_, err = obj.Field("missing")
	require.Error(t, err)
}

func TestSecretShareRevealRoundTrip(t *testing.T) {
	prime := field.Safe64
	rnd := shamir.NewDeterministicSource(7)
	points := []shamir.PartyPoint{1, 2, 3}

	secretEl, err := field.EncodeInteger(prime, big.NewInt(123))
	require.NoError(t, err)

	fieldShares, err := shamir.GenerateShares(prime, 1, secretEl, points, rnd)
	require.NoError(t, err)

	var values []nada.Value
	for _, s := range fieldShares {
		values = append(values, nada.NewSecretShare(nada.KindSecretInteger, s.Value))
	}
	require.Len(t, values, 3)

	got, err := values[0].Share()
	require.NoError(t, err)
	require.True(t, got.Equal(fieldShares[0].Value))

	cmb := shamir.NewCombiner(prime, points)
	revealed, err := nada.RevealWith(cmb, fieldShares[:2], nada.KindSecretInteger)
	require.NoError(t, err)
	revealedInt, err := revealed.Int()
	require.NoError(t, err)
	if diff := cmp.Diff(big.NewInt(123), revealedInt, bigIntComparer); diff != "" {
		t.Errorf("revealed value round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestJarSetGetTyped(t *testing.T) {
	jar := nada.NewJar("party1")
	jar.Set("a", nada.NewInteger(big.NewInt(1)))
	jar.Set("b", nada.NewBoolean(true))

	require.Equal(t, []string{"a", "b"}, jar.Names())
	require.Equal(t, 2, jar.Len())

	v, err := jar.RequireTyped("a", nada.NewPrimitiveType(nada.KindInteger))
	require.NoError(t, err)
	got, err := v.Int()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1), got)

	_, err = jar.RequireTyped("a", nada.NewPrimitiveType(nada.KindBoolean))
	require.Error(t, err)

	_, err = jar.RequireTyped("missing", nada.NewPrimitiveType(nada.KindInteger))
	require.Error(t, err)
}
