package preprocessing_test

import (
	"context"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/preprocessing"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/shamir"
)

func testDealer() (*preprocessing.DealerGenerator, []protocol.PartyID, map[protocol.PartyID]shamir.PartyPoint) {
	points := map[protocol.PartyID]shamir.PartyPoint{"p1": 1, "p2": 2, "p3": 3}
	parties := preprocessing.SortedParties(points)
	g := &preprocessing.DealerGenerator{
		Prime: field.Safe64, Degree: 1, Points: points, Parties: parties, BitWidth: 32,
	}
	return g, parties, points
}

func reconstructUnit(t *testing.T, g *preprocessing.DealerGenerator, parties []protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, blob []byte, elemsPerUnit int) []field.Element {
	t.Helper()
	byteLen := g.Prime.ByteLen()
	numParties := len(parties)
	out := make([]field.Element, elemsPerUnit)
	for i := 0; i < elemsPerUnit; i++ {
		var shares []shamir.Share
		for pi, p := range parties {
			off := (i*numParties + pi) * byteLen
			el, err := field.FromBytes(g.Prime, blob[off:off+byteLen])
			require.NoError(t, err)
			shares = append(shares, shamir.Share{Point: points[p], Value: el})
		}
		v, err := shamir.Reconstruct(g.Prime, g.Degree, shares)
		require.NoError(t, err)
		out[i] = v
	}
	return out
}

func TestDealerGeneratorMultiplicationTripleIsConsistent(t *testing.T) {
	g, parties, points := testDealer()
	blob, err := g.Generate(context.Background(), preprocessing.KindMultiplication, 2, rand.Reader)
	require.NoError(t, err)

	byteLen := g.Prime.ByteLen()
	unitBytes := 3 * len(parties) * byteLen
	require.Len(t, blob, unitBytes*2)

	for u := 0; u < 2; u++ {
		unit := blob[u*unitBytes : (u+1)*unitBytes]
		els := reconstructUnit(t, g, parties, points, unit, 3)
		c, err := els[0].Mul(els[1])
		require.NoError(t, err)
		assert.True(t, c.Equal(els[2]))
	}
}

func TestDealerGeneratorCompareMaskTopBitMatchesR(t *testing.T) {
	g, parties, points := testDealer()
	blob, err := g.Generate(context.Background(), preprocessing.KindCompare, 5, rand.Reader)
	require.NoError(t, err)

	byteLen := g.Prime.ByteLen()
	unitBytes := 2 * len(parties) * byteLen
	require.Len(t, blob, unitBytes*5)

	for u := 0; u < 5; u++ {
		unit := blob[u*unitBytes : (u+1)*unitBytes]
		els := reconstructUnit(t, g, parties, points, unit, 2)
		r, topBit := els[0], els[1]
		wantBit := big.NewInt(0)
		if r.BigInt().Bit(int(g.BitWidth)) == 1 {
			wantBit = big.NewInt(1)
		}
		assert.Equal(t, wantBit, topBit.BigInt())
	}
}

func TestDealerGeneratorEcdsaSignMaterialInverseHolds(t *testing.T) {
	g, parties, points := testDealer()
	blob, err := g.Generate(context.Background(), preprocessing.KindEcdsaSign, 1, rand.Reader)
	require.NoError(t, err)

	byteLen := g.Prime.ByteLen()
	els := reconstructUnit(t, g, parties, points, blob, 5)
	k, kinv, a, b, c := els[0], els[1], els[2], els[3], els[4]

	one, err := k.Mul(kinv)
	require.NoError(t, err)
	assert.True(t, one.Equal(field.One(g.Prime)))

	prod, err := a.Mul(b)
	require.NoError(t, err)
	assert.True(t, prod.Equal(c))
	_ = byteLen
}

func TestDealerGeneratorModuloMaskReducesCorrectly(t *testing.T) {
	g, parties, points := testDealer()
	modulus := big.NewInt(97)
	kind := preprocessing.ModuloKind(modulus)
	blob, err := g.Generate(context.Background(), kind, 1, rand.Reader)
	require.NoError(t, err)

	els := reconstructUnit(t, g, parties, points, blob, 2)
	r, rLow := els[0], els[1]
	want := new(big.Int).Mod(r.BigInt(), modulus)
	assert.Equal(t, want, rLow.BigInt())
}

func TestDealerGeneratorTruncPrMaskShiftsCorrectly(t *testing.T) {
	g, parties, points := testDealer()
	kind := preprocessing.TruncPrKind(8)
	blob, err := g.Generate(context.Background(), kind, 1, rand.Reader)
	require.NoError(t, err)

	els := reconstructUnit(t, g, parties, points, blob, 2)
	r, rShifted := els[0], els[1]
	want := new(big.Int).Rsh(r.BigInt(), 8)
	assert.Equal(t, want, rShifted.BigInt())
}

func TestDealerGeneratorUnknownKindFails(t *testing.T) {
	g, _, _ := testDealer()
	_, err := g.Generate(context.Background(), preprocessing.ElementKind("Bogus"), 1, rand.Reader)
	assert.Error(t, err)
}
