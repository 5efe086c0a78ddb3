package mult_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/mult"
	"github.com/nilvm/engine/pkg/shamir"
)

// shareSecret splits secret into shares at the given points using rnd.
func shareSecret(t *testing.T, prime *field.Prime, degree int, secret int64, points []shamir.PartyPoint, rnd shamir.RandomElementSource) []shamir.Share {
	t.Helper()
	el, err := field.EncodeInteger(prime, big.NewInt(secret))
	require.NoError(t, err)
	shares, err := shamir.GenerateShares(prime, degree, el, points, rnd)
	require.NoError(t, err)
	return shares
}

func TestMultBeaverTriple(t *testing.T) {
	prime := field.Safe64
	degree := 1
	rnd := shamir.NewDeterministicSource(21)

	parties := []protocol.PartyID{"p1", "p2", "p3"}
	pointList := []shamir.PartyPoint{1, 2, 3}
	points := map[protocol.PartyID]shamir.PartyPoint{"p1": 1, "p2": 2, "p3": 3}

	const x, y = int64(6), int64(7)
	xShares := shareSecret(t, prime, degree, x, pointList, rnd)
	yShares := shareSecret(t, prime, degree, y, pointList, rnd)

	const a, b = int64(3), int64(4)
	c := a * b
	aShares := shareSecret(t, prime, degree, a, pointList, rnd)
	bShares := shareSecret(t, prime, degree, b, pointList, rnd)
	cShares := shareSecret(t, prime, degree, c, pointList, rnd)

	byPoint := func(shares []shamir.Share, pt shamir.PartyPoint) field.Element {
		for _, s := range shares {
			if s.Point == pt {
				return s.Value
			}
		}
		t.Fatalf("no share at point %d", pt)
		return field.Element{}
	}

	machines := make(map[protocol.PartyID]*mult.Machine)
	outbox := make(map[protocol.PartyID][]protocol.Message)

	for _, p := range parties {
		pt := points[p]
		triple := mult.Triple{A: byPoint(aShares, pt), B: byPoint(bShares, pt), C: byPoint(cShares, pt)}
		m, yld, err := mult.New(prime, degree, p, points, byPoint(xShares, pt), byPoint(yShares, pt), triple)
		require.NoError(t, err)
		machines[p] = m
		for _, out := range yld.Messages {
			for _, to := range out.To {
				outbox[to] = append(outbox[to], out.Message)
			}
		}
	}

	results := make(map[protocol.PartyID]field.Element)
	for len(outbox) > 0 {
		next := make(map[protocol.PartyID][]protocol.Message)
		for p, msgs := range outbox {
			for _, msg := range msgs {
				yld, err := machines[p].HandleMessage(msg)
				require.NoError(t, err)
				if yld.Kind == protocol.YieldFinal {
					el, err := field.FromBytes(prime, yld.Output)
					require.NoError(t, err)
					results[p] = el
				}
				for _, out := range yld.Messages {
					for _, to := range out.To {
						next[to] = append(next[to], out.Message)
					}
				}
			}
		}
		outbox = next
	}

	require.Len(t, results, 3)
	var resultShares []shamir.Share
	for p, el := range results {
		resultShares = append(resultShares, shamir.Share{Point: points[p], Value: el})
	}
	got, err := shamir.Reconstruct(prime, degree, resultShares)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(x*y), got.DecodeInteger())
}
