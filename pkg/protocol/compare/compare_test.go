package compare_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/compare"
	"github.com/nilvm/engine/pkg/shamir"
)

func runNetwork(t *testing.T, machines map[protocol.PartyID]protocol.Machine, seed map[protocol.PartyID][]protocol.OutboundMessage) map[protocol.PartyID][]byte {
	t.Helper()
	outbox := make(map[protocol.PartyID][]protocol.Message)
	for _, msgs := range seed {
		for _, out := range msgs {
			for _, to := range out.To {
				outbox[to] = append(outbox[to], out.Message)
			}
		}
	}
	results := make(map[protocol.PartyID][]byte)
	for len(outbox) > 0 {
		next := make(map[protocol.PartyID][]protocol.Message)
		for p, msgs := range outbox {
			for _, msg := range msgs {
				y, err := machines[p].HandleMessage(msg)
				require.NoError(t, err)
				if y.Kind == protocol.YieldFinal {
					results[p] = y.Output
				}
				for _, out := range y.Messages {
					for _, to := range out.To {
						next[to] = append(next[to], out.Message)
					}
				}
			}
		}
		outbox = next
	}
	return results
}

func byPoint(t *testing.T, shares []shamir.Share, pt shamir.PartyPoint) field.Element {
	t.Helper()
	for _, s := range shares {
		if s.Point == pt {
			return s.Value
		}
	}
	t.Fatalf("missing share at %d", pt)
	return field.Element{}
}

func TestLessThan(t *testing.T) {
	prime := field.Safe64
	degree := 1
	bitWidth := uint(32)
	rnd := shamir.NewDeterministicSource(41)

	parties := []protocol.PartyID{"p1", "p2", "p3"}
	pointList := []shamir.PartyPoint{1, 2, 3}
	points := map[protocol.PartyID]shamir.PartyPoint{"p1": 1, "p2": 2, "p3": 3}

	share := func(secret int64) []shamir.Share {
		el, err := field.EncodeInteger(prime, big.NewInt(secret))
		require.NoError(t, err)
		shares, err := shamir.GenerateShares(prime, degree, el, pointList, rnd)
		require.NoError(t, err)
		return shares
	}

	const x, y = int64(3), int64(9)
	xShares := share(x)
	yShares := share(y)

	// Chosen small enough, relative to bitWidth, that masking cannot carry
	// into the sign bit being tested - see the carry caveat documented on
	// compare.Machine.HandleMessage.
	const r = int64(4)
	rShares := share(r)
	topBit := new(big.Int).SetInt64(0)
	if new(big.Int).SetInt64(r).Bit(int(bitWidth)) == 1 {
		topBit = big.NewInt(1)
	}
	rTopBitShares, err := shamir.GenerateShares(prime, degree, field.FromBigInt(prime, topBit), pointList, rnd)
	require.NoError(t, err)

	machines := make(map[protocol.PartyID]protocol.Machine)
	seed := make(map[protocol.PartyID][]protocol.OutboundMessage)
	for _, p := range parties {
		pt := points[p]
		mask := compare.Mask{
			R:        byPoint(t, rShares, pt),
			RTopBit:  byPoint(t, rTopBitShares, pt),
			BitWidth: bitWidth,
		}
		mc, yld, err := compare.New(prime, degree, p, points, byPoint(t, xShares, pt), byPoint(t, yShares, pt), mask)
		require.NoError(t, err)
		machines[p] = mc
		seed[p] = yld.Messages
	}

	results := runNetwork(t, machines, seed)
	require.Len(t, results, 3)

	var resultShares []shamir.Share
	for p, out := range results {
		el, err := field.FromBytes(prime, out)
		require.NoError(t, err)
		resultShares = append(resultShares, shamir.Share{Point: points[p], Value: el})
	}
	got, err := shamir.Reconstruct(prime, degree, resultShares)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1), got.BigInt())
}
