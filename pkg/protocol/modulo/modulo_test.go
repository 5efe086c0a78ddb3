package modulo_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/modulo"
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

func TestModuloReducesByArbitraryModulus(t *testing.T) {
	prime := field.Safe64
	degree := 1
	rnd := shamir.NewDeterministicSource(61)

	parties := []protocol.PartyID{"p1", "p2", "p3"}
	pointList := []shamir.PartyPoint{1, 2, 3}
	points := map[protocol.PartyID]shamir.PartyPoint{"p1": 1, "p2": 2, "p3": 3}

	modulus := big.NewInt(7)
	const x = int64(52) // 52 mod 7 = 3

	xEl, err := field.EncodeInteger(prime, big.NewInt(x))
	require.NoError(t, err)
	xShares, err := shamir.GenerateShares(prime, degree, xEl, pointList, rnd)
	require.NoError(t, err)

	const r = int64(1000)
	rShares, err := shamir.GenerateShares(prime, degree, field.FromBigInt(prime, big.NewInt(r)), pointList, rnd)
	require.NoError(t, err)
	rLow := new(big.Int).Mod(big.NewInt(r), modulus)
	rLowShares, err := shamir.GenerateShares(prime, degree, field.FromBigInt(prime, rLow), pointList, rnd)
	require.NoError(t, err)

	byPoint := func(shares []shamir.Share, pt shamir.PartyPoint) field.Element {
		for _, s := range shares {
			if s.Point == pt {
				return s.Value
			}
		}
		t.Fatalf("missing share")
		return field.Element{}
	}

	machines := make(map[protocol.PartyID]protocol.Machine)
	seed := make(map[protocol.PartyID][]protocol.OutboundMessage)
	for _, p := range parties {
		pt := points[p]
		mask := modulo.Mask{R: byPoint(rShares, pt), RLow: byPoint(rLowShares, pt), Modulus: modulus}
		mc, y, err := modulo.New(prime, degree, p, points, byPoint(xShares, pt), mask)
		require.NoError(t, err)
		machines[p] = mc
		seed[p] = y.Messages
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
	require.Equal(t, big.NewInt(3), got.BigInt())
}
