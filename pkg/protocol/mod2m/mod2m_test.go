package mod2m_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/mod2m"
	"github.com/nilvm/engine/pkg/shamir"
)

func runNetwork(t *testing.T, parties []protocol.PartyID, machines map[protocol.PartyID]protocol.Machine, seed map[protocol.PartyID][]protocol.OutboundMessage) map[protocol.PartyID][]byte {
	t.Helper()
	outbox := make(map[protocol.PartyID][]protocol.Message)
	for p, msgs := range seed {
		for _, out := range msgs {
			for _, to := range out.To {
				outbox[to] = append(outbox[to], out.Message)
			}
		}
		_ = p
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

func TestMod2MReducesCorrectly(t *testing.T) {
	prime := field.Safe64
	degree := 1
	rnd := shamir.NewDeterministicSource(31)

	parties := []protocol.PartyID{"p1", "p2", "p3"}
	pointList := []shamir.PartyPoint{1, 2, 3}
	points := map[protocol.PartyID]shamir.PartyPoint{"p1": 1, "p2": 2, "p3": 3}

	const x = int64(53) // 0b110101
	const m = uint(4)   // x mod 16 = 5

	xEl, err := field.EncodeInteger(prime, big.NewInt(x))
	require.NoError(t, err)
	xShares, err := shamir.GenerateShares(prime, degree, xEl, pointList, rnd)
	require.NoError(t, err)

	const r = int64(1000)
	rEl, err := field.EncodeInteger(prime, big.NewInt(r))
	require.NoError(t, err)
	rShares, err := shamir.GenerateShares(prime, degree, rEl, pointList, rnd)
	require.NoError(t, err)

	rLow := new(big.Int).Mod(big.NewInt(r), new(big.Int).Lsh(big.NewInt(1), m))
	rLowEl := field.FromBigInt(prime, rLow)
	rLowShares, err := shamir.GenerateShares(prime, degree, rLowEl, pointList, rnd)
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
		mask := mod2m.Mask{R: byPoint(rShares, pt), RLow: byPoint(rLowShares, pt)}
		mc, y, err := mod2m.New(prime, degree, p, points, byPoint(xShares, pt), mask, m)
		require.NoError(t, err)
		machines[p] = mc
		seed[p] = y.Messages
	}

	results := runNetwork(t, parties, machines, seed)
	require.Len(t, results, 3)

	var resultShares []shamir.Share
	for p, out := range results {
		el, err := field.FromBytes(prime, out)
		require.NoError(t, err)
		resultShares = append(resultShares, shamir.Share{Point: points[p], Value: el})
	}
	got, err := shamir.Reconstruct(prime, degree, resultShares)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(x%16), got.BigInt())
}
