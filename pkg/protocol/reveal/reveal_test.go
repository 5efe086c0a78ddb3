package reveal_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/reveal"
	"github.com/nilvm/engine/pkg/shamir"
)

func TestRevealThreeParties(t *testing.T) {
	prime := field.Safe64
	rnd := shamir.NewDeterministicSource(11)

	parties := []protocol.PartyID{"p1", "p2", "p3"}
	points := map[protocol.PartyID]shamir.PartyPoint{"p1": 1, "p2": 2, "p3": 3}

	secretEl, err := field.EncodeInteger(prime, big.NewInt(-17))
	require.NoError(t, err)

	pointList := []shamir.PartyPoint{1, 2, 3}
	fieldShares, err := shamir.GenerateShares(prime, 1, secretEl, pointList, rnd)
	require.NoError(t, err)

	shareOf := make(map[protocol.PartyID]field.Element)
	for _, s := range fieldShares {
		for p, pt := range points {
			if pt == s.Point {
				shareOf[p] = s.Value
			}
		}
	}

	machines := make(map[protocol.PartyID]*reveal.Machine)
	outbox := make(map[protocol.PartyID][]protocol.Message)

	for _, p := range parties {
		m, y := reveal.New(prime, 1, p, points, shareOf[p])
		machines[p] = m
		for _, out := range y.Messages {
			for _, to := range out.To {
				outbox[to] = append(outbox[to], out.Message)
			}
		}
	}

	var finalOutputs []protocol.Yield
	for len(outbox) > 0 {
		next := make(map[protocol.PartyID][]protocol.Message)
		for p, msgs := range outbox {
			for _, msg := range msgs {
				y, err := machines[p].HandleMessage(msg)
				require.NoError(t, err)
				if y.Kind == protocol.YieldFinal {
					finalOutputs = append(finalOutputs, y)
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

	require.Len(t, finalOutputs, 3)
	for _, p := range parties {
		require.True(t, machines[p].Done())
	}
}
