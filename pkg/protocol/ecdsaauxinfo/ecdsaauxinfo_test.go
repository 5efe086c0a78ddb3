package ecdsaauxinfo_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/ecdsaauxinfo"
)

// TestAuxInfoCommitRevealConverges runs three parties through the
// commit/reveal transcript and checks every party converges on the same
// set of revealed parameters.
func TestAuxInfoCommitRevealConverges(t *testing.T) {
	parties := []protocol.PartyID{"p1", "p2", "p3"}
	points := make(map[protocol.PartyID]struct{}, len(parties))
	for _, p := range parties {
		points[p] = struct{}{}
	}
	genID := []byte("generation-1")

	machines := make(map[protocol.PartyID]protocol.Machine)
	outbox := make(map[protocol.PartyID][]protocol.Message)
	for i, p := range parties {
		rnd := bytes.NewReader(bytes.Repeat([]byte{byte(i + 1)}, 4096))
		mc, y, err := ecdsaauxinfo.New(p, points, genID, rnd)
		require.NoError(t, err)
		machines[p] = mc
		for _, out := range y.Messages {
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

	require.Len(t, results, 3)
	first := results[parties[0]]
	for _, p := range parties[1:] {
		require.Equal(t, first, results[p], "all parties must converge on the same revealed aux-info set")
	}
}
