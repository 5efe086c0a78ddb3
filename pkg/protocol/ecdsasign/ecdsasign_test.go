package ecdsasign_test

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/ecdsadkg"
	"github.com/nilvm/engine/pkg/protocol/ecdsasign"
	"github.com/nilvm/engine/pkg/protocol/mult"
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

// TestSignProducesVerifiableSignature runs three parties through ECDSA-SIGN
// over a Shamir-shared private key, nonce pair, and Beaver triple, and
// checks that every party recovers the same signature and that it verifies
// against the reconstructed public key via the standard library's verifier.
func TestSignProducesVerifiableSignature(t *testing.T) {
	curve := ecdsadkg.Curve()
	n := curve.Params().N
	prime := field.NewPrime(field.Size256, n)

	parties := []protocol.PartyID{"p1", "p2", "p3"}
	pointList := []shamir.PartyPoint{1, 2, 3}
	points := map[protocol.PartyID]shamir.PartyPoint{"p1": 1, "p2": 2, "p3": 3}
	degree := 1
	genID := []byte("ecdsa-sign-test")

	d := big.NewInt(123456789)
	k := big.NewInt(987654321)
	kinv := new(big.Int).ModInverse(k, n)
	require.NotNil(t, kinv)
	digest := big.NewInt(42424242)

	pubX, pubY := curve.ScalarBaseMult(d.Bytes())

	rnd := shamir.NewDeterministicSource(73)
	shareSecret := func(v *big.Int) map[protocol.PartyID]field.Element {
		shares, err := shamir.GenerateShares(prime, degree, field.FromBigInt(prime, v), pointList, rnd)
		require.NoError(t, err)
		out := make(map[protocol.PartyID]field.Element, len(parties))
		for _, p := range parties {
			for _, s := range shares {
				if s.Point == points[p] {
					out[p] = s.Value
				}
			}
		}
		return out
	}

	dShares := shareSecret(d)
	kShares := shareSecret(k)
	kinvShares := shareSecret(kinv)

	// Beaver triple for the kinv*d multiplication; correctness only depends
	// on a*b == c, not on the values relating to k or d.
	a, b := big.NewInt(3), big.NewInt(4)
	c := new(big.Int).Mul(a, b)
	aShares := shareSecret(a)
	bShares := shareSecret(b)
	cShares := shareSecret(c)

	machines := make(map[protocol.PartyID]protocol.Machine)
	seed := make(map[protocol.PartyID][]protocol.OutboundMessage)
	for _, p := range parties {
		triple := mult.Triple{A: aShares[p], B: bShares[p], C: cShares[p]}
		mc, y, err := ecdsasign.New(prime, degree, p, points, curve, genID, digest,
			kShares[p], kinvShares[p], dShares[p], triple)
		require.NoError(t, err)
		machines[p] = mc
		seed[p] = y.Messages
	}

	results := runNetwork(t, machines, seed)
	require.Len(t, results, 3)

	sigs := make(map[protocol.PartyID]ecdsasign.Signature)
	for p, out := range results {
		sig, err := ecdsasign.DecodeSignature(out)
		require.NoError(t, err)
		sigs[p] = sig
	}

	first := sigs[parties[0]]
	for _, p := range parties[1:] {
		require.Equal(t, first.R, sigs[p].R)
		require.Equal(t, first.S, sigs[p].S)
	}

	require.NotZero(t, first.R.Sign())
	require.NotZero(t, first.S.Sign())
	require.Equal(t, -1, first.S.Cmp(n))

	pub := ecdsa.PublicKey{Curve: curve, X: pubX, Y: pubY}
	require.True(t, ecdsa.Verify(&pub, digest.Bytes(), first.R, first.S))
}
