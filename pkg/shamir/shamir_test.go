package shamir_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/shamir"
)

func TestShareReconstructRoundTrip(t *testing.T) {
	prime := field.Safe64
	rnd := shamir.NewDeterministicSource(1)

	for _, tc := range []struct {
		n, degree int
		secret    int64
	}{
		{n: 3, degree: 1, secret: 42},
		{n: 5, degree: 2, secret: -7},
		{n: 7, degree: 3, secret: 0},
	} {
		points := make([]shamir.PartyPoint, tc.n)
		for i := range points {
			points[i] = shamir.PartyPoint(i + 1)
		}

		secretEl, err := field.EncodeInteger(prime, big.NewInt(tc.secret))
		require.NoError(t, err)

		shares, err := shamir.GenerateShares(prime, tc.degree, secretEl, points, rnd)
		require.NoError(t, err)
		require.Len(t, shares, tc.n)

		// Any degree+1 subset of shares must reconstruct the secret.
		subset := shares[:tc.degree+1]
		got, err := shamir.Reconstruct(prime, tc.degree, subset)
		require.NoError(t, err)
		require.Equal(t, big.NewInt(tc.secret), got.DecodeInteger())

		// A different subset must also reconstruct the same secret.
		if tc.n > tc.degree+1 {
			subset2 := shares[tc.n-tc.degree-1:]
			got2, err := shamir.Reconstruct(prime, tc.degree, subset2)
			require.NoError(t, err)
			require.True(t, got.Equal(got2))
		}
	}
}

func TestReconstructInsufficientShares(t *testing.T) {
	prime := field.Safe64
	rnd := shamir.NewDeterministicSource(2)
	points := []shamir.PartyPoint{1, 2, 3}
	secretEl := field.FromUint64(prime, 99)

	shares, err := shamir.GenerateShares(prime, 2, secretEl, points, rnd)
	require.NoError(t, err)

	_, err = shamir.Reconstruct(prime, 2, shares[:2])
	require.ErrorIs(t, err, shamir.ErrInsufficientShares)
}

func TestCombinerReusableAcrossReconstructions(t *testing.T) {
	prime := field.Safe64
	rnd := shamir.NewDeterministicSource(3)
	points := []shamir.PartyPoint{1, 2, 3, 4}

	cmb := shamir.NewCombiner(prime, points)

	for _, secret := range []int64{1, 2, 3} {
		secretEl, err := field.EncodeInteger(prime, big.NewInt(secret))
		require.NoError(t, err)
		shares, err := shamir.GenerateShares(prime, 3, secretEl, points, rnd)
		require.NoError(t, err)

		got, err := cmb.Reconstruct(shares)
		require.NoError(t, err)
		require.Equal(t, big.NewInt(secret), got.DecodeInteger())
	}
}
