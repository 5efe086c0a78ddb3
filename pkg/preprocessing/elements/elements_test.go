package elements

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/internal/storage/memblob"
	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/preprocessing"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/shamir"
)

func testCluster() (map[protocol.PartyID]shamir.PartyPoint, []protocol.PartyID) {
	points := map[protocol.PartyID]shamir.PartyPoint{"p1": 1, "p2": 2, "p3": 3}
	return points, preprocessing.SortedParties(points)
}

func newSchedulerWithDealer(t *testing.T, parties []protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint) (*preprocessing.Scheduler, *memblob.Store) {
	t.Helper()
	dealer := &preprocessing.DealerGenerator{Prime: field.Safe64, Degree: 1, Points: points, Parties: parties, BitWidth: 32}
	blobs := memblob.New()
	sched, err := preprocessing.NewScheduler(blobs, dealer, false, len(parties))
	require.NoError(t, err)
	return sched, blobs
}

func servicesForAllParties(t *testing.T, parties []protocol.PartyID, blobs *memblob.Store, sched *preprocessing.Scheduler) map[protocol.PartyID]*Service {
	t.Helper()
	out := make(map[protocol.PartyID]*Service, len(parties))
	for _, p := range parties {
		svc, err := NewService(field.Safe64, p, parties, 32, blobs, sched)
		require.NoError(t, err)
		out[p] = svc
	}
	return out
}

func reconstruct(t *testing.T, degree int, shares map[protocol.PartyID]field.Element, points map[protocol.PartyID]shamir.PartyPoint) field.Element {
	t.Helper()
	var sh []shamir.Share
	for p, el := range shares {
		sh = append(sh, shamir.Share{Point: points[p], Value: el})
	}
	v, err := shamir.Reconstruct(field.Safe64, degree, sh)
	require.NoError(t, err)
	return v
}

func TestServiceTripleReconstructsConsistentBeaverTriple(t *testing.T) {
	ctx := context.Background()
	points, parties := testCluster()
	sched, blobs := newSchedulerWithDealer(t, parties, points)
	sched.Configure(preprocessing.KindMultiplication, preprocessing.Config{BatchSize: 4, GenerationThreshold: 4, TargetOffsetJump: 1})
	require.NoError(t, sched.GenerateDeficit(ctx, preprocessing.KindMultiplication))

	services := servicesForAllParties(t, parties, blobs, sched)
	for _, svc := range services {
		require.NoError(t, svc.reserveKind(ctx, preprocessing.KindMultiplication, 1, 3))
	}

	aShares, bShares, cShares := map[protocol.PartyID]field.Element{}, map[protocol.PartyID]field.Element{}, map[protocol.PartyID]field.Element{}
	for p, svc := range services {
		triple, err := svc.Triple(ctx)
		require.NoError(t, err)
		aShares[p], bShares[p], cShares[p] = triple.A, triple.B, triple.C
	}

	a := reconstruct(t, 1, aShares, points)
	b := reconstruct(t, 1, bShares, points)
	c := reconstruct(t, 1, cShares, points)
	want, err := a.Mul(b)
	require.NoError(t, err)
	assert.True(t, want.Equal(c))
}

func TestServiceCompareMaskConsistentAcrossParties(t *testing.T) {
	ctx := context.Background()
	points, parties := testCluster()
	sched, blobs := newSchedulerWithDealer(t, parties, points)
	sched.Configure(preprocessing.KindCompare, preprocessing.Config{BatchSize: 2, GenerationThreshold: 2, TargetOffsetJump: 1})
	require.NoError(t, sched.GenerateDeficit(ctx, preprocessing.KindCompare))

	services := servicesForAllParties(t, parties, blobs, sched)
	for _, svc := range services {
		require.NoError(t, svc.reserveKind(ctx, preprocessing.KindCompare, 1, 2))
	}

	rShares, topShares := map[protocol.PartyID]field.Element{}, map[protocol.PartyID]field.Element{}
	var bitWidth uint
	for p, svc := range services {
		mask, err := svc.CompareMask(ctx)
		require.NoError(t, err)
		rShares[p], topShares[p] = mask.R, mask.RTopBit
		bitWidth = mask.BitWidth
	}
	assert.Equal(t, uint(32), bitWidth)

	r := reconstruct(t, 1, rShares, points)
	top := reconstruct(t, 1, topShares, points)
	want := big.NewInt(0)
	if r.BigInt().Bit(32) == 1 {
		want = big.NewInt(1)
	}
	assert.Equal(t, want, top.BigInt())
}

func TestServiceModuloMaskUsesRequestedModulus(t *testing.T) {
	ctx := context.Background()
	points, parties := testCluster()
	sched, blobs := newSchedulerWithDealer(t, parties, points)
	modulus := big.NewInt(97)
	kind := preprocessing.ModuloKind(modulus)
	sched.Configure(kind, preprocessing.Config{BatchSize: 2, GenerationThreshold: 2, TargetOffsetJump: 1})
	require.NoError(t, sched.GenerateDeficit(ctx, kind))

	services := servicesForAllParties(t, parties, blobs, sched)
	for _, svc := range services {
		require.NoError(t, svc.reserveKind(ctx, kind, 1, 2))
	}

	rShares, rLowShares := map[protocol.PartyID]field.Element{}, map[protocol.PartyID]field.Element{}
	for p, svc := range services {
		mask, err := svc.ModuloMask(ctx, modulus)
		require.NoError(t, err)
		rShares[p], rLowShares[p] = mask.R, mask.RLow
		assert.Equal(t, 0, mask.Modulus.Cmp(modulus))
	}

	r := reconstruct(t, 1, rShares, points)
	rLow := reconstruct(t, 1, rLowShares, points)
	want := new(big.Int).Mod(r.BigInt(), modulus)
	assert.Equal(t, want, rLow.BigInt())
}

func TestTakeFailsWhenKindNeverReserved(t *testing.T) {
	_, parties := testCluster()
	points, _ := testCluster()
	sched, blobs := newSchedulerWithDealer(t, parties, points)
	svc, err := NewService(field.Safe64, "p1", parties, 32, blobs, sched)
	require.NoError(t, err)

	_, err = svc.Triple(context.Background())
	assert.Error(t, err)
}

func TestTakeFailsWhenReservationExhausted(t *testing.T) {
	ctx := context.Background()
	points, parties := testCluster()
	sched, blobs := newSchedulerWithDealer(t, parties, points)
	sched.Configure(preprocessing.KindRandomInteger, preprocessing.Config{BatchSize: 2, GenerationThreshold: 2, TargetOffsetJump: 1})
	require.NoError(t, sched.GenerateDeficit(ctx, preprocessing.KindRandomInteger))

	svc, err := NewService(field.Safe64, "p1", parties, 32, blobs, sched)
	require.NoError(t, err)
	require.NoError(t, svc.reserveKind(ctx, preprocessing.KindRandomInteger, 1, 1))

	_, err = svc.RandomIntegerShare(ctx)
	require.NoError(t, err)
	_, err = svc.RandomIntegerShare(ctx)
	assert.Error(t, err)
}

func TestNewServiceRejectsPartyNotInSet(t *testing.T) {
	points, parties := testCluster()
	sched, blobs := newSchedulerWithDealer(t, parties, points)
	_, err := NewService(field.Safe64, "ghost", parties, 32, blobs, sched)
	assert.Error(t, err)
}

func TestPowerMultCountMatchesRuntimeSizing(t *testing.T) {
	assert.Equal(t, 0, powerMultCount(0))
	assert.Equal(t, 0, powerMultCount(1))
	assert.Equal(t, 1, powerMultCount(2))
	assert.Equal(t, 2, powerMultCount(3))
	assert.Equal(t, 2, powerMultCount(4))
	assert.Equal(t, 4, powerMultCount(7))
}
