package preprocessing_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/internal/storage/memblob"
	"github.com/nilvm/engine/pkg/preprocessing"
)

// countingGenerator returns batchSize deterministic one-byte-per-unit blobs
// and records how many times it was invoked, for deficit-sizing assertions.
type countingGenerator struct {
	calls int
}

func (g *countingGenerator) Generate(_ context.Context, _ preprocessing.ElementKind, batchSize int, _ io.Reader) ([]byte, error) {
	g.calls++
	out := make([]byte, batchSize)
	for i := range out {
		out[i] = byte(i)
	}
	return out, nil
}

func TestReserveFailsWithoutGeneration(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	gen := &countingGenerator{}
	sched, err := preprocessing.NewScheduler(blobs, gen, false, 3)
	require.NoError(t, err)
	sched.Configure(preprocessing.KindRandomInteger, preprocessing.Config{BatchSize: 4, GenerationThreshold: 4, TargetOffsetJump: 2})

	_, _, _, err = sched.Reserve(ctx, preprocessing.KindRandomInteger, 1)
	assert.Error(t, err)
}

func TestGenerateDeficitThenReserve(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	gen := &countingGenerator{}
	sched, err := preprocessing.NewScheduler(blobs, gen, false, 3)
	require.NoError(t, err)
	sched.Configure(preprocessing.KindRandomInteger, preprocessing.Config{BatchSize: 4, GenerationThreshold: 8, TargetOffsetJump: 2})

	require.NoError(t, sched.GenerateDeficit(ctx, preprocessing.KindRandomInteger))

	start, end, batchSize, err := sched.Reserve(ctx, preprocessing.KindRandomInteger, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(5), end)
	assert.Equal(t, 4, batchSize)

	generated, committed, err := sched.Snapshot(preprocessing.KindRandomInteger)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), committed)
	assert.True(t, generated >= committed)
}

func TestReserveInsufficientAfterExhausted(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	gen := &countingGenerator{}
	sched, err := preprocessing.NewScheduler(blobs, gen, false, 3)
	require.NoError(t, err)
	sched.Configure(preprocessing.KindCompare, preprocessing.Config{BatchSize: 2, GenerationThreshold: 2, TargetOffsetJump: 1})

	require.NoError(t, sched.GenerateDeficit(ctx, preprocessing.KindCompare))
	_, _, _, err = sched.Reserve(ctx, preprocessing.KindCompare, 2)
	require.NoError(t, err)

	_, _, _, err = sched.Reserve(ctx, preprocessing.KindCompare, 1)
	assert.Error(t, err)
}

func TestCleanupUsedElementsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	gen := &countingGenerator{}
	sched, err := preprocessing.NewScheduler(blobs, gen, false, 3)
	require.NoError(t, err)
	sched.Configure(preprocessing.KindMultiplication, preprocessing.Config{BatchSize: 4, GenerationThreshold: 4, TargetOffsetJump: 1})

	require.NoError(t, sched.GenerateDeficit(ctx, preprocessing.KindMultiplication))
	require.NoError(t, sched.CleanupUsedElements(ctx, preprocessing.KindMultiplication, 0, 4))
	require.NoError(t, sched.CleanupUsedElements(ctx, preprocessing.KindMultiplication, 0, 4))
}

func TestNewSchedulerRejectsFakeModeWithRealCluster(t *testing.T) {
	blobs := memblob.New()
	gen := &countingGenerator{}
	_, err := preprocessing.NewScheduler(blobs, gen, true, 3)
	assert.Error(t, err)
}

func TestFakeModeReplicatesSingleShare(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	gen := &countingGenerator{}
	sched, err := preprocessing.NewScheduler(blobs, gen, true, 1)
	require.NoError(t, err)
	sched.Configure(preprocessing.KindRandomBit, preprocessing.Config{BatchSize: 3, GenerationThreshold: 3, TargetOffsetJump: 1})

	require.NoError(t, sched.GenerateDeficit(ctx, preprocessing.KindRandomBit))
	assert.Equal(t, 1, gen.calls) // only the seed batch ran the real generator

	blob, err := blobs.Get(ctx, preprocessing.BatchKey(preprocessing.KindRandomBit, 0))
	require.NoError(t, err)
	require.Len(t, blob, 3)
	assert.Equal(t, blob[0], blob[1])
	assert.Equal(t, blob[1], blob[2])
}
