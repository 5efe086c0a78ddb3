// Package preprocessing implements the cluster-leader scheduler described
// in spec.md 4.6: per-element offset/generation bookkeeping, versioned
// auxiliary-material generation, and offset reservation for computes. It
// runs only on the cluster leader; the actual protocol generation work is
// delegated to a Generator so this package stays free of any dependency
// on the live channel layer.
package preprocessing

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/nilvm/engine/internal/ports"
	"github.com/nilvm/engine/pkg/engineerr"
	"github.com/nilvm/engine/pkg/field"
)

// ElementKind names a preprocessing element family (e.g. Multiplication
// triples, RandomBit shares, Compare masks).
type ElementKind string

// Config is one element kind's scheduling policy, per spec.md 4.6.
type Config struct {
	BatchSize           int
	GenerationThreshold int // max outstanding unconsumed batches
	TargetOffsetJump    int // batches to keep generated ahead of committed
}

type elementState struct {
	mu              sync.Mutex
	cfg             Config
	nextBatchID     uint64
	committedOffset uint64 // in shares
	generatedOffset uint64 // in shares
	fakeSeedShare   []byte // fake mode only: the one real batch's share, replicated thereafter
}

// Generator runs one preprocessing generation: a single protocol run
// producing batchSize shares for kind, seeded by rnd. The blob it returns
// is whatever opaque encoding the caller wants persisted verbatim.
type Generator interface {
	Generate(ctx context.Context, kind ElementKind, batchSize int, rnd io.Reader) ([]byte, error)
}

// Scheduler is the cluster-leader preprocessing scheduler.
type Scheduler struct {
	blobs    ports.BlobRepository
	gen      Generator
	fakeMode bool

	mu       sync.Mutex
	elements map[ElementKind]*elementState
}

// NewScheduler constructs a Scheduler. Per spec.md 9's open question, fake
// mode (which replicates a single real share batch_size times, correlating
// every share in a batch) is rejected outright when the cluster has more
// than one real member: that combination would silently deploy correlated
// shares in a production-shaped cluster.
func NewScheduler(blobs ports.BlobRepository, gen Generator, fakeMode bool, clusterSize int) (*Scheduler, error) {
	if fakeMode && clusterSize > 1 {
		return nil, engineerr.New(engineerr.KindInternal, "preprocessing.NewScheduler", fmt.Errorf("fake mode is not allowed alongside a real multi-member cluster (size %d)", clusterSize))
	}
	return &Scheduler{blobs: blobs, gen: gen, fakeMode: fakeMode, elements: make(map[ElementKind]*elementState)}, nil
}

// Configure registers (or replaces) the scheduling policy for kind.
func (s *Scheduler) Configure(kind ElementKind, cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements[kind] = &elementState{cfg: cfg}
}

func (s *Scheduler) stateFor(kind ElementKind) (*elementState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.elements[kind]
	if !ok {
		return nil, engineerr.New(engineerr.KindProgramMalformed, "preprocessing", fmt.Errorf("element kind %q is not configured", kind))
	}
	return st, nil
}

// BatchKey is the blob key one generated batch of kind/batchID is stored
// and fetched under; pkg/preprocessing/elements uses the same format to
// read back what this package writes.
func BatchKey(kind ElementKind, batchID uint64) string {
	return fmt.Sprintf("prep/%s/%d", kind, batchID)
}

// GenerateDeficit computes target-minus-generated for kind and starts that
// many batch generations, bounded by GenerationThreshold, per spec.md 4.6.
// It is safe to call on a timer or on demand from NotifyUsedElements.
func (s *Scheduler) GenerateDeficit(ctx context.Context, kind ElementKind) error {
	st, err := s.stateFor(kind)
	if err != nil {
		return err
	}

	st.mu.Lock()
	target := st.committedOffset + uint64(st.cfg.TargetOffsetJump*st.cfg.BatchSize)
	maxGenerated := st.committedOffset + uint64(st.cfg.GenerationThreshold*st.cfg.BatchSize)
	if target > maxGenerated {
		target = maxGenerated
	}
	deficitShares := int64(target) - int64(st.generatedOffset)
	if deficitShares <= 0 {
		st.mu.Unlock()
		return nil
	}
	batches := field.CeilDiv(int(deficitShares), st.cfg.BatchSize)
	startBatchID := st.nextBatchID
	st.nextBatchID += uint64(batches)
	st.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < batches; i++ {
		batchID := startBatchID + uint64(i)
		g.Go(func() error {
			return s.generateOne(gctx, kind, st, batchID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st.mu.Lock()
	st.generatedOffset += uint64(batches * st.cfg.BatchSize)
	st.mu.Unlock()
	return nil
}

func (s *Scheduler) generateOne(ctx context.Context, kind ElementKind, st *elementState, batchID uint64) error {
	genID := uuid.New()

	var blob []byte
	var err error
	if s.fakeMode {
		blob, err = s.generateFake(ctx, kind, st, batchID, genID)
	} else {
		blob, err = s.gen.Generate(ctx, kind, st.cfg.BatchSize, rand.Reader)
	}
	if err != nil {
		return engineerr.New(engineerr.KindInternal, "preprocessing.generateOne", err)
	}

	if err := s.blobs.PutIfAbsent(ctx, BatchKey(kind, batchID), blob); err != nil {
		return engineerr.New(engineerr.KindInternal, "preprocessing.generateOne", err)
	}
	return nil
}

// generateFake implements spec.md 4.6's fake mode: the first batch runs
// the real protocol (with batch_size pinned to 1, seeded via a blake3
// derive-key stream off a fixed devnet master seed, keyed by a context that
// includes the kind, the batch id and this generation's random uuid, so the
// seed batch differs from one generation to the next);
// every later batch replicates that single share batch_size times instead
// of running the protocol again.
func (s *Scheduler) generateFake(ctx context.Context, kind ElementKind, st *elementState, batchID uint64, genID uuid.UUID) ([]byte, error) {
	st.mu.Lock()
	seed := st.fakeSeedShare
	st.mu.Unlock()
	if seed != nil {
		out := make([]byte, 0, len(seed)*st.cfg.BatchSize)
		for i := 0; i < st.cfg.BatchSize; i++ {
			out = append(out, seed...)
		}
		return out, nil
	}

	masterSeed := []byte("nilvm-fake-preprocessing-devnet-seed")
	tag := fmt.Sprintf("nilvm-engine preprocessing fake-mode/%s/%d/%s", kind, batchID, genID)
	stream := blake3.NewDeriveKey(tag)
	stream.Write(masterSeed)
	real, err := s.gen.Generate(ctx, kind, 1, stream.Digest())
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.fakeSeedShare = real
	st.mu.Unlock()

	out := make([]byte, 0, len(real)*st.cfg.BatchSize)
	for i := 0; i < st.cfg.BatchSize; i++ {
		out = append(out, real...)
	}
	return out, nil
}

// Reserve transactionally advances committedOffset by count and returns
// the half-open [start, end) range assigned to the requesting compute,
// plus the element's batch size so the VM can slice batches into
// per-instance elements. Fails with InsufficientPreprocessing if the
// generated offset does not yet cover the request.
func (s *Scheduler) Reserve(_ context.Context, kind ElementKind, count int) (start, end uint64, batchSize int, err error) {
	st, err := s.stateFor(kind)
	if err != nil {
		return 0, 0, 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.generatedOffset < st.committedOffset+uint64(count) {
		return 0, 0, 0, engineerr.New(engineerr.KindInsufficientPreprocessing, "preprocessing.Reserve",
			fmt.Errorf("kind %s: have %d generated, %d committed, need %d more", kind, st.generatedOffset, st.committedOffset, count))
	}
	start = st.committedOffset
	end = start + uint64(count)
	st.committedOffset = end
	return start, end, st.cfg.BatchSize, nil
}

// NotifyUsedElements is the on-demand trigger spec.md 4.6 mentions
// alongside the periodic tick; it simply runs one deficit-generation pass
// for kind.
func (s *Scheduler) NotifyUsedElements(ctx context.Context, kind ElementKind) error {
	return s.GenerateDeficit(ctx, kind)
}

// CleanupUsedElements deletes every batch whose offset range falls inside
// [startChunk, endChunk) once all nodes have confirmed consumption. It is
// idempotent: deleting an already-absent batch is not an error, per
// spec.md 4.6.
func (s *Scheduler) CleanupUsedElements(ctx context.Context, kind ElementKind, startChunk, endChunk uint64) error {
	st, err := s.stateFor(kind)
	if err != nil {
		return err
	}
	st.mu.Lock()
	batchSize := uint64(st.cfg.BatchSize)
	st.mu.Unlock()
	if batchSize == 0 {
		return nil
	}
	firstBatch := startChunk / batchSize
	lastBatch := field.CeilDiv(endChunk, batchSize)
	for id := firstBatch; id < lastBatch; id++ {
		_ = s.blobs.Delete(ctx, BatchKey(kind, id)) // NotFound is silently ignored
	}
	return nil
}

// Snapshot reports the current offset counters for kind, for tests and
// metrics.
func (s *Scheduler) Snapshot(kind ElementKind) (generated, committed uint64, err error) {
	st, err := s.stateFor(kind)
	if err != nil {
		return 0, 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.generatedOffset, st.committedOffset, nil
}

// sortedKinds returns a Scheduler's configured element kinds in sorted
// order, for deterministic iteration over them.
func (s *Scheduler) sortedKinds() []ElementKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := maps.Keys(s.elements)
	slices.Sort(out)
	return out
}
