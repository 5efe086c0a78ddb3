// Package elements is the runtime-facing half of preprocessing: it turns
// a Scheduler.Reserve offset range into the typed Beaver triples, masks,
// and random shares pkg/runtime.Elements hands the VM, fetching and
// decoding batches from blob storage as each reservation is drawn down.
package elements

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/nilvm/engine/internal/ports"
	"github.com/nilvm/engine/pkg/bytecode"
	"github.com/nilvm/engine/pkg/engineerr"
	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/nada"
	"github.com/nilvm/engine/pkg/plan"
	"github.com/nilvm/engine/pkg/preprocessing"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/compare"
	"github.com/nilvm/engine/pkg/protocol/divint"
	"github.com/nilvm/engine/pkg/protocol/modulo"
	"github.com/nilvm/engine/pkg/protocol/mult"
	"github.com/nilvm/engine/pkg/protocol/truncpr"
	"github.com/nilvm/engine/pkg/runtime"
)

var _ runtime.Elements = (*Service)(nil)

// Reserver is the scheduler-facing side of admission: a compute reserves
// its whole demand for a kind once, up front, and draws it down unit by
// unit afterward. Scheduler.Reserve satisfies this directly.
type Reserver interface {
	Reserve(ctx context.Context, kind preprocessing.ElementKind, count int) (start, end uint64, batchSize int, err error)
}

// reservation tracks one element kind's drawn-down offset range and caches
// fetched batches, since a batch typically backs many units and a
// reservation's start offset need not be batch-aligned.
type reservation struct {
	mu           sync.Mutex
	kind         preprocessing.ElementKind
	next, end    uint64
	batchSize    int
	elemsPerUnit int
	cache        map[uint64][]byte
}

// Service implements pkg/runtime.Elements by decoding this party's slice
// out of dealer-generated batches (see preprocessing.DealerGenerator): a
// batch stores every party's share of every unit concatenated, in a fixed
// sorted-party order, so each Service extracts only its own party's bytes.
type Service struct {
	prime     *field.Prime
	self      protocol.PartyID
	partyIdx  int
	numParties int
	blobs     ports.BlobRepository
	sched     Reserver
	bitWidth  uint

	mu    sync.Mutex
	pools map[preprocessing.ElementKind]*reservation
}

// NewService builds a Service for self, given the cluster's full party
// set (used only to compute self's fixed position within a dealer batch's
// per-party share layout -- parties must be supplied in the same sorted
// order the generator used).
func NewService(prime *field.Prime, self protocol.PartyID, parties []protocol.PartyID, bitWidth uint, blobs ports.BlobRepository, sched Reserver) (*Service, error) {
	sorted := append([]protocol.PartyID(nil), parties...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := -1
	for i, p := range sorted {
		if p == self {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, engineerr.New(engineerr.KindInternal, "elements.NewService", fmt.Errorf("party %q is not a member of the supplied party set", self))
	}
	return &Service{
		prime: prime, self: self, partyIdx: idx, numParties: len(sorted),
		bitWidth: bitWidth, blobs: blobs, sched: sched,
		pools: make(map[preprocessing.ElementKind]*reservation),
	}, nil
}

func (s *Service) reserveKind(ctx context.Context, kind preprocessing.ElementKind, units, elemsPerUnit int) error {
	if units == 0 {
		return nil
	}
	start, end, batchSize, err := s.sched.Reserve(ctx, kind, units)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.pools[kind]; ok {
		// Multiple plan instances of the same kind fold into a single
		// wider reservation; extend rather than replace.
		r.mu.Lock()
		r.end = end
		r.mu.Unlock()
		return nil
	}
	s.pools[kind] = &reservation{kind: kind, next: start, end: end, batchSize: batchSize, elemsPerUnit: elemsPerUnit, cache: make(map[uint64][]byte)}
	return nil
}

// Prepare reserves every preprocessing element a plan's protocol
// instances will need, in one pass over the plan, before VM.Run begins
// drawing it down. Calling the Elements methods below without a prior
// Prepare covering their kind fails with KindInsufficientPreprocessing,
// per pkg/runtime.Elements' "fail loudly, never silently re-reserve"
// contract.
func (s *Service) Prepare(ctx context.Context, pl *plan.Plan) error {
	demand := make(map[preprocessing.ElementKind]int)
	literals := make(map[bytecode.Address]*big.Int, len(pl.Program.Literals))
	for _, lit := range pl.Program.Literals {
		if lit.Type.Kind == nada.KindInteger || lit.Type.Kind == nada.KindUnsignedInteger {
			literals[lit.Addr] = lit.IntLiteral
		}
	}

	rounds := divint.RoundCount(s.prime.BigInt().BitLen())
	truncShift := uint(divint.Precision(s.prime.BigInt().BitLen()))

	for _, step := range pl.Steps {
		for _, inst := range step.Instances {
			if inst.Kind != plan.InstanceProtocol {
				continue
			}
			op := inst.Op
			switch op.Kind {
			case bytecode.OpMultiplication:
				demand[preprocessing.KindMultiplication]++
			case bytecode.OpLessThan:
				demand[preprocessing.KindCompare]++
			case bytecode.OpEquals, bytecode.OpPublicOutputEquality:
				demand[preprocessing.KindEquals]++
			case bytecode.OpTruncPr:
				demand[preprocessing.TruncPrKind(op.Shift)]++
			case bytecode.OpRandom:
				if op.Type.Kind == nada.KindSecretBoolean {
					demand[preprocessing.KindRandomBit]++
				} else {
					demand[preprocessing.KindRandomInteger]++
				}
			case bytecode.OpEcdsaSign:
				demand[preprocessing.KindEcdsaSign]++
			case bytecode.OpPower:
				demand[preprocessing.KindMultiplication] += powerMultCount(op.Exponent)
			case bytecode.OpDivision:
				// 2*rounds+1 for the Newton-Raphson loop and the final
				// dividend*w multiply, plus 6 for divint's sign-handling
				// machinery: 3 abs-value/sign-product triples, 2 low/high
				// correction triples, 1 final sign-reapplication triple.
				demand[preprocessing.KindMultiplication] += 2*rounds + 1 + 6
				demand[preprocessing.TruncPrKind(truncShift)] += rounds
				demand[preprocessing.KindRandomInteger]++
				// 2 sign COMPAREs (divisor<0, dividend<0) plus 2 low/high
				// correction COMPAREs.
				demand[preprocessing.KindCompare] += 4
			case bytecode.OpInnerProduct:
				if len(op.ArgTypes) > 0 && op.ArgTypes[0].Kind == nada.KindArray {
					demand[preprocessing.KindMultiplication] += op.ArgTypes[0].Size
				}
			case bytecode.OpModulo:
				lit, ok := literals[op.Args[1]]
				if !ok {
					return engineerr.New(engineerr.KindProgramMalformed, "elements.Prepare", fmt.Errorf("MODULO at op with dest %v requires a literal modulus operand", op.Dest))
				}
				demand[preprocessing.ModuloKind(lit)]++
			}
		}
	}

	for kind, count := range demand {
		if err := s.reserveKind(ctx, kind, count, elemsPerUnitFor(kind)); err != nil {
			return err
		}
	}
	return nil
}

// powerMultCount mirrors pkg/runtime's sizing for POWER's square-and-
// multiply chain exactly; duplicated here (rather than imported) since
// pkg/runtime's copy is unexported.
func powerMultCount(exponent uint64) int {
	if exponent == 0 {
		return 0
	}
	squarings := 0
	for e := exponent; e > 1; e >>= 1 {
		squarings++
	}
	ones := 0
	for e := exponent; e > 0; e &= e - 1 {
		ones++
	}
	extra := ones - 1
	if extra < 0 {
		extra = 0
	}
	return squarings + extra
}

func elemsPerUnitFor(kind preprocessing.ElementKind) int {
	switch {
	case kind == preprocessing.KindMultiplication:
		return 3
	case kind == preprocessing.KindCompare:
		return 2
	case kind == preprocessing.KindEquals:
		return 7
	case kind == preprocessing.KindRandomBit, kind == preprocessing.KindRandomInteger:
		return 1
	case kind == preprocessing.KindEcdsaSign:
		return 5
	default:
		return 2 // Modulo:*/TruncPr:* buckets, both (R, RLow/RShifted)
	}
}

// take draws the next unit from kind's reservation, fetching (and
// caching) the backing batch on demand.
func (s *Service) take(ctx context.Context, kind preprocessing.ElementKind) ([]field.Element, error) {
	s.mu.Lock()
	r, ok := s.pools[kind]
	s.mu.Unlock()
	if !ok {
		return nil, engineerr.New(engineerr.KindInsufficientPreprocessing, "elements.take", fmt.Errorf("kind %q was never reserved; Prepare must run before VM.Run", kind))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= r.end {
		return nil, engineerr.New(engineerr.KindInsufficientPreprocessing, "elements.take", fmt.Errorf("kind %q: reservation exhausted", kind))
	}
	offset := r.next
	r.next++

	batchID := offset / uint64(r.batchSize)
	withinBatch := int(offset % uint64(r.batchSize))

	blob, ok := r.cache[batchID]
	if !ok {
		b, err := s.blobs.Get(ctx, preprocessing.BatchKey(kind, batchID))
		if err != nil {
			return nil, engineerr.New(engineerr.KindMissingAuxiliaryMaterial, "elements.take", fmt.Errorf("kind %q batch %d: %w", kind, batchID, err))
		}
		blob = b
		r.cache[batchID] = blob
	}

	byteLen := s.prime.ByteLen()
	unitBytes := r.elemsPerUnit * s.numParties * byteLen
	unitStart := withinBatch * unitBytes
	if unitStart+unitBytes > len(blob) {
		return nil, engineerr.New(engineerr.KindMissingAuxiliaryMaterial, "elements.take", fmt.Errorf("kind %q batch %d: blob too short for unit %d", kind, batchID, withinBatch))
	}
	unit := blob[unitStart : unitStart+unitBytes]

	els := make([]field.Element, r.elemsPerUnit)
	for i := 0; i < r.elemsPerUnit; i++ {
		off := (i*s.numParties + s.partyIdx) * byteLen
		el, err := field.FromBytes(s.prime, unit[off:off+byteLen])
		if err != nil {
			return nil, engineerr.New(engineerr.KindInternal, "elements.take", err)
		}
		els[i] = el
	}
	return els, nil
}

func (s *Service) Triple(ctx context.Context) (mult.Triple, error) {
	els, err := s.take(ctx, preprocessing.KindMultiplication)
	if err != nil {
		return mult.Triple{}, err
	}
	return mult.Triple{A: els[0], B: els[1], C: els[2]}, nil
}

func (s *Service) Triples(ctx context.Context, n int) ([]mult.Triple, error) {
	out := make([]mult.Triple, n)
	for i := 0; i < n; i++ {
		t, err := s.Triple(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func (s *Service) CompareMask(ctx context.Context) (compare.Mask, error) {
	els, err := s.take(ctx, preprocessing.KindCompare)
	if err != nil {
		return compare.Mask{}, err
	}
	return compare.Mask{R: els[0], RTopBit: els[1], BitWidth: s.bitWidth}, nil
}

func (s *Service) EqualsMaterial(ctx context.Context) (lt, gt compare.Mask, conj mult.Triple, err error) {
	els, err := s.take(ctx, preprocessing.KindEquals)
	if err != nil {
		return compare.Mask{}, compare.Mask{}, mult.Triple{}, err
	}
	lt = compare.Mask{R: els[0], RTopBit: els[1], BitWidth: s.bitWidth}
	gt = compare.Mask{R: els[2], RTopBit: els[3], BitWidth: s.bitWidth}
	conj = mult.Triple{A: els[4], B: els[5], C: els[6]}
	return lt, gt, conj, nil
}

func (s *Service) TruncPrMask(ctx context.Context) (truncpr.Mask, error) {
	return s.truncPrMaskForShift(ctx, uint(divint.Precision(s.prime.BigInt().BitLen())))
}

func (s *Service) truncPrMaskForShift(ctx context.Context, shift uint) (truncpr.Mask, error) {
	els, err := s.take(ctx, preprocessing.TruncPrKind(shift))
	if err != nil {
		return truncpr.Mask{}, err
	}
	return truncpr.Mask{R: els[0], RShifted: els[1]}, nil
}

func (s *Service) ModuloMask(ctx context.Context, modulus *big.Int) (modulo.Mask, error) {
	els, err := s.take(ctx, preprocessing.ModuloKind(modulus))
	if err != nil {
		return modulo.Mask{}, err
	}
	return modulo.Mask{R: els[0], RLow: els[1], Modulus: modulus}, nil
}

func (s *Service) RandomBitShare(ctx context.Context) (field.Element, error) {
	els, err := s.take(ctx, preprocessing.KindRandomBit)
	if err != nil {
		return field.Element{}, err
	}
	return els[0], nil
}

func (s *Service) RandomIntegerShare(ctx context.Context) (field.Element, error) {
	els, err := s.take(ctx, preprocessing.KindRandomInteger)
	if err != nil {
		return field.Element{}, err
	}
	return els[0], nil
}

func (s *Service) EcdsaSignMaterial(ctx context.Context) (k, kinv field.Element, triple mult.Triple, err error) {
	els, err := s.take(ctx, preprocessing.KindEcdsaSign)
	if err != nil {
		return field.Element{}, field.Element{}, mult.Triple{}, err
	}
	return els[0], els[1], mult.Triple{A: els[2], B: els[3], C: els[4]}, nil
}
