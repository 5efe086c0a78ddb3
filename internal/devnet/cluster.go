// Package devnet assembles the pieces spec.md 4 and 6 otherwise split
// across a cluster of processes and a real wire transport -- dealer-based
// preprocessing, the Scheduler, one runtime-elements Service and one
// runtime.VM per party -- into a single in-process run, generalising the
// loopback-channel hub pattern pkg/runtime's own tests use. cmd/nilvmd and
// cmd/nilvmctl both drive a Cluster rather than talking to real peers,
// since spec.md's Non-goals exclude the gRPC transport surface.
package devnet

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nilvm/engine/internal/ports"
	"github.com/nilvm/engine/internal/storage/memblob"
	"github.com/nilvm/engine/pkg/bytecode"
	"github.com/nilvm/engine/pkg/engineerr"
	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/nada"
	"github.com/nilvm/engine/pkg/plan"
	"github.com/nilvm/engine/pkg/preprocessing"
	"github.com/nilvm/engine/pkg/preprocessing/elements"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/divint"
	"github.com/nilvm/engine/pkg/runtime"
	"github.com/nilvm/engine/pkg/shamir"
)

// Hub is an in-process loopback implementing one ports.Channels per
// party, so VM.Run can be driven across a simulated cluster with no real
// transport. Grounded on pkg/runtime/runtime_test.go's hub/loopbackChannels.
type Hub struct {
	mu    sync.Mutex
	boxes map[protocol.PartyID]chan ports.InboundEnvelope
}

// NewHub allocates one inbound mailbox per party.
func NewHub(parties []protocol.PartyID) *Hub {
	h := &Hub{boxes: make(map[protocol.PartyID]chan ports.InboundEnvelope)}
	for _, p := range parties {
		h.boxes[p] = make(chan ports.InboundEnvelope, 1024)
	}
	return h
}

// ChannelsFor returns the ports.Channels view of the hub for self.
func (h *Hub) ChannelsFor(self protocol.PartyID) ports.Channels {
	return &loopbackChannels{hub: h, self: self}
}

type loopbackChannels struct {
	hub  *Hub
	self protocol.PartyID
}

func (c *loopbackChannels) Send(ctx context.Context, to protocol.PartyID, msg ports.Envelope) error {
	c.hub.mu.Lock()
	box, ok := c.hub.boxes[to]
	c.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("devnet: unknown party %q", to)
	}
	select {
	case box <- ports.InboundEnvelope{From: c.self, Envelope: msg}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *loopbackChannels) Recv(ctx context.Context) (<-chan ports.InboundEnvelope, error) {
	c.hub.mu.Lock()
	box := c.hub.boxes[c.self]
	c.hub.mu.Unlock()
	return box, nil
}

// recordedRange is one element kind's reservation, as the leader's
// elements.Service committed it.
type recordedRange struct {
	start, end uint64
	batchSize  int
}

// recordingReserver wraps the cluster's real Scheduler and remembers every
// range it hands out, keyed by kind. The leader party's elements.Service
// reserves through this.
type recordingReserver struct {
	inner *preprocessing.Scheduler

	mu     sync.Mutex
	ranges map[preprocessing.ElementKind]recordedRange
}

func newRecordingReserver(sched *preprocessing.Scheduler) *recordingReserver {
	return &recordingReserver{inner: sched, ranges: make(map[preprocessing.ElementKind]recordedRange)}
}

func (r *recordingReserver) Reserve(ctx context.Context, kind preprocessing.ElementKind, count int) (uint64, uint64, int, error) {
	start, end, batchSize, err := r.inner.Reserve(ctx, kind, count)
	if err != nil {
		return 0, 0, 0, err
	}
	r.mu.Lock()
	r.ranges[kind] = recordedRange{start: start, end: end, batchSize: batchSize}
	r.mu.Unlock()
	return start, end, batchSize, nil
}

// replayReserver hands every non-leader party the exact range the leader
// committed for a kind, instead of reserving its own: real deployments
// broadcast this range to followers over the wire; a single in-process
// Scheduler has no such channel, so replay stands in for that broadcast.
type replayReserver struct {
	src *recordingReserver
}

func (r *replayReserver) Reserve(_ context.Context, kind preprocessing.ElementKind, _ int) (uint64, uint64, int, error) {
	r.src.mu.Lock()
	rr, ok := r.src.ranges[kind]
	r.src.mu.Unlock()
	if !ok {
		return 0, 0, 0, engineerr.New(engineerr.KindInsufficientPreprocessing, "devnet.replayReserver",
			fmt.Errorf("kind %q was never reserved by the leader", kind))
	}
	return rr.start, rr.end, rr.batchSize, nil
}

// Config fixes one devnet cluster's cryptographic and scheduling
// parameters.
type Config struct {
	Prime        *field.Prime
	Degree       int
	BitWidth     uint
	Parties      []protocol.PartyID
	Blobs        ports.BlobRepository // nil defaults to an in-memory store
	Metrics      ports.Metrics        // nil defaults to metrics.NoOp
	PrepBatch    int                  // default batch size reserved per element kind; 0 defaults to 256
}

// Cluster wires one DealerGenerator and Scheduler to a simulated N-party
// runtime, standing in for the real leader-plus-followers cluster spec.md
// 4.6 describes.
type Cluster struct {
	prime    *field.Prime
	degree   int
	bitWidth uint
	parties  []protocol.PartyID
	points   map[protocol.PartyID]shamir.PartyPoint
	blobs    ports.BlobRepository
	metrics  ports.Metrics
	dealer   *preprocessing.DealerGenerator
	sched    *preprocessing.Scheduler
	hub      *Hub
	prepBatch int

	configuredMu sync.Mutex
	configured   map[preprocessing.ElementKind]bool
}

// NewCluster builds a Cluster from cfg, assigning Shamir x-coordinates
// 1..N to cfg.Parties in sorted order.
func NewCluster(cfg Config) (*Cluster, error) {
	if len(cfg.Parties) == 0 {
		return nil, fmt.Errorf("devnet: cluster needs at least one party")
	}
	parties := preprocessing.SortedParties(toPointMap(cfg.Parties))
	points := make(map[protocol.PartyID]shamir.PartyPoint, len(parties))
	for i, p := range parties {
		points[p] = shamir.PartyPoint(i + 1)
	}

	blobs := cfg.Blobs
	if blobs == nil {
		blobs = memblob.New()
	}
	prepBatch := cfg.PrepBatch
	if prepBatch <= 0 {
		prepBatch = 256
	}

	dealer := &preprocessing.DealerGenerator{
		Prime: cfg.Prime, Degree: cfg.Degree, Points: points, Parties: parties, BitWidth: cfg.BitWidth,
	}
	sched, err := preprocessing.NewScheduler(blobs, dealer, false, len(parties))
	if err != nil {
		return nil, err
	}

	return &Cluster{
		prime: cfg.Prime, degree: cfg.Degree, bitWidth: cfg.BitWidth,
		parties: parties, points: points, blobs: blobs, metrics: cfg.Metrics,
		dealer: dealer, sched: sched, hub: NewHub(parties), prepBatch: prepBatch,
		configured: make(map[preprocessing.ElementKind]bool),
	}, nil
}

// toPointMap builds a placeholder point map purely so preprocessing.
// SortedParties (which takes a map keyed by party) can sort an arbitrary
// party slice; the values are discarded.
func toPointMap(parties []protocol.PartyID) map[protocol.PartyID]shamir.PartyPoint {
	m := make(map[protocol.PartyID]shamir.PartyPoint, len(parties))
	for _, p := range parties {
		m[p] = 0
	}
	return m
}

// Parties returns the cluster's sorted party set.
func (c *Cluster) Parties() []protocol.PartyID { return append([]protocol.PartyID(nil), c.parties...) }

// KindStatus is one element kind's scheduler offsets, as reported by
// preprocessing.Scheduler.Snapshot.
type KindStatus struct {
	Kind      string
	Generated uint64
	Committed uint64
}

// PreprocessingStatus reports the scheduler's generated/committed offsets
// for every kind the cluster has configured so far. A kind that has never
// been configured (no Run or Warm has touched it yet) is omitted.
func (c *Cluster) PreprocessingStatus() ([]KindStatus, error) {
	c.configuredMu.Lock()
	kinds := make([]preprocessing.ElementKind, 0, len(c.configured))
	for k := range c.configured {
		kinds = append(kinds, k)
	}
	c.configuredMu.Unlock()

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	out := make([]KindStatus, 0, len(kinds))
	for _, k := range kinds {
		generated, committed, err := c.sched.Snapshot(k)
		if err != nil {
			return nil, fmt.Errorf("devnet: snapshotting %s: %w", k, err)
		}
		out = append(out, KindStatus{Kind: string(k), Generated: generated, Committed: committed})
	}
	return out, nil
}

// fixedKinds are the element kinds every devnet cluster configures
// unconditionally, since they cover every op that is not parameterized by
// a runtime literal or field-size-dependent shift.
func fixedKinds() []preprocessing.ElementKind {
	return []preprocessing.ElementKind{
		preprocessing.KindMultiplication,
		preprocessing.KindCompare,
		preprocessing.KindEquals,
		preprocessing.KindRandomBit,
		preprocessing.KindRandomInteger,
		preprocessing.KindEcdsaSign,
	}
}

// provisionPreprocessing configures (once per kind, ever) and tops up
// every element kind pl might consume, sized generously (c.prepBatch
// shares) rather than exactly, since a devnet cluster favours simplicity
// over tight admission control. Configure is skipped for kinds already
// configured by an earlier Run call on this Cluster: Scheduler.Configure
// resets a kind's offset counters, so reconfiguring a kind a prior run
// already committed offsets against would desync the next GenerateDeficit
// from the batches already persisted in blob storage.
func (c *Cluster) provisionPreprocessing(ctx context.Context, pl *plan.Plan) error {
	truncShift := uint(divint.Precision(c.prime.BigInt().BitLen()))
	kinds := append(fixedKinds(), preprocessing.TruncPrKind(truncShift))
	kinds = append(kinds, discoverModuloAndTruncKinds(pl)...)

	cfg := preprocessing.Config{BatchSize: c.prepBatch, GenerationThreshold: 1, TargetOffsetJump: 1}
	for _, kind := range kinds {
		c.configuredMu.Lock()
		isNew := !c.configured[kind]
		if isNew {
			c.configured[kind] = true
		}
		c.configuredMu.Unlock()
		if isNew {
			c.sched.Configure(kind, cfg)
		}
		if err := c.sched.GenerateDeficit(ctx, kind); err != nil {
			return fmt.Errorf("devnet: provisioning %s: %w", kind, err)
		}
	}
	return nil
}

// Warm tops up the cluster's universally useful preprocessing kinds (every
// fixed-shape kind plus the field's DIV-INT-SECRET truncation shift) ahead
// of any specific Run call, for a long-lived node that wants a standing
// preprocessing surplus rather than generating on first use. It does not
// provision the Modulo/TruncPr buckets a particular program's literals
// determine; those are provisioned by Run itself.
func (c *Cluster) Warm(ctx context.Context) error {
	return c.provisionPreprocessing(ctx, nil)
}

// discoverModuloAndTruncKinds finds every Modulo:*/TruncPr:* bucket a
// plan's MODULO and explicit TRUNC-PR operations require beyond the
// cluster-wide DIV-INT-SECRET shift provisionPreprocessing already adds.
func discoverModuloAndTruncKinds(pl *plan.Plan) []preprocessing.ElementKind {
	if pl == nil || pl.Program == nil {
		return nil
	}
	literals := make(map[bytecode.Address]*big.Int, len(pl.Program.Literals))
	for _, lit := range pl.Program.Literals {
		if lit.Type.Kind == nada.KindInteger || lit.Type.Kind == nada.KindUnsignedInteger {
			literals[lit.Addr] = lit.IntLiteral
		}
	}
	seen := make(map[preprocessing.ElementKind]bool)
	var out []preprocessing.ElementKind
	add := func(k preprocessing.ElementKind) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, step := range pl.Steps {
		for _, inst := range step.Instances {
			if inst.Kind != plan.InstanceProtocol {
				continue
			}
			switch inst.Op.Kind {
			case bytecode.OpTruncPr:
				add(preprocessing.TruncPrKind(inst.Op.Shift))
			case bytecode.OpModulo:
				if lit, ok := literals[inst.Op.Args[1]]; ok {
					add(preprocessing.ModuloKind(lit))
				}
			}
		}
	}
	return out
}

// prepareServices provisions preprocessing for pl and builds one
// elements.Service per party, the leader's wired to the real Scheduler and
// every follower's replaying the leader's committed ranges.
func (c *Cluster) prepareServices(ctx context.Context, pl *plan.Plan) (map[protocol.PartyID]*elements.Service, error) {
	if err := c.provisionPreprocessing(ctx, pl); err != nil {
		return nil, err
	}

	recorder := newRecordingReserver(c.sched)
	leader := c.parties[0]

	leaderSvc, err := elements.NewService(c.prime, leader, c.parties, c.bitWidth, c.blobs, recorder)
	if err != nil {
		return nil, err
	}
	if err := leaderSvc.Prepare(ctx, pl); err != nil {
		return nil, err
	}

	services := map[protocol.PartyID]*elements.Service{leader: leaderSvc}
	replay := &replayReserver{src: recorder}
	for _, p := range c.parties[1:] {
		svc, err := elements.NewService(c.prime, p, c.parties, c.bitWidth, c.blobs, replay)
		if err != nil {
			return nil, err
		}
		if err := svc.Prepare(ctx, pl); err != nil {
			return nil, err
		}
		services[p] = svc
	}
	return services, nil
}

// InputValue is one cleartext input value a devnet run supplies for a
// program input. Exactly one field is set, matching the input's declared
// nada.Kind.
type InputValue struct {
	Int  *big.Int `json:"int,omitempty"`
	Bool *bool    `json:"bool,omitempty"`
}

// splitInput builds every party's nada.Value for one InputDecl: public
// kinds get the same cleartext value; secret primitive kinds are
// Shamir-split across the cluster's party points. Compound, blob and
// ECDSA-keyed inputs are out of scope for this harness.
func (c *Cluster) splitInput(decl bytecode.InputDecl, v InputValue) (map[protocol.PartyID]nada.Value, error) {
	pointList := make([]shamir.PartyPoint, 0, len(c.parties))
	for _, p := range c.parties {
		pointList = append(pointList, c.points[p])
	}

	out := make(map[protocol.PartyID]nada.Value, len(c.parties))
	switch decl.Type.Kind {
	case nada.KindInteger:
		if v.Int == nil {
			return nil, fmt.Errorf("devnet: input %q needs an integer value", decl.Name)
		}
		val := nada.NewInteger(v.Int)
		for _, p := range c.parties {
			out[p] = val
		}
	case nada.KindUnsignedInteger:
		if v.Int == nil {
			return nil, fmt.Errorf("devnet: input %q needs an integer value", decl.Name)
		}
		val := nada.NewUnsignedInteger(v.Int)
		for _, p := range c.parties {
			out[p] = val
		}
	case nada.KindBoolean:
		if v.Bool == nil {
			return nil, fmt.Errorf("devnet: input %q needs a boolean value", decl.Name)
		}
		val := nada.NewBoolean(*v.Bool)
		for _, p := range c.parties {
			out[p] = val
		}
	case nada.KindSecretInteger, nada.KindSecretUnsignedInteger:
		if v.Int == nil {
			return nil, fmt.Errorf("devnet: input %q needs an integer value", decl.Name)
		}
		el, err := field.EncodeInteger(c.prime, v.Int)
		if err != nil {
			return nil, err
		}
		shares, err := shamir.GenerateShares(c.prime, c.degree, el, pointList, shamir.CryptoRandSource{})
		if err != nil {
			return nil, err
		}
		byPoint := make(map[shamir.PartyPoint]field.Element, len(shares))
		for _, s := range shares {
			byPoint[s.Point] = s.Value
		}
		for _, p := range c.parties {
			out[p] = nada.NewSecretShare(decl.Type.Kind, byPoint[c.points[p]])
		}
	case nada.KindSecretBoolean:
		if v.Bool == nil {
			return nil, fmt.Errorf("devnet: input %q needs a boolean value", decl.Name)
		}
		el := field.EncodeBoolean(c.prime, *v.Bool)
		shares, err := shamir.GenerateShares(c.prime, c.degree, el, pointList, shamir.CryptoRandSource{})
		if err != nil {
			return nil, err
		}
		byPoint := make(map[shamir.PartyPoint]field.Element, len(shares))
		for _, s := range shares {
			byPoint[s.Point] = s.Value
		}
		for _, p := range c.parties {
			out[p] = nada.NewSecretShare(nada.KindSecretBoolean, byPoint[c.points[p]])
		}
	default:
		return nil, fmt.Errorf("devnet: input %q has unsupported kind %s", decl.Name, decl.Type.Kind)
	}
	return out, nil
}

// OutputValue is one reconstructed cleartext program output.
type OutputValue struct {
	Int  *big.Int `json:"int,omitempty"`
	Bool *bool    `json:"bool,omitempty"`
}

// reveal reconstructs a secret-kinded output from every party's share, or
// reads a public output directly off the first party's result.
func (c *Cluster) reveal(decl bytecode.OutputDecl, byParty map[protocol.PartyID]nada.Value) (OutputValue, error) {
	switch decl.Type.Kind {
	case nada.KindInteger, nada.KindUnsignedInteger:
		n, err := byParty[c.parties[0]].Int()
		if err != nil {
			return OutputValue{}, err
		}
		return OutputValue{Int: n}, nil
	case nada.KindBoolean:
		b, err := byParty[c.parties[0]].Bool()
		if err != nil {
			return OutputValue{}, err
		}
		return OutputValue{Bool: &b}, nil
	case nada.KindSecretInteger, nada.KindSecretUnsignedInteger, nada.KindSecretBoolean:
		points := make([]shamir.PartyPoint, 0, len(c.parties))
		for _, p := range c.parties {
			points = append(points, c.points[p])
		}
		cmb := shamir.NewCombiner(c.prime, points)
		shares := make([]shamir.Share, 0, len(c.parties))
		for _, p := range c.parties {
			share, err := byParty[p].Share()
			if err != nil {
				return OutputValue{}, err
			}
			shares = append(shares, shamir.Share{Point: c.points[p], Value: share})
		}
		revealed, err := nada.RevealWith(cmb, shares, decl.Type.Kind)
		if err != nil {
			return OutputValue{}, err
		}
		switch decl.Type.Kind {
		case nada.KindSecretBoolean:
			b, err := revealed.Bool()
			if err != nil {
				return OutputValue{}, err
			}
			return OutputValue{Bool: &b}, nil
		default:
			n, err := revealed.Int()
			if err != nil {
				return OutputValue{}, err
			}
			return OutputValue{Int: n}, nil
		}
	default:
		return OutputValue{}, fmt.Errorf("devnet: output %q has unsupported kind %s", decl.Name, decl.Type.Kind)
	}
}

// Run provisions preprocessing for prog, then executes it to completion
// across the simulated cluster, reconstructing every declared output.
func (c *Cluster) Run(ctx context.Context, prog *bytecode.Program, inputs map[string]InputValue) (map[string]OutputValue, error) {
	pl, err := plan.Build(prog)
	if err != nil {
		return nil, fmt.Errorf("devnet: building plan: %w", err)
	}

	services, err := c.prepareServices(ctx, pl)
	if err != nil {
		return nil, err
	}

	perParty := make(map[protocol.PartyID]map[string]nada.Value, len(c.parties))
	for _, p := range c.parties {
		perParty[p] = make(map[string]nada.Value, len(prog.Inputs))
	}
	for _, decl := range prog.Inputs {
		v, ok := inputs[decl.Name]
		if !ok {
			return nil, fmt.Errorf("devnet: missing input %q", decl.Name)
		}
		byParty, err := c.splitInput(decl, v)
		if err != nil {
			return nil, err
		}
		for _, p := range c.parties {
			perParty[p][decl.Name] = byParty[p]
		}
	}

	type result struct {
		party   protocol.PartyID
		outputs map[string]nada.Value
		err     error
	}
	executionID := uuid.New()
	results := make(chan result, len(c.parties))
	for _, p := range c.parties {
		p := p
		go func() {
			vm := runtime.New(runtime.Config{
				Prime: c.prime, Degree: c.degree, Self: p, Points: c.points,
				Elements: services[p], Metrics: c.metrics,
				ExecutionID: executionID[:],
			})
			out, err := vm.Run(ctx, c.hub.ChannelsFor(p), pl, perParty[p])
			results <- result{party: p, outputs: out, err: err}
		}()
	}

	byParty := make(map[protocol.PartyID]map[string]nada.Value, len(c.parties))
	var runErr error
	for range c.parties {
		r := <-results
		if r.err != nil && runErr == nil {
			runErr = r.err
		}
		byParty[r.party] = r.outputs
	}
	if runErr != nil {
		return nil, fmt.Errorf("devnet: run failed: %w", runErr)
	}

	outputs := make(map[string]OutputValue, len(prog.Outputs))
	for _, decl := range prog.Outputs {
		perOutputParty := make(map[protocol.PartyID]nada.Value, len(c.parties))
		for _, p := range c.parties {
			v, ok := byParty[p][decl.Name]
			if !ok {
				return nil, fmt.Errorf("devnet: party %q produced no output %q", p, decl.Name)
			}
			perOutputParty[p] = v
		}
		ov, err := c.reveal(decl, perOutputParty)
		if err != nil {
			return nil, err
		}
		outputs[decl.Name] = ov
	}
	return outputs, nil
}
