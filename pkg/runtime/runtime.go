// Package runtime implements the VM described in spec.md 4.5: it walks a
// plan.Plan one step at a time, dispatching each step's instances
// concurrently -- InstanceLocal ones against runtime memory directly,
// InstanceProtocol ones by driving a protocol.Machine over the channel
// layer -- and materialises the plan's declared outputs once every step
// has completed.
package runtime

import (
	"context"
	"crypto/elliptic"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nilvm/engine/internal/ports"
	"github.com/nilvm/engine/pkg/bytecode"
	"github.com/nilvm/engine/pkg/engineerr"
	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/nada"
	"github.com/nilvm/engine/pkg/plan"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/ecdsadkg"
	"github.com/nilvm/engine/pkg/runtime/memory"
	"github.com/nilvm/engine/pkg/shamir"
)

// Config fixes one VM's party-local, compute-wide parameters: the field
// it computes over, the Shamir sharing degree, this party's identity and
// its view of every party's x-coordinate, the curve ECDSA-SIGN runs over,
// the preprocessing element source, and (optionally) the metrics sink.
// ExecutionID identifies this compute across every party's VM (the same
// bytes on every party); every party must set it to the same value for a
// given run, the same way the wire layer's ComputeHeader.ComputeID names
// one compute to every party. It keys the blake3 domain-separation tags
// this VM derives per protocol instance; a nil/empty ExecutionID still
// works (it derives from a fixed fallback tag) but loses cross-run
// domain separation, so production callers should always set it.
type Config struct {
	Prime       *field.Prime
	Degree      int
	Self        protocol.PartyID
	Points      map[protocol.PartyID]shamir.PartyPoint
	Curve       elliptic.Curve
	Elements    Elements
	Metrics     ports.Metrics
	ExecutionID []byte
}

// VM runs one compiled plan to completion for one party. A VM is single-
// use: construct a fresh one (New) per compute.
type VM struct {
	Prime       *field.Prime
	Degree      int
	Self        protocol.PartyID
	Points      map[protocol.PartyID]shamir.PartyPoint
	Curve       elliptic.Curve
	Elements    Elements
	Metrics     ports.Metrics
	ExecutionID []byte

	Mem *memory.Actor
}

// New builds a VM from cfg. cfg.Curve defaults to ecdsadkg.Curve()
// (secp256k1) if nil.
func New(cfg Config) *VM {
	curve := cfg.Curve
	if curve == nil {
		curve = ecdsadkg.Curve()
	}
	return &VM{
		Prime: cfg.Prime, Degree: cfg.Degree, Self: cfg.Self, Points: cfg.Points,
		Curve: curve, Elements: cfg.Elements, Metrics: cfg.Metrics,
		ExecutionID: cfg.ExecutionID,
	}
}

func (vm *VM) allParties() []protocol.PartyID {
	out := make([]protocol.PartyID, 0, len(vm.Points))
	for p := range vm.Points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func literalValue(lit bytecode.LiteralEntry) (nada.Value, error) {
	switch lit.Type.Kind {
	case nada.KindInteger:
		return nada.NewInteger(lit.IntLiteral), nil
	case nada.KindUnsignedInteger:
		return nada.NewUnsignedInteger(lit.IntLiteral), nil
	case nada.KindBoolean:
		return nada.NewBoolean(lit.BoolLiteral), nil
	default:
		return nada.Value{}, fmt.Errorf("runtime: literal of type %s is not supported", lit.Type.Kind)
	}
}

// Run executes pl to completion, feeding inputs (keyed by InputDecl.Name)
// into the input region and returning every declared output (keyed by
// OutputDecl.Name). It opens the compute's inbound message stream via
// channels, so channels.Recv must not have been consumed for any other
// purpose before Run is called.
func (vm *VM) Run(ctx context.Context, channels ports.Channels, pl *plan.Plan, inputs map[string]nada.Value) (map[string]nada.Value, error) {
	vm.Mem = memory.NewActor(pl.Reads)
	defer vm.Mem.Close()

	for _, lit := range pl.Program.Literals {
		v, err := literalValue(lit)
		if err != nil {
			return nil, engineerr.New(engineerr.KindProgramMalformed, "runtime.Run", err)
		}
		if err := vm.Mem.Store(ctx, lit.Addr, v); err != nil {
			return nil, err
		}
	}

	for _, in := range pl.Program.Inputs {
		v, ok := inputs[in.Name]
		if !ok {
			return nil, engineerr.New(engineerr.KindInvalidInputs, "runtime.Run", fmt.Errorf("missing input %q", in.Name))
		}
		if !v.Type.Equal(in.Type) {
			return nil, engineerr.New(engineerr.KindInvalidInputs, "runtime.Run", fmt.Errorf("input %q: declared type %s, got %s", in.Name, in.Type, v.Type))
		}
		if err := vm.Mem.Store(ctx, in.Addr, v); err != nil {
			return nil, err
		}
	}

	inbound, err := channels.Recv(ctx)
	if err != nil {
		return nil, engineerr.New(engineerr.KindPeerUnavailable, "runtime.Run", err)
	}
	routerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rtr := newRouter()
	go rtr.run(routerCtx, inbound)

	for i, step := range pl.Steps {
		if err := vm.runStep(ctx, channels, rtr, step); err != nil {
			return nil, fmt.Errorf("runtime: step %d: %w", i, err)
		}
	}

	outputs := make(map[string]nada.Value, len(pl.Program.Outputs))
	for _, out := range pl.Program.Outputs {
		v, err := vm.Mem.Read(ctx, out.Addr, out.Type)
		if err != nil {
			return nil, err
		}
		outputs[out.Name] = v
	}
	return outputs, nil
}

func (vm *VM) runStep(ctx context.Context, channels ports.Channels, rtr *router, step plan.Step) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range step.Instances {
		inst := inst
		g.Go(func() error {
			if vm.Metrics != nil {
				vm.Metrics.IncInstances(inst.Op.Kind.String(), 1)
				defer vm.Metrics.IncInstances(inst.Op.Kind.String(), -1)
			}
			if inst.Kind == plan.InstanceLocal {
				return runLocal(gctx, vm.Prime, vm.Mem, inst.Op)
			}
			return vm.runProtocol(gctx, channels, rtr, uint64(inst.OpIndex), inst.Op)
		})
	}
	return g.Wait()
}
