package plan_test

import (
	"math/big"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/bytecode"
	"github.com/nilvm/engine/pkg/hlir"
	"github.com/nilvm/engine/pkg/nada"
	"github.com/nilvm/engine/pkg/plan"
)

var bigIntComparer = cmp.Comparer(func(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
})

func TestBuildOrdersDependentOpsIntoLaterSteps(t *testing.T) {
	p := hlir.NewProgram()
	a := p.AddInput("a", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	b := p.AddInput("b", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	mul := p.AddBinary(hlir.KindMul, nada.NewPrimitiveType(nada.KindSecretInteger), a, b)
	sub := p.AddBinary(hlir.KindSub, nada.NewPrimitiveType(nada.KindSecretInteger), mul, a)
	p.SetOutput("out", "party1", sub)

	prog, err := bytecode.Compile(p)
	require.NoError(t, err)

	pl, err := plan.Build(prog)
	require.NoError(t, err)

	require.Len(t, pl.Steps, 2)
	require.Len(t, pl.Steps[0].Instances, 1)
	require.Equal(t, bytecode.OpMultiplication, pl.Steps[0].Instances[0].Op.Kind)
	require.Len(t, pl.Steps[1].Instances, 1)
	require.Equal(t, bytecode.OpSubtraction, pl.Steps[1].Instances[0].Op.Kind)
}

func TestBuildGroupsIndependentOpsInOneStep(t *testing.T) {
	p := hlir.NewProgram()
	a := p.AddInput("a", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	b := p.AddInput("b", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	add1 := p.AddBinary(hlir.KindAdd, nada.NewPrimitiveType(nada.KindSecretInteger), a, b)
	add2 := p.AddBinary(hlir.KindAdd, nada.NewPrimitiveType(nada.KindSecretInteger), b, a)
	tup := p.AddNew(nada.NewTupleType(nada.NewPrimitiveType(nada.KindSecretInteger), nada.NewPrimitiveType(nada.KindSecretInteger)), add1, add2)
	p.SetOutput("out", "party1", tup)

	prog, err := bytecode.Compile(p)
	require.NoError(t, err)

	pl, err := plan.Build(prog)
	require.NoError(t, err)
	require.Len(t, pl.Steps, 2)
	require.Len(t, pl.Steps[0].Instances, 2)
}

func TestElementDemandCountsProtocolInstances(t *testing.T) {
	p := hlir.NewProgram()
	a := p.AddInput("a", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	b := p.AddInput("b", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	mul := p.AddBinary(hlir.KindMul, nada.NewPrimitiveType(nada.KindSecretInteger), a, b)
	p.SetOutput("out", "party1", mul)

	prog, err := bytecode.Compile(p)
	require.NoError(t, err)
	pl, err := plan.Build(prog)
	require.NoError(t, err)

	demand := pl.ElementDemand()
	require.Equal(t, 1, demand[bytecode.OpMultiplication])
}

// TestBuildIsDeterministic checks that Build produces the exact same Plan
// (step partitioning, instance kinds and reads table) on every call over
// the same compiled program, the way a cluster-wide plan cache relies on.
func TestBuildIsDeterministic(t *testing.T) {
	p := hlir.NewProgram()
	a := p.AddInput("a", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	b := p.AddInput("b", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	mul := p.AddBinary(hlir.KindMul, nada.NewPrimitiveType(nada.KindSecretInteger), a, b)
	sub := p.AddBinary(hlir.KindSub, nada.NewPrimitiveType(nada.KindSecretInteger), mul, a)
	p.SetOutput("out", "party1", sub)

	prog, err := bytecode.Compile(p)
	require.NoError(t, err)

	first, err := plan.Build(prog)
	require.NoError(t, err)
	second, err := plan.Build(prog)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second, bigIntComparer); diff != "" {
		t.Errorf("plan.Build is not deterministic (-first +second):\n%s", diff)
	}
}
