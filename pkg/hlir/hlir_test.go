package hlir_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/hlir"
	"github.com/nilvm/engine/pkg/nada"
)

func TestTopoOrderOrdersOperandsBeforeConsumers(t *testing.T) {
	p := hlir.NewProgram()
	a := p.AddInput("a", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	b := p.AddInput("b", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	sub := p.AddBinary(hlir.KindSub, nada.NewPrimitiveType(nada.KindSecretInteger), a, b)
	p.SetOutput("out", "party1", sub)

	order, err := p.TopoOrder()
	require.NoError(t, err)
	require.Len(t, order, 3)

	pos := make(map[hlir.NodeID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	require.Less(t, pos[a], pos[sub])
	require.Less(t, pos[b], pos[sub])
}

func TestInlineSingleCall(t *testing.T) {
	sq := hlir.NewProgram()
	x := sq.AddInput("x", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	mul := sq.AddBinary(hlir.KindMul, nada.NewPrimitiveType(nada.KindSecretInteger), x, x)
	sq.SetOutput("ret", "party1", mul)

	entry := hlir.NewProgram()
	a := entry.AddInput("a", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	call := entry.AddCall(nada.NewPrimitiveType(nada.KindSecretInteger), "square", a)
	entry.SetOutput("out", "party1", call)

	out, err := hlir.Inline(entry, map[string]*hlir.Program{"square": sq})
	require.NoError(t, err)

	for _, n := range out.Nodes {
		require.NotEqual(t, hlir.KindCall, n.Kind)
	}
	require.Len(t, out.Outputs, 1)
	outNode, ok := out.Node(out.Outputs[0].Node)
	require.True(t, ok)
	require.Equal(t, hlir.KindMul, outNode.Kind)
}

func TestInlineRejectsRecursion(t *testing.T) {
	self := hlir.NewProgram()
	x := self.AddInput("x", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	call := self.AddCall(nada.NewPrimitiveType(nada.KindSecretInteger), "loop", x)
	self.SetOutput("ret", "party1", call)

	entry := hlir.NewProgram()
	a := entry.AddInput("a", "party1", nada.NewPrimitiveType(nada.KindSecretInteger))
	c := entry.AddCall(nada.NewPrimitiveType(nada.KindSecretInteger), "loop", a)
	entry.SetOutput("out", "party1", c)

	_, err := hlir.Inline(entry, map[string]*hlir.Program{"loop": self})
	require.Error(t, err)
}

func TestIntLiteralNodeCarriesValue(t *testing.T) {
	p := hlir.NewProgram()
	id := p.AddIntLiteral(big.NewInt(42), false)
	n, ok := p.Node(id)
	require.True(t, ok)
	require.Equal(t, big.NewInt(42), n.IntLiteral)
}
