package runtime

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/bytecode"
	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/nada"
	"github.com/nilvm/engine/pkg/runtime/memory"
)

func heapAddr(offset uint32) bytecode.Address {
	return bytecode.Address{Region: bytecode.RegionHeap, Offset: offset}
}

func newActor() *memory.Actor {
	return memory.NewActor(nil)
}

func TestRunLocalAddSubInteger(t *testing.T) {
	ctx := context.Background()
	mem := newActor()
	defer mem.Close()

	a, b, dest := heapAddr(0), heapAddr(1), heapAddr(2)
	require.NoError(t, mem.Store(ctx, a, nada.NewInteger(big.NewInt(7))))
	require.NoError(t, mem.Store(ctx, b, nada.NewInteger(big.NewInt(3))))

	op := bytecode.Operation{Kind: bytecode.OpAddition, Dest: dest, Type: nada.NewPrimitiveType(nada.KindInteger), Args: []bytecode.Address{a, b}}
	require.NoError(t, runLocal(ctx, field.Safe64, mem, op))

	out, err := mem.Read(ctx, dest, nada.NewPrimitiveType(nada.KindInteger))
	require.NoError(t, err)
	n, err := out.Int()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), n)
}

func TestRunLocalSubSecretShares(t *testing.T) {
	ctx := context.Background()
	mem := newActor()
	defer mem.Close()

	prime := field.Safe64
	a, b, dest := heapAddr(0), heapAddr(1), heapAddr(2)
	sa := field.FromUint64(prime, 9)
	sb := field.FromUint64(prime, 4)
	require.NoError(t, mem.Store(ctx, a, nada.NewSecretShare(nada.KindSecretInteger, sa)))
	require.NoError(t, mem.Store(ctx, b, nada.NewSecretShare(nada.KindSecretInteger, sb)))

	op := bytecode.Operation{Kind: bytecode.OpSubtraction, Dest: dest, Type: nada.NewPrimitiveType(nada.KindSecretInteger), Args: []bytecode.Address{a, b}}
	require.NoError(t, runLocal(ctx, prime, mem, op))

	out, err := mem.Read(ctx, dest, nada.NewPrimitiveType(nada.KindSecretInteger))
	require.NoError(t, err)
	sh, err := out.Share()
	require.NoError(t, err)
	want, _ := sa.Sub(sb)
	assert.True(t, sh.Equal(want))
}

func TestRunLocalNotBoolean(t *testing.T) {
	ctx := context.Background()
	mem := newActor()
	defer mem.Close()

	a, dest := heapAddr(0), heapAddr(1)
	require.NoError(t, mem.Store(ctx, a, nada.NewBoolean(true)))

	op := bytecode.Operation{Kind: bytecode.OpNot, Dest: dest, Type: nada.NewPrimitiveType(nada.KindBoolean), Args: []bytecode.Address{a}}
	require.NoError(t, runLocal(ctx, field.Safe64, mem, op))

	out, err := mem.Read(ctx, dest, nada.NewPrimitiveType(nada.KindBoolean))
	require.NoError(t, err)
	b, err := out.Bool()
	require.NoError(t, err)
	assert.False(t, b)
}

func TestRunLocalNotSecretBoolean(t *testing.T) {
	ctx := context.Background()
	mem := newActor()
	defer mem.Close()

	prime := field.Safe64
	a, dest := heapAddr(0), heapAddr(1)
	share := field.EncodeBoolean(prime, true)
	require.NoError(t, mem.Store(ctx, a, nada.NewSecretShare(nada.KindSecretBoolean, share)))

	op := bytecode.Operation{Kind: bytecode.OpNot, Dest: dest, Type: nada.NewPrimitiveType(nada.KindSecretBoolean), Args: []bytecode.Address{a}}
	require.NoError(t, runLocal(ctx, prime, mem, op))

	out, err := mem.Read(ctx, dest, nada.NewPrimitiveType(nada.KindSecretBoolean))
	require.NoError(t, err)
	sh, err := out.Share()
	require.NoError(t, err)
	want, _ := field.One(prime).Sub(share)
	assert.True(t, sh.Equal(want))
}

func TestRunLocalCastIntegerToUnsigned(t *testing.T) {
	ctx := context.Background()
	mem := newActor()
	defer mem.Close()

	a, dest := heapAddr(0), heapAddr(1)
	require.NoError(t, mem.Store(ctx, a, nada.NewInteger(big.NewInt(5))))

	op := bytecode.Operation{Kind: bytecode.OpCast, Dest: dest, Type: nada.NewPrimitiveType(nada.KindUnsignedInteger), Args: []bytecode.Address{a}}
	require.NoError(t, runLocal(ctx, field.Safe64, mem, op))

	out, err := mem.Read(ctx, dest, nada.NewPrimitiveType(nada.KindUnsignedInteger))
	require.NoError(t, err)
	assert.Equal(t, nada.KindUnsignedInteger, out.Type.Kind)
}

func TestRunLocalCastNegativeToUnsignedFails(t *testing.T) {
	ctx := context.Background()
	mem := newActor()
	defer mem.Close()

	a, dest := heapAddr(0), heapAddr(1)
	require.NoError(t, mem.Store(ctx, a, nada.NewInteger(big.NewInt(-1))))

	op := bytecode.Operation{Kind: bytecode.OpCast, Dest: dest, Type: nada.NewPrimitiveType(nada.KindUnsignedInteger), Args: []bytecode.Address{a}}
	assert.Error(t, runLocal(ctx, field.Safe64, mem, op))
}

func TestRunLocalShift(t *testing.T) {
	ctx := context.Background()
	mem := newActor()
	defer mem.Close()

	a, dest := heapAddr(0), heapAddr(1)
	require.NoError(t, mem.Store(ctx, a, nada.NewInteger(big.NewInt(3))))

	op := bytecode.Operation{Kind: bytecode.OpLeftShift, Dest: dest, Type: nada.NewPrimitiveType(nada.KindInteger), Args: []bytecode.Address{a}, Shift: 4}
	require.NoError(t, runLocal(ctx, field.Safe64, mem, op))

	out, err := mem.Read(ctx, dest, nada.NewPrimitiveType(nada.KindInteger))
	require.NoError(t, err)
	n, err := out.Int()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(48), n)
}

func TestRunLocalIfElse(t *testing.T) {
	ctx := context.Background()
	mem := newActor()
	defer mem.Close()

	cond, thenAddr, elseAddr, dest := heapAddr(0), heapAddr(1), heapAddr(2), heapAddr(3)
	require.NoError(t, mem.Store(ctx, cond, nada.NewBoolean(true)))
	require.NoError(t, mem.Store(ctx, thenAddr, nada.NewInteger(big.NewInt(1))))
	require.NoError(t, mem.Store(ctx, elseAddr, nada.NewInteger(big.NewInt(2))))

	op := bytecode.Operation{
		Kind: bytecode.OpIfElse, Dest: dest, Type: nada.NewPrimitiveType(nada.KindInteger),
		Args: []bytecode.Address{cond, thenAddr, elseAddr},
	}
	require.NoError(t, runLocal(ctx, field.Safe64, mem, op))

	out, err := mem.Read(ctx, dest, nada.NewPrimitiveType(nada.KindInteger))
	require.NoError(t, err)
	n, err := out.Int()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), n)
}

func TestRunLocalNewArray(t *testing.T) {
	ctx := context.Background()
	mem := newActor()
	defer mem.Close()

	elemType := nada.NewPrimitiveType(nada.KindInteger)
	arrType := nada.NewArrayType(elemType, 2)

	e0, e1 := heapAddr(0), heapAddr(1)
	require.NoError(t, mem.Store(ctx, e0, nada.NewInteger(big.NewInt(11))))
	require.NoError(t, mem.Store(ctx, e1, nada.NewInteger(big.NewInt(22))))

	dest := heapAddr(2)
	op := bytecode.Operation{Kind: bytecode.OpNew, Dest: dest, Type: arrType, Args: []bytecode.Address{e0, e1}}
	require.NoError(t, runLocal(ctx, field.Safe64, mem, op))

	out, err := mem.Read(ctx, dest, arrType)
	require.NoError(t, err)
	els, err := out.Elements()
	require.NoError(t, err)
	require.Len(t, els, 2)
	n0, _ := els[0].Int()
	n1, _ := els[1].Int()
	assert.Equal(t, big.NewInt(11), n0)
	assert.Equal(t, big.NewInt(22), n1)
}

func TestPowerMultCount(t *testing.T) {
	assert.Equal(t, 0, powerMultCount(0))
	assert.Equal(t, 0, powerMultCount(1))
	assert.Equal(t, 1, powerMultCount(2))
	assert.Equal(t, 2, powerMultCount(3))
	assert.Equal(t, 2, powerMultCount(4))
	assert.Equal(t, 4, powerMultCount(7))
}
