package runtime

import (
	"context"
	"fmt"
	"math/big"

	"github.com/nilvm/engine/pkg/bytecode"
	"github.com/nilvm/engine/pkg/engineerr"
	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/nada"
	"github.com/nilvm/engine/pkg/runtime/memory"
)

// anyPrimitive is a throwaway primitive Type used to read a slot whose
// real type is already known to the Pool: memory.Pool.Read's primitive
// branch returns the stored Value untouched and never inspects the type
// argument beyond IsPrimitive(), so any primitive placeholder works.
var anyPrimitive = nada.NewPrimitiveType(nada.KindInteger)

func readPrimitive(ctx context.Context, mem *memory.Actor, addr bytecode.Address) (nada.Value, error) {
	return mem.Read(ctx, addr, anyPrimitive)
}

// runLocal evaluates an InstanceLocal operation -- Not, Addition,
// Subtraction, Cast, Load, Get, New, LeftShift, RightShift, IfElse -- all
// of which touch only shares and public immediates already resident in
// memory, per spec.md 4.4.
func runLocal(ctx context.Context, prime *field.Prime, mem *memory.Actor, op bytecode.Operation) error {
	switch op.Kind {
	case bytecode.OpNot:
		return runNot(ctx, prime, mem, op)
	case bytecode.OpAddition:
		return runAddSub(ctx, prime, mem, op, true)
	case bytecode.OpSubtraction:
		return runAddSub(ctx, prime, mem, op, false)
	case bytecode.OpCast:
		return runCast(ctx, mem, op)
	case bytecode.OpLoad:
		v, err := readPrimitive(ctx, mem, op.Args[0])
		if err != nil {
			return err
		}
		return mem.Store(ctx, op.Dest, v)
	case bytecode.OpGet:
		v, err := mem.Read(ctx, op.Args[0], op.Type)
		if err != nil {
			return err
		}
		return mem.Store(ctx, op.Dest, v)
	case bytecode.OpNew:
		return runNew(ctx, mem, op)
	case bytecode.OpLeftShift, bytecode.OpRightShift:
		return runShift(ctx, mem, op)
	case bytecode.OpIfElse:
		return runIfElse(ctx, mem, op)
	default:
		return engineerr.New(engineerr.KindProgramMalformed, "runtime.runLocal", fmt.Errorf("op kind %d is not a local operation", op.Kind))
	}
}

func runNot(ctx context.Context, prime *field.Prime, mem *memory.Actor, op bytecode.Operation) error {
	v, err := readPrimitive(ctx, mem, op.Args[0])
	if err != nil {
		return err
	}
	switch v.Type.Kind {
	case nada.KindBoolean:
		b, _ := v.Bool()
		return mem.Store(ctx, op.Dest, nada.NewBoolean(!b))
	case nada.KindSecretBoolean:
		share, _ := v.Share()
		one := field.One(prime)
		neg, err := one.Sub(share)
		if err != nil {
			return engineerr.New(engineerr.KindInternal, "runtime.runNot", err)
		}
		return mem.Store(ctx, op.Dest, nada.NewSecretShare(nada.KindSecretBoolean, neg))
	default:
		return engineerr.New(engineerr.KindProgramMalformed, "runtime.runNot", fmt.Errorf("NOT is not defined for %s", v.Type.Kind))
	}
}

func runAddSub(ctx context.Context, prime *field.Prime, mem *memory.Actor, op bytecode.Operation, add bool) error {
	left, err := readPrimitive(ctx, mem, op.Args[0])
	if err != nil {
		return err
	}
	right, err := readPrimitive(ctx, mem, op.Args[1])
	if err != nil {
		return err
	}

	switch op.Type.Kind {
	case nada.KindInteger, nada.KindUnsignedInteger:
		l, _ := left.Int()
		r, _ := right.Int()
		out := new(big.Int)
		if add {
			out.Add(l, r)
		} else {
			out.Sub(l, r)
		}
		if op.Type.Kind == nada.KindUnsignedInteger {
			return mem.Store(ctx, op.Dest, nada.NewUnsignedInteger(out))
		}
		return mem.Store(ctx, op.Dest, nada.NewInteger(out))
	case nada.KindSecretInteger, nada.KindSecretUnsignedInteger, nada.KindSecretBoolean:
		ls, _ := left.Share()
		rs, _ := right.Share()
		var out field.Element
		var ferr error
		if add {
			out, ferr = ls.Add(rs)
		} else {
			out, ferr = ls.Sub(rs)
		}
		if ferr != nil {
			return engineerr.New(engineerr.KindInternal, "runtime.runAddSub", ferr)
		}
		return mem.Store(ctx, op.Dest, nada.NewSecretShare(op.Type.Kind, out))
	default:
		return engineerr.New(engineerr.KindProgramMalformed, "runtime.runAddSub", fmt.Errorf("addition/subtraction is not defined for %s", op.Type.Kind))
	}
}

func runCast(ctx context.Context, mem *memory.Actor, op bytecode.Operation) error {
	v, err := readPrimitive(ctx, mem, op.Args[0])
	if err != nil {
		return err
	}
	switch op.Type.Kind {
	case nada.KindInteger, nada.KindUnsignedInteger:
		n, err := v.Int()
		if err != nil {
			return engineerr.New(engineerr.KindInvalidInputs, "runtime.runCast", err)
		}
		if op.Type.Kind == nada.KindUnsignedInteger {
			if n.Sign() < 0 {
				return engineerr.New(engineerr.KindInvalidInputs, "runtime.runCast", fmt.Errorf("cannot cast negative value to UnsignedInteger"))
			}
			return mem.Store(ctx, op.Dest, nada.NewUnsignedInteger(n))
		}
		return mem.Store(ctx, op.Dest, nada.NewInteger(n))
	case nada.KindSecretInteger, nada.KindSecretUnsignedInteger:
		share, err := v.Share()
		if err != nil {
			return engineerr.New(engineerr.KindInvalidInputs, "runtime.runCast", err)
		}
		return mem.Store(ctx, op.Dest, nada.NewSecretShare(op.Type.Kind, share))
	default:
		return engineerr.New(engineerr.KindProgramMalformed, "runtime.runCast", fmt.Errorf("cast to %s is not supported", op.Type.Kind))
	}
}

func runNew(ctx context.Context, mem *memory.Actor, op bytecode.Operation) error {
	children := make([]nada.Value, len(op.Args))
	for i, a := range op.Args {
		_, ct, err := bytecode.ChildOffset(op.Type, i)
		if err != nil {
			return engineerr.New(engineerr.KindProgramMalformed, "runtime.runNew", err)
		}
		v, err := mem.Read(ctx, a, ct)
		if err != nil {
			return err
		}
		children[i] = v
	}

	var assembled nada.Value
	var err error
	switch op.Type.Kind {
	case nada.KindArray:
		assembled, err = nada.NewArray(*op.Type.Element, children)
	case nada.KindTuple:
		if len(children) != 2 {
			return engineerr.New(engineerr.KindProgramMalformed, "runtime.runNew", fmt.Errorf("tuple requires exactly 2 children, got %d", len(children)))
		}
		assembled = nada.NewTuple(children[0], children[1])
	case nada.KindNTuple:
		assembled = nada.NewNTuple(children...)
	case nada.KindObject:
		assembled, err = nada.NewObject(op.Type.Names, children)
	default:
		return engineerr.New(engineerr.KindProgramMalformed, "runtime.runNew", fmt.Errorf("NEW is not defined for %s", op.Type.Kind))
	}
	if err != nil {
		return engineerr.New(engineerr.KindInternal, "runtime.runNew", err)
	}
	return mem.Store(ctx, op.Dest, assembled)
}

func runShift(ctx context.Context, mem *memory.Actor, op bytecode.Operation) error {
	v, err := readPrimitive(ctx, mem, op.Args[0])
	if err != nil {
		return err
	}
	n, err := v.Int()
	if err != nil {
		return engineerr.New(engineerr.KindProgramMalformed, "runtime.runShift", fmt.Errorf("shift is only defined on public integer values: %w", err))
	}
	out := new(big.Int)
	if op.Kind == bytecode.OpLeftShift {
		out.Lsh(n, op.Shift)
	} else {
		out.Rsh(n, op.Shift)
	}
	if op.Type.Kind == nada.KindUnsignedInteger {
		return mem.Store(ctx, op.Dest, nada.NewUnsignedInteger(out))
	}
	return mem.Store(ctx, op.Dest, nada.NewInteger(out))
}

func runIfElse(ctx context.Context, mem *memory.Actor, op bytecode.Operation) error {
	condVal, err := readPrimitive(ctx, mem, op.Args[0])
	if err != nil {
		return err
	}
	cond, err := condVal.Bool()
	if err != nil {
		return engineerr.New(engineerr.KindProgramMalformed, "runtime.runIfElse", fmt.Errorf("if-else condition must be a public Boolean: %w", err))
	}
	branch := op.Args[2]
	if cond {
		branch = op.Args[1]
	}
	v, err := mem.Read(ctx, branch, op.Type)
	if err != nil {
		return err
	}
	return mem.Store(ctx, op.Dest, v)
}
