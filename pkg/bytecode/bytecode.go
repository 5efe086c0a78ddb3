// Package bytecode implements the lowering target described in spec.md
// 4.3: HL-IR is traversed in topological order, addresses are allocated in
// input/literal/heap memory pools, and each node becomes (at most) one
// flat Operation. Per Design Note 9, Operation is a single tagged union
// with per-variant payload fields rather than one type per operation, so
// the VM's dispatch loop is a branch on Kind instead of virtual calls.
package bytecode

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"

	"github.com/nilvm/engine/pkg/engineerr"
	"github.com/nilvm/engine/pkg/hlir"
	"github.com/nilvm/engine/pkg/nada"
)

// Region tags which memory pool an Address lives in.
type Region uint8

const (
	RegionInput Region = iota
	RegionLiteral
	RegionHeap
)

func (r Region) String() string {
	switch r {
	case RegionInput:
		return "input"
	case RegionLiteral:
		return "literal"
	default:
		return "heap"
	}
}

// Address is a single addressable memory slot: a region tag plus an
// offset within that region's flat slice.
type Address struct {
	Region Region
	Offset uint32
}

// Kind tags an Operation variant; values mirror spec.md 9.1's catalogue.
type Kind uint8

const (
	OpNot Kind = iota
	OpAddition
	OpSubtraction
	OpMultiplication
	OpCast
	OpLoad
	OpGet
	OpNew
	OpModulo
	OpPower
	OpLeftShift
	OpRightShift
	OpDivision
	OpLessThan
	OpEquals
	OpPublicOutputEquality
	OpLiteral
	OpIfElse
	OpReveal
	OpRandom
	OpTruncPr
	OpInnerProduct
	OpEcdsaSign
)

func (k Kind) String() string {
	switch k {
	case OpNot:
		return "Not"
	case OpAddition:
		return "Addition"
	case OpSubtraction:
		return "Subtraction"
	case OpMultiplication:
		return "Multiplication"
	case OpCast:
		return "Cast"
	case OpLoad:
		return "Load"
	case OpGet:
		return "Get"
	case OpNew:
		return "New"
	case OpModulo:
		return "Modulo"
	case OpPower:
		return "Power"
	case OpLeftShift:
		return "LeftShift"
	case OpRightShift:
		return "RightShift"
	case OpDivision:
		return "Division"
	case OpLessThan:
		return "LessThan"
	case OpEquals:
		return "Equals"
	case OpPublicOutputEquality:
		return "PublicOutputEquality"
	case OpLiteral:
		return "Literal"
	case OpIfElse:
		return "IfElse"
	case OpReveal:
		return "Reveal"
	case OpRandom:
		return "Random"
	case OpTruncPr:
		return "TruncPr"
	case OpInnerProduct:
		return "InnerProduct"
	case OpEcdsaSign:
		return "EcdsaSign"
	default:
		return "Unknown"
	}
}

// Operation is one flat bytecode instruction: a destination address, a
// variant Kind, and the address(es) of its operands. Args is generic so
// that the VM can size-check it per Kind without a pile of near-identical
// struct fields.
type Operation struct {
	Kind Kind
	Dest Address
	Args []Address
	Type nada.Type
	// ArgTypes carries the declared type of each Args entry, one-to-one.
	// Most kinds never need it (Read on a primitive slot ignores its type
	// argument), but compound operands -- InnerProduct's two vectors, most
	// notably -- must be read with their true element/size to be walked
	// correctly, so the compiler records it for every operation uniformly.
	ArgTypes []nada.Type

	// OpLeftShift/OpRightShift/OpTruncPr immediate shift amount.
	Shift uint
	// OpPower: public exponent.
	Exponent uint64
	// OpGet: which field of the source compound to read.
	FieldIndex int
	// OpCast: whether the destination integer type is unsigned.
	Unsigned bool
}

// InputDecl names one client-supplied input: its declared type (whose
// AddressCount validates the client's share layout) and the address of
// its header slot in the input region.
type InputDecl struct {
	Name  string
	Party string
	Type  nada.Type
	Addr  Address
}

// OutputDecl names one program output: a heap address the VM reads (and
// materialises into the client-facing result) once the plan finishes.
type OutputDecl struct {
	Name  string
	Party string
	Type  nada.Type
	Addr  Address
}

// LiteralEntry is one precomputed constant in the literal pool.
type LiteralEntry struct {
	Addr        Address
	Type        nada.Type
	IntLiteral  *big.Int
	BoolLiteral bool
}

// Program is the compiled, flat bytecode form of an hlir.Program: memory
// pool declarations plus the operation vector, per spec.md 4.3.
type Program struct {
	Ops       []Operation
	Inputs    []InputDecl
	Outputs   []OutputDecl
	Literals  []LiteralEntry
	HeapSize  uint32
	InputSize uint32
}

// wireProgram is the CBOR-serialisable shadow of Program; nada.Type and
// big.Int need no special handling since cbor/v2 already round-trips
// exported struct fields and big.Int's Text(10) via TextMarshaler-like
// behaviour is not assumed here -- we encode big.Int as its decimal string
// to keep the wire format independent of the library's default int
// handling for arbitrary precision values.
type wireOperation struct {
	Kind       Kind
	Dest       Address
	Args       []Address
	Type       nada.Type
	ArgTypes   []nada.Type
	Shift      uint
	Exponent   uint64
	FieldIndex int
	Unsigned   bool
}

type wireLiteral struct {
	Addr        Address
	Type        nada.Type
	IntLiteral  string
	HasInt      bool
	BoolLiteral bool
}

type wireProgram struct {
	Ops       []wireOperation
	Inputs    []InputDecl
	Outputs   []OutputDecl
	Literals  []wireLiteral
	HeapSize  uint32
	InputSize uint32
}

// MarshalBinary encodes the program as CBOR, the project's canonical
// compiled-artifact wire format.
func (p *Program) MarshalBinary() ([]byte, error) {
	w := wireProgram{
		Outputs:   p.Outputs,
		Inputs:    p.Inputs,
		HeapSize:  p.HeapSize,
		InputSize: p.InputSize,
	}
	for _, op := range p.Ops {
		w.Ops = append(w.Ops, wireOperation{
			Kind: op.Kind, Dest: op.Dest, Args: op.Args, Type: op.Type, ArgTypes: op.ArgTypes,
			Shift: op.Shift, Exponent: op.Exponent, FieldIndex: op.FieldIndex, Unsigned: op.Unsigned,
		})
	}
	for _, lit := range p.Literals {
		wl := wireLiteral{Addr: lit.Addr, Type: lit.Type, BoolLiteral: lit.BoolLiteral}
		if lit.IntLiteral != nil {
			wl.HasInt = true
			wl.IntLiteral = lit.IntLiteral.Text(10)
		}
		w.Literals = append(w.Literals, wl)
	}
	var buf bytes.Buffer
	enc := cbor.NewEncoder(&buf)
	if err := enc.Encode(w); err != nil {
		return nil, engineerr.New(engineerr.KindInternal, "bytecode.MarshalBinary", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a program previously produced by MarshalBinary.
func (p *Program) UnmarshalBinary(data []byte) error {
	var w wireProgram
	if err := cbor.Unmarshal(data, &w); err != nil {
		return engineerr.New(engineerr.KindProgramMalformed, "bytecode.UnmarshalBinary", err)
	}
	p.Outputs = w.Outputs
	p.Inputs = w.Inputs
	p.HeapSize = w.HeapSize
	p.InputSize = w.InputSize
	p.Ops = p.Ops[:0]
	for _, op := range w.Ops {
		p.Ops = append(p.Ops, Operation{
			Kind: op.Kind, Dest: op.Dest, Args: op.Args, Type: op.Type, ArgTypes: op.ArgTypes,
			Shift: op.Shift, Exponent: op.Exponent, FieldIndex: op.FieldIndex, Unsigned: op.Unsigned,
		})
	}
	p.Literals = p.Literals[:0]
	for _, wl := range w.Literals {
		lit := LiteralEntry{Addr: wl.Addr, Type: wl.Type, BoolLiteral: wl.BoolLiteral}
		if wl.HasInt {
			v, ok := new(big.Int).SetString(wl.IntLiteral, 10)
			if !ok {
				return engineerr.New(engineerr.KindProgramMalformed, "bytecode.UnmarshalBinary", fmt.Errorf("malformed literal integer %q", wl.IntLiteral))
			}
			lit.IntLiteral = v
		}
		p.Literals = append(p.Literals, lit)
	}
	return nil
}

// ReadsTable computes, for every Heap or Input address, the number of
// times it is read as an operand across the whole operation vector plus
// once per output binding -- the planner reuses this to size the runtime
// memory pool's per-slot reference counts (spec.md 4.3's "reads-table").
// Per Design Note 9's open question, literal and output-region reads are
// deliberately excluded: literals are immutable and never freed, and an
// output address's own read (by the VM at plan end) is counted here
// exactly once via the Outputs loop below, never re-counted elsewhere.
func (p *Program) ReadsTable() map[Address]int {
	reads := make(map[Address]int)
	count := func(a Address) {
		if a.Region == RegionHeap || a.Region == RegionInput {
			reads[a]++
		}
	}
	for _, op := range p.Ops {
		for _, a := range op.Args {
			count(a)
		}
	}
	for _, out := range p.Outputs {
		count(out.Addr)
	}
	return reads
}

type allocator struct {
	next [3]uint32
}

func (a *allocator) alloc(r Region, n int) Address {
	start := a.next[r]
	a.next[r] += uint32(n)
	return Address{Region: r, Offset: start}
}

// ChildOffset returns the slot offset (relative to a compound's header
// slot) and type of field idx within t, per the header-then-flattened-
// children layout spec.md 4.3 describes.
func ChildOffset(t nada.Type, idx int) (int, nada.Type, error) {
	switch t.Kind {
	case nada.KindArray:
		if idx < 0 || idx >= t.Size {
			return 0, nada.Type{}, fmt.Errorf("array index %d out of range [0,%d)", idx, t.Size)
		}
		return 1 + idx*t.Element.AddressCount(), *t.Element, nil
	case nada.KindTuple:
		if idx == 0 {
			return 1, *t.Left, nil
		}
		if idx == 1 {
			return 1 + t.Left.AddressCount(), *t.Right, nil
		}
		return 0, nada.Type{}, fmt.Errorf("tuple index %d out of range [0,2)", idx)
	case nada.KindNTuple:
		if idx < 0 || idx >= len(t.Fields) {
			return 0, nada.Type{}, fmt.Errorf("ntuple index %d out of range", idx)
		}
		off := 1
		for i := 0; i < idx; i++ {
			off += t.Fields[i].AddressCount()
		}
		return off, t.Fields[idx], nil
	case nada.KindObject:
		if idx < 0 || idx >= len(t.Types) {
			return 0, nada.Type{}, fmt.Errorf("object index %d out of range", idx)
		}
		off := 1
		for i := 0; i < idx; i++ {
			off += t.Types[i].AddressCount()
		}
		return off, t.Types[idx], nil
	default:
		return 0, nada.Type{}, fmt.Errorf("type %s has no fields", t)
	}
}

// Compile lowers a call-free hlir.Program (hlir.Inline must already have
// run) to a flat Program, allocating addresses in topological order.
func Compile(src *hlir.Program) (*Program, error) {
	order, err := src.TopoOrder()
	if err != nil {
		return nil, err
	}

	out := &Program{}
	var alloc allocator
	addr := make(map[hlir.NodeID]Address, len(order))

	for _, id := range order {
		n, _ := src.Node(id)
		count := n.Type.AddressCount()

		switch n.Kind {
		case hlir.KindInput:
			a := alloc.alloc(RegionInput, count)
			addr[id] = a
			out.Inputs = append(out.Inputs, InputDecl{Name: n.Name, Party: n.Party, Type: n.Type, Addr: a})
			continue
		case hlir.KindLiteral:
			a := alloc.alloc(RegionLiteral, count)
			addr[id] = a
			out.Literals = append(out.Literals, LiteralEntry{Addr: a, Type: n.Type, IntLiteral: n.IntLiteral, BoolLiteral: n.BoolLiteral})
			continue
		case hlir.KindCall:
			return nil, engineerr.New(engineerr.KindProgramMalformed, "bytecode.Compile", fmt.Errorf("uninlined call node %q reached the compiler", n.CallName))
		}

		dest := alloc.alloc(RegionHeap, count)
		addr[id] = dest

		op := Operation{Dest: dest, Type: n.Type, Shift: n.Shift, Exponent: n.Exponent, FieldIndex: n.FieldIndex}
		for _, o := range n.Operands {
			on, _ := src.Node(o)
			op.Args = append(op.Args, addr[o])
			op.ArgTypes = append(op.ArgTypes, on.Type)
		}

		switch n.Kind {
		case hlir.KindNot:
			op.Kind = OpNot
		case hlir.KindAdd:
			op.Kind = OpAddition
		case hlir.KindSub:
			op.Kind = OpSubtraction
		case hlir.KindMul:
			op.Kind = OpMultiplication
		case hlir.KindCast:
			op.Kind = OpCast
			op.Unsigned = n.Type.Kind == nada.KindUnsignedInteger || n.Type.Kind == nada.KindSecretUnsignedInteger
		case hlir.KindGet:
			parent, _ := src.Node(n.Operands[0])
			off, childType, ferr := ChildOffset(parent.Type, n.FieldIndex)
			if ferr != nil {
				return nil, engineerr.New(engineerr.KindProgramMalformed, "bytecode.Compile", ferr)
			}
			op.Type = childType
			parentAddr := op.Args[0]
			source := Address{Region: parentAddr.Region, Offset: parentAddr.Offset + uint32(off)}
			op.Args = []Address{source}
			op.ArgTypes = []nada.Type{childType}
			if childType.Kind.IsPrimitive() {
				// Pointer-to-primitive is disallowed; copy the leaf instead
				// of aliasing it, per spec.md 4.4.
				op.Kind = OpLoad
			} else {
				op.Kind = OpGet
			}
		case hlir.KindNew:
			op.Kind = OpNew
		case hlir.KindMod:
			op.Kind = OpModulo
		case hlir.KindPow:
			op.Kind = OpPower
		case hlir.KindShl:
			op.Kind = OpLeftShift
		case hlir.KindShr:
			op.Kind = OpRightShift
		case hlir.KindDiv:
			op.Kind = OpDivision
		case hlir.KindLessThan:
			op.Kind = OpLessThan
		case hlir.KindEquals:
			op.Kind = OpEquals
		case hlir.KindPublicOutputEquality:
			op.Kind = OpPublicOutputEquality
		case hlir.KindIfElse:
			op.Kind = OpIfElse
		case hlir.KindReveal:
			op.Kind = OpReveal
		case hlir.KindRandom:
			op.Kind = OpRandom
		case hlir.KindTruncPr:
			op.Kind = OpTruncPr
		case hlir.KindInnerProduct:
			op.Kind = OpInnerProduct
		case hlir.KindEcdsaSign:
			op.Kind = OpEcdsaSign
		default:
			return nil, engineerr.New(engineerr.KindProgramMalformed, "bytecode.Compile", fmt.Errorf("unhandled hlir kind %d", n.Kind))
		}
		out.Ops = append(out.Ops, op)
	}

	for _, o := range src.Outputs {
		n, _ := src.Node(o.Node)
		out.Outputs = append(out.Outputs, OutputDecl{Name: o.Name, Party: o.Party, Type: n.Type, Addr: addr[o.Node]})
	}
	out.HeapSize = alloc.next[RegionHeap]
	out.InputSize = alloc.next[RegionInput]
	return out, nil
}
