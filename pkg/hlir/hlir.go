// Package hlir implements the high-level IR described in spec.md 4.3: a
// typed DAG of operations that the compiler lowers to bytecode. Function
// calls are inlined before lowering; direct or indirect recursion is
// rejected with a DFS three-colour cycle check, per Design Note 9 ("detect
// this with a DFS colouring rather than by recursion-depth limits").
package hlir

import (
	"fmt"
	"math/big"

	"github.com/nilvm/engine/pkg/engineerr"
	"github.com/nilvm/engine/pkg/nada"
)

// NodeID identifies a node within a Program. Zero is never a valid id.
type NodeID uint32

// Kind tags the operation a Node performs. The set mirrors the bytecode
// operation catalogue (spec.md 9.1) one level up: HL-IR still expresses
// function calls, which Inline removes before lowering.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInput
	KindLiteral
	KindNot
	KindAdd
	KindSub
	KindMul
	KindCast
	KindLoad
	KindGet
	KindNew
	KindMod
	KindPow
	KindShl
	KindShr
	KindDiv
	KindLessThan
	KindEquals
	KindPublicOutputEquality
	KindIfElse
	KindReveal
	KindRandom
	KindTruncPr
	KindInnerProduct
	KindEcdsaSign
	KindCall // inlined away by Inline; never reaches the bytecode compiler
)

// Node is one operation in the DAG. Operands reference producer NodeIDs;
// Type is the node's nada.Type, inferred by the builder at construction
// time (the compiler never re-infers types).
type Node struct {
	ID       NodeID
	Kind     Kind
	Type     nada.Type
	Operands []NodeID

	// Input/Output/Random: which party this node is bound to.
	Party string
	// Input/Output/New-field: the declared name.
	Name string

	// Literal payload (Literal, and Cast/Get/New/Shl/Shr immediate operands).
	IntLiteral  *big.Int
	BoolLiteral bool
	Shift       uint
	Exponent    uint64 // Pow: public exponent
	FieldIndex  int    // Get: which child of a Tuple/NTuple/Object

	// Call: function name and argument nodes (Operands holds the args).
	CallName string
}

// Program is a function body: its nodes plus the declared inputs/outputs.
type Program struct {
	Nodes   []*Node
	byID    map[NodeID]*Node
	nextID  NodeID
	Inputs  []NodeID // in declaration order
	Outputs []Output
}

// Output names a node as a program output bound to a party.
type Output struct {
	Name  string
	Party string
	Node  NodeID
}

// NewProgram returns an empty Program builder.
func NewProgram() *Program {
	return &Program{byID: make(map[NodeID]*Node)}
}

func (p *Program) add(n *Node) NodeID {
	p.nextID++
	n.ID = p.nextID
	p.Nodes = append(p.Nodes, n)
	p.byID[n.ID] = n
	return n.ID
}

// Node looks up a node by id.
func (p *Program) Node(id NodeID) (*Node, bool) {
	n, ok := p.byID[id]
	return n, ok
}

// AddInput declares a named input of the given type, bound to party.
func (p *Program) AddInput(name, party string, typ nada.Type) NodeID {
	id := p.add(&Node{Kind: KindInput, Type: typ, Name: name, Party: party})
	p.Inputs = append(p.Inputs, id)
	return id
}

// AddIntLiteral adds a public Integer/UnsignedInteger literal node.
func (p *Program) AddIntLiteral(v *big.Int, unsigned bool) NodeID {
	kind := nada.KindInteger
	if unsigned {
		kind = nada.KindUnsignedInteger
	}
	return p.add(&Node{Kind: KindLiteral, Type: nada.NewPrimitiveType(kind), IntLiteral: v})
}

// AddBoolLiteral adds a public Boolean literal node.
func (p *Program) AddBoolLiteral(b bool) NodeID {
	return p.add(&Node{Kind: KindLiteral, Type: nada.NewPrimitiveType(nada.KindBoolean), BoolLiteral: b})
}

// AddBinary adds a binary operator node (Add, Sub, Mul, Mod, Pow, Div,
// LessThan, Equals, PublicOutputEquality) over two operands that must
// already have been added to the program.
func (p *Program) AddBinary(kind Kind, typ nada.Type, left, right NodeID) NodeID {
	return p.add(&Node{Kind: kind, Type: typ, Operands: []NodeID{left, right}})
}

// AddUnary adds a unary operator node (Not, Reveal).
func (p *Program) AddUnary(kind Kind, typ nada.Type, operand NodeID) NodeID {
	return p.add(&Node{Kind: kind, Type: typ, Operands: []NodeID{operand}})
}

// AddCast adds a Cast node converting operand to typ.
func (p *Program) AddCast(typ nada.Type, operand NodeID) NodeID {
	return p.add(&Node{Kind: KindCast, Type: typ, Operands: []NodeID{operand}})
}

// AddShift adds a LeftShift/RightShift node by a public immediate amount.
func (p *Program) AddShift(kind Kind, typ nada.Type, operand NodeID, shift uint) NodeID {
	return p.add(&Node{Kind: kind, Type: typ, Operands: []NodeID{operand}, Shift: shift})
}

// AddPow adds a Power(operand, exponent) node for a public exponent.
func (p *Program) AddPow(typ nada.Type, operand NodeID, exponent uint64) NodeID {
	return p.add(&Node{Kind: KindPow, Type: typ, Operands: []NodeID{operand}, Exponent: exponent})
}

// AddGet adds a Get node reading field index idx out of a Tuple/NTuple/Object.
func (p *Program) AddGet(typ nada.Type, operand NodeID, idx int) NodeID {
	return p.add(&Node{Kind: KindGet, Type: typ, Operands: []NodeID{operand}, FieldIndex: idx})
}

// AddNew adds a New node constructing a compound value from its children.
func (p *Program) AddNew(typ nada.Type, children ...NodeID) NodeID {
	return p.add(&Node{Kind: KindNew, Type: typ, Operands: children})
}

// AddIfElse adds a IfElse(cond, then, else) node.
func (p *Program) AddIfElse(typ nada.Type, cond, thenID, elseID NodeID) NodeID {
	return p.add(&Node{Kind: KindIfElse, Type: typ, Operands: []NodeID{cond, thenID, elseID}})
}

// AddRandom adds a Random node producing a fresh secret of typ.
func (p *Program) AddRandom(typ nada.Type) NodeID {
	return p.add(&Node{Kind: KindRandom, Type: typ})
}

// AddTruncPr adds a TruncPr(operand, shift) node.
func (p *Program) AddTruncPr(typ nada.Type, operand NodeID, shift uint) NodeID {
	return p.add(&Node{Kind: KindTruncPr, Type: typ, Operands: []NodeID{operand}, Shift: shift})
}

// AddInnerProduct adds an InnerProduct(xs, ys) node over two equal-length
// array operands.
func (p *Program) AddInnerProduct(typ nada.Type, xs, ys NodeID) NodeID {
	return p.add(&Node{Kind: KindInnerProduct, Type: typ, Operands: []NodeID{xs, ys}})
}

// AddEcdsaSign adds an EcdsaSign(privateKeyShare, digest) node.
func (p *Program) AddEcdsaSign(privateKeyShare, digest NodeID) NodeID {
	return p.add(&Node{Kind: KindEcdsaSign, Type: nada.NewPrimitiveType(nada.KindEcdsaSignatureShare), Operands: []NodeID{privateKeyShare, digest}})
}

// AddCall adds a Call node invoking the named function with args; Inline
// must run before lowering this program to bytecode.
func (p *Program) AddCall(typ nada.Type, name string, args ...NodeID) NodeID {
	return p.add(&Node{Kind: KindCall, Type: typ, Operands: args, CallName: name})
}

// SetOutput binds node as the program output named name, visible to party.
func (p *Program) SetOutput(name, party string, node NodeID) {
	p.Outputs = append(p.Outputs, Output{Name: name, Party: party, Node: node})
}

// TopoOrder returns node ids in a valid topological order (every operand
// precedes its consumer), via Kahn's algorithm. It fails ProgramMalformed
// if the operand graph contains a cycle (which Inline should already have
// rejected for function calls, but this guards direct DAG corruption too).
func (p *Program) TopoOrder() ([]NodeID, error) {
	indeg := make(map[NodeID]int, len(p.Nodes))
	consumers := make(map[NodeID][]NodeID, len(p.Nodes))
	for _, n := range p.Nodes {
		if _, ok := indeg[n.ID]; !ok {
			indeg[n.ID] = 0
		}
		for _, op := range n.Operands {
			indeg[n.ID]++
			consumers[op] = append(consumers[op], n.ID)
		}
	}
	var queue []NodeID
	for _, n := range p.Nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	order := make([]NodeID, 0, len(p.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, c := range consumers[id] {
			indeg[c]--
			if indeg[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) != len(p.Nodes) {
		return nil, engineerr.New(engineerr.KindProgramMalformed, "hlir.TopoOrder", fmt.Errorf("operand graph contains a cycle"))
	}
	return order, nil
}

// color is the DFS visitation state used by Inline's cycle check.
type color uint8

const (
	white color = iota
	gray
	black
)

// Inline replaces every Call node with the called function's body, wired
// through its argument nodes, and returns the resulting call-free Program.
// A function invoked (directly or transitively) from within its own body
// is rejected with ProgramMalformed rather than inlined forever.
func Inline(entry *Program, funcs map[string]*Program) (*Program, error) {
	colors := make(map[string]color, len(funcs))
	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case black:
			return nil
		case gray:
			return engineerr.New(engineerr.KindProgramMalformed, "hlir.Inline", fmt.Errorf("recursive function call involving %q", name))
		}
		colors[name] = gray
		fn, ok := funcs[name]
		if !ok {
			return engineerr.New(engineerr.KindProgramMalformed, "hlir.Inline", fmt.Errorf("call to undefined function %q", name))
		}
		for _, n := range fn.Nodes {
			if n.Kind == KindCall {
				if err := visit(n.CallName); err != nil {
					return err
				}
			}
		}
		colors[name] = black
		return nil
	}
	for _, n := range entry.Nodes {
		if n.Kind == KindCall {
			if err := visit(n.CallName); err != nil {
				return nil, err
			}
		}
	}

	out := NewProgram()
	// Node ids are only unique within one Program, so every body being
	// inlined gets its own id remapping.
	var inlineInto func(src *Program, argBinding map[NodeID]NodeID) (map[NodeID]NodeID, error)
	inlineInto = func(src *Program, argBinding map[NodeID]NodeID) (map[NodeID]NodeID, error) {
		remap := make(map[NodeID]NodeID, len(src.Nodes))
		order, err := src.TopoOrder()
		if err != nil {
			return nil, err
		}
		for _, id := range order {
			n, _ := src.Node(id)
			if bound, ok := argBinding[id]; ok {
				remap[id] = bound
				continue
			}
			if n.Kind == KindCall {
				fn := funcs[n.CallName]
				binding := make(map[NodeID]NodeID, len(fn.Inputs))
				for i, inputID := range fn.Inputs {
					binding[inputID] = remap[n.Operands[i]]
				}
				calleeRemap, err := inlineInto(fn, binding)
				if err != nil {
					return nil, err
				}
				if len(fn.Outputs) != 1 {
					return nil, engineerr.New(engineerr.KindProgramMalformed, "hlir.Inline", fmt.Errorf("function %q must have exactly one output to be called as an expression", n.CallName))
				}
				remap[id] = calleeRemap[fn.Outputs[0].Node]
				continue
			}
			cp := *n
			cp.Operands = make([]NodeID, len(n.Operands))
			for i, op := range n.Operands {
				cp.Operands[i] = remap[op]
			}
			newID := out.add(&cp)
			remap[id] = newID
		}
		return remap, nil
	}
	remap, err := inlineInto(entry, map[NodeID]NodeID{})
	if err != nil {
		return nil, err
	}
	for _, id := range entry.Inputs {
		out.Inputs = append(out.Inputs, remap[id])
	}
	for _, o := range entry.Outputs {
		out.SetOutput(o.Name, o.Party, remap[o.Node])
	}
	return out, nil
}
