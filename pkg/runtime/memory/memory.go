// Package memory implements the runtime memory pool described in spec.md
// 4.4: a write-once, read-counted store keyed by bytecode.Address, plus a
// mailbox-actor wrapper (Design Note 9's strategy (a), "simplest, good for
// cooperative scheduling") that serialises all access through a single
// goroutine so a compute's memory is owned exclusively by that compute.
package memory

import (
	"context"
	"fmt"

	"github.com/nilvm/engine/pkg/bytecode"
	"github.com/nilvm/engine/pkg/engineerr"
	"github.com/nilvm/engine/pkg/nada"
)

// status is a slot's lifecycle state.
type status uint8

const (
	statusEmpty status = iota
	statusPresent
	statusNotAvailable
)

type slotEntry struct {
	status status
	reads  int
	value  nada.Value // meaningful only for primitive leaf slots
}

// Pool is the flat, address-keyed memory store for one compute. It is not
// safe for concurrent use directly; Actor serialises access for callers
// that need concurrency.
type Pool struct {
	slots map[bytecode.Address]*slotEntry
	reads map[bytecode.Address]int
}

// NewPool builds an empty Pool. reads is the plan's reads-table (spec.md
// 4.3): the number of times each Heap/Input address is expected to be
// read. An address absent from reads is treated as read exactly once --
// this covers compound child slots that are only ever reached by walking
// their parent's header and are never independently referenced as an
// operand elsewhere.
func NewPool(reads map[bytecode.Address]int) *Pool {
	return &Pool{slots: make(map[bytecode.Address]*slotEntry), reads: reads}
}

func (p *Pool) readCountFor(addr bytecode.Address) int {
	if n, ok := p.reads[addr]; ok {
		return n
	}
	return 1
}

// Store writes v at addr, recursively flattening compound values
// depth-first: a header slot for each container, then a leaf slot per
// primitive child, per spec.md 4.4. Storing into a non-Empty slot is a
// programmer error and fails with MemoryViolation.
func (p *Pool) Store(addr bytecode.Address, v nada.Value) error {
	return p.storeRec(addr, v)
}

func (p *Pool) storeRec(addr bytecode.Address, v nada.Value) error {
	existing, ok := p.slots[addr]
	if ok && existing.status != statusEmpty {
		return engineerr.New(engineerr.KindMemoryViolation, "memory.Store", fmt.Errorf("address %s/%d is not empty", addr.Region, addr.Offset))
	}

	if v.Type.Kind.IsPrimitive() {
		p.slots[addr] = &slotEntry{status: statusPresent, reads: p.readCountFor(addr), value: v}
		return nil
	}

	p.slots[addr] = &slotEntry{status: statusPresent, reads: p.readCountFor(addr)}
	children, err := valueChildren(v)
	if err != nil {
		return engineerr.New(engineerr.KindInternal, "memory.Store", err)
	}
	for i, child := range children {
		off, _, err := bytecode.ChildOffset(v.Type, i)
		if err != nil {
			return engineerr.New(engineerr.KindInternal, "memory.Store", err)
		}
		childAddr := bytecode.Address{Region: addr.Region, Offset: addr.Offset + uint32(off)}
		if err := p.storeRec(childAddr, child); err != nil {
			return err
		}
	}
	return nil
}

// Read reconstructs the value of declared type typ at addr, decrementing
// the slot's remaining read count; the final read transitions the slot to
// NotAvailable. Literal-region slots are never freed: reading one leaves
// its count untouched. Reading an uninitialised or already-exhausted slot
// fails with MemoryViolation.
func (p *Pool) Read(addr bytecode.Address, typ nada.Type) (nada.Value, error) {
	s, ok := p.slots[addr]
	if !ok || s.status == statusEmpty {
		return nada.Value{}, engineerr.New(engineerr.KindMemoryViolation, "memory.Read", fmt.Errorf("address %s/%d is uninitialised", addr.Region, addr.Offset))
	}
	if s.status == statusNotAvailable {
		return nada.Value{}, engineerr.New(engineerr.KindMemoryViolation, "memory.Read", fmt.Errorf("address %s/%d already fully read", addr.Region, addr.Offset))
	}

	if typ.Kind.IsPrimitive() {
		v := s.value
		if addr.Region == bytecode.RegionLiteral {
			return v, nil
		}
		s.reads--
		if s.reads <= 0 {
			s.status = statusNotAvailable
		}
		return v, nil
	}

	count := childCount(typ)
	children := make([]nada.Value, count)
	for i := 0; i < count; i++ {
		off, childType, err := bytecode.ChildOffset(typ, i)
		if err != nil {
			return nada.Value{}, engineerr.New(engineerr.KindInternal, "memory.Read", err)
		}
		childAddr := bytecode.Address{Region: addr.Region, Offset: addr.Offset + uint32(off)}
		child, err := p.Read(childAddr, childType)
		if err != nil {
			return nada.Value{}, err
		}
		children[i] = child
	}
	s.reads--
	if s.reads <= 0 {
		s.status = statusNotAvailable
	}
	return assemble(typ, children)
}

func childCount(t nada.Type) int {
	switch t.Kind {
	case nada.KindArray:
		return t.Size
	case nada.KindTuple:
		return 2
	case nada.KindNTuple:
		return len(t.Fields)
	case nada.KindObject:
		return len(t.Types)
	default:
		return 0
	}
}

func valueChildren(v nada.Value) ([]nada.Value, error) {
	switch v.Type.Kind {
	case nada.KindArray, nada.KindNTuple:
		return v.Elements()
	case nada.KindTuple:
		l, r, err := v.Parts()
		if err != nil {
			return nil, err
		}
		return []nada.Value{l, r}, nil
	case nada.KindObject:
		out := make([]nada.Value, len(v.Type.Names))
		for i, name := range v.Type.Names {
			f, err := v.Field(name)
			if err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("memory: type %s has no children", v.Type)
	}
}

func assemble(t nada.Type, children []nada.Value) (nada.Value, error) {
	switch t.Kind {
	case nada.KindArray:
		return nada.NewArray(*t.Element, children)
	case nada.KindTuple:
		return nada.NewTuple(children[0], children[1]), nil
	case nada.KindNTuple:
		return nada.NewNTuple(children...), nil
	case nada.KindObject:
		return nada.NewObject(t.Names, children)
	default:
		return nada.Value{}, fmt.Errorf("memory: type %s is not a compound", t)
	}
}

type reqKind uint8

const (
	reqStore reqKind = iota
	reqRead
)

type request struct {
	kind reqKind
	addr bytecode.Address
	val  nada.Value
	typ  nada.Type
	resp chan response
}

type response struct {
	val nada.Value
	err error
}

// Actor is a mailbox-actor wrapper around Pool (Design Note 9's preferred
// strategy): all Store/Read calls are serialised through one goroutine, so
// a compute's memory is never concurrently mutated even though its
// protocol instances run in parallel.
type Actor struct {
	pool *Pool
	reqs chan request
	done chan struct{}
}

// NewActor starts an Actor's mailbox goroutine.
func NewActor(reads map[bytecode.Address]int) *Actor {
	a := &Actor{pool: NewPool(reads), reqs: make(chan request), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *Actor) run() {
	for req := range a.reqs {
		switch req.kind {
		case reqStore:
			req.resp <- response{err: a.pool.Store(req.addr, req.val)}
		case reqRead:
			v, err := a.pool.Read(req.addr, req.typ)
			req.resp <- response{val: v, err: err}
		}
	}
	close(a.done)
}

// Close stops the mailbox goroutine and closes its request channel, so a
// later Store/Read panics on the send; callers must not use the Actor
// after Close.
func (a *Actor) Close() {
	close(a.reqs)
	<-a.done
}

// Store writes v at addr via the mailbox.
func (a *Actor) Store(ctx context.Context, addr bytecode.Address, v nada.Value) error {
	resp := make(chan response, 1)
	select {
	case a.reqs <- request{kind: reqStore, addr: addr, val: v, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-resp:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read reads the value of type typ at addr via the mailbox.
func (a *Actor) Read(ctx context.Context, addr bytecode.Address, typ nada.Type) (nada.Value, error) {
	resp := make(chan response, 1)
	select {
	case a.reqs <- request{kind: reqRead, addr: addr, typ: typ, resp: resp}:
	case <-ctx.Done():
		return nada.Value{}, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.val, r.err
	case <-ctx.Done():
		return nada.Value{}, ctx.Err()
	}
}
