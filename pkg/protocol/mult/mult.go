// Package mult implements the MULT subprotocol: multiplication of two
// secret-shared values using a preprocessed Beaver triple, per spec.md 4.2.
// It composes two concurrent reveal.Machine sub-instances (one for the
// masked left operand, one for the masked right operand) under the "d"/"e"
// tags, per pkg/protocol's sub-state-machine composition scheme.
package mult

import (
	"fmt"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/reveal"
	"github.com/nilvm/engine/pkg/shamir"
)

// Triple is one party's share of a Beaver triple (a, b, a*b).
type Triple struct {
	A, B, C field.Element
}

// Machine implements protocol.Machine for a single MULT instance.
type Machine struct {
	prime *field.Prime
	self  protocol.PartyID
	round protocol.RoundID

	triple Triple

	d, e       *reveal.Machine
	dDone      bool
	eDone      bool
	dValue     field.Element
	eValue     field.Element

	done bool
}

// New starts a MULT instance for xShare * yShare given the party's share of
// a precomputed Beaver triple.
func New(prime *field.Prime, degree int, self protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, xShare, yShare field.Element, triple Triple) (*Machine, protocol.Yield, error) {
	dShare, err := xShare.Sub(triple.A)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("mult: x-a: %w", err)
	}
	eShare, err := yShare.Sub(triple.B)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("mult: y-b: %w", err)
	}

	m := &Machine{prime: prime, self: self, round: 1, triple: triple}

	dMachine, dYield := reveal.New(prime, degree, self, points, dShare)
	eMachine, eYield := reveal.New(prime, degree, self, points, eShare)
	m.d = dMachine
	m.e = eMachine

	y := protocol.WrapOutbound(dYield, "d")
	y2 := protocol.WrapOutbound(eYield, "e")
	y.Messages = append(y.Messages, y2.Messages...)
	return m, y, nil
}

func (m *Machine) Round() protocol.RoundID { return m.round }
func (m *Machine) Done() bool              { return m.done }

// HandleMessage routes an inbound message to the "d" or "e" sub-machine
// based on its leading tag, and finalizes once both have opened.
func (m *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if m.done {
		return protocol.Empty(), nil
	}
	tag, rest, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("mult: message missing sub-machine tag")
	}

	var (
		sub   *reveal.Machine
		doneP *bool
		value *field.Element
	)
	switch tag {
	case "d":
		sub, doneP, value = m.d, &m.dDone, &m.dValue
	case "e":
		sub, doneP, value = m.e, &m.eDone, &m.eValue
	default:
		return protocol.Yield{}, fmt.Errorf("mult: unknown sub-machine tag %q", tag)
	}

	y, err := sub.HandleMessage(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("mult: %s: %w", tag, err)
	}
	if y.Kind == protocol.YieldFinal {
		el, derr := field.FromBytes(m.prime, y.Output[8:])
		if derr != nil {
			return protocol.Yield{}, fmt.Errorf("mult: decode %s output: %w", tag, derr)
		}
		*value = el
		*doneP = true
	}

	if m.dDone && m.eDone && !m.done {
		return m.finalize()
	}
	return protocol.WrapOutbound(y, tag), nil
}

// finalize computes this party's share of z = c + d*b + e*a + d*e, where d
// and e are now public cleartext values and a/b/c are the triple shares.
// Each party applies the same public-constant term d*e locally: adding a
// constant to a Shamir sharing means adding it to every share, since the
// constant polynomial evaluates to the same value everywhere.
func (m *Machine) finalize() (protocol.Yield, error) {
	db, err := mulConstThenAdd(m.dValue, m.triple.B)
	if err != nil {
		return protocol.Yield{}, err
	}
	ea, err := mulConstThenAdd(m.eValue, m.triple.A)
	if err != nil {
		return protocol.Yield{}, err
	}
	de, err := m.dValue.Mul(m.eValue)
	if err != nil {
		return protocol.Yield{}, err
	}
	z, err := m.triple.C.Add(db)
	if err != nil {
		return protocol.Yield{}, err
	}
	z, err = z.Add(ea)
	if err != nil {
		return protocol.Yield{}, err
	}
	z, err = z.Add(de)
	if err != nil {
		return protocol.Yield{}, err
	}
	m.done = true
	return protocol.Final(z.Bytes()), nil
}

func mulConstThenAdd(constant, share field.Element) (field.Element, error) {
	return constant.Mul(share)
}
