// Package equals implements the EQUALS subprotocol, per spec.md 4.2. It
// reduces x == y to !(x < y) && !(y < x): two pkg/protocol/compare
// sub-instances compute the two strict inequalities (linear local negation
// afterwards), and a final pkg/protocol/mult instance combines their
// negated results with a logical AND, since multiplying two 0/1 shares
// computes their conjunction.
package equals

import (
	"fmt"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/compare"
	"github.com/nilvm/engine/pkg/protocol/mult"
	"github.com/nilvm/engine/pkg/shamir"
)

// Machine implements protocol.Machine for a single EQUALS instance.
type Machine struct {
	prime  *field.Prime
	degree int
	self   protocol.PartyID
	points map[protocol.PartyID]shamir.PartyPoint
	triple mult.Triple

	lt    *compare.Machine
	gt    *compare.Machine
	conj  *mult.Machine
	ltVal field.Element
	gtVal field.Element
	ltDone, gtDone, conjStarted bool

	done bool
}

// New starts an EQUALS instance testing xShare == yShare.
func New(prime *field.Prime, degree int, self protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, xShare, yShare field.Element, ltMask, gtMask compare.Mask, conjTriple mult.Triple) (*Machine, protocol.Yield, error) {
	lt, ltY, err := compare.New(prime, degree, self, points, xShare, yShare, ltMask)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("equals: lt: %w", err)
	}
	gt, gtY, err := compare.New(prime, degree, self, points, yShare, xShare, gtMask)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("equals: gt: %w", err)
	}
	m := &Machine{prime: prime, degree: degree, self: self, points: points, triple: conjTriple, lt: lt, gt: gt}

	y := protocol.WrapOutbound(ltY, "lt")
	y2 := protocol.WrapOutbound(gtY, "gt")
	y.Messages = append(y.Messages, y2.Messages...)
	return m, y, nil
}

func (m *Machine) Round() protocol.RoundID { return m.lt.Round() }
func (m *Machine) Done() bool              { return m.done }

// HandleMessage routes to the "lt"/"gt" comparison sub-machines until both
// finalize, then starts (and drives) the "conj" multiplication sub-machine
// that combines their negated outputs.
func (m *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if m.done {
		return protocol.Empty(), nil
	}
	tag, rest, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("equals: message missing sub-machine tag")
	}

	switch tag {
	case "lt", "gt":
		var sub *compare.Machine
		if tag == "lt" {
			sub = m.lt
		} else {
			sub = m.gt
		}
		y, err := sub.HandleMessage(rest)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("equals: %s: %w", tag, err)
		}
		if y.Kind == protocol.YieldFinal {
			el, derr := field.FromBytes(m.prime, y.Output)
			if derr != nil {
				return protocol.Yield{}, fmt.Errorf("equals: decode %s output: %w", tag, derr)
			}
			if tag == "lt" {
				m.ltVal, m.ltDone = el, true
			} else {
				m.gtVal, m.gtDone = el, true
			}
		}
		if m.ltDone && m.gtDone && !m.conjStarted {
			return m.startConjunction()
		}
		return protocol.WrapOutbound(y, tag), nil

	case "conj":
		y, err := m.conj.HandleMessage(rest)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("equals: conj: %w", err)
		}
		if y.Kind == protocol.YieldFinal {
			m.done = true
			return protocol.Final(y.Output), nil
		}
		return protocol.WrapOutbound(y, "conj"), nil

	default:
		return protocol.Yield{}, fmt.Errorf("equals: unknown sub-machine tag %q", tag)
	}
}

func (m *Machine) startConjunction() (protocol.Yield, error) {
	notLt, err := field.One(m.prime).Sub(m.ltVal)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("equals: 1-lt: %w", err)
	}
	notGt, err := field.One(m.prime).Sub(m.gtVal)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("equals: 1-gt: %w", err)
	}
	conj, y, err := mult.New(m.prime, m.degree, m.self, m.points, notLt, notGt, m.triple)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("equals: conj: %w", err)
	}
	m.conj = conj
	m.conjStarted = true
	if y.Kind == protocol.YieldFinal {
		m.done = true
		return protocol.Final(y.Output), nil
	}
	return protocol.WrapOutbound(y, "conj"), nil
}
