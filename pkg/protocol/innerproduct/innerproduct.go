// Package innerproduct implements the INNER-PRODUCT subprotocol: the dot
// product of two equal-length secret-shared vectors, per spec.md 4.2. It
// composes one mult.Machine per coordinate (tagged by index) and sums their
// final shares locally once every coordinate has opened, since addition of
// Shamir shares is linear and needs no further interaction.
package innerproduct

import (
	"fmt"
	"strconv"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/mult"
	"github.com/nilvm/engine/pkg/shamir"
)

// Machine implements protocol.Machine for a single INNER-PRODUCT instance.
type Machine struct {
	prime *field.Prime
	subs  []*mult.Machine
	sums  []field.Element
	left  int
	done  bool
}

// New starts an INNER-PRODUCT instance over xShares . yShares, given one
// Beaver triple per coordinate.
func New(prime *field.Prime, degree int, self protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, xShares, yShares []field.Element, triples []mult.Triple) (*Machine, protocol.Yield, error) {
	if len(xShares) != len(yShares) || len(xShares) != len(triples) {
		return nil, protocol.Yield{}, fmt.Errorf("innerproduct: mismatched vector/triple lengths")
	}
	m := &Machine{prime: prime, subs: make([]*mult.Machine, len(xShares)), left: len(xShares)}

	var outbound []protocol.OutboundMessage
	for i := range xShares {
		sub, y, err := mult.New(prime, degree, self, points, xShares[i], yShares[i], triples[i])
		if err != nil {
			return nil, protocol.Yield{}, fmt.Errorf("innerproduct: coordinate %d: %w", i, err)
		}
		m.subs[i] = sub
		tag := strconv.Itoa(i)
		wrapped := protocol.WrapOutbound(y, tag)
		outbound = append(outbound, wrapped.Messages...)
	}
	if m.left == 0 {
		m.done = true
		return m, protocol.Final(field.Zero(prime).Bytes()), nil
	}
	return m, protocol.Messages(outbound...), nil
}

func (m *Machine) Round() protocol.RoundID {
	if len(m.subs) == 0 {
		return 0
	}
	return m.subs[0].Round()
}
func (m *Machine) Done() bool { return m.done }

// HandleMessage routes an inbound message to the coordinate sub-machine
// named by its leading tag, and sums all coordinates' products once every
// one has finalized.
func (m *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if m.done {
		return protocol.Empty(), nil
	}
	tag, rest, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("innerproduct: message missing coordinate tag")
	}
	idx, err := strconv.Atoi(tag)
	if err != nil || idx < 0 || idx >= len(m.subs) {
		return protocol.Yield{}, fmt.Errorf("innerproduct: invalid coordinate tag %q", tag)
	}

	y, err := m.subs[idx].HandleMessage(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("innerproduct: coordinate %d: %w", idx, err)
	}
	if y.Kind == protocol.YieldFinal {
		el, derr := field.FromBytes(m.prime, y.Output)
		if derr != nil {
			return protocol.Yield{}, fmt.Errorf("innerproduct: decode coordinate %d output: %w", idx, derr)
		}
		m.sums = append(m.sums, el)
		m.left--
	}

	if m.left == 0 {
		total := field.Zero(m.prime)
		for _, s := range m.sums {
			total, err = total.Add(s)
			if err != nil {
				return protocol.Yield{}, fmt.Errorf("innerproduct: summing: %w", err)
			}
		}
		m.done = true
		return protocol.Final(total.Bytes()), nil
	}
	return protocol.WrapOutbound(y, tag), nil
}
