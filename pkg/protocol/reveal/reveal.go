// Package reveal implements the REVEAL subprotocol: every party broadcasts
// its share of a secret value and reconstructs the cleartext once degree+1
// shares have arrived, per spec.md 4.2.
package reveal

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/shamir"
)

// Machine implements protocol.Machine for a single REVEAL instance.
type Machine struct {
	prime  *field.Prime
	degree int
	self   protocol.PartyID
	round  protocol.RoundID

	points map[protocol.PartyID]shamir.PartyPoint
	peers  []protocol.PartyID
	shares map[protocol.PartyID]field.Element

	done bool
}

// New starts a REVEAL instance. points maps every participating party
// (including self) to its Shamir x-coordinate. ownShare is this party's
// share of the value being revealed.
func New(prime *field.Prime, degree int, self protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, ownShare field.Element) (*Machine, protocol.Yield) {
	m := &Machine{
		prime:  prime,
		degree: degree,
		self:   self,
		round:  1,
		points: points,
		shares: make(map[protocol.PartyID]field.Element, len(points)),
	}
	for p := range points {
		m.peers = append(m.peers, p)
	}

	m.shares[self] = ownShare

	payload := encodeShare(ownShare)
	var outs []protocol.OutboundMessage
	for _, p := range m.peers {
		if p == self {
			continue
		}
		outs = append(outs, protocol.OutboundMessage{
			Message: protocol.Message{Round: m.round, From: self, Payload: payload},
			To:      []protocol.PartyID{p},
		})
	}
	return m, protocol.Messages(outs...)
}

func (m *Machine) Round() protocol.RoundID { return m.round }
func (m *Machine) Done() bool              { return m.done }

// HandleMessage ingests one peer's share and, once degree+1 distinct shares
// are held, yields the reconstructed field element encoded via encodeShare.
func (m *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	// Reconstruction only needs degree+1 shares, so once finalized any
	// further shares (from the remaining parties, still broadcasting to
	// everyone) are redundant rather than protocol errors.
	if m.done {
		return protocol.Empty(), nil
	}
	if msg.Round > m.round {
		return protocol.OutOfOrder(), nil
	}
	el, err := decodeShare(m.prime, msg.Payload)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("reveal: decode share from %s: %w", msg.From, err)
	}
	m.shares[msg.From] = el

	if len(m.shares) < m.degree+1 {
		return protocol.Empty(), nil
	}

	// Reconstruct from exactly degree+1 shares, picked deterministically so
	// every party lands on the same quorum regardless of arrival order.
	// shamir.Combiner.Reconstruct requires the share set to match its
	// configured point set exactly, so the Combiner must be built over this
	// quorum rather than the full party set.
	quorumParties := make([]protocol.PartyID, 0, len(m.shares))
	for p := range m.shares {
		quorumParties = append(quorumParties, p)
	}
	sort.Slice(quorumParties, func(i, j int) bool {
		return m.points[quorumParties[i]] < m.points[quorumParties[j]]
	})
	quorumParties = quorumParties[:m.degree+1]

	pointList := make([]shamir.PartyPoint, 0, len(quorumParties))
	shares := make([]shamir.Share, 0, len(quorumParties))
	for _, p := range quorumParties {
		pt := m.points[p]
		pointList = append(pointList, pt)
		shares = append(shares, shamir.Share{Point: pt, Value: m.shares[p]})
	}

	combiner := shamir.NewCombiner(m.prime, pointList)
	result, err := combiner.Reconstruct(shares)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("reveal: reconstruct: %w", err)
	}
	m.done = true
	return protocol.Final(encodeShare(result)), nil
}

func encodeShare(el field.Element) []byte {
	b := el.Bytes()
	out := make([]byte, 8+len(b))
	binary.LittleEndian.PutUint64(out[:8], uint64(len(b)))
	copy(out[8:], b)
	return out
}

func decodeShare(p *field.Prime, payload []byte) (field.Element, error) {
	if len(payload) < 8 {
		return field.Element{}, fmt.Errorf("reveal: truncated share payload")
	}
	n := binary.LittleEndian.Uint64(payload[:8])
	if uint64(len(payload)-8) != n {
		return field.Element{}, fmt.Errorf("reveal: share payload length mismatch")
	}
	return field.FromBytes(p, payload[8:])
}
