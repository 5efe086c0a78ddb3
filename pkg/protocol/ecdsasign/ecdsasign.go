// Package ecdsasign implements ECDSA-SIGN: given a Shamir-shared private
// key (from ecdsadkg) and a message digest, jointly produce a compact
// ECDSA signature without any party ever learning the private key or the
// per-signature nonce, per spec.md 4.2.
//
// The nonce commitment step is grounded on luxfi/lamport's threshold
// signing pattern: every party commits to (a hash of) its contribution
// before revealing it, preventing a party from choosing its share
// adaptively after seeing everyone else's. The inversion of the shared
// nonce k is not computed online: preprocessing hands each party matched
// shares of k and k^-1 (a (k, k^-1) pair sampled together, the standard
// optimization of doing the expensive MPC inversion ahead of time), so the
// online phase only needs one MULT (to combine the shared k^-1 and private
// key share into k^-1*d) and one REVEAL of the resulting signature share.
package ecdsasign

import (
	"crypto/elliptic"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/mult"
	"github.com/nilvm/engine/pkg/protocol/reveal"
	"github.com/nilvm/engine/pkg/shamir"
)

// Signature is a compact, low-s-normalized ECDSA signature.
type Signature struct {
	R, S *big.Int
}

// Encode serializes the signature as two fixed-width big-endian integers.
func (s Signature) Encode() []byte {
	return append(append([]byte{}, leftPad(s.R, 32)...), leftPad(s.S, 32)...)
}

// DecodeSignature parses the bytes produced by Encode.
func DecodeSignature(b []byte) (Signature, error) {
	if len(b) != 64 {
		return Signature{}, fmt.Errorf("ecdsasign: signature must be 64 bytes, got %d", len(b))
	}
	return Signature{R: new(big.Int).SetBytes(b[:32]), S: new(big.Int).SetBytes(b[32:])}, nil
}

func leftPad(v *big.Int, n int) []byte {
	b := v.Bytes()
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

type phase int

const (
	phaseNonce phase = iota
	phaseMult
	phaseReveal
	phaseDone
)

// Machine implements protocol.Machine for a single ECDSA-SIGN instance.
type Machine struct {
	prime  *field.Prime
	self   protocol.PartyID
	curve  elliptic.Curve
	genID  []byte
	digest field.Element

	kinvShare field.Element
	dShare    field.Element
	triple    mult.Triple
	degree    int
	points    map[protocol.PartyID]shamir.PartyPoint

	peers      []protocol.PartyID
	commitsGot map[protocol.PartyID][]byte
	pointsGot  map[protocol.PartyID][2]*big.Int

	r field.Element

	mul   *mult.Machine
	rev   *reveal.Machine
	phase phase
}

// New starts an ECDSA-SIGN instance producing a signature over digest.
// kShare/kinvShare are a preprocessed matched (k, k^-1) pair, Shamir-shared
// mod the curve order; dShare is this party's ECDSA-DKG private-key share
// (also mod the curve order); triple is a Beaver triple, mod the curve
// order, for the kinv*d multiplication.
func New(prime *field.Prime, degree int, self protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, curve elliptic.Curve, genID []byte, digest *big.Int, kShare, kinvShare, dShare field.Element, triple mult.Triple) (*Machine, protocol.Yield, error) {
	pointList := make([]shamir.PartyPoint, 0, len(points))
	for _, pt := range points {
		pointList = append(pointList, pt)
	}
	cmb := shamir.NewCombiner(prime, pointList)
	lambda, ok := cmb.Coefficient(points[self])
	if !ok {
		return nil, protocol.Yield{}, fmt.Errorf("ecdsasign: self not in point set")
	}
	lambdaK, err := lambda.Mul(kShare)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("ecdsasign: lambda*k: %w", err)
	}

	rx, ry := curve.ScalarBaseMult(lambdaK.BigInt().Bytes())

	m := &Machine{
		prime: prime, self: self, curve: curve, genID: append([]byte(nil), genID...),
		digest:     field.FromBigInt(prime, new(big.Int).Mod(digest, prime.BigInt())),
		kinvShare:  kinvShare,
		dShare:     dShare,
		triple:     triple,
		degree:     degree,
		points:     points,
		commitsGot: make(map[protocol.PartyID][]byte, len(points)),
		pointsGot:  make(map[protocol.PartyID][2]*big.Int, len(points)),
	}
	for p := range points {
		m.peers = append(m.peers, p)
	}

	commitment := m.commitmentFor(self, rx, ry)
	m.commitsGot[self] = commitment
	m.pointsGot[self] = [2]*big.Int{rx, ry}

	var outs []protocol.OutboundMessage
	for _, p := range m.peers {
		if p == self {
			continue
		}
		outs = append(outs,
			protocol.OutboundMessage{Message: protocol.Message{Round: 1, From: self, Tag: []string{"nonce-commit"}, Payload: commitment}, To: []protocol.PartyID{p}},
			protocol.OutboundMessage{Message: protocol.Message{Round: 1, From: self, Tag: []string{"nonce-reveal"}, Payload: encodePoint(rx, ry)}, To: []protocol.PartyID{p}},
		)
	}

	if len(m.peers) <= 1 {
		return m.startMult()
	}
	return m, protocol.Messages(outs...), nil
}

func (m *Machine) Round() protocol.RoundID { return 1 }
func (m *Machine) Done() bool              { return m.phase == phaseDone }

// HandleMessage routes an inbound message to whichever phase is active:
// nonce commit/reveal, then the kinv*d MULT, then the final REVEAL.
func (m *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if m.phase == phaseDone {
		return protocol.Yield{}, &protocol.ErrAlreadyDone{Instance: "ecdsasign"}
	}

	if m.phase == phaseNonce {
		tag, _, ok := protocol.PopTag(msg)
		if !ok {
			return protocol.Yield{}, fmt.Errorf("ecdsasign: message missing tag")
		}
		switch tag {
		case "nonce-commit":
			m.commitsGot[msg.From] = append([]byte(nil), msg.Payload...)
		case "nonce-reveal":
			x, y, err := decodePoint(msg.Payload)
			if err != nil {
				return protocol.Yield{}, fmt.Errorf("ecdsasign: decode nonce point from %s: %w", msg.From, err)
			}
			m.pointsGot[msg.From] = [2]*big.Int{x, y}
		default:
			return protocol.Yield{}, fmt.Errorf("ecdsasign: unknown tag %q during nonce phase", tag)
		}

		if len(m.commitsGot) < len(m.peers) || len(m.pointsGot) < len(m.peers) {
			return protocol.Empty(), nil
		}
		for p, pt := range m.pointsGot {
			if p == m.self {
				continue
			}
			want := m.commitmentFor(p, pt[0], pt[1])
			if string(want) != string(m.commitsGot[p]) {
				return protocol.Yield{}, fmt.Errorf("ecdsasign: revealed nonce point from %s does not match its commitment", p)
			}
		}

		var rx, ry *big.Int
		for _, pt := range m.pointsGot {
			if rx == nil {
				rx, ry = new(big.Int).Set(pt[0]), new(big.Int).Set(pt[1])
				continue
			}
			rx, ry = m.curve.Add(rx, ry, pt[0], pt[1])
		}
		rMod := new(big.Int).Mod(rx, m.curve.Params().N)
		m.r = field.FromBigInt(m.prime, rMod)

		return m.startMult()
	}

	tag, rest, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("ecdsasign: message missing tag")
	}

	if m.phase == phaseMult {
		if tag != "mult" {
			return protocol.Yield{}, fmt.Errorf("ecdsasign: unexpected tag %q during mult phase", tag)
		}
		y, err := m.mul.HandleMessage(rest)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("ecdsasign: mult: %w", err)
		}
		if y.Kind != protocol.YieldFinal {
			return protocol.WrapOutbound(y, "mult"), nil
		}
		w, err := field.FromBytes(m.prime, y.Output)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("ecdsasign: decode kinv*d: %w", err)
		}
		return m.startReveal(w)
	}

	if tag == "mult" {
		// Stale surplus message for the kinv*d multiplication: its quorum
		// already finalized and the phase moved on to the s reveal.
		return protocol.Empty(), nil
	}
	if tag != "reveal" {
		return protocol.Yield{}, fmt.Errorf("ecdsasign: unexpected tag %q during reveal phase", tag)
	}
	y, err := m.rev.HandleMessage(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("ecdsasign: reveal: %w", err)
	}
	if y.Kind != protocol.YieldFinal {
		return protocol.WrapOutbound(y, "reveal"), nil
	}
	s, err := field.FromBytes(m.prime, y.Output[8:])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("ecdsasign: decode s: %w", err)
	}
	sig := normalizeLowS(Signature{R: m.r.BigInt(), S: s.BigInt()}, m.curve.Params().N)
	m.phase = phaseDone
	return protocol.Final(sig.Encode()), nil
}

func (m *Machine) startMult() (*Machine, protocol.Yield, error) {
	mc, y, err := mult.New(m.prime, m.degree, m.self, m.points, m.kinvShare, m.dShare, m.triple)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("ecdsasign: start mult: %w", err)
	}
	m.mul = mc
	m.phase = phaseMult
	return m, protocol.WrapOutbound(y, "mult"), nil
}

func (m *Machine) startReveal(w field.Element) (protocol.Yield, error) {
	kinvDigest, err := m.kinvShare.Mul(m.digest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("ecdsasign: kinv*digest: %w", err)
	}
	rw, err := m.r.Mul(w)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("ecdsasign: r*w: %w", err)
	}
	sShare, err := kinvDigest.Add(rw)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("ecdsasign: assemble s share: %w", err)
	}

	rc, y := reveal.New(m.prime, m.degree, m.self, m.points, sShare)
	m.rev = rc
	m.phase = phaseReveal
	return protocol.WrapOutbound(y, "reveal"), nil
}

func (m *Machine) commitmentFor(party protocol.PartyID, x, y *big.Int) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(m.genID)
	h.Write([]byte(party))
	h.Write(encodePoint(x, y))
	return h.Sum(nil)
}

func encodePoint(x, y *big.Int) []byte {
	return append(leftPad(x, 32), leftPad(y, 32)...)
}

func decodePoint(b []byte) (*big.Int, *big.Int, error) {
	if len(b) != 64 {
		return nil, nil, fmt.Errorf("ecdsasign: malformed point encoding")
	}
	return new(big.Int).SetBytes(b[:32]), new(big.Int).SetBytes(b[32:]), nil
}

// normalizeLowS halves the canonical s into [1, n/2] to avoid signature
// malleability, the standard ECDSA convention.
func normalizeLowS(sig Signature, n *big.Int) Signature {
	half := new(big.Int).Rsh(n, 1)
	if sig.S.Cmp(half) > 0 {
		sig.S = new(big.Int).Sub(n, sig.S)
	}
	return sig
}
