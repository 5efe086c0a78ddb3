// Package ecdsadkg implements ECDSA-DKG: threshold distributed key
// generation for ECDSA, per spec.md 4.2. Parties jointly generate a
// Shamir-shared private key and a common public key via Feldman verifiable
// secret sharing over the signing curve, so that no single party (and no
// coalition smaller than the threshold) ever learns the private key.
//
// Each party samples its own degree-t polynomial over the curve's scalar
// field, commits to its coefficients as curve points (Feldman's "commit to
// the exponent" trick), and sends every other party its evaluation of that
// polynomial. Once every commitment and every share has arrived, a party
// verifies each received share against its sender's commitment and, if all
// verify, sums the shares into its own private-key share and sums every
// party's constant-term commitment into the common public key.
package ecdsadkg

import (
	"crypto/elliptic"
	"fmt"
	"io"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/nilvm/engine/pkg/protocol"
)

// Curve is the elliptic curve ECDSA-DKG generates keys over: secp256k1, via
// btcec's KoblitzCurve, which implements the standard elliptic.Curve
// interface.
func Curve() elliptic.Curve { return btcec.S256() }

// Result is a single party's output from a completed ECDSA-DKG instance.
type Result struct {
	// Share is this party's Shamir share of the private key, mod the
	// curve's order.
	Share *big.Int
	// PublicKeyX, PublicKeyY is the group's common public key point.
	PublicKeyX, PublicKeyY *big.Int
}

func (r Result) encode() []byte {
	return concatInts(r.Share, r.PublicKeyX, r.PublicKeyY)
}

// DecodeResult parses the bytes produced by a finished Machine's Final yield.
func DecodeResult(b []byte) (Result, error) {
	parts, err := splitInts(b, 3)
	if err != nil {
		return Result{}, err
	}
	return Result{Share: parts[0], PublicKeyX: parts[1], PublicKeyY: parts[2]}, nil
}

type commitment struct {
	x, y []*big.Int // one coordinate pair per polynomial coefficient
}

// Machine implements protocol.Machine for a single ECDSA-DKG instance.
type Machine struct {
	self   protocol.PartyID
	degree int
	points map[protocol.PartyID]int64 // party -> nonzero evaluation index
	peers  []protocol.PartyID

	commitsGot map[protocol.PartyID]commitment
	sharesGot  map[protocol.PartyID]*big.Int

	done bool
}

// New starts an ECDSA-DKG instance. points assigns every participating
// party (including self) its nonzero Shamir evaluation index, matching the
// convention used for the arithmetic subprotocols (pkg/shamir.PartyPoint),
// rather than a curve-specific index scheme of its own. rnd is the source
// of the polynomial coefficients (crypto/rand.Reader in production).
func New(self protocol.PartyID, degree int, points map[protocol.PartyID]int64, rnd io.Reader) (*Machine, protocol.Yield, error) {
	curve := Curve()
	n := curve.Params().N

	coeffs := make([]*big.Int, degree+1)
	for i := range coeffs {
		c, err := randFieldElement(rnd, n)
		if err != nil {
			return nil, protocol.Yield{}, fmt.Errorf("ecdsadkg: sample coefficient: %w", err)
		}
		coeffs[i] = c
	}

	own := commitment{x: make([]*big.Int, len(coeffs)), y: make([]*big.Int, len(coeffs))}
	for i, c := range coeffs {
		x, y := curve.ScalarBaseMult(c.Bytes())
		own.x[i], own.y[i] = x, y
	}

	m := &Machine{
		self: self, degree: degree, points: points,
		commitsGot: make(map[protocol.PartyID]commitment, len(points)),
		sharesGot:  make(map[protocol.PartyID]*big.Int, len(points)),
	}
	for p := range points {
		m.peers = append(m.peers, p)
	}
	sort.Slice(m.peers, func(i, j int) bool { return m.peers[i] < m.peers[j] })

	m.commitsGot[self] = own
	m.sharesGot[self] = evalPolynomial(coeffs, big.NewInt(points[self]), n)

	var outs []protocol.OutboundMessage
	commitPayload := encodeCommitment(own)
	for _, p := range m.peers {
		if p == self {
			continue
		}
		share := evalPolynomial(coeffs, big.NewInt(points[p]), n)
		outs = append(outs,
			protocol.OutboundMessage{Message: protocol.Message{Round: 1, From: self, Tag: []string{"commit"}, Payload: commitPayload}, To: []protocol.PartyID{p}},
			protocol.OutboundMessage{Message: protocol.Message{Round: 1, From: self, Tag: []string{"share"}, Payload: share.Bytes()}, To: []protocol.PartyID{p}},
		)
	}
	if len(m.peers) <= 1 {
		return m.finalize()
	}
	return m, protocol.Messages(outs...), nil
}

func (m *Machine) Round() protocol.RoundID { return 1 }
func (m *Machine) Done() bool              { return m.done }

// HandleMessage ingests a peer's commitment or share and finalizes once
// every peer's share has been verified against its commitment.
func (m *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if m.done {
		return protocol.Yield{}, &protocol.ErrAlreadyDone{Instance: "ecdsadkg"}
	}
	tag, _, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("ecdsadkg: message missing tag")
	}
	switch tag {
	case "commit":
		c, err := decodeCommitment(msg.Payload)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("ecdsadkg: decode commitment from %s: %w", msg.From, err)
		}
		m.commitsGot[msg.From] = c
	case "share":
		m.sharesGot[msg.From] = new(big.Int).SetBytes(msg.Payload)
	default:
		return protocol.Yield{}, fmt.Errorf("ecdsadkg: unknown tag %q", tag)
	}

	if len(m.commitsGot) < len(m.peers) || len(m.sharesGot) < len(m.peers) {
		return protocol.Empty(), nil
	}
	return m.finalizeYield()
}

// finalize is called from New when there is only one party (no peers to
// wait on): the lone party's own polynomial already determines the key.
func (m *Machine) finalize() (*Machine, protocol.Yield, error) {
	y, err := m.finalizeYield()
	return m, y, err
}

func (m *Machine) finalizeYield() (protocol.Yield, error) {
	curve := Curve()
	n := curve.Params().N

	for p, share := range m.sharesGot {
		c, ok := m.commitsGot[p]
		if !ok {
			return protocol.Empty(), nil
		}
		gx, gy := curve.ScalarBaseMult(share.Bytes())
		vx, vy := evalCommitment(curve, c, big.NewInt(m.points[m.self]))
		if gx.Cmp(vx) != 0 || gy.Cmp(vy) != 0 {
			return protocol.Yield{}, fmt.Errorf("ecdsadkg: share from %s fails Feldman verification", p)
		}
	}

	share := big.NewInt(0)
	for _, s := range m.sharesGot {
		share.Add(share, s)
		share.Mod(share, n)
	}

	var pubX, pubY *big.Int
	for _, c := range m.commitsGot {
		if pubX == nil {
			pubX, pubY = new(big.Int).Set(c.x[0]), new(big.Int).Set(c.y[0])
			continue
		}
		pubX, pubY = curve.Add(pubX, pubY, c.x[0], c.y[0])
	}

	m.done = true
	return protocol.Final(Result{Share: share, PublicKeyX: pubX, PublicKeyY: pubY}.encode()), nil
}

// evalPolynomial evaluates coeffs (coeffs[0] is the constant term) at x,
// mod n, using Horner's method.
func evalPolynomial(coeffs []*big.Int, x, n *big.Int) *big.Int {
	acc := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Mul(acc, x)
		acc.Add(acc, coeffs[i])
		acc.Mod(acc, n)
	}
	return acc
}

// evalCommitment evaluates a Feldman commitment (curve points for each
// coefficient) at x via repeated scalar multiplication and point addition:
// sum_k x^k * C_k.
func evalCommitment(curve elliptic.Curve, c commitment, x *big.Int) (*big.Int, *big.Int) {
	n := curve.Params().N
	var accX, accY *big.Int
	power := big.NewInt(1)
	for k := range c.x {
		px, py := curve.ScalarMult(c.x[k], c.y[k], power.Bytes())
		if accX == nil {
			accX, accY = px, py
		} else {
			accX, accY = curve.Add(accX, accY, px, py)
		}
		power = new(big.Int).Mul(power, x)
		power.Mod(power, n)
	}
	return accX, accY
}

func randFieldElement(rnd io.Reader, n *big.Int) (*big.Int, error) {
	for {
		buf := make([]byte, (n.BitLen()+7)/8)
		if _, err := io.ReadFull(rnd, buf); err != nil {
			return nil, err
		}
		c := new(big.Int).SetBytes(buf)
		c.Mod(c, n)
		if c.Sign() != 0 {
			return c, nil
		}
	}
}

func encodeCommitment(c commitment) []byte {
	vs := make([]*big.Int, 0, 2*len(c.x))
	for i := range c.x {
		vs = append(vs, c.x[i], c.y[i])
	}
	return concatInts(vs...)
}

func decodeCommitment(b []byte) (commitment, error) {
	if len(b) == 0 {
		return commitment{}, fmt.Errorf("ecdsadkg: empty commitment")
	}
	parts, err := splitAllInts(b)
	if err != nil {
		return commitment{}, err
	}
	if len(parts)%2 != 0 {
		return commitment{}, fmt.Errorf("ecdsadkg: odd coordinate count in commitment")
	}
	c := commitment{}
	for i := 0; i < len(parts); i += 2 {
		c.x = append(c.x, parts[i])
		c.y = append(c.y, parts[i+1])
	}
	return c, nil
}

func concatInts(vs ...*big.Int) []byte {
	var out []byte
	for _, v := range vs {
		b := v.Bytes()
		var lenBuf [8]byte
		putUint64(lenBuf[:], uint64(len(b)))
		out = append(out, lenBuf[:]...)
		out = append(out, b...)
	}
	return out
}

func splitInts(b []byte, count int) ([]*big.Int, error) {
	out, err := splitAllInts(b)
	if err != nil {
		return nil, err
	}
	if len(out) != count {
		return nil, fmt.Errorf("ecdsadkg: expected %d values, got %d", count, len(out))
	}
	return out, nil
}

func splitAllInts(b []byte) ([]*big.Int, error) {
	var out []*big.Int
	for len(b) > 0 {
		if len(b) < 8 {
			return nil, fmt.Errorf("ecdsadkg: truncated value list")
		}
		var length uint64
		for k := 0; k < 8; k++ {
			length |= uint64(b[k]) << (8 * k)
		}
		b = b[8:]
		if uint64(len(b)) < length {
			return nil, fmt.Errorf("ecdsadkg: truncated value")
		}
		out = append(out, new(big.Int).SetBytes(b[:length]))
		b = b[length:]
	}
	return out, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
