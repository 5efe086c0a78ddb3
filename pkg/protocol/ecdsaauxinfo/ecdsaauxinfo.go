// Package ecdsaauxinfo implements a reduced ECDSA-AUX-INFO subprotocol: a
// commit-then-reveal broadcast of the per-party auxiliary parameters
// (CGGMP21's ring-Pedersen modulus and generators) that ECDSA-SIGN later
// binds its zero-knowledge-free commitments against, per spec.md 4.2.
//
// The full CGGMP21 aux-info round additionally proves, in zero knowledge,
// that each party's Paillier modulus is a product of two safe primes and
// that its ring-Pedersen generators are well-formed. Generating those
// proofs is out of scope here; this Machine only establishes the
// commit/reveal transcript shape (and the domain-separated commitment
// hash) that the full proof would ride alongside.
package ecdsaauxinfo

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/nilvm/engine/pkg/protocol"
)

// modulusBits is the bit length of the stand-in ring-Pedersen modulus. Real
// CGGMP21 uses a >=2048-bit safe biprime; this is intentionally small since
// no zk soundness depends on it here.
const modulusBits = 512

// Params is one party's auxiliary material: a Paillier-style modulus N and
// two ring-Pedersen generators S and T modulo N.
type Params struct {
	N *big.Int
	S *big.Int
	T *big.Int
}

func (p Params) encode() []byte {
	return concatBigInts(p.N, p.S, p.T)
}

func decodeParams(b []byte) (Params, error) {
	parts, err := splitBigInts(b, 3)
	if err != nil {
		return Params{}, err
	}
	return Params{N: parts[0], S: parts[1], T: parts[2]}, nil
}

// Output is the completed ECDSA-AUX-INFO result: every party's revealed,
// commitment-checked auxiliary parameters, keyed by party.
type Output struct {
	Params map[protocol.PartyID]Params
}

// Machine implements protocol.Machine for a single ECDSA-AUX-INFO instance.
type Machine struct {
	self  protocol.PartyID
	round protocol.RoundID
	genID []byte

	own        Params
	commitsGot map[protocol.PartyID][]byte
	paramsGot  map[protocol.PartyID]Params
	peers      []protocol.PartyID

	done bool
}

// New starts an ECDSA-AUX-INFO instance. rnd supplies randomness for this
// party's modulus and generators (crypto/rand.Reader in production, a
// deterministic source in tests). genID domain-separates the commitment
// hash so replaying a transcript from one generation cannot be confused
// with another, the same role blake3-keyed generation ids play elsewhere
// in the preprocessing scheduler.
func New(self protocol.PartyID, points map[protocol.PartyID]struct{}, genID []byte, rnd io.Reader) (*Machine, protocol.Yield, error) {
	params, err := sampleParams(rnd)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("ecdsaauxinfo: sample params: %w", err)
	}

	m := &Machine{
		self:       self,
		round:      1,
		genID:      append([]byte(nil), genID...),
		own:        params,
		commitsGot: make(map[protocol.PartyID][]byte, len(points)),
		paramsGot:  make(map[protocol.PartyID]Params, len(points)),
	}
	for p := range points {
		m.peers = append(m.peers, p)
	}

	commitment := m.commitmentFor(self, params)
	m.commitsGot[self] = commitment
	m.paramsGot[self] = params

	var outs []protocol.OutboundMessage
	for _, p := range m.peers {
		if p == self {
			continue
		}
		outs = append(outs,
			protocol.OutboundMessage{Message: protocol.Message{Round: 1, From: self, Tag: []string{"commit"}, Payload: commitment}, To: []protocol.PartyID{p}},
			protocol.OutboundMessage{Message: protocol.Message{Round: 1, From: self, Tag: []string{"reveal"}, Payload: params.encode()}, To: []protocol.PartyID{p}},
		)
	}
	if len(m.peers) <= 1 {
		m.done = true
		return m, protocol.Final(Output{Params: m.paramsGot}.encode()), nil
	}
	return m, protocol.Messages(outs...), nil
}

func (m *Machine) Round() protocol.RoundID { return m.round }
func (m *Machine) Done() bool              { return m.done }

// HandleMessage ingests a peer's commitment or reveal and finalizes once
// every peer's revealed parameters have been checked against its earlier
// commitment.
func (m *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if m.done {
		return protocol.Yield{}, &protocol.ErrAlreadyDone{Instance: "ecdsaauxinfo"}
	}
	tag, _, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("ecdsaauxinfo: message missing tag")
	}
	switch tag {
	case "commit":
		m.commitsGot[msg.From] = append([]byte(nil), msg.Payload...)
	case "reveal":
		params, err := decodeParams(msg.Payload)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("ecdsaauxinfo: decode params from %s: %w", msg.From, err)
		}
		m.paramsGot[msg.From] = params
	default:
		return protocol.Yield{}, fmt.Errorf("ecdsaauxinfo: unknown tag %q", tag)
	}

	if len(m.commitsGot) < len(m.peers) || len(m.paramsGot) < len(m.peers) {
		return protocol.Empty(), nil
	}
	for p, params := range m.paramsGot {
		if p == m.self {
			continue
		}
		commit, ok := m.commitsGot[p]
		if !ok {
			return protocol.Empty(), nil
		}
		want := m.commitmentFor(p, params)
		if string(want) != string(commit) {
			return protocol.Yield{}, fmt.Errorf("ecdsaauxinfo: revealed params from %s do not match earlier commitment", p)
		}
	}
	m.done = true
	return protocol.Final(Output{Params: m.paramsGot}.encode()), nil
}

// commitmentFor hashes a party's auxiliary params together with this
// instance's generation id and the claimed sender, so a commitment from one
// generation or one party cannot be replayed against another.
func (m *Machine) commitmentFor(party protocol.PartyID, params Params) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(m.genID)
	h.Write([]byte(party))
	h.Write(params.encode())
	return h.Sum(nil)
}

func sampleParams(rnd io.Reader) (Params, error) {
	n, err := rand.Int(rnd, new(big.Int).Lsh(big.NewInt(1), modulusBits))
	if err != nil {
		return Params{}, err
	}
	s, err := rand.Int(rnd, n)
	if err != nil {
		return Params{}, err
	}
	t, err := rand.Int(rnd, n)
	if err != nil {
		return Params{}, err
	}
	n.SetBit(n, 0, 1) // keep it odd, modulus-shaped
	return Params{N: n, S: s, T: t}, nil
}

func (o Output) encode() []byte {
	var out []byte
	for _, p := range sortedParties(o.Params) {
		params := o.Params[p]
		idBytes := []byte(p)
		out = appendLenPrefixed(out, idBytes)
		out = append(out, params.encode()...)
	}
	return out
}

func sortedParties(m map[protocol.PartyID]Params) []protocol.PartyID {
	out := make([]protocol.PartyID, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func appendLenPrefixed(dst, b []byte) []byte {
	var lenBuf [8]byte
	putUint64(lenBuf[:], uint64(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func concatBigInts(vs ...*big.Int) []byte {
	var out []byte
	for _, v := range vs {
		b := v.Bytes()
		out = appendLenPrefixed(out, b)
	}
	return out
}

func splitBigInts(b []byte, n int) ([]*big.Int, error) {
	out := make([]*big.Int, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 8 {
			return nil, fmt.Errorf("ecdsaauxinfo: truncated big.Int list")
		}
		var length uint64
		for k := 0; k < 8; k++ {
			length |= uint64(b[k]) << (8 * k)
		}
		b = b[8:]
		if uint64(len(b)) < length {
			return nil, fmt.Errorf("ecdsaauxinfo: truncated big.Int value")
		}
		out = append(out, new(big.Int).SetBytes(b[:length]))
		b = b[length:]
	}
	return out, nil
}
