// Package randbit implements the RANDOM-BIT subprotocol. The randomness
// itself is generated entirely by the preprocessing layer (pkg/preprocessing)
// ahead of time; the online phase is a zero-round consumer that simply
// surfaces the next preprocessed bit share as this instance's output, per
// spec.md 4.2's description of RANDOM-BIT/RANDOM-INTEGER as preprocessing-
// sourced rather than interactive.
package randbit

import "github.com/nilvm/engine/pkg/protocol"

// Machine implements protocol.Machine for a RANDOM-BIT instance. It never
// sends or expects any messages: New already yields Final.
type Machine struct {
	output []byte
}

// New consumes one preprocessed random-bit share (0 or 1, field-encoded)
// and immediately finalizes.
func New(bitShare []byte) (*Machine, protocol.Yield) {
	m := &Machine{output: bitShare}
	return m, protocol.Final(bitShare)
}

func (m *Machine) Round() protocol.RoundID { return 0 }
func (m *Machine) Done() bool              { return true }

// HandleMessage always errors: a RANDOM-BIT instance never expects input.
func (m *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	return protocol.Yield{}, &protocol.ErrAlreadyDone{Instance: "randbit"}
}
