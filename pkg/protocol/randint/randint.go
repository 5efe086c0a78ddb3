// Package randint implements the RANDOM-INTEGER subprotocol: like
// pkg/protocol/randbit, it is a zero-round consumer of a preprocessed
// random field-element share, per spec.md 4.2.
package randint

import "github.com/nilvm/engine/pkg/protocol"

// Machine implements protocol.Machine for a RANDOM-INTEGER instance.
type Machine struct {
	output []byte
}

// New consumes one preprocessed random-integer share and immediately
// finalizes.
func New(share []byte) (*Machine, protocol.Yield) {
	m := &Machine{output: share}
	return m, protocol.Final(share)
}

func (m *Machine) Round() protocol.RoundID { return 0 }
func (m *Machine) Done() bool              { return true }

// HandleMessage always errors: a RANDOM-INTEGER instance never expects input.
func (m *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	return protocol.Yield{}, &protocol.ErrAlreadyDone{Instance: "randint"}
}
