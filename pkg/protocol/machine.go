// Package protocol defines the shared contract that every MPC subprotocol
// state machine implements: a deterministic, message-driven machine that
// starts via New and advances one peer message at a time via HandleMessage,
// per spec.md 4.2.
package protocol

import "fmt"

// PartyID identifies a cluster member within a running protocol instance.
type PartyID string

// RoundID scopes an inbound/outbound message to the round it belongs to.
// Messages for a round other than the machine's current round are buffered
// rather than processed (see Yield's OutOfOrder variant).
type RoundID uint64

// Message is one peer-to-peer protocol message: an opaque payload tagged
// with the round it was produced in and, for composed machines, the path of
// sub-machine tags it must be routed through (spec.md 4.2 "sub-state-machine
// composition with tagged message wrapping").
type Message struct {
	Round   RoundID
	From    PartyID
	Tag     []string
	Payload []byte
}

// OutboundMessage pairs a Message with the set of recipients it must be sent
// to. A nil/empty To means broadcast to every other party in the instance.
type OutboundMessage struct {
	Message Message
	To      []PartyID
}

// YieldKind tags the variant of a Yield.
type YieldKind int

const (
	// YieldEmpty: the machine consumed the message, produced no output
	// messages, and is not finished.
	YieldEmpty YieldKind = iota
	// YieldMessages: the machine produced outbound messages for this round
	// and is not finished.
	YieldMessages
	// YieldFinal: the machine has produced its result; Output is valid and
	// no further messages should be routed to this instance.
	YieldFinal
	// YieldOutOfOrder: the inbound message named a round ahead of the
	// machine's current round; the caller must buffer it and redeliver once
	// the machine reaches that round.
	YieldOutOfOrder
)

// Yield is the result of advancing a Machine by one message (or by New).
type Yield struct {
	Kind     YieldKind
	Messages []OutboundMessage
	Output   []byte
}

// Empty returns a YieldEmpty.
func Empty() Yield { return Yield{Kind: YieldEmpty} }

// Messages returns a YieldMessages carrying the given outbound messages.
func Messages(msgs ...OutboundMessage) Yield {
	return Yield{Kind: YieldMessages, Messages: msgs}
}

// Final returns a YieldFinal carrying the machine's encoded output.
func Final(output []byte) Yield {
	return Yield{Kind: YieldFinal, Output: output}
}

// OutOfOrder returns a YieldOutOfOrder for the given unprocessed message.
func OutOfOrder() Yield { return Yield{Kind: YieldOutOfOrder} }

// Machine is the interface every MPC subprotocol state machine implements.
// Implementations are deterministic given their message history: the same
// sequence of HandleMessage calls always produces the same sequence of
// Yields, which lets the runtime (pkg/runtime) replay and test instances
// without any hidden state.
type Machine interface {
	// Round returns the round the machine currently expects messages for.
	Round() RoundID

	// HandleMessage advances the machine by one inbound peer message.
	// Implementations must return YieldOutOfOrder (without mutating state)
	// when msg.Round is later than Round(); the caller is responsible for
	// redelivering it once the machine's round catches up.
	HandleMessage(msg Message) (Yield, error)

	// Done reports whether the machine has already yielded YieldFinal.
	Done() bool
}

// ErrAlreadyDone is returned by HandleMessage implementations when called
// after the machine has already produced its final output.
type ErrAlreadyDone struct {
	Instance string
}

func (e *ErrAlreadyDone) Error() string {
	return fmt.Sprintf("protocol: instance %q already finished", e.Instance)
}
