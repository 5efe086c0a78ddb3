package protocol

// RoundBuffer holds messages that arrived for a round the owning Machine
// hasn't reached yet. Grounded on the generic "stash until round arrives"
// idiom used for inbound demultiplexing in the pack (see DESIGN.md); here it
// is pulled out as a small reusable type so every subprotocol package and
// pkg/runtime share one buffering discipline instead of reimplementing it.
type RoundBuffer struct {
	pending map[RoundID][]Message
}

// NewRoundBuffer returns an empty RoundBuffer.
func NewRoundBuffer() *RoundBuffer {
	return &RoundBuffer{pending: make(map[RoundID][]Message)}
}

// Stash records msg as pending for its round.
func (b *RoundBuffer) Stash(msg Message) {
	b.pending[msg.Round] = append(b.pending[msg.Round], msg)
}

// Drain removes and returns every message stashed for round, in arrival
// order, or nil if none are pending.
func (b *RoundBuffer) Drain(round RoundID) []Message {
	msgs := b.pending[round]
	delete(b.pending, round)
	return msgs
}

// Len returns the total number of stashed messages across all rounds.
func (b *RoundBuffer) Len() int {
	n := 0
	for _, msgs := range b.pending {
		n += len(msgs)
	}
	return n
}
