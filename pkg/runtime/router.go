package runtime

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/nilvm/engine/internal/ports"
	"github.com/nilvm/engine/internal/wire"
	"github.com/nilvm/engine/pkg/engineerr"
	"github.com/nilvm/engine/pkg/protocol"
)

// router demultiplexes one compute's inbound message stream across the
// many concurrently-running protocol.Machine instances in a step: each
// instance registers under its plan.Instance.OpIndex, and the router
// decodes the wire.Frame envelope around every inbound protocol.Message
// just far enough to learn which instance it belongs to.
type router struct {
	mu   sync.Mutex
	subs map[uint64]chan protocol.Message
}

func newRouter() *router {
	return &router{subs: make(map[uint64]chan protocol.Message)}
}

func (r *router) register(id uint64) chan protocol.Message {
	ch := make(chan protocol.Message, 32)
	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *router) unregister(id uint64) {
	r.mu.Lock()
	ch, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// run drains inbound until ctx is cancelled or inbound closes. Messages
// for an instance that has already finished and unregistered are dropped:
// that happens for the last round of an out-of-quorum peer's duplicate
// send, and is expected rather than an error.
func (r *router) run(ctx context.Context, inbound <-chan ports.InboundEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-inbound:
			if !ok {
				return
			}
			if env.Header != nil {
				continue // stream-opening ComputeHeader, not a frame
			}
			frame, err := wire.DecodeFrame(env.Payload)
			if err != nil {
				continue
			}
			var msg protocol.Message
			if err := cbor.Unmarshal(frame.Payload, &msg); err != nil {
				continue
			}
			msg.From = env.From

			r.mu.Lock()
			ch, ok := r.subs[frame.ID]
			r.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// sendYield dispatches every outbound message a Yield carries over
// channels, tagged with instanceID so the receiving router can route the
// reply back to the matching machine.
func sendYield(ctx context.Context, channels ports.Channels, self protocol.PartyID, allParties []protocol.PartyID, instanceID uint64, y protocol.Yield) error {
	for _, out := range y.Messages {
		payload, err := cbor.Marshal(out.Message)
		if err != nil {
			return engineerr.New(engineerr.KindInternal, "runtime.sendYield", err)
		}
		frameBytes, err := wire.EncodeFrame(wire.Frame{ID: instanceID, Payload: payload})
		if err != nil {
			return engineerr.New(engineerr.KindInternal, "runtime.sendYield", err)
		}
		recipients := out.To
		if len(recipients) == 0 {
			for _, p := range allParties {
				if p != self {
					recipients = append(recipients, p)
				}
			}
		}
		for _, to := range recipients {
			if to == self {
				continue
			}
			env := ports.Envelope{StreamID: "compute", Payload: frameBytes}
			if err := channels.Send(ctx, to, env); err != nil {
				return engineerr.New(engineerr.KindPeerUnavailable, "runtime.sendYield", err)
			}
		}
	}
	return nil
}
