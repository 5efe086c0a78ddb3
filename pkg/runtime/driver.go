package runtime

import (
	"context"

	"github.com/nilvm/engine/internal/ports"
	"github.com/nilvm/engine/pkg/engineerr"
	"github.com/nilvm/engine/pkg/protocol"
)

// driveMachine pumps m to completion: it sends initial's messages, then
// alternates receiving inbound messages (buffering any that arrive for a
// round m hasn't reached yet, per protocol.YieldOutOfOrder) and replaying
// buffered messages once m's round catches up, until m yields Final.
func driveMachine(ctx context.Context, channels ports.Channels, self protocol.PartyID, allParties []protocol.PartyID, instanceID uint64, rtr *router, m protocol.Machine, initial protocol.Yield) ([]byte, error) {
	if err := sendYield(ctx, channels, self, allParties, instanceID, initial); err != nil {
		return nil, err
	}
	if initial.Kind == protocol.YieldFinal {
		return initial.Output, nil
	}

	inbox := rtr.register(instanceID)
	defer rtr.unregister(instanceID)

	buf := protocol.NewRoundBuffer()

	advance := func(msg protocol.Message) (protocol.Yield, error) {
		y, err := m.HandleMessage(msg)
		if err != nil {
			return protocol.Yield{}, engineerr.New(engineerr.KindProtocolAbort, "runtime.driveMachine", err)
		}
		if y.Kind == protocol.YieldOutOfOrder {
			buf.Stash(msg)
			return protocol.Empty(), nil
		}
		return y, nil
	}

	drainReady := func() (protocol.Yield, bool, error) {
		for {
			ready := buf.Drain(m.Round())
			if len(ready) == 0 {
				return protocol.Yield{}, false, nil
			}
			for _, msg := range ready {
				y, err := advance(msg)
				if err != nil {
					return protocol.Yield{}, false, err
				}
				if err := sendYield(ctx, channels, self, allParties, instanceID, y); err != nil {
					return protocol.Yield{}, false, err
				}
				if y.Kind == protocol.YieldFinal {
					return y, true, nil
				}
			}
		}
	}

	if y, done, err := drainReady(); err != nil {
		return nil, err
	} else if done {
		return y.Output, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, engineerr.New(engineerr.KindPeerUnavailable, "runtime.driveMachine", ctx.Err())
		case msg, ok := <-inbox:
			if !ok {
				return nil, engineerr.New(engineerr.KindPeerUnavailable, "runtime.driveMachine", context.Canceled)
			}
			y, err := advance(msg)
			if err != nil {
				return nil, err
			}
			if err := sendYield(ctx, channels, self, allParties, instanceID, y); err != nil {
				return nil, err
			}
			if y.Kind == protocol.YieldFinal {
				return y.Output, nil
			}
			if y2, done, err := drainReady(); err != nil {
				return nil, err
			} else if done {
				return y2.Output, nil
			}
		}
	}
}
