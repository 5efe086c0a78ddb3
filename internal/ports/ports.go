// Package ports declares the interfaces through which the core engine
// talks to the outside world, per spec.md 6: blob storage, the inter-node
// channel layer, the metrics registry, and receipt verification. Core
// depends only on these interfaces; concrete adapters live under
// internal/storage and internal/wire.
package ports

import (
	"context"

	"github.com/nilvm/engine/pkg/protocol"
)

// BlobRepository is the core-facing storage interface used by the
// preprocessing scheduler and the runtime-elements service to persist and
// fetch preprocessing batches and auxiliary-material versions, keyed
// `element/batch_id` and `aux/material/version` per spec.md 6.
type BlobRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// PutIfAbsent implements the conditional-put semantics spec.md 5
	// requires for generation retries: it returns ErrExists if key is
	// already present rather than overwriting it.
	PutIfAbsent(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	CheckPermissions(ctx context.Context) error
}

// PartyID aliases protocol.PartyID so ports consumers need not import the
// protocol package just to name a peer.
type PartyID = protocol.PartyID

// Envelope is one outbound message addressed to a single peer over the
// inter-node channel layer.
type Envelope struct {
	StreamID string // "preprocessing" or "compute", per spec.md 6
	Header   []byte // stream-first-message header, nil on subsequent messages
	Payload  []byte
}

// InboundEnvelope is one message received from a peer, tagged with its
// sender.
type InboundEnvelope struct {
	From PartyID
	Envelope
}

// Channels is the inter-node transport: per spec.md 6, two bidirectional
// streams (preprocessing, compute), each starting with a header message
// and carrying subsequent payload-bearing messages.
type Channels interface {
	Send(ctx context.Context, to PartyID, msg Envelope) error
	Recv(ctx context.Context) (<-chan InboundEnvelope, error)
}

// Metrics is the process-wide metrics registry (spec.md 9's "only
// process-wide state"); core never holds metrics as a singleton, it is
// always injected.
type Metrics interface {
	IncInstances(kind string, delta int)
	ObserveRoundLatency(kind string, seconds float64)
}

// ReceiptVerifier checks a compute's preprocessing-consumption receipt
// before the leader advances committed offsets, per spec.md 4.6.
type ReceiptVerifier interface {
	Verify(ctx context.Context, computeID [16]byte, receipt []byte) error
}
