// Package engineerr implements the error taxonomy from spec.md 7: a typed
// Kind plus a wrapped error, in the sentinel-plus-wrap idiom of
// rubin-protocol's consensus/errors.go (see DESIGN.md) generalized with an
// explicit Kind so callers at the gRPC/results boundary (out of scope here)
// can map engine errors to wire error codes without string-matching.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories the core engine surfaces.
type Kind int

const (
	// KindUnknown is the zero value and should never be returned.
	KindUnknown Kind = iota
	// KindProgramMalformed: bytecode/plan violates an invariant.
	KindProgramMalformed
	// KindInvalidInputs: the supplied value map is missing/mistyped/miscounted.
	KindInvalidInputs
	// KindInsufficientPreprocessing: reserved preprocessing doesn't cover demand.
	KindInsufficientPreprocessing
	// KindMissingAuxiliaryMaterial: the pinned aux-info version isn't present locally.
	KindMissingAuxiliaryMaterial
	// KindPeerUnavailable: a per-round timeout expired or the stream dropped.
	KindPeerUnavailable
	// KindProtocolAbort: a subprotocol detected a malformed peer message or semantic violation.
	KindProtocolAbort
	// KindMemoryViolation: a plan attempted to read an uninitialised/freed/pointer-to-header slot.
	KindMemoryViolation
	// KindInternal: any other invariant breach; always logged at error level by the caller.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindProgramMalformed:
		return "program_malformed"
	case KindInvalidInputs:
		return "invalid_inputs"
	case KindInsufficientPreprocessing:
		return "insufficient_preprocessing"
	case KindMissingAuxiliaryMaterial:
		return "missing_auxiliary_material"
	case KindPeerUnavailable:
		return "peer_unavailable"
	case KindProtocolAbort:
		return "protocol_abort"
	case KindMemoryViolation:
		return "memory_violation"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the engine's wrapped error type: a Kind, the operation that
// failed, and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a *Error, matching rubin-protocol's fmt.Errorf("%w") wrapping
// habit but with an explicit machine-readable Kind alongside the message.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
