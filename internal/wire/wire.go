// Package wire implements the inter-node stream codec described in
// spec.md 6: two bidirectional streams (preprocessing, compute), each
// opening with a typed header and then carrying a sequence of
// {id, payload_bytes} frames. The project's canonical compiled-artifact
// encoding is CBOR (see pkg/bytecode), so the wire frames use the same
// codec rather than introducing a second serialisation format.
package wire

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ComputeType tags which kind of compute a compute-stream header opens.
type ComputeType uint8

const (
	ComputeGeneral ComputeType = iota
	ComputeEcdsaDkg
)

// PreprocessingHeader is the first message on a preprocessing stream.
type PreprocessingHeader struct {
	GenerationID uuid.UUID
	Element      string
}

// ComputeHeader is the first message on a compute stream.
type ComputeHeader struct {
	ComputeID   uuid.UUID
	ComputeType ComputeType
}

// Frame is one message on either stream after its header: an opaque id
// plus a payload carrying a protocol.Message or a VM-level payload,
// itself CBOR-encoded by the caller.
type Frame struct {
	ID      uint64
	Payload []byte
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := cbor.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePreprocessingHeader encodes h as the first message of a
// preprocessing stream.
func EncodePreprocessingHeader(h PreprocessingHeader) ([]byte, error) { return encode(h) }

// DecodePreprocessingHeader decodes a preprocessing stream's first message.
func DecodePreprocessingHeader(b []byte) (PreprocessingHeader, error) {
	var h PreprocessingHeader
	if err := cbor.Unmarshal(b, &h); err != nil {
		return PreprocessingHeader{}, fmt.Errorf("wire: decode preprocessing header: %w", err)
	}
	return h, nil
}

// EncodeComputeHeader encodes h as the first message of a compute stream.
func EncodeComputeHeader(h ComputeHeader) ([]byte, error) { return encode(h) }

// DecodeComputeHeader decodes a compute stream's first message.
func DecodeComputeHeader(b []byte) (ComputeHeader, error) {
	var h ComputeHeader
	if err := cbor.Unmarshal(b, &h); err != nil {
		return ComputeHeader{}, fmt.Errorf("wire: decode compute header: %w", err)
	}
	return h, nil
}

// EncodeFrame encodes a post-header stream message.
func EncodeFrame(f Frame) ([]byte, error) { return encode(f) }

// DecodeFrame decodes a post-header stream message.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	return f, nil
}
