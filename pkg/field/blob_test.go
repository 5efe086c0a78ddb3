package field_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/field"
)

func TestBlobRoundTripExactMultiple(t *testing.T) {
	p := field.Safe256
	chunkLen := p.ChunkLen()
	data := make([]byte, chunkLen*3)
	for i := range data {
		data[i] = byte(i)
	}
	chunks := field.EncodeBlob(p, data)
	require.Len(t, chunks, 3)
	got, err := field.DecodeBlob(p, chunks, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestBlobRoundTripTrailingBytes(t *testing.T) {
	p := field.Safe256
	chunkLen := p.ChunkLen()
	data := make([]byte, chunkLen*2+5)
	for i := range data {
		data[i] = byte(100 + i)
	}
	chunks := field.EncodeBlob(p, data)
	require.Len(t, chunks, 3)
	got, err := field.DecodeBlob(p, chunks, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestBlobEmpty(t *testing.T) {
	p := field.Safe64
	chunks := field.EncodeBlob(p, nil)
	require.Empty(t, chunks)
	got, err := field.DecodeBlob(p, chunks, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}
