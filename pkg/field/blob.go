package field

import "math/big"

// EncodeBlob chunks raw bytes into ChunkLen()-byte pieces, each becoming one
// field element (zero-padded in its final chunk), per spec.md 4.1. The
// unencoded byte length must be carried alongside the returned slice by the
// caller (pkg/nada.SecretBlob) so that DecodeBlob can trim the padding.
func EncodeBlob(p *Prime, data []byte) []Element {
	chunkLen := p.ChunkLen()
	if chunkLen <= 0 {
		chunkLen = 1
	}
	n := (len(data) + chunkLen - 1) / chunkLen
	if n == 0 {
		return nil
	}
	out := make([]Element, n)
	for i := 0; i < n; i++ {
		start := i * chunkLen
		end := start + chunkLen
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, chunkLen)
		copy(buf, data[start:end])
		v := leBytesToBigInt(buf)
		out[i] = FromBigInt(p, v)
	}
	return out
}

// DecodeBlob reverses EncodeBlob, trimming the final chunk to unencodedSize
// total bytes. unencodedSize is authoritative: it is what lets a blob whose
// length is not an exact multiple of the chunk size round-trip exactly.
func DecodeBlob(p *Prime, chunks []Element, unencodedSize int) ([]byte, error) {
	chunkLen := p.ChunkLen()
	if chunkLen <= 0 {
		chunkLen = 1
	}
	out := make([]byte, 0, len(chunks)*chunkLen)
	for _, c := range chunks {
		buf := make([]byte, chunkLen)
		bigIntToLEBytes(c.BigInt(), buf)
		out = append(out, buf...)
	}
	if unencodedSize < 0 || unencodedSize > len(out) {
		return nil, ErrInvalidEncoding
	}
	return out[:unencodedSize], nil
}

func leBytesToBigInt(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, c := range b {
		be[len(b)-1-i] = c
	}
	return new(big.Int).SetBytes(be)
}

func bigIntToLEBytes(v *big.Int, out []byte) {
	be := v.Bytes()
	for i := range be {
		if i >= len(out) {
			break
		}
		out[len(out)-1-i] = be[len(be)-1-i]
	}
}
