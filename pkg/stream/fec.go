package stream

// Forward error correction group size bounds. One parity packet can
// repair one lost chunk per group, smaller groups trade bandwidth for
// resilience.
const (
	MinFECGroupSize     = 2
	DefaultFECGroupSize = 4
	MaxFECGroupSize     = 16
)

// xorParity returns the bytewise XOR of the chunks, padded with zeros
// to the longest chunk.
func xorParity(chunks [][]byte) []byte {
	var size int
	for _, chunk := range chunks {
		if len(chunk) > size {
			size = len(chunk)
		}
	}

	parity := make([]byte, size)
	for _, chunk := range chunks {
		for i, b := range chunk {
			parity[i] ^= b
		}
	}
	return parity
}

// recoverChunk reconstructs the single missing chunk of a group from
// the parity and the chunks that did arrive. want is the length of the
// missing chunk, known from the chunk size and frame total length.
func recoverChunk(present [][]byte, parity []byte, want int) []byte {
	out := make([]byte, len(parity))
	copy(out, parity)

	for _, chunk := range present {
		for i, b := range chunk {
			out[i] ^= b
		}
	}

	if want > len(out) {
		want = len(out)
	}
	return out[:want]
}
