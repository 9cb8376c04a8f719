package tunnel

import "sectun/internal/secretstream"

const (
	// PlaintextBufSz is the fixed size of the plaintext scratch buffer a
	// single frame carries, including its sentinel padding.
	PlaintextBufSz = 512

	// MaxPlaintextSz is the largest payload a single frame can carry,
	// leaving room for the mandatory sentinel byte.
	MaxPlaintextSz = PlaintextBufSz - 1

	// IOBufSz is the fixed size of every ciphertext frame on the wire.
	IOBufSz = PlaintextBufSz + secretstream.ABytes

	// sentinelByte marks the end of the payload inside a padded plaintext
	// frame (ISO/IEC 7816-4 style padding).
	sentinelByte = 0x80
)

// SessionCounters tracks the monotone totals of one directional pipeline.
type SessionCounters struct {
	MessagesTransferred       uint64
	PlaintextBytesTransferred uint64
}

// pad writes the sentinel byte at scratch[n] and zero-fills the remainder
// of the buffer. scratch must be exactly PlaintextBufSz bytes and n must
// satisfy 0 <= n <= MaxPlaintextSz.
func pad(scratch []byte, n int) {
	scratch[n] = sentinelByte
	for i := n + 1; i < PlaintextBufSz; i++ {
		scratch[i] = 0x00
	}
}

// depad scans a PlaintextBufSz-byte padded buffer from the end looking for
// the sentinel byte, decrementing exactly once per iteration as spec
// requires. It returns the payload length and true on success, or
// (0, false) if the buffer has no well-formed sentinel.
func depad(padded []byte) (int, bool) {
	for end := MaxPlaintextSz; end >= 0; end-- {
		switch padded[end] {
		case sentinelByte:
			return end, true
		case 0x00:
			continue
		default:
			return 0, false
		}
	}
	return 0, false
}
