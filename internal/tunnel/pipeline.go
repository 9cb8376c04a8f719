package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"sectun/internal/logging"
	"sectun/internal/secretstream"
)

// runEncrypting implements the encrypting direction (spec.md §4.2.1): read
// plaintext from src, pad it into fixed-size frames, push each frame
// through the one pusher created for this direction, and write the
// resulting ciphertext to dst. The
// pusher's header is written first.
func runEncrypting(src io.Reader, dst *SharedWriter, key []byte, logger *slog.Logger, label string) (SessionCounters, error) {
	pusher, header, err := secretstream.NewPusher(key)
	if err != nil {
		return SessionCounters{}, fmt.Errorf("tunnel: %s: new pusher: %w", label, err)
	}
	if _, err := dst.Write(header); err != nil {
		return SessionCounters{}, fmt.Errorf("tunnel: %s: write header: %w", label, err)
	}

	var counters SessionCounters
	scratch := make([]byte, PlaintextBufSz)

	for {
		n, rerr := src.Read(scratch[:MaxPlaintextSz])
		if n > 0 {
			pad(scratch, n)
			ciphertext, perr := pusher.Push(scratch, secretstream.TagMessage)
			if perr != nil {
				return counters, fmt.Errorf("tunnel: %s: push: %w", label, perr)
			}
			if _, werr := dst.Write(ciphertext); werr != nil {
				return counters, fmt.Errorf("tunnel: %s: write frame: %w", label, werr)
			}
			counters.MessagesTransferred++
			counters.PlaintextBytesTransferred += uint64(n)
			logger.Debug("encrypted frame", logging.KeyDirection, label, "n", n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return counters, fmt.Errorf("tunnel: %s: read: %w", label, rerr)
		}
		if n == 0 {
			break
		}
	}

	return counters, nil
}

// runDecrypting implements the decrypting direction (spec.md §4.2.2): read
// the 24-byte stream header, then accumulate exactly IOBufSz-byte
// ciphertext frames, pull each through the puller, depad, and write the
// recovered payload to dst.
func runDecrypting(src io.Reader, dst *SharedWriter, key []byte, logger *slog.Logger, label string) (SessionCounters, error) {
	header := make([]byte, secretstream.HeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		if errors.Is(err, io.EOF) {
			// Peer closed before sending even a header: a clean, empty
			// session from this direction's point of view.
			return SessionCounters{}, nil
		}
		return SessionCounters{}, fmt.Errorf("tunnel: %s: read header: %w", label, err)
	}

	puller, err := secretstream.NewPuller(key, header)
	if err != nil {
		return SessionCounters{}, fmt.Errorf("tunnel: %s: new puller: %w", label, err)
	}

	var counters SessionCounters
	buf := make([]byte, 0, IOBufSz)
	chunk := make([]byte, IOBufSz)
	seq := 0

	for {
		n, rerr := src.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		for len(buf) >= IOBufSz {
			frame := buf[:IOBufSz]
			plaintext, _, perr := puller.Pull(frame, seq, int(counters.PlaintextBytesTransferred))
			if perr != nil {
				return counters, fmt.Errorf("tunnel: %s: pull: %w", label, perr)
			}
			seq++

			end, ok := depad(plaintext)
			if !ok {
				logger.Warn("frame missing sentinel, discarding", logging.KeyDirection, label, "seq", seq)
			} else if end > 0 {
				if _, werr := dst.Write(plaintext[:end]); werr != nil {
					return counters, fmt.Errorf("tunnel: %s: write payload: %w", label, werr)
				}
				counters.MessagesTransferred++
				counters.PlaintextBytesTransferred += uint64(end)
			} else {
				// end == 0 is a well-formed, empty frame; nothing to
				// write, but it still counts as a delivered message.
				counters.MessagesTransferred++
			}

			buf = buf[IOBufSz:]
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if len(buf) > 0 {
					logger.Warn("truncated frame at EOF, discarding", logging.KeyDirection, label, "n", len(buf))
				}
				break
			}
			return counters, fmt.Errorf("tunnel: %s: read: %w", label, rerr)
		}
		if n == 0 && rerr == nil {
			// Defensive: io.Reader contract discourages (0, nil), but
			// don't spin if a buggy implementation returns it.
			break
		}
	}

	return counters, nil
}
