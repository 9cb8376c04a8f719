// Package tunnel implements the per-session bidirectional secure transport:
// the frame pipeline that packetizes a plaintext byte stream into fixed-size
// authenticated frames over internal/secretstream, and the session
// supervisor that runs both directions of a session and propagates EOF
// across the encryption boundary via half-close.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"

	"sectun/internal/logging"
	"sectun/internal/recovery"
)

// Result reports how a session ended.
type Result struct {
	// Encrypt counts the local-to-peer direction (plaintext read from
	// local, ciphertext written to peer).
	Encrypt SessionCounters
	// Decrypt counts the peer-to-local direction (ciphertext read from
	// peer, plaintext written to local).
	Decrypt SessionCounters
	// ClosedBy names which side ended the session first, following
	// spec.md's four labels.
	ClosedBy string
}

type directionOutcome struct {
	direction string
	counters  SessionCounters
	err       error
}

// RunSession runs one encrypting task and one decrypting task for the
// lifetime of a session (spec.md §4.3), using key as the pre-shared
// secretstream key for both directions. local is the plaintext connection
// (the client's, for a client-side proxy; the local server's, for a
// server-side proxy); peer is the connection to the cooperating proxy
// process. isServerProxy only affects the closed_by label, since the
// direction wiring itself — encrypt local-to-peer, decrypt peer-to-local —
// is identical for both proxy roles.
//
// RunSession blocks until both directions have completed. It returns the
// first non-EOF error encountered by either direction, if any. ctx is
// accepted for future cancellation hooks and caller-side tracing; the core
// pipeline has no timeouts of its own (spec.md §5).
func RunSession(ctx context.Context, logger *slog.Logger, sessionID string, isServerProxy bool, local, peer Conn, key []byte) (Result, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	localWriter := NewSharedWriter(local)
	peerWriter := NewSharedWriter(peer)

	logger.Debug("session started", logging.KeySession, sessionID)

	done := make(chan directionOutcome, 2)

	go func() {
		defer recovery.RecoverWithLog(logger, "tunnel.encrypt."+sessionID)
		counters, err := runEncrypting(local, peerWriter, key, logger, "encrypt")
		done <- directionOutcome{direction: "encrypt", counters: counters, err: err}
	}()

	go func() {
		defer recovery.RecoverWithLog(logger, "tunnel.decrypt."+sessionID)
		counters, err := runDecrypting(peer, localWriter, key, logger, "decrypt")
		done <- directionOutcome{direction: "decrypt", counters: counters, err: err}
	}()

	var result Result

	first := <-done
	closedBy := applyOutcome(&result, first, isServerProxy, peerWriter, localWriter)

	second := <-done
	applyOutcome(&result, second, isServerProxy, peerWriter, localWriter)

	result.ClosedBy = closedBy

	logger.Info("session closed",
		logging.KeySession, sessionID,
		logging.KeyClosedBy, closedBy,
		logging.KeyMessages, result.Encrypt.MessagesTransferred+result.Decrypt.MessagesTransferred,
		logging.KeyBytes, result.Encrypt.PlaintextBytesTransferred+result.Decrypt.PlaintextBytesTransferred,
	)

	if first.err != nil {
		return result, fmt.Errorf("tunnel: session %s: %w", sessionID, first.err)
	}
	if second.err != nil {
		return result, fmt.Errorf("tunnel: session %s: %w", sessionID, second.err)
	}
	return result, nil
}

// applyOutcome records an outcome's counters into result, half-closes the
// write-half that direction was feeding (spec.md §4.3 step 4), and returns
// the closed_by label for that outcome.
func applyOutcome(result *Result, o directionOutcome, isServerProxy bool, peerWriter, localWriter *SharedWriter) string {
	switch o.direction {
	case "encrypt":
		result.Encrypt = o.counters
		_ = peerWriter.Shutdown()
		if isServerProxy {
			return "server"
		}
		return "client"
	case "decrypt":
		result.Decrypt = o.counters
		_ = localWriter.Shutdown()
		if isServerProxy {
			return "client proxy"
		}
		return "server proxy"
	default:
		return ""
	}
}
