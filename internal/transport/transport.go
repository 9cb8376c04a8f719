// Package transport provides pluggable carriers for the peer-to-peer link
// between the two cooperating proxies. Each PeerConn is a single
// full-duplex byte stream — the wire topology a session (internal/tunnel)
// runs over — never a multiplexed bundle of virtual streams; spec.md's
// Non-goals exclude multiplexing, so a transport here is just a choice of
// carrier for exactly one session's ciphertext.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// TransportType identifies the carrier protocol.
type TransportType string

const (
	TransportTCP       TransportType = "tcp"
	TransportTLS       TransportType = "tls"
	TransportQUIC      TransportType = "quic"
	TransportWebSocket TransportType = "ws"
)

// ParseTransportType validates a configured transport name.
func ParseTransportType(name string) (TransportType, error) {
	switch TransportType(name) {
	case TransportTCP, TransportTLS, TransportQUIC, TransportWebSocket:
		return TransportType(name), nil
	default:
		return "", fmt.Errorf("transport: unknown transport %q", name)
	}
}

// Transport dials and accepts PeerConns.
type Transport interface {
	// Dial connects to a remote peer.
	Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() TransportType

	// Close shuts down the transport.
	Close() error
}

// Listener accepts incoming peer connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (PeerConn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// PeerConn is a single full-duplex byte stream to the peer proxy. It
// satisfies tunnel.Conn (Read/Write/CloseWrite/Close) structurally, so
// internal/tunnel never imports this package.
type PeerConn interface {
	// Read and Write carry the ciphertext wire format (spec.md §6)
	// directly; there is no inner framing layer to unwrap.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// CloseWrite sends a half-close, signalling EOF to the peer without
	// discarding unread input (spec.md §9).
	CloseWrite() error

	// Close terminates the connection in both directions.
	Close() error

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr

	// IsDialer returns true if this side initiated the connection.
	IsDialer() bool

	// TransportType returns the transport protocol type.
	TransportType() TransportType
}

// DialOptions configures an outbound connection to a peer.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection (tls/ws/quic).
	TLSConfig *tls.Config

	// StrictVerify requires certificate verification. When false (the
	// default, matching the teacher's stance on its own E2E channel) a
	// TLS config is synthesized with InsecureSkipVerify set, since
	// spec.md's own AEAD channel already authenticates every byte — TLS
	// here is a carrier, not the trust boundary.
	StrictVerify bool

	// Timeout is the connection timeout.
	Timeout time.Duration

	// WSSubprotocol is the WebSocket subprotocol to negotiate.
	WSSubprotocol string

	// ProxyURL, ProxyUsername, ProxyPassword configure an HTTP proxy for
	// the WebSocket transport's dial.
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
}

// ListenOptions configures an inbound listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener (tls/ws/quic).
	TLSConfig *tls.Config

	// Path is the HTTP path the WebSocket transport upgrades on.
	Path string

	// PlainText allows a WebSocket listener with no TLS config, for
	// deployments that terminate TLS in front of this process.
	PlainText bool
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{Timeout: 30 * time.Second}
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{}
}

// New constructs the Transport implementation named by t.
func New(t TransportType) (Transport, error) {
	switch t {
	case TransportTCP:
		return NewTCPTransport(), nil
	case TransportTLS:
		return NewTLSTransport(), nil
	case TransportWebSocket:
		return NewWebSocketTransport(), nil
	case TransportQUIC:
		return NewQUICTransport(), nil
	default:
		return nil, fmt.Errorf("transport: unknown transport %q", t)
	}
}
