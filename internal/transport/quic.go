package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values.
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second
)

// QUICTransport implements Transport using the QUIC protocol. QUIC
// supports many streams per connection, but spec.md's Non-goals exclude
// multiplexing, so each QUICPeerConn opens exactly one stream at
// connection-setup time and never calls OpenStream/AcceptStream again.
type QUICTransport struct {
	mu        sync.Mutex
	listeners []*QUICListener
	closed    bool
}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

// Type returns the transport type.
func (t *QUICTransport) Type() TransportType {
	return TransportQUIC
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
	}
}

// Dial connects to a remote peer using QUIC and opens its single stream.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	tlsConfig := prepareTLSConfigForDial(opts.TLSConfig, opts.StrictVerify, []string{DefaultALPNProtocol})

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}

	return &QUICPeerConn{conn: conn, stream: stream, isDialer: true}, nil
}

// Listen creates a QUIC listener.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{DefaultALPNProtocol}
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	ql := &QUICListener{listener: listener}
	t.listeners = append(t.listeners, ql)

	return ql, nil
}

// Close shuts down the transport and all listeners.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	return lastErr
}

// QUICListener implements Listener for QUIC.
type QUICListener struct {
	listener *quic.Listener
	closed   bool
	mu       sync.Mutex
}

// Accept waits for the next QUIC connection and its single stream.
func (l *QUICListener) Accept(ctx context.Context) (PeerConn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream accept failed")
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}

	return &QUICPeerConn{conn: conn, stream: stream, isDialer: false}, nil
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	return l.listener.Close()
}

// QUICPeerConn implements PeerConn directly over a QUIC connection's one
// stream.
type QUICPeerConn struct {
	conn     quic.Connection
	stream   quic.Stream
	isDialer bool
}

func (c *QUICPeerConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *QUICPeerConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// CloseWrite sends a half-close (FIN) on the stream's write side.
func (c *QUICPeerConn) CloseWrite() error {
	return c.stream.Close()
}

// Close terminates the stream and the underlying QUIC connection.
func (c *QUICPeerConn) Close() error {
	c.stream.CancelRead(0)
	c.stream.Close()
	return c.conn.CloseWithError(0, "connection closed")
}

func (c *QUICPeerConn) LocalAddr() net.Addr          { return c.conn.LocalAddr() }
func (c *QUICPeerConn) RemoteAddr() net.Addr         { return c.conn.RemoteAddr() }
func (c *QUICPeerConn) IsDialer() bool               { return c.isDialer }
func (c *QUICPeerConn) TransportType() TransportType { return TransportQUIC }
