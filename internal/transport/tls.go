package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"
)

const (
	// DefaultALPNProtocol is the ALPN protocol identifier sectun
	// negotiates over the tls and quic transports.
	DefaultALPNProtocol = "sectun/1"

	// DefaultWSSubprotocol is the default WebSocket subprotocol.
	DefaultWSSubprotocol = "sectun/1"
)

// LoadTLSConfig loads a TLS configuration from certificate and key files.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{DefaultALPNProtocol},
	}, nil
}

// LoadClientTLSConfig loads a TLS configuration for client connections. If
// strictVerify is false (the default), certificate verification is
// skipped, because the secretstream AEAD channel already authenticates
// every byte exchanged between the two proxies — TLS here is a carrier,
// not the trust boundary spec.md relies on.
func LoadClientTLSConfig(caFile string, strictVerify bool) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{DefaultALPNProtocol},
		InsecureSkipVerify: !strictVerify,
	}

	if caFile != "" {
		caPool, err := LoadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		config.RootCAs = caPool
	}

	return config, nil
}

// LoadCAPool loads a CA certificate pool from a file.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return pool, nil
}

// LoadMutualTLSConfig loads a TLS configuration with client certificate
// verification.
func LoadMutualTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	config, err := LoadTLSConfig(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	if clientCAFile != "" {
		clientCAPool, err := LoadCAPool(clientCAFile)
		if err != nil {
			return nil, err
		}
		config.ClientCAs = clientCAPool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return config, nil
}

// GenerateSelfSignedCert generates a self-signed certificate for
// development and for `sectun gencert`.
func GenerateSelfSignedCert(commonName string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"sectun"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{commonName, "localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}

// GenerateAndSaveCert generates a self-signed certificate and saves it to
// files.
func GenerateAndSaveCert(certFile, keyFile, commonName string, validFor time.Duration) error {
	certPEM, keyPEM, err := GenerateSelfSignedCert(commonName, validFor)
	if err != nil {
		return err
	}

	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// TLSConfigFromBytes creates a TLS config from PEM-encoded certificate and
// key.
func TLSConfigFromBytes(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{DefaultALPNProtocol},
	}, nil
}

// CloneTLSConfig creates a copy of a TLS config.
func CloneTLSConfig(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		return nil
	}
	return cfg.Clone()
}

// prepareTLSConfigForDial prepares a TLS config for dialing. If tlsConfig
// is nil, a config is synthesized from strictVerify.
func prepareTLSConfigForDial(tlsConfig *tls.Config, strictVerify bool, nextProtos []string) *tls.Config {
	if tlsConfig == nil {
		return &tls.Config{
			InsecureSkipVerify: !strictVerify,
			NextProtos:         nextProtos,
			MinVersion:         tls.VersionTLS13,
		}
	}
	cfg := tlsConfig.Clone()
	cfg.NextProtos = nextProtos
	return cfg
}

// TLSTransport implements Transport using TCP wrapped in TLS.
type TLSTransport struct {
	mu        sync.Mutex
	listeners []*TLSListener
	closed    bool
}

// NewTLSTransport creates a new TLS transport.
func NewTLSTransport() *TLSTransport {
	return &TLSTransport{}
}

// Type returns the transport type.
func (t *TLSTransport) Type() TransportType {
	return TransportTLS
}

// Dial connects to a remote peer over TLS.
func (t *TLSTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	cfg := prepareTLSConfigForDial(opts.TLSConfig, opts.StrictVerify, []string{DefaultALPNProtocol})

	dialer := tls.Dialer{NetDialer: &net.Dialer{Timeout: opts.Timeout}, Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TLS dial failed: %w", err)
	}

	return &TLSPeerConn{conn: conn.(*tls.Conn), isDialer: true}, nil
}

// Listen creates a TLS listener.
func (t *TLSTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for tls listener")
	}

	cfg := opts.TLSConfig.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{DefaultALPNProtocol}
	}

	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("TLS listen failed: %w", err)
	}

	tl := &TLSListener{ln: ln}
	t.listeners = append(t.listeners, tl)
	return tl, nil
}

// Close shuts down the transport and all listeners.
func (t *TLSTransport) Close() error {
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

// TLSListener implements Listener for TLS.
type TLSListener struct {
	ln net.Listener
}

// Accept waits for and returns the next TLS connection.
func (l *TLSListener) Accept(ctx context.Context) (PeerConn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &TLSPeerConn{conn: r.conn.(*tls.Conn), isDialer: false}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the listener's address.
func (l *TLSListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the listener.
func (l *TLSListener) Close() error { return l.ln.Close() }

// TLSPeerConn implements PeerConn for TLS over TCP.
type TLSPeerConn struct {
	conn     *tls.Conn
	isDialer bool
}

func (c *TLSPeerConn) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *TLSPeerConn) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c *TLSPeerConn) CloseWrite() error           { return c.conn.CloseWrite() }
func (c *TLSPeerConn) Close() error                { return c.conn.Close() }
func (c *TLSPeerConn) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *TLSPeerConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }
func (c *TLSPeerConn) IsDialer() bool              { return c.isDialer }
func (c *TLSPeerConn) TransportType() TransportType { return TransportTLS }
