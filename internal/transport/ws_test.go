package transport

import (
	"context"
	"crypto/tls"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWebSocketTransportType(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	if tr.Type() != TransportWebSocket {
		t.Errorf("Type() = %s, want %s", tr.Type(), TransportWebSocket)
	}
}

func TestWebSocketTransportListenDialClose(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	serverTLS, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes() error = %v", err)
	}

	tr := NewWebSocketTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS, Path: "/sectun"})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().String()

	var serverConn PeerConn
	var acceptErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		serverConn, acceptErr = listener.Accept(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientConn, err := tr.Dial(ctx, "wss://"+addr+"/sectun", DialOptions{
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientConn.Close()

	wg.Wait()
	if acceptErr != nil {
		t.Fatalf("Accept() error = %v", acceptErr)
	}
	defer serverConn.Close()

	if !clientConn.IsDialer() {
		t.Error("client IsDialer() = false, want true")
	}
	if serverConn.IsDialer() {
		t.Error("server IsDialer() = true, want false")
	}
}

func TestWebSocketTransportBidirectional(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	serverTLS, _ := TLSConfigFromBytes(certPEM, keyPEM)

	tr := NewWebSocketTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().String()

	serverCh := make(chan PeerConn, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := listener.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := tr.Dial(ctx, "wss://"+addr+wsDefaultPath, DialOptions{
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	var server PeerConn
	select {
	case server = <-serverCh:
	case err := <-errCh:
		t.Fatalf("Accept() error = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer server.Close()

	messages := []string{"first message", "second, a bit longer than the first", "3"}
	for _, msg := range messages {
		if _, err := client.Write([]byte(msg)); err != nil {
			t.Fatalf("client.Write(%q) error = %v", msg, err)
		}
		got := make([]byte, len(msg))
		if _, err := io.ReadFull(server, got); err != nil {
			t.Fatalf("server read error = %v", err)
		}
		if string(got) != msg {
			t.Errorf("server received %q, want %q", got, msg)
		}
	}

	for _, msg := range messages {
		if _, err := server.Write([]byte(msg)); err != nil {
			t.Fatalf("server.Write(%q) error = %v", msg, err)
		}
		got := make([]byte, len(msg))
		if _, err := io.ReadFull(client, got); err != nil {
			t.Fatalf("client read error = %v", err)
		}
		if string(got) != msg {
			t.Errorf("client received %q, want %q", got, msg)
		}
	}
}

func TestWebSocketTransportDialClosed(t *testing.T) {
	tr := NewWebSocketTransport()
	tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := tr.Dial(ctx, "127.0.0.1:0", DefaultDialOptions()); err == nil {
		t.Error("Dial() on closed transport should fail")
	}
}

func TestWebSocketTransportListenRequiresTLSOrPlainText(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	if _, err := tr.Listen("127.0.0.1:0", ListenOptions{}); err == nil {
		t.Error("Listen() without TLSConfig or PlainText should fail")
	}
}

func TestWebSocketTransportPlainTextListen(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{PlainText: true})
	if err != nil {
		t.Fatalf("Listen() with PlainText error = %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().String()

	serverCh := make(chan PeerConn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := listener.Accept(ctx)
		if err == nil {
			serverCh <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := tr.Dial(ctx, "ws://"+addr+wsDefaultPath, DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	select {
	case server := <-serverCh:
		defer server.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
}

func TestParseWebSocketURL(t *testing.T) {
	cases := []struct {
		addr string
		want string
	}{
		{"example.com:8443", "wss://example.com:8443" + wsDefaultPath},
		{"ws://example.com/x", "ws://example.com/x"},
		{"wss://example.com/x", "wss://example.com/x"},
	}
	for _, tc := range cases {
		if got := parseWebSocketURL(tc.addr); got != tc.want {
			t.Errorf("parseWebSocketURL(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestBuildHTTPClientProxy(t *testing.T) {
	client, err := buildHTTPClient(DialOptions{
		ProxyURL:      "http://proxy.local:8080",
		ProxyUsername: "user",
		ProxyPassword: "pass",
		Timeout:       time.Second,
	})
	if err != nil {
		t.Fatalf("buildHTTPClient() error = %v", err)
	}
	if client.Timeout != time.Second {
		t.Errorf("client.Timeout = %v, want 1s", client.Timeout)
	}
}

func TestWebSocketPeerConnAddrsAreNil(t *testing.T) {
	// WebSocketPeerConn never exposes LocalAddr/RemoteAddr, and its
	// CloseWrite is a no-op.
	c := &WebSocketPeerConn{}
	if c.LocalAddr() != nil || c.RemoteAddr() != nil {
		t.Error("WebSocketPeerConn should report nil addresses")
	}
	if c.CloseWrite() != nil {
		t.Error("CloseWrite() should always succeed as a no-op")
	}
}

func TestWsDefaultPathHasNoMeshBranding(t *testing.T) {
	if strings.Contains(wsDefaultPath, "mesh") {
		t.Error("wsDefaultPath should not reference the old mesh path")
	}
}
