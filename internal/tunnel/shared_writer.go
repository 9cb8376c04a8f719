package tunnel

import (
	"io"
	"net"
	"sync"
)

// Conn is the full-duplex byte stream a directional pipeline reads from and
// a SharedWriter writes to. A *net.TCPConn satisfies it (net.Conn alone
// has no CloseWrite), as does any transport.PeerConn — this package never
// imports the transport package,
// it only requires the methods it needs.
type Conn interface {
	io.Reader
	io.Writer
	// CloseWrite half-closes the write side, signalling EOF to the peer
	// without discarding unread input.
	CloseWrite() error
	Close() error
}

// SharedWriter guards one write-half with a mutex so it can be shared
// between the directional task that produces its data and the session
// supervisor, which holds a second handle purely to call Shutdown once
// that task has finished (spec.md §9). Because Go passes interfaces and
// pointers by reference, "cloning" a handle is just copying the pointer;
// Clone exists so call sites can say so explicitly.
type SharedWriter struct {
	mu     sync.Mutex
	conn   Conn
	closed bool
}

// NewSharedWriter wraps conn for shared, mutex-guarded writes.
func NewSharedWriter(conn Conn) *SharedWriter {
	return &SharedWriter{conn: conn}
}

// Clone returns another handle to the same guarded write-half.
func (w *SharedWriter) Clone() *SharedWriter {
	return w
}

// Write performs a full write under the mutex, so a single ciphertext
// frame can never be interleaved with a concurrent write on the same
// write-half (spec.md §5).
func (w *SharedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, net.ErrClosed
	}
	return writeFull(w.conn, p)
}

// Shutdown half-closes the underlying write-half. Safe to call more than
// once; only the first call has effect.
func (w *SharedWriter) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.CloseWrite()
}

// writeFull loops until all of p has been written or an error occurs,
// matching spec.md §4.2.1's write_all requirement.
func writeFull(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
