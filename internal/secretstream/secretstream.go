// Package secretstream implements an authenticated, order-sensitive stream
// cipher over a pre-shared key. A Pusher encrypts an ordered sequence of
// messages; a Puller, initialized from the Pusher's header, decrypts them.
// The internal nonce is never sent on the wire and advances by exactly one
// per message, so any reorder, truncation, duplication, or tamper on the
// wire causes the next Pull to fail authentication.
//
// The codec does no framing and no I/O; it operates purely on byte slices.
package secretstream

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the pre-shared secretstream key in bytes.
	KeySize = 32

	// HeaderSize is the size of the header a Pusher emits and a Puller
	// consumes at stream initialization.
	HeaderSize = 24

	// ABytes is the per-message authentication overhead: a 1-byte message
	// tag plus a 16-byte Poly1305 MAC.
	ABytes = 17

	subkeyInfo = "sectun-secretstream-v1"
)

// Tag identifies the kind of message carried by a frame. Only Message is
// used by the tunnel's frame pipeline; Final is part of the
// secretstream contract but unused by this tool (spec.md has no concept of
// an in-band end-of-stream marker — EOF is detected by a zero-length read).
type Tag byte

const (
	TagMessage Tag = 0x00
	TagFinal   Tag = 0x01
)

// Error is the taxonomy of secretstream failures (spec.md §7).
type Error struct {
	Kind string
	Seq  int
	Len  int
	Sent int
}

func (e *Error) Error() string {
	switch e.Kind {
	case "DecryptMsg":
		return fmt.Sprintf("secretstream: decryption failed for message %d (size %d), bytes transferred so far %d", e.Seq, e.Len, e.Sent)
	default:
		return "secretstream: " + e.Kind
	}
}

func errKind(kind string) error { return &Error{Kind: kind} }

var (
	// ErrKeyInit is returned when the key material is malformed.
	ErrKeyInit = errKind("KeyInit")
	// ErrHeaderInit is returned when the header is not exactly HeaderSize bytes.
	ErrHeaderInit = errKind("HeaderInit")
	// ErrEncryptionStreamInit is returned when a Pusher cannot be initialized.
	ErrEncryptionStreamInit = errKind("EncryptionStreamInit")
	// ErrDecryptionStreamInit is returned when a Puller cannot be initialized.
	ErrDecryptionStreamInit = errKind("DecryptionStreamInit")
	// ErrEncryptMsg is returned when Push fails for well-formed input.
	ErrEncryptMsg = errKind("EncryptMsg")
)

// decryptMsgError builds a DecryptMsg error carrying diagnostic context.
func decryptMsgError(seq, length, bytesTransferred int) error {
	return &Error{Kind: "DecryptMsg", Seq: seq, Len: length, Sent: bytesTransferred}
}

// deriveSubkey derives the per-stream AEAD key from the pre-shared key and
// the random per-stream header via HKDF-SHA256.
func deriveSubkey(key []byte, header []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, key, header, []byte(subkeyInfo))
	subkey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, err
	}
	return subkey, nil
}

// nonceFor builds the AEAD nonce for message index n. The first
// chacha20poly1305.NonceSizeX-8 bytes come from the stream header (fixed
// for the lifetime of the stream); the last 8 bytes are the big-endian
// message counter. Because the nonce is a pure function of the header and
// the counter, never transmitted, a receiver whose counter has skipped
// ahead or fallen behind the sender's will derive the wrong nonce and fail
// authentication on Open.
func nonceFor(header []byte, n uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, header[:chacha20poly1305.NonceSizeX-8])
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSizeX-8:], n)
	return nonce
}

// Pusher encrypts an ordered sequence of messages. Not safe for concurrent
// use; exactly one task owns a Pusher for the lifetime of a direction.
type Pusher struct {
	aead   chacha20poly1305.AEAD
	header []byte
	mu     sync.Mutex
	n      uint64
}

// NewPusher initializes a new encryption stream and returns the header the
// peer's Puller needs.
func NewPusher(key []byte) (*Pusher, []byte, error) {
	if len(key) != KeySize {
		return nil, nil, ErrKeyInit
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(rand.Reader, header); err != nil {
		return nil, nil, fmt.Errorf("secretstream: generate header: %w", err)
	}

	subkey, err := deriveSubkey(key, header)
	if err != nil {
		return nil, nil, ErrEncryptionStreamInit
	}

	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, nil, ErrEncryptionStreamInit
	}

	return &Pusher{aead: aead, header: header}, header, nil
}

// Push encrypts plaintext, returning a ciphertext exactly
// len(plaintext)+ABytes bytes long. Advances the internal nonce by one.
func (p *Pusher) Push(plaintext []byte, tag Tag) ([]byte, error) {
	p.mu.Lock()
	nonce := nonceFor(p.header, p.n)
	p.n++
	p.mu.Unlock()

	tagged := make([]byte, 1+len(plaintext))
	tagged[0] = byte(tag)
	copy(tagged[1:], plaintext)

	ciphertext := p.aead.Seal(nil, nonce, tagged, nil)
	return ciphertext, nil
}

// Puller decrypts messages produced by a matching Pusher. Not safe for
// concurrent use; exactly one task owns a Puller for the lifetime of a
// direction.
type Puller struct {
	aead   chacha20poly1305.AEAD
	header []byte
	mu     sync.Mutex
	n      uint64
}

// NewPuller initializes a decryption stream from the peer's header.
func NewPuller(key []byte, header []byte) (*Puller, error) {
	if len(key) != KeySize {
		return nil, ErrKeyInit
	}
	if len(header) != HeaderSize {
		return nil, ErrHeaderInit
	}

	subkey, err := deriveSubkey(key, header)
	if err != nil {
		return nil, ErrDecryptionStreamInit
	}

	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, ErrDecryptionStreamInit
	}

	hdr := make([]byte, HeaderSize)
	copy(hdr, header)

	return &Puller{aead: aead, header: hdr}, nil
}

// Pull decrypts ciphertext, returning a plaintext exactly
// len(ciphertext)-ABytes bytes long and the message tag. For any
// ciphertext at least ABytes long, advances the internal nonce by one
// whether or not it authenticates, matching the sender's per-message
// counter advance. A ciphertext shorter than ABytes is rejected without
// advancing the nonce.
func (p *Puller) Pull(ciphertext []byte, seq, bytesTransferred int) ([]byte, Tag, error) {
	if len(ciphertext) < ABytes {
		return nil, 0, decryptMsgError(seq, len(ciphertext), bytesTransferred)
	}

	p.mu.Lock()
	nonce := nonceFor(p.header, p.n)
	p.n++
	p.mu.Unlock()

	tagged, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, 0, decryptMsgError(seq, len(ciphertext), bytesTransferred)
	}

	return tagged[1:], Tag(tagged[0]), nil
}
