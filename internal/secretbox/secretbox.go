// Package secretbox provides authenticated symmetric encryption of small
// blobs (tokens, cookies, settings) at rest, backed by
// golang.org/x/crypto/nacl/secretbox.
package secretbox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/streamscribe/streamscribe/internal/errs"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the required length, in bytes, of the encryption key.
const KeySize = 32

// nonceSize is the length of a secretbox nonce.
const nonceSize = 24

// Box seals and opens ciphertext envelopes with a single 256-bit key loaded
// once at process startup. A Box is safe for concurrent use — it holds no
// mutable state.
type Box struct {
	key [KeySize]byte
}

// New constructs a Box from raw key bytes. The key must be exactly KeySize
// bytes; this is the in-memory form of COOKIE_ENCRYPTION_KEY once decoded.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, &errs.ConfigError{Field: "COOKIE_ENCRYPTION_KEY", Err: fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))}
	}
	b := &Box{}
	copy(b.key[:], key)
	return b, nil
}

// NewFromBase64 decodes a standard-base64-encoded key and constructs a Box.
// This is the form COOKIE_ENCRYPTION_KEY is expected to take in the
// environment, since raw 32-byte binary is inconvenient to pass as an env
// var.
func NewFromBase64(encoded string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &errs.ConfigError{Field: "COOKIE_ENCRYPTION_KEY", Err: fmt.Errorf("not valid base64: %w", err)}
	}
	return New(raw)
}

// Seal encrypts plaintext with a fresh random nonce and returns an envelope
// containing the nonce followed by the ciphertext (and its 16-byte
// Poly1305 authentication tag). The nonce need not be kept secret; it is
// carried inside the envelope precisely so callers never manage it
// separately.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("secretbox: generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &b.key)
	return out, nil
}

// Open decrypts an envelope produced by Seal. It fails with [errs.AuthFailure]
// if the envelope is truncated or the authentication tag does not verify
// (tampering, wrong key, or corruption).
func (b *Box) Open(envelope []byte) ([]byte, error) {
	if len(envelope) < nonceSize {
		return nil, &errs.AuthFailure{Reason: "ciphertext envelope too short"}
	}
	var nonce [nonceSize]byte
	copy(nonce[:], envelope[:nonceSize])
	plaintext, ok := secretbox.Open(nil, envelope[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, &errs.AuthFailure{Reason: "secretbox: authentication failed (tampered or wrong key)"}
	}
	return plaintext, nil
}
