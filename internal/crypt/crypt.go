// Package crypt implements the authenticated encryption scheme used by the
// SpoolEase device firmware for every request and response body.
//
// Bodies travel as a single standard base64 blob of
//
//	[ 12-byte nonce ][ ciphertext ][ 16-byte GCM tag ]
//
// under AES-256-GCM. The key is derived from the 7-character security key
// with PBKDF2-HMAC-SHA256 over a salt and iteration count fixed by the
// firmware; both are part of the wire contract and must not be changed.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters pinned to the device firmware.
const (
	kdfSalt       = "example_salt"
	kdfIterations = 10000
	keyLen        = 32
)

const (
	nonceLen = 12
	tagLen   = 16
)

var (
	// ErrAuthentication indicates a GCM tag mismatch: wrong security key
	// or a tampered envelope. Not retryable.
	ErrAuthentication = errors.New("crypt: authentication failed")

	// ErrFormat indicates an envelope too short to contain a nonce and
	// tag, or malformed base64. Not retryable.
	ErrFormat = errors.New("crypt: malformed envelope")
)

// DeriveKey derives the 32-byte AES key from the device security key.
func DeriveKey(securityKey string) []byte {
	return pbkdf2.Key([]byte(securityKey), []byte(kdfSalt), kdfIterations, keyLen, sha256.New)
}

// Cipher encrypts and decrypts device envelopes under a derived key.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from the user-supplied security key.
func New(securityKey string) (*Cipher, error) {
	block, err := aes.NewCipher(DeriveKey(securityKey))
	if err != nil {
		return nil, fmt.Errorf("crypt: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// base64 envelope.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypt: nonce generation: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 envelope and returns the plaintext.
func (c *Cipher) Decrypt(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if len(raw) < nonceLen+tagLen {
		return nil, fmt.Errorf("%w: envelope is %d bytes, need at least %d", ErrFormat, len(raw), nonceLen+tagLen)
	}
	nonce, sealed := raw[:nonceLen], raw[nonceLen:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
