// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package secretstore provides field-level AES-256-GCM encryption for
// sensitive database columns (OAuth access and refresh tokens). It mirrors
// the HKDF-derived-key, AEAD-sealed approach of the wider auth stack, but
// carries an explicit key id and a caller-supplied associated data string
// in the wire format so a ciphertext value cannot be copied from one row or
// column into another without failing to decrypt.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Version is the current blob format version.
const Version = 1

// NonceSize is the GCM nonce length in bytes.
const NonceSize = 12

// KeySize is the derived AES-256 key length in bytes.
const KeySize = 32

// minBlobSize is version(1) + kid_len(1) + kid(>=1) + nonce(12).
const minBlobSize = 1 + 1 + 1 + NonceSize

var (
	// ErrKeyMissing is returned when the requested key id has no loaded key material.
	ErrKeyMissing = errors.New("secretstore: key missing")
	// ErrDecryptFailed is returned when GCM authentication fails: wrong key,
	// corrupted ciphertext, or mismatched associated data.
	ErrDecryptFailed = errors.New("secretstore: decrypt failed")
	// ErrInvalidCiphertext is returned for structurally malformed blobs.
	ErrInvalidCiphertext = errors.New("secretstore: invalid ciphertext")
)

// KeyProvider resolves master key material for a key id. The default
// implementation derives keys from configuration; a swappable interface
// stands in for wherever operators choose to keep that material (an
// environment variable today, an OS keychain or vault tomorrow).
type KeyProvider interface {
	// MasterKey returns the raw master secret for kid, or false if unknown.
	MasterKey(kid string) ([]byte, bool)
}

// StaticKeyProvider serves a fixed map of kid -> master key, loaded once at
// startup from configuration.
type StaticKeyProvider struct {
	keys map[string][]byte
}

// NewStaticKeyProvider builds a StaticKeyProvider from raw master key bytes,
// one entry per key id. Each master secret is expanded into a distinct
// per-kid AES key via HKDF, so the same provider can serve many kids derived
// from a single master secret as long as callers keep kids distinct.
func NewStaticKeyProvider(masters map[string][]byte) *StaticKeyProvider {
	keys := make(map[string][]byte, len(masters))
	for kid, master := range masters {
		keys[kid] = append([]byte(nil), master...)
	}
	return &StaticKeyProvider{keys: keys}
}

// MasterKey implements KeyProvider.
func (p *StaticKeyProvider) MasterKey(kid string) ([]byte, bool) {
	k, ok := p.keys[kid]
	return k, ok
}

// Store performs versioned, AAD-bound AES-256-GCM field encryption.
type Store struct {
	provider KeyProvider
	derived  map[string][]byte
}

// New builds a Store around the given key provider, eagerly deriving the
// current key ("v1") so a missing master key fails fast at startup.
func New(provider KeyProvider) (*Store, error) {
	s := &Store{provider: provider, derived: make(map[string][]byte)}
	if _, err := s.deriveKey("v1"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) deriveKey(kid string) ([]byte, error) {
	if key, ok := s.derived[kid]; ok {
		return key, nil
	}
	master, ok := s.provider.MasterKey(kid)
	if !ok {
		return nil, fmt.Errorf("%w: kid=%s", ErrKeyMissing, kid)
	}
	hk := hkdf.New(sha256.New, master, nil, []byte("partner-relay/secretstore/"+kid))
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(hk, derived); err != nil {
		return nil, fmt.Errorf("secretstore: derive key: %w", err)
	}
	s.derived[kid] = derived
	return derived, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the named key id, binding it to aad. The
// returned blob has the layout version(1) | kid_len(1) | kid(var) |
// nonce(12) | ciphertext+tag.
func (s *Store) Encrypt(plaintext string, aad string, kid string) ([]byte, error) {
	if kid == "" {
		kid = "v1"
	}
	if len(kid) > 255 {
		return nil, fmt.Errorf("%w: kid too long", ErrInvalidCiphertext)
	}
	key, err := s.deriveKey(kid)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: build cipher: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secretstore: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), []byte(aad))

	kidBytes := []byte(kid)
	blob := make([]byte, 0, 2+len(kidBytes)+NonceSize+len(ciphertext))
	blob = append(blob, byte(Version), byte(len(kidBytes)))
	blob = append(blob, kidBytes...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Decrypt reverses Encrypt, verifying aad matches what was used to seal the
// blob. A mismatched aad, wrong key, or corrupted ciphertext all surface as
// ErrDecryptFailed; a missing key id surfaces as ErrKeyMissing.
func (s *Store) Decrypt(blob []byte, aad string) (string, error) {
	if len(blob) == 0 {
		return "", fmt.Errorf("%w: empty blob", ErrInvalidCiphertext)
	}
	if len(blob) < minBlobSize {
		return "", fmt.Errorf("%w: blob too short", ErrInvalidCiphertext)
	}

	version := int(blob[0])
	kidLen := int(blob[1])
	if version != Version {
		return "", fmt.Errorf("%w: unknown version %d", ErrInvalidCiphertext, version)
	}

	kidStart, kidEnd := 2, 2+kidLen
	if len(blob) < kidEnd+NonceSize {
		return "", fmt.Errorf("%w: truncated before nonce", ErrInvalidCiphertext)
	}
	kid := string(blob[kidStart:kidEnd])

	nonceStart := kidEnd
	nonceEnd := nonceStart + NonceSize
	nonce := blob[nonceStart:nonceEnd]
	ciphertext := blob[nonceEnd:]
	if len(ciphertext) == 0 {
		return "", fmt.Errorf("%w: missing ciphertext", ErrInvalidCiphertext)
	}

	key, err := s.deriveKey(kid)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("secretstore: build cipher: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}

// FieldAAD builds the associated-data string binding a ciphertext to its
// table, column, row key, and encryption scheme version, matching the
// convention used throughout the credential repository.
func FieldAAD(table, column, rowKey string, encVersion int) string {
	return fmt.Sprintf("%s|%s|%s|%d", table, column, rowKey, encVersion)
}
