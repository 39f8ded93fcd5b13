// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package secretstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	provider := NewStaticKeyProvider(map[string][]byte{
		"v1": []byte("0123456789abcdef0123456789abcdef"),
	})
	store, err := New(provider)
	require.NoError(t, err)
	return store
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store := testStore(t)

	cases := []struct {
		name      string
		plaintext string
		aad       string
	}{
		{"short token", "abc123", FieldAAD("credential_grant", "access_token", "42", 1)},
		{"empty plaintext", "", FieldAAD("credential_grant", "refresh_token", "42", 1)},
		{"long token", "tok_" + string(make([]byte, 512)), FieldAAD("credential_grant", "access_token", "9001", 1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := store.Encrypt(tc.plaintext, tc.aad, "v1")
			require.NoError(t, err)

			got, err := store.Decrypt(blob, tc.aad)
			require.NoError(t, err)
			require.Equal(t, tc.plaintext, got)
		})
	}
}

func TestDecryptFailsOnAADMismatch(t *testing.T) {
	store := testStore(t)

	blob, err := store.Encrypt("secret-value", FieldAAD("credential_grant", "access_token", "1", 1), "v1")
	require.NoError(t, err)

	_, err = store.Decrypt(blob, FieldAAD("credential_grant", "access_token", "2", 1))
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptFailsOnCorruptedCiphertext(t *testing.T) {
	store := testStore(t)
	aad := FieldAAD("credential_grant", "refresh_token", "7", 1)

	blob, err := store.Encrypt("value", aad, "v1")
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xFF

	_, err = store.Decrypt(blob, aad)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptRejectsMalformedBlobs(t *testing.T) {
	store := testStore(t)

	_, err := store.Decrypt(nil, "aad")
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = store.Decrypt([]byte{1, 2, 3}, "aad")
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestEncryptUnknownKeyID(t *testing.T) {
	store := testStore(t)
	_, err := store.Encrypt("value", "aad", "v9")
	require.ErrorIs(t, err, ErrKeyMissing)
}

func TestDecryptUnknownKeyID(t *testing.T) {
	store := testStore(t)
	blob, err := store.Encrypt("value", "aad", "v1")
	require.NoError(t, err)
	// kid occupies blob[2:2+kidLen]; "v1" and "v9" are both 2 bytes, so
	// overwriting in place keeps the rest of the layout valid.
	copy(blob[2:4], "v9")

	_, err = store.Decrypt(blob, "aad")
	require.ErrorIs(t, err, ErrKeyMissing)
}
