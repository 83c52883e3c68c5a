// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestParseKeyEncodings(t *testing.T) {
	t.Parallel()

	raw := testKey(t)

	tests := []struct {
		name     string
		material string
		wantErr  bool
	}{
		{name: "base64 std", material: base64.StdEncoding.EncodeToString(raw)},
		{name: "base64 url", material: base64.RawURLEncoding.EncodeToString(raw)},
		{name: "hex", material: hex.EncodeToString(raw)},
		{name: "raw bytes", material: string(raw)},
		{name: "empty", material: "", wantErr: true},
		{name: "too short", material: "abc123", wantErr: true},
		{name: "wrong length base64", material: base64.StdEncoding.EncodeToString(raw[:16]), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			key, err := ParseKey(tt.material)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, 32)
		})
	}
}

func TestCipherRoundTrip(t *testing.T) {
	t.Parallel()

	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	plaintext := []byte(`{"access_token":"upstream-secret"}`)
	sealed, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "upstream-secret")

	opened, err := cipher.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCipherNoncesDiffer(t *testing.T) {
	t.Parallel()

	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	first, err := cipher.Encrypt([]byte("same"))
	require.NoError(t, err)
	second, err := cipher.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCipherTamperReturnsErrDecrypt(t *testing.T) {
	t.Parallel()

	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	sealed, err := cipher.Encrypt([]byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = cipher.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = cipher.Decrypt([]byte("short"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCipherWrongKeyFailsClosed(t *testing.T) {
	t.Parallel()

	writer, err := NewCipher(testKey(t))
	require.NoError(t, err)
	reader, err := NewCipher(testKey(t))
	require.NoError(t, err)

	sealed, err := writer.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = reader.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptJSON(t *testing.T) {
	t.Parallel()

	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	sealed, err := cipher.EncryptJSON(map[string]string{"k": "v"})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, cipher.DecryptJSON(sealed, &out))
	assert.Equal(t, "v", out["k"])

	// A sealed non-JSON payload fails closed.
	sealedGarbage, err := cipher.Encrypt([]byte("not json"))
	require.NoError(t, err)
	assert.ErrorIs(t, cipher.DecryptJSON(sealedGarbage, &out), ErrDecrypt)
}

func TestFingerprintIsStableHex(t *testing.T) {
	t.Parallel()

	fp := Fingerprint("mxcp_at_example")
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint("mxcp_at_example"))
	assert.NotEqual(t, fp, Fingerprint("mxcp_at_other"))
}
