// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerifierStaticHMAC(t *testing.T) {
	t.Parallel()

	adapter, err := NewVerifierAdapter(t.Context(), VerifierConfig{
		Name:      "ext",
		Audience:  "mxcp",
		StaticKey: "shared-secret",
	})
	require.NoError(t, err)

	raw := signHS256(t, "shared-secret", jwt.MapClaims{
		"sub":    "u-1",
		"name":   "Alice",
		"email":  "alice@example.com",
		"aud":    "mxcp",
		"groups": []string{"admins"},
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	profile, err := adapter.FetchUserInfo(t.Context(), raw)
	require.NoError(t, err)
	assert.Equal(t, "u-1", profile.Subject)
	assert.Equal(t, "Alice", profile.Name)
	assert.Equal(t, []any{"admins"}, profile.Claims["groups"])
}

func TestVerifierRejectsBadSignature(t *testing.T) {
	t.Parallel()

	adapter, err := NewVerifierAdapter(t.Context(), VerifierConfig{
		Name:      "ext",
		StaticKey: "shared-secret",
	})
	require.NoError(t, err)

	raw := signHS256(t, "wrong-secret", jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = adapter.FetchUserInfo(t.Context(), raw)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))
}

func TestVerifierRejectsExpired(t *testing.T) {
	t.Parallel()

	adapter, err := NewVerifierAdapter(t.Context(), VerifierConfig{
		Name:      "ext",
		StaticKey: "shared-secret",
	})
	require.NoError(t, err)

	raw := signHS256(t, "shared-secret", jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	_, err = adapter.FetchUserInfo(t.Context(), raw)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))
}

func TestVerifierRejectsWrongAudience(t *testing.T) {
	t.Parallel()

	adapter, err := NewVerifierAdapter(t.Context(), VerifierConfig{
		Name:      "ext",
		Audience:  "mxcp",
		StaticKey: "shared-secret",
	})
	require.NoError(t, err)

	raw := signHS256(t, "shared-secret", jwt.MapClaims{
		"sub": "u-1",
		"aud": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = adapter.FetchUserInfo(t.Context(), raw)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))
}

func TestVerifierDoesNotRunCodeFlow(t *testing.T) {
	t.Parallel()

	adapter, err := NewVerifierAdapter(t.Context(), VerifierConfig{
		Name:      "ext",
		StaticKey: "shared-secret",
	})
	require.NoError(t, err)

	_, err = adapter.ExchangeCode(t.Context(), "code", "cb", "")
	assert.True(t, autherr.Is(err, autherr.KindInvalidRequest))
	_, err = adapter.RefreshToken(t.Context(), "rt", nil)
	assert.True(t, autherr.Is(err, autherr.KindInvalidRequest))
}

func TestVerifierConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewVerifierAdapter(t.Context(), VerifierConfig{Name: "ext"})
	assert.Error(t, err)

	_, err = NewVerifierAdapter(t.Context(), VerifierConfig{
		Name: "ext", IssuerURL: "https://issuer.example.com", StaticKey: "x",
	})
	assert.Error(t, err)
}
