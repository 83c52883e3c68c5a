// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp/mxcp-auth/pkg/auth"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)
	return cipher
}

func sampleSession() *Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &Session{
		ID:             "sess-1",
		ClientID:       "client-a",
		AccessTokenFP:  Fingerprint("mxcp_at_x"),
		RefreshTokenFP: Fingerprint("mxcp_rt_x"),
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Hour),
		IdleTimeoutAt:  now.Add(24 * time.Hour),
		User: &auth.UserContext{
			UserID:                "u-1",
			Name:                  "Alice",
			Email:                 "alice@example.com",
			Provider:              "github",
			IssuedAt:              now,
			MXCPScopes:            []string{"tools.read"},
			ProviderScopesGranted: []string{"read:user"},
			RawProfile:            map[string]any{"plan": "pro"},
		},
		MXCPScopes: []string{"tools.read"},
		Grants: map[string]*ProviderGrant{
			"github": {
				Provider:     "github",
				AccessToken:  "gho_secret",
				RefreshToken: "ghr_secret",
				ExpiresAt:    now.Add(time.Hour),
				Subject:      "u-1",
				Downstream: map[string]*DownstreamToken{
					"reports-svc": {Audience: "reports-svc", AccessToken: "dst_secret", ExpiresAt: now.Add(time.Hour)},
				},
			},
		},
	}
}

func TestSessionEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	cipher := testCipher(t)
	session := sampleSession()

	data, err := MarshalSession(cipher, session)
	require.NoError(t, err)

	// Token material never appears in the stored bytes.
	assert.NotContains(t, string(data), "gho_secret")
	assert.NotContains(t, string(data), "ghr_secret")
	assert.NotContains(t, string(data), "dst_secret")
	assert.NotContains(t, string(data), "pro")

	got, err := UnmarshalSession(cipher, data)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, session.AccessTokenFP, got.AccessTokenFP)
	assert.Equal(t, session.RefreshTokenFP, got.RefreshTokenFP)
	assert.Equal(t, session.MXCPScopes, got.MXCPScopes)
	require.NotNil(t, got.User)
	assert.Equal(t, "alice@example.com", got.User.Email)
	assert.Equal(t, map[string]any{"plan": "pro"}, got.User.RawProfile)
	require.NotNil(t, got.Grant("github"))
	assert.Equal(t, "gho_secret", got.Grant("github").AccessToken)
	assert.Equal(t, "dst_secret", got.Grant("github").Downstream["reports-svc"].AccessToken)
}

func TestSessionEnvelopeWrongKey(t *testing.T) {
	t.Parallel()

	data, err := MarshalSession(testCipher(t), sampleSession())
	require.NoError(t, err)

	_, err = UnmarshalSession(testCipher(t), data)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestStateEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	cipher := testCipher(t)
	now := time.Now().UTC().Truncate(time.Second)
	state := &OAuthState{
		ID:               "st-1",
		ClientID:         "client-a",
		RedirectURI:      "https://app.example.com/cb",
		ClientState:      "xyz",
		PKCEChallenge:    "challenge",
		PKCEMethod:       "S256",
		RequestedScopes:  []string{"openid"},
		Provider:         "github",
		UpstreamVerifier: "verifier-secret",
		CreatedAt:        now,
		ExpiresAt:        now.Add(5 * time.Minute),
	}

	data, err := MarshalState(cipher, state)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "verifier-secret")

	got, err := UnmarshalState(cipher, data)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}
