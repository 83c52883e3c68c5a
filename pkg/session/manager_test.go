// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mxcp/mxcp-auth/pkg/audit"
	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/config"
	"github.com/mxcp/mxcp-auth/pkg/provider"
	"github.com/mxcp/mxcp-auth/pkg/scopes"
	"github.com/mxcp/mxcp-auth/pkg/store"
	"github.com/mxcp/mxcp-auth/pkg/store/memory"
)

const (
	testClientID    = "cli-1"
	testRedirectURI = "https://app.example/cb"
	testCallbackURL = "https://mxcp.example/auth/callback"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *memory.Store) {
	t.Helper()
	st := memory.New()
	require.NoError(t, st.PutClient(t.Context(), &store.ClientRegistration{
		ClientID:     testClientID,
		RedirectURIs: []string{testRedirectURI},
	}))

	adapters := map[string]provider.ProviderAdapter{"test": provider.NewTestAdapter()}
	mappings := map[string]scopes.Mapping{
		"test": {
			Scopes: map[string][]string{"profile": {"profile.read"}},
			Groups: map[string][]string{"testers": {"tools.read"}},
		},
	}
	opts = append([]Option{WithAuditSink(audit.NopSink{})}, opts...)
	m := NewManager(st, adapters, mappings, config.Tokens{}, opts...)
	t.Cleanup(m.Close)
	return m, st
}

// runHandshake drives begin/complete/exchange and returns the first grant.
func runHandshake(t *testing.T, m *Manager) *AccessGrant {
	t.Helper()
	verifier := oauth2.GenerateVerifier()

	redirect, err := m.BeginAuthorization(t.Context(), BeginAuthorizationRequest{
		ClientID:        testClientID,
		RedirectURI:     testRedirectURI,
		RequestedScopes: []string{"openid", "profile"},
		ClientState:     "client-state",
		PKCEChallenge:   oauth2.S256ChallengeFromVerifier(verifier),
		PKCEMethod:      "S256",
		CallbackURL:     testCallbackURL,
	})
	require.NoError(t, err)
	require.NotEmpty(t, redirect.StateID)
	assert.Contains(t, redirect.AuthorizeURL, "state="+redirect.StateID)

	result, err := m.CompleteAuthorization(t.Context(), redirect.StateID, provider.TestCodeOK, testCallbackURL)
	require.NoError(t, err)
	assert.Equal(t, testRedirectURI, result.RedirectURI)
	assert.Equal(t, "client-state", result.ClientState)
	require.True(t, strings.HasPrefix(result.Code, "mxcp_ac_"))

	grant, err := m.ExchangeAuthCode(t.Context(), result.Code, testClientID, testRedirectURI, verifier)
	require.NoError(t, err)
	return grant
}

func TestFullHandshake(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	grant := runHandshake(t, m)
	assert.True(t, strings.HasPrefix(grant.AccessToken, "mxcp_at_"))
	assert.True(t, strings.HasPrefix(grant.RefreshToken, "mxcp_rt_"))
	assert.Equal(t, "Bearer", grant.TokenType)
	assert.Equal(t, []string{"profile.read", "tools.read"}, grant.Scope)

	session, err := m.Resolve(t.Context(), grant.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, grant.SessionID, session.ID)
	assert.Equal(t, "test-user", session.User.UserID)
	assert.Equal(t, testClientID, session.ClientID)
}

func TestBeginAuthorizationValidation(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	base := BeginAuthorizationRequest{
		ClientID:      testClientID,
		RedirectURI:   testRedirectURI,
		PKCEChallenge: "challenge",
		PKCEMethod:    "S256",
		CallbackURL:   testCallbackURL,
	}

	tests := []struct {
		name   string
		mutate func(*BeginAuthorizationRequest)
		kind   autherr.Kind
	}{
		{"unknown client", func(r *BeginAuthorizationRequest) { r.ClientID = "nope" }, autherr.KindInvalidRequest},
		{"unregistered redirect", func(r *BeginAuthorizationRequest) { r.RedirectURI = "https://evil.example/cb" }, autherr.KindInvalidRequest},
		{"missing pkce", func(r *BeginAuthorizationRequest) { r.PKCEChallenge = "" }, autherr.KindInvalidRequest},
		{"plain pkce rejected", func(r *BeginAuthorizationRequest) { r.PKCEMethod = "plain" }, autherr.KindInvalidRequest},
		{"unknown provider", func(r *BeginAuthorizationRequest) { r.Provider = "nope" }, autherr.KindInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := base
			tc.mutate(&req)
			_, err := m.BeginAuthorization(t.Context(), req)
			assert.True(t, autherr.Is(err, tc.kind), "got %v", err)
		})
	}
}

func TestStateIsSingleUse(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	redirect, err := m.BeginAuthorization(t.Context(), BeginAuthorizationRequest{
		ClientID:      testClientID,
		RedirectURI:   testRedirectURI,
		PKCEChallenge: oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()),
		PKCEMethod:    "S256",
		CallbackURL:   testCallbackURL,
	})
	require.NoError(t, err)

	_, err = m.CompleteAuthorization(t.Context(), redirect.StateID, provider.TestCodeOK, testCallbackURL)
	require.NoError(t, err)

	_, err = m.CompleteAuthorization(t.Context(), redirect.StateID, provider.TestCodeOK, testCallbackURL)
	assert.True(t, autherr.Is(err, autherr.KindInvalidGrant))
}

func TestAuthCodeIsSingleUse(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	verifier := oauth2.GenerateVerifier()

	redirect, err := m.BeginAuthorization(t.Context(), BeginAuthorizationRequest{
		ClientID:      testClientID,
		RedirectURI:   testRedirectURI,
		PKCEChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		PKCEMethod:    "S256",
		CallbackURL:   testCallbackURL,
	})
	require.NoError(t, err)
	result, err := m.CompleteAuthorization(t.Context(), redirect.StateID, provider.TestCodeOK, testCallbackURL)
	require.NoError(t, err)

	_, err = m.ExchangeAuthCode(t.Context(), result.Code, testClientID, testRedirectURI, verifier)
	require.NoError(t, err)

	_, err = m.ExchangeAuthCode(t.Context(), result.Code, testClientID, testRedirectURI, verifier)
	assert.True(t, autherr.Is(err, autherr.KindInvalidGrant))
}

func TestAuthCodeBindings(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	verifier := oauth2.GenerateVerifier()

	redirect, err := m.BeginAuthorization(t.Context(), BeginAuthorizationRequest{
		ClientID:      testClientID,
		RedirectURI:   testRedirectURI,
		PKCEChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		PKCEMethod:    "S256",
		CallbackURL:   testCallbackURL,
	})
	require.NoError(t, err)
	result, err := m.CompleteAuthorization(t.Context(), redirect.StateID, provider.TestCodeOK, testCallbackURL)
	require.NoError(t, err)

	_, err = m.ExchangeAuthCode(t.Context(), result.Code, "other-client", testRedirectURI, verifier)
	assert.True(t, autherr.Is(err, autherr.KindInvalidGrant))
}

func TestPKCEMismatchRevokesAndAnswersInvalidGrant(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)

	redirect, err := m.BeginAuthorization(t.Context(), BeginAuthorizationRequest{
		ClientID:      testClientID,
		RedirectURI:   testRedirectURI,
		PKCEChallenge: oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()),
		PKCEMethod:    "S256",
		CallbackURL:   testCallbackURL,
	})
	require.NoError(t, err)
	result, err := m.CompleteAuthorization(t.Context(), redirect.StateID, provider.TestCodeOK, testCallbackURL)
	require.NoError(t, err)

	_, err = m.ExchangeAuthCode(t.Context(), result.Code, testClientID, testRedirectURI, "wrong-verifier")
	assert.True(t, autherr.Is(err, autherr.KindInvalidGrant))

	// The half-built session is destroyed, not merely the code.
	_, err = st.GetSessionByID(t.Context(), result.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefreshRotatesTokens(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	first := runHandshake(t, m)

	second, err := m.Refresh(t.Context(), first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// New access token resolves; old one does not.
	_, err = m.Resolve(t.Context(), second.AccessToken)
	require.NoError(t, err)
	_, err = m.Resolve(t.Context(), first.AccessToken)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))

	// Old refresh token no longer rotates.
	_, err = m.Refresh(t.Context(), first.RefreshToken)
	assert.True(t, autherr.Is(err, autherr.KindInvalidGrant))
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	grant := runHandshake(t, m)

	const racers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = m.Refresh(context.Background(), grant.RefreshToken)
		}()
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, autherr.Is(err, autherr.KindInvalidGrant), "got %v", err)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestResolveExpiredSession(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	grant := runHandshake(t, m)

	session, err := st.GetSessionByID(t.Context(), grant.SessionID)
	require.NoError(t, err)
	session.ExpiresAt = time.Now().Add(-time.Minute).UTC()
	require.NoError(t, st.PutSession(t.Context(), session))

	_, err = m.Resolve(t.Context(), grant.AccessToken)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))

	// The expired session was removed on resolve.
	_, err = st.GetSessionByID(t.Context(), grant.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	grant := runHandshake(t, m)

	require.NoError(t, m.Revoke(t.Context(), grant.SessionID))

	_, err := m.Resolve(t.Context(), grant.AccessToken)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))
	_, err = m.Refresh(t.Context(), grant.RefreshToken)
	assert.True(t, autherr.Is(err, autherr.KindInvalidGrant))

	// Revoking again is a no-op.
	require.NoError(t, m.Revoke(t.Context(), grant.SessionID))
}

func TestRevokeToken(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	grant := runHandshake(t, m)

	require.NoError(t, m.RevokeToken(t.Context(), grant.RefreshToken))
	_, err := m.Resolve(t.Context(), grant.AccessToken)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))

	// Unknown tokens succeed silently.
	require.NoError(t, m.RevokeToken(t.Context(), "mxcp_at_unknown"))
	require.NoError(t, m.RevokeToken(t.Context(), "garbage"))
}

func TestRawTokensNeverStored(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	grant := runHandshake(t, m)

	session, err := st.GetSessionByID(t.Context(), grant.SessionID)
	require.NoError(t, err)
	assert.NotEqual(t, grant.AccessToken, session.AccessTokenFP)
	assert.NotEqual(t, grant.RefreshToken, session.RefreshTokenFP)
	assert.Equal(t, store.Fingerprint(grant.AccessToken), session.AccessTokenFP)
	assert.Equal(t, store.Fingerprint(grant.RefreshToken), session.RefreshTokenFP)
}

func TestEnsureDownstreamTokenWithoutBroker(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	_, err := m.EnsureDownstreamToken(t.Context(), "sess", "tools.read")
	assert.True(t, autherr.Is(err, autherr.KindDownstreamUnavailable))
}

func TestMintTokenShape(t *testing.T) {
	t.Parallel()

	token, err := mintToken(accessTokenPrefix)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "mxcp_at_"))
	// 32 bytes base64url without padding is 43 characters.
	assert.Len(t, token, len(accessTokenPrefix)+43)

	other, err := mintToken(accessTokenPrefix)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestVerifyPKCES256(t *testing.T) {
	t.Parallel()

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	assert.True(t, verifyPKCES256(verifier, challenge))
	assert.False(t, verifyPKCES256("wrong", challenge))
}
