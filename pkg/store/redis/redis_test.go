// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp/mxcp-auth/pkg/auth"
	"github.com/mxcp/mxcp-auth/pkg/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cipher, err := store.NewCipher(key)
	require.NoError(t, err)

	s, err := NewWithClient(client, cipher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func newSession(id string) *store.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &store.Session{
		ID:             id,
		ClientID:       "client-a",
		AccessTokenFP:  store.Fingerprint("mxcp_at_" + id),
		RefreshTokenFP: store.Fingerprint("mxcp_rt_" + id),
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Hour),
		IdleTimeoutAt:  now.Add(24 * time.Hour),
		User:           &auth.UserContext{UserID: "u-" + id, Provider: "github"},
		Grants: map[string]*store.ProviderGrant{
			"github": {Provider: "github", AccessToken: "gho_" + id, ExpiresAt: now.Add(time.Hour)},
		},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s, mr := newTestStore(t)

	session := newSession("s1")
	require.NoError(t, s.PutSession(t.Context(), session))

	// Token material never reaches Redis in the clear.
	stored, err := mr.Get(sessionPrefix + "s1")
	require.NoError(t, err)
	assert.NotContains(t, stored, "gho_s1")

	got, err := s.GetSessionByTokenFingerprint(t.Context(), session.AccessTokenFP)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "gho_s1", got.Grant("github").AccessToken)

	byRefresh, err := s.GetSessionByRefreshFingerprint(t.Context(), session.RefreshTokenFP)
	require.NoError(t, err)
	assert.Equal(t, "s1", byRefresh.ID)

	_, err = s.GetSessionByTokenFingerprint(t.Context(), store.Fingerprint("unknown"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutSessionDropsReplacedIndexes(t *testing.T) {
	s, mr := newTestStore(t)

	session := newSession("s1")
	require.NoError(t, s.PutSession(t.Context(), session))
	oldAccessFP := session.AccessTokenFP
	oldRefreshFP := session.RefreshTokenFP

	session.AccessTokenFP = store.Fingerprint("mxcp_at_replaced")
	session.RefreshTokenFP = store.Fingerprint("mxcp_rt_replaced")
	require.NoError(t, s.PutSession(t.Context(), session))

	// The replaced fingerprints no longer resolve, and their index keys are
	// gone rather than waiting out their TTL.
	_, err := s.GetSessionByTokenFingerprint(t.Context(), oldAccessFP)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetSessionByRefreshFingerprint(t.Context(), oldRefreshFP)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, mr.Exists(accessPrefix+oldAccessFP))
	assert.False(t, mr.Exists(refreshPrefix+oldRefreshFP))

	got, err := s.GetSessionByTokenFingerprint(t.Context(), session.AccessTokenFP)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestSessionExpiresWithTTL(t *testing.T) {
	s, mr := newTestStore(t)

	session := newSession("s1")
	require.NoError(t, s.PutSession(t.Context(), session))

	mr.FastForward(2 * time.Hour)

	_, err := s.GetSessionByID(t.Context(), "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetSessionByTokenFingerprint(t.Context(), session.AccessTokenFP)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRotateSessionTokens(t *testing.T) {
	s, _ := newTestStore(t)

	session := newSession("s1")
	require.NoError(t, s.PutSession(t.Context(), session))

	newAccessFP := store.Fingerprint("mxcp_at_new")
	newRefreshFP := store.Fingerprint("mxcp_rt_new")
	require.NoError(t, s.RotateSessionTokens(
		t.Context(), "s1", session.RefreshTokenFP, newAccessFP, newRefreshFP,
		time.Now().Add(2*time.Hour), time.Now().Add(48*time.Hour)))

	_, err := s.GetSessionByTokenFingerprint(t.Context(), session.AccessTokenFP)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetSessionByTokenFingerprint(t.Context(), newAccessFP)
	require.NoError(t, err)
	assert.Equal(t, newRefreshFP, got.RefreshTokenFP)
	assert.Equal(t, "gho_s1", got.Grant("github").AccessToken)

	// Replaying the old refresh fingerprint conflicts.
	err = s.RotateSessionTokens(
		t.Context(), "s1", session.RefreshTokenFP,
		store.Fingerprint("x"), store.Fingerprint("y"),
		time.Now().Add(time.Hour), time.Now().Add(24*time.Hour))
	assert.ErrorIs(t, err, store.ErrConflict)

	err = s.RotateSessionTokens(
		t.Context(), "missing", session.RefreshTokenFP,
		store.Fingerprint("x"), store.Fingerprint("y"),
		time.Now().Add(time.Hour), time.Now().Add(24*time.Hour))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTouchSession(t *testing.T) {
	s, _ := newTestStore(t)

	session := newSession("s1")
	require.NoError(t, s.PutSession(t.Context(), session))

	touched := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.TouchSession(t.Context(), "s1", touched))

	got, err := s.GetSessionByID(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, touched, got.IdleTimeoutAt)

	assert.ErrorIs(t, s.TouchSession(t.Context(), "missing", touched), store.ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	s, _ := newTestStore(t)

	session := newSession("s1")
	require.NoError(t, s.PutSession(t.Context(), session))
	require.NoError(t, s.DeleteSession(t.Context(), "s1"))

	_, err := s.GetSessionByID(t.Context(), "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetSessionByTokenFingerprint(t.Context(), session.AccessTokenFP)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, s.DeleteSession(t.Context(), "s1"))
}

func TestStateConsumeOnce(t *testing.T) {
	s, _ := newTestStore(t)

	state := &store.OAuthState{
		ID:               "st1",
		ClientID:         "client-a",
		Provider:         "github",
		UpstreamVerifier: "verifier-secret",
		CreatedAt:        time.Now(),
		ExpiresAt:        time.Now().Add(5 * time.Minute),
	}
	require.NoError(t, s.PutState(t.Context(), state))
	assert.ErrorIs(t, s.PutState(t.Context(), state), store.ErrAlreadyExists)

	got, err := s.ConsumeState(t.Context(), "st1")
	require.NoError(t, err)
	assert.Equal(t, "verifier-secret", got.UpstreamVerifier)

	_, err = s.ConsumeState(t.Context(), "st1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuthCodeConsumeOnce(t *testing.T) {
	s, _ := newTestStore(t)

	code := &store.AuthorizationCode{
		CodeFP:    store.Fingerprint("mxcp_ac_x"),
		SessionID: "s1",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, s.PutAuthCode(t.Context(), code))

	got, err := s.ConsumeAuthCode(t.Context(), code.CodeFP)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)

	_, err = s.ConsumeAuthCode(t.Context(), code.CodeFP)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClients(t *testing.T) {
	s, _ := newTestStore(t)

	client := &store.ClientRegistration{
		ClientID:     "client-a",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}
	require.NoError(t, s.PutClient(t.Context(), client))

	got, err := s.GetClient(t.Context(), "client-a")
	require.NoError(t, err)
	assert.Equal(t, client, got)

	all, err := s.ListClients(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetClient(t.Context(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepIdleExpired(t *testing.T) {
	s, _ := newTestStore(t)

	live := newSession("live")
	require.NoError(t, s.PutSession(t.Context(), live))

	idle := newSession("idle")
	idle.IdleTimeoutAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.PutSession(t.Context(), idle))

	result, err := s.SweepExpired(t.Context(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, result.Sessions)

	_, err = s.GetSessionByID(t.Context(), "live")
	assert.NoError(t, err)
	_, err = s.GetSessionByID(t.Context(), "idle")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHealth(t *testing.T) {
	s, mr := newTestStore(t)
	assert.NoError(t, s.Health(t.Context()))

	mr.Close()
	assert.Error(t, s.Health(t.Context()))
}
