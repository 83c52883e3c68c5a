// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the Session lifecycle: it mints opaque tokens,
// drives the OAuth handshake state machine, enforces TTLs and rotation, and
// is the only writer of Session records.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mxcp/mxcp-auth/pkg/audit"
	"github.com/mxcp/mxcp-auth/pkg/auth"
	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/config"
	"github.com/mxcp/mxcp-auth/pkg/logger"
	"github.com/mxcp/mxcp-auth/pkg/provider"
	"github.com/mxcp/mxcp-auth/pkg/scopes"
	"github.com/mxcp/mxcp-auth/pkg/store"
)

// refreshShards is the size of the sharded refresh lock set. Refresh for one
// session is serialized; unrelated sessions rarely contend.
const refreshShards = 32

// sweepTimeout bounds one cleanup pass.
const sweepTimeout = 30 * time.Second

// Client-facing messages. Deliberately identical for missing and expired
// records so responses never reveal whether a session exists.
const (
	msgInvalidCode    = "authorization code is invalid or expired"
	msgInvalidRefresh = "refresh token is invalid or expired"
	msgInvalidToken   = "token is invalid or expired"
	msgInvalidState   = "authorization request is invalid or expired"
)

// DownstreamBroker acquires downstream provider tokens for MXCP scopes.
// Implemented by exchange.Broker.
type DownstreamBroker interface {
	EnsureDownstreamToken(ctx context.Context, sessionID, mxcpScope string) (*auth.ProviderToken, error)
}

// AccessGrant is the token pair returned by code redemption and refresh.
type AccessGrant struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        []string
}

// String implements fmt.Stringer, redacting token material.
func (g *AccessGrant) String() string {
	if g == nil {
		return "AccessGrant(nil)"
	}
	return fmt.Sprintf("AccessGrant(session_id=%s, expires_in=%d, scope=%v)",
		g.SessionID, g.ExpiresIn, g.Scope)
}

// BeginAuthorizationRequest carries the validated-at-transport inputs of an
// authorize request.
type BeginAuthorizationRequest struct {
	ClientID        string
	RedirectURI     string
	Provider        string
	RequestedScopes []string

	// ClientState is the client's state parameter, echoed on the final
	// redirect.
	ClientState string

	// PKCEChallenge and PKCEMethod are the client's PKCE commitment. Only
	// S256 is accepted.
	PKCEChallenge string
	PKCEMethod    string

	// CallbackURL is our own callback endpoint, registered with the IdP.
	CallbackURL string
}

// AuthorizationRedirect is the outcome of BeginAuthorization.
type AuthorizationRedirect struct {
	AuthorizeURL string
	StateID      string
}

// CallbackResult is the outcome of CompleteAuthorization: the minted MXCP
// authorization code and where to send the user agent.
type CallbackResult struct {
	SessionID   string
	Code        string
	RedirectURI string
	ClientState string
}

// Manager is the session lifecycle owner.
type Manager struct {
	store           store.TokenStore
	adapters        map[string]provider.ProviderAdapter
	mappings        map[string]scopes.Mapping
	tokens          config.Tokens
	audit           audit.Sink
	broker          DownstreamBroker
	defaultProvider string

	refreshMu [refreshShards]sync.Mutex

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditSink overrides the audit sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(m *Manager) { m.audit = sink }
}

// WithDefaultProvider names the provider used when a request does not pick
// one.
func WithDefaultProvider(name string) Option {
	return func(m *Manager) { m.defaultProvider = name }
}

// WithDownstreamBroker wires the token exchange broker.
func WithDownstreamBroker(broker DownstreamBroker) Option {
	return func(m *Manager) { m.broker = broker }
}

// NewManager creates a manager. mappings is keyed by provider name; a
// missing mapping means that provider yields no MXCP scopes.
func NewManager(
	st store.TokenStore,
	adapters map[string]provider.ProviderAdapter,
	mappings map[string]scopes.Mapping,
	tokens config.Tokens,
	opts ...Option,
) *Manager {
	normalizeTokens(&tokens)
	m := &Manager{
		store:    st,
		adapters: adapters,
		mappings: mappings,
		tokens:   tokens,
		audit:    audit.NewLogSink(nil),
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(adapters) == 1 && m.defaultProvider == "" {
		for name := range adapters {
			m.defaultProvider = name
		}
	}
	return m
}

func normalizeTokens(t *config.Tokens) {
	if t.AccessTTL <= 0 {
		t.AccessTTL = config.DefaultAccessTTL
	}
	if t.RefreshTTL <= 0 {
		t.RefreshTTL = config.DefaultRefreshTTL
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = config.DefaultIdleTimeout
	}
	if t.StateTTL <= 0 {
		t.StateTTL = config.DefaultStateTTL
	}
	if t.AuthCodeTTL <= 0 {
		t.AuthCodeTTL = config.DefaultAuthCodeTTL
	}
}

// StartCleanup launches the periodic expiry sweeper. Call Close to stop it.
func (m *Manager) StartCleanup(interval time.Duration) {
	if interval <= 0 || m.stopCleanup != nil {
		return
	}
	m.stopCleanup = make(chan struct{})
	m.cleanupDone = make(chan struct{})
	go m.cleanupLoop(interval)
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	defer close(m.cleanupDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			result, err := m.store.SweepExpired(ctx, time.Now().UTC())
			cancel()
			if err != nil {
				logger.Warnw("expiry sweep failed", "error", err)
				continue
			}
			if result.Total() > 0 {
				logger.Debugw("expired auth records swept",
					"sessions", len(result.Sessions),
					"states", len(result.States),
					"auth_codes", len(result.AuthCodes),
				)
			}
		}
	}
}

// Close stops the cleanup goroutine, if one is running.
func (m *Manager) Close() {
	if m.stopCleanup == nil {
		return
	}
	close(m.stopCleanup)
	<-m.cleanupDone
	m.stopCleanup = nil
}

// refreshLock returns the shard lock for a session id.
func (m *Manager) refreshLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &m.refreshMu[h.Sum32()%refreshShards]
}

func (m *Manager) adapter(name string) (provider.ProviderAdapter, error) {
	if name == "" {
		name = m.defaultProvider
	}
	adapter, ok := m.adapters[name]
	if !ok {
		return nil, autherr.New(autherr.KindInvalidRequest, "unknown provider")
	}
	return adapter, nil
}

// BeginAuthorization validates the client and its redirect, records the
// handshake state, and returns the provider authorize URL.
func (m *Manager) BeginAuthorization(
	ctx context.Context, req BeginAuthorizationRequest,
) (*AuthorizationRedirect, error) {
	client, err := m.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, autherr.New(autherr.KindInvalidRequest, "unknown client")
		}
		return nil, autherr.Wrap(autherr.KindInternal, "loading client registration", err)
	}
	if !client.AllowsRedirect(req.RedirectURI) {
		return nil, autherr.New(autherr.KindInvalidRequest, "redirect_uri is not registered for this client")
	}
	if !client.AllowsGrantType("authorization_code") {
		return nil, autherr.New(autherr.KindAccessDenied, "client may not use the authorization code grant")
	}
	if len(client.AllowedScopes) > 0 {
		if missing := scopes.Missing(req.RequestedScopes, client.AllowedScopes); len(missing) > 0 {
			return nil, autherr.New(autherr.KindInvalidScope, "scope not allowed for this client: "+missing[0])
		}
	}
	if req.PKCEChallenge == "" {
		return nil, autherr.New(autherr.KindInvalidRequest, "PKCE code_challenge is required")
	}
	if req.PKCEMethod != "S256" {
		return nil, autherr.New(autherr.KindInvalidRequest, "only the S256 code_challenge_method is supported")
	}

	adapter, err := m.adapter(req.Provider)
	if err != nil {
		return nil, err
	}

	stateID, err := newRandomID()
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "minting state id", err)
	}

	// Our own PKCE leg against the upstream provider, independent of the
	// client's challenge.
	upstreamVerifier := oauth2.GenerateVerifier()
	upstreamChallenge := oauth2.S256ChallengeFromVerifier(upstreamVerifier)

	now := time.Now().UTC()
	state := &store.OAuthState{
		ID:               stateID,
		ClientID:         req.ClientID,
		RedirectURI:      req.RedirectURI,
		ClientState:      req.ClientState,
		PKCEChallenge:    req.PKCEChallenge,
		PKCEMethod:       "S256",
		RequestedScopes:  req.RequestedScopes,
		Provider:         adapter.Name(),
		UpstreamVerifier: upstreamVerifier,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.tokens.StateTTL),
	}
	if err := m.store.PutState(ctx, state); err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "persisting handshake state", err)
	}

	authorizeURL, err := adapter.AuthorizeURL(
		req.CallbackURL, stateID, req.RequestedScopes, upstreamChallenge, nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "building authorize url", err)
	}

	m.audit.Emit(ctx, audit.Event{
		Type:     audit.EventAuthorizationStarted,
		ClientID: req.ClientID,
		Provider: adapter.Name(),
		Scopes:   req.RequestedScopes,
		Outcome:  "success",
	})
	return &AuthorizationRedirect{AuthorizeURL: authorizeURL, StateID: stateID}, nil
}

// CompleteAuthorization handles the provider callback: it consumes the
// handshake state, exchanges the provider code, derives MXCP scopes, writes
// the session, and mints the MXCP authorization code.
func (m *Manager) CompleteAuthorization(
	ctx context.Context, stateID, providerCode, callbackURL string,
) (*CallbackResult, error) {
	state, err := m.store.ConsumeState(ctx, stateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidState)
		}
		return nil, autherr.Wrap(autherr.KindInternal, "consuming handshake state", err)
	}

	adapter, ok := m.adapters[state.Provider]
	if !ok {
		return nil, autherr.New(autherr.KindInternal, "handshake references an unconfigured provider")
	}

	grant, err := adapter.ExchangeCode(ctx, providerCode, callbackURL, state.UpstreamVerifier)
	if err != nil {
		m.audit.Emit(ctx, audit.Event{
			Type:     audit.EventAuthenticationFailed,
			ClientID: state.ClientID,
			Provider: state.Provider,
			Outcome:  "failure",
			Detail:   string(autherr.KindOf(err)),
		})
		return nil, err
	}

	profile, err := m.resolveProfile(ctx, adapter, grant)
	if err != nil {
		return nil, err
	}

	mxcpScopes := m.mappings[state.Provider].Map(grant.GrantedScopes, profile.Claims)
	session, err := m.buildSession(state, adapter.Name(), grant, profile, mxcpScopes)
	if err != nil {
		return nil, err
	}
	if err := m.store.PutSession(ctx, session); err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "persisting session", err)
	}

	rawCode, err := mintToken(authCodePrefix)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "minting authorization code", err)
	}
	code := &store.AuthorizationCode{
		CodeFP:        store.Fingerprint(rawCode),
		SessionID:     session.ID,
		ClientID:      state.ClientID,
		RedirectURI:   state.RedirectURI,
		PKCEChallenge: state.PKCEChallenge,
		PKCEMethod:    state.PKCEMethod,
		ExpiresAt:     time.Now().UTC().Add(m.tokens.AuthCodeTTL),
	}
	if err := m.store.PutAuthCode(ctx, code); err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "persisting authorization code", err)
	}

	m.audit.Emit(ctx, audit.Event{
		Type:      audit.EventAuthorizationCompleted,
		SessionID: session.ID,
		ClientID:  state.ClientID,
		UserID:    profile.Subject,
		Provider:  state.Provider,
		Scopes:    mxcpScopes,
		Outcome:   "success",
	})
	return &CallbackResult{
		SessionID:   session.ID,
		Code:        rawCode,
		RedirectURI: state.RedirectURI,
		ClientState: state.ClientState,
	}, nil
}

// resolveProfile prefers identity claims already carried by the grant (ID
// token, proxy headers) and falls back to the provider's userinfo endpoint.
func (m *Manager) resolveProfile(
	ctx context.Context, adapter provider.ProviderAdapter, grant *provider.ExternalGrantResult,
) (*provider.ExternalProfile, error) {
	if sub := claimString(grant.RawProfile, "sub"); sub != "" {
		return &provider.ExternalProfile{
			Subject: sub,
			Name:    claimString(grant.RawProfile, "name"),
			Email:   claimString(grant.RawProfile, "email"),
			Claims:  grant.RawProfile,
		}, nil
	}
	return adapter.FetchUserInfo(ctx, grant.AccessToken)
}

func claimString(claims map[string]any, key string) string {
	if claims == nil {
		return ""
	}
	s, _ := claims[key].(string)
	return s
}

// buildSession assembles the session record for a fresh grant. The access
// fingerprint is provisional: its raw token is discarded, so the session
// cannot be resolved until the authorization code is redeemed and real
// tokens are minted.
func (m *Manager) buildSession(
	state *store.OAuthState,
	providerName string,
	grant *provider.ExternalGrantResult,
	profile *provider.ExternalProfile,
	mxcpScopes []string,
) (*store.Session, error) {
	id, err := newRandomID()
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "minting session id", err)
	}
	provisional, err := mintToken(accessTokenPrefix)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "minting provisional token", err)
	}

	now := time.Now().UTC()
	return &store.Session{
		ID:            id,
		ClientID:      state.ClientID,
		AccessTokenFP: store.Fingerprint(provisional),
		IssuedAt:      now,
		ExpiresAt:     now.Add(m.tokens.RefreshTTL),
		IdleTimeoutAt: now.Add(m.tokens.IdleTimeout),
		User: &auth.UserContext{
			UserID:                profile.Subject,
			Name:                  profile.Name,
			Email:                 profile.Email,
			Provider:              providerName,
			IssuedAt:              now,
			MXCPScopes:            mxcpScopes,
			ProviderScopesGranted: grant.GrantedScopes,
			RawProfile:            profile.Claims,
		},
		MXCPScopes: mxcpScopes,
		Grants: map[string]*store.ProviderGrant{
			providerName: {
				Provider:      providerName,
				AccessToken:   grant.AccessToken,
				RefreshToken:  grant.RefreshToken,
				ExpiresAt:     grant.ExpiresAt,
				Subject:       profile.Subject,
				GrantedScopes: grant.GrantedScopes,
				Claims:        profile.Claims,
			},
		},
	}, nil
}

// ExchangeAuthCode redeems an MXCP authorization code for the session's
// first token pair. The code is single-use; client, redirect, and PKCE
// bindings must all hold.
func (m *Manager) ExchangeAuthCode(
	ctx context.Context, rawCode, clientID, redirectURI, pkceVerifier string,
) (*AccessGrant, error) {
	if !hasTokenPrefix(rawCode, authCodePrefix) {
		return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidCode)
	}

	code, err := m.store.ConsumeAuthCode(ctx, store.Fingerprint(rawCode))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidCode)
		}
		return nil, autherr.Wrap(autherr.KindInternal, "consuming authorization code", err)
	}
	if code.ClientID != clientID || code.RedirectURI != redirectURI {
		return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidCode)
	}
	if code.PKCEChallenge != "" {
		if pkceVerifier == "" || !verifyPKCES256(pkceVerifier, code.PKCEChallenge) {
			// A failed PKCE proof on a consumed code means the code leaked.
			// The half-built session is destroyed.
			_ = m.store.DeleteSession(ctx, code.SessionID)
			m.audit.Emit(ctx, audit.Event{
				Type:      audit.EventTamperDetected,
				SessionID: code.SessionID,
				ClientID:  clientID,
				Outcome:   "failure",
				Detail:    "pkce verification failed",
			})
			// The token endpoint answers invalid_grant (RFC 7636 section
			// 4.6); the audit trail above records the tamper signal.
			return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidCode)
		}
	}

	session, err := m.store.GetSessionByID(ctx, code.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidCode)
		}
		return nil, m.storeLoadError(ctx, code.SessionID, err)
	}

	accessToken, err := mintToken(accessTokenPrefix)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "minting access token", err)
	}
	refreshToken, err := mintToken(refreshTokenPrefix)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "minting refresh token", err)
	}

	session.AccessTokenFP = store.Fingerprint(accessToken)
	session.RefreshTokenFP = store.Fingerprint(refreshToken)
	session.IdleTimeoutAt = time.Now().UTC().Add(m.tokens.IdleTimeout)
	if err := m.store.PutSession(ctx, session); err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "persisting token fingerprints", err)
	}

	m.audit.Emit(ctx, audit.Event{
		Type:      audit.EventTokenIssued,
		SessionID: session.ID,
		ClientID:  clientID,
		UserID:    session.User.UserID,
		Provider:  session.User.Provider,
		Scopes:    session.MXCPScopes,
		Outcome:   "success",
	})
	return m.accessGrant(session, accessToken, refreshToken), nil
}

// Refresh rotates the session's token pair. Rotation is a compare-and-set
// on the presented refresh fingerprint; exactly one of two concurrent
// refreshes succeeds and the loser gets invalid_grant.
func (m *Manager) Refresh(ctx context.Context, rawRefreshToken string) (*AccessGrant, error) {
	if !hasTokenPrefix(rawRefreshToken, refreshTokenPrefix) {
		return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidRefresh)
	}

	oldFP := store.Fingerprint(rawRefreshToken)
	session, err := m.store.GetSessionByRefreshFingerprint(ctx, oldFP)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidRefresh)
		}
		return nil, m.storeLoadError(ctx, "", err)
	}

	now := time.Now().UTC()
	if session.Expired(now) {
		_ = m.store.DeleteSession(ctx, session.ID)
		return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidRefresh)
	}

	// Refresh the provider grant before taking the rotation lock; network
	// calls never run under it.
	grantsChanged := m.refreshProviderGrants(ctx, session)

	accessToken, err := mintToken(accessTokenPrefix)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "minting access token", err)
	}
	refreshToken, err := mintToken(refreshTokenPrefix)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "minting refresh token", err)
	}
	newAccessFP := store.Fingerprint(accessToken)
	newRefreshFP := store.Fingerprint(refreshToken)
	idleTimeoutAt := now.Add(m.tokens.IdleTimeout)

	mu := m.refreshLock(session.ID)
	mu.Lock()
	err = m.store.RotateSessionTokens(ctx, session.ID, oldFP, newAccessFP, newRefreshFP,
		session.ExpiresAt, idleTimeoutAt)
	mu.Unlock()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			logger.Warnw("refresh token rotation conflict, possible replay",
				"session_id", session.ID,
				"client_id", session.ClientID,
			)
			m.audit.Emit(ctx, audit.Event{
				Type:      audit.EventAuthenticationFailed,
				SessionID: session.ID,
				ClientID:  session.ClientID,
				Outcome:   "failure",
				Detail:    "refresh rotation conflict",
			})
			return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidRefresh)
		case errors.Is(err, store.ErrNotFound):
			return nil, autherr.New(autherr.KindInvalidGrant, msgInvalidRefresh)
		default:
			return nil, autherr.Wrap(autherr.KindInternal, "rotating session tokens", err)
		}
	}

	if grantsChanged {
		session.AccessTokenFP = newAccessFP
		session.RefreshTokenFP = newRefreshFP
		session.IdleTimeoutAt = idleTimeoutAt
		if err := m.store.PutSession(ctx, session); err != nil {
			logger.Warnw("persisting refreshed provider grant failed",
				"session_id", session.ID,
				"error", err,
			)
		}
	}

	m.audit.Emit(ctx, audit.Event{
		Type:      audit.EventTokenRefreshed,
		SessionID: session.ID,
		ClientID:  session.ClientID,
		UserID:    session.User.UserID,
		Provider:  session.User.Provider,
		Outcome:   "success",
	})
	return m.accessGrant(session, accessToken, refreshToken), nil
}

// refreshProviderGrants renews provider tokens that are expired or will
// expire within one access-token lifetime. Best effort: a failed renewal
// leaves the stale grant in place and downstream use reports
// downstream_unavailable later.
func (m *Manager) refreshProviderGrants(ctx context.Context, session *store.Session) bool {
	changed := false
	horizon := time.Now().Add(m.tokens.AccessTTL)
	for name, grant := range session.Grants {
		if grant.RefreshToken == "" || grant.ExpiresAt.IsZero() || grant.ExpiresAt.After(horizon) {
			continue
		}
		adapter, ok := m.adapters[name]
		if !ok {
			continue
		}
		renewed, err := adapter.RefreshToken(ctx, grant.RefreshToken, grant.GrantedScopes)
		if err != nil {
			logger.Warnw("provider grant refresh failed",
				"provider", name,
				"session_id", session.ID,
				"error", err,
			)
			continue
		}
		grant.AccessToken = renewed.AccessToken
		if renewed.RefreshToken != "" {
			grant.RefreshToken = renewed.RefreshToken
		}
		grant.ExpiresAt = renewed.ExpiresAt
		if len(renewed.GrantedScopes) > 0 {
			grant.GrantedScopes = renewed.GrantedScopes
		}
		changed = true
	}
	return changed
}

// Resolve validates an access token and returns its session. The idle
// timeout advances as a best-effort write; the expiry tripwires checked here
// stay correct even if the sweeper is paused.
func (m *Manager) Resolve(ctx context.Context, rawAccessToken string) (*store.Session, error) {
	if !hasTokenPrefix(rawAccessToken, accessTokenPrefix) {
		return nil, autherr.New(autherr.KindUnauthorized, msgInvalidToken)
	}

	session, err := m.store.GetSessionByTokenFingerprint(ctx, store.Fingerprint(rawAccessToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, autherr.New(autherr.KindUnauthorized, msgInvalidToken)
		}
		return nil, m.storeLoadError(ctx, "", err)
	}

	now := time.Now().UTC()
	if session.Expired(now) {
		_ = m.store.DeleteSession(ctx, session.ID)
		return nil, autherr.New(autherr.KindUnauthorized, msgInvalidToken)
	}

	if err := m.store.TouchSession(ctx, session.ID, now.Add(m.tokens.IdleTimeout)); err != nil {
		logger.Debugw("idle timeout touch failed", "session_id", session.ID, "error", err)
	}
	return session, nil
}

// Revoke deletes a session and best-effort revokes its provider tokens.
// Idempotent: revoking an unknown session succeeds silently.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	session, err := m.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if !errors.Is(err, store.ErrDecrypt) {
			return autherr.Wrap(autherr.KindInternal, "loading session", err)
		}
		// Undecryptable sessions are still deleted below.
		session = nil
	}

	if session != nil {
		m.revokeProviderGrants(ctx, session)
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return autherr.Wrap(autherr.KindInternal, "deleting session", err)
	}

	event := audit.Event{
		Type:      audit.EventSessionRevoked,
		SessionID: sessionID,
		Outcome:   "success",
	}
	if session != nil {
		event.ClientID = session.ClientID
		if session.User != nil {
			event.UserID = session.User.UserID
			event.Provider = session.User.Provider
		}
	}
	m.audit.Emit(ctx, event)
	return nil
}

// RevokeToken revokes the session behind an access or refresh token. An
// unknown token succeeds silently, per RFC 7009.
func (m *Manager) RevokeToken(ctx context.Context, rawToken string) error {
	var fp string
	switch {
	case hasTokenPrefix(rawToken, accessTokenPrefix):
		fp = store.Fingerprint(rawToken)
	case hasTokenPrefix(rawToken, refreshTokenPrefix):
		fp = store.Fingerprint(rawToken)
	default:
		return nil
	}

	session, err := m.store.GetSessionByTokenFingerprint(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		session, err = m.store.GetSessionByRefreshFingerprint(ctx, fp)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return m.storeLoadError(ctx, "", err)
	}
	return m.Revoke(ctx, session.ID)
}

func (m *Manager) revokeProviderGrants(ctx context.Context, session *store.Session) {
	for name, grant := range session.Grants {
		adapter, ok := m.adapters[name]
		if !ok {
			continue
		}
		if grant.AccessToken != "" {
			if _, err := adapter.Revoke(ctx, grant.AccessToken, "access_token"); err != nil {
				logger.Debugw("provider token revocation failed", "provider", name, "error", err)
			}
		}
		if grant.RefreshToken != "" {
			if _, err := adapter.Revoke(ctx, grant.RefreshToken, "refresh_token"); err != nil {
				logger.Debugw("provider token revocation failed", "provider", name, "error", err)
			}
		}
	}
}

// EnsureDownstreamToken delegates to the exchange broker.
func (m *Manager) EnsureDownstreamToken(
	ctx context.Context, sessionID, mxcpScope string,
) (*auth.ProviderToken, error) {
	if m.broker == nil {
		return nil, autherr.New(autherr.KindDownstreamUnavailable, "token exchange is not configured")
	}
	token, err := m.broker.EnsureDownstreamToken(ctx, sessionID, mxcpScope)
	if err != nil {
		return nil, err
	}
	m.audit.Emit(ctx, audit.Event{
		Type:      audit.EventTokenExchanged,
		SessionID: sessionID,
		Provider:  token.Provider,
		Outcome:   "success",
	})
	return token, nil
}

// storeLoadError translates store read failures. A decryption failure is
// tamper: the record is revoked and the caller gets an opaque rejection.
func (m *Manager) storeLoadError(ctx context.Context, sessionID string, err error) error {
	if errors.Is(err, store.ErrDecrypt) {
		if sessionID != "" {
			_ = m.store.DeleteSession(ctx, sessionID)
		}
		m.audit.Emit(ctx, audit.Event{
			Type:      audit.EventTamperDetected,
			SessionID: sessionID,
			Outcome:   "failure",
			Detail:    "session decryption failed",
		})
		return autherr.New(autherr.KindTamper, msgInvalidToken)
	}
	return autherr.Wrap(autherr.KindInternal, "loading session", err)
}

func (m *Manager) accessGrant(session *store.Session, accessToken, refreshToken string) *AccessGrant {
	return &AccessGrant{
		SessionID:    session.ID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(m.tokens.AccessTTL / time.Second),
		Scope:        session.MXCPScopes,
	}
}
