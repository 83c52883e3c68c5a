// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory implements the token store on in-process maps. Sessions
// live only as long as the process; the backend exists for tests and for
// deployments that explicitly opt out of persistence.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mxcp/mxcp-auth/pkg/store"
)

// Store implements store.TokenStore with in-process maps. All methods are
// safe for concurrent use. Values are deep-copied on the way in and out so
// callers can never mutate shared state.
type Store struct {
	mu sync.RWMutex

	sessions  map[string]*store.Session // keyed by session id
	byAccess  map[string]string         // access fp -> session id
	byRefresh map[string]string         // refresh fp -> session id
	states    map[string]*store.OAuthState
	codes     map[string]*store.AuthorizationCode
	clients   map[string]*store.ClientRegistration
}

var _ store.TokenStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*store.Session),
		byAccess:  make(map[string]string),
		byRefresh: make(map[string]string),
		states:    make(map[string]*store.OAuthState),
		codes:     make(map[string]*store.AuthorizationCode),
		clients:   make(map[string]*store.ClientRegistration),
	}
}

// copySession deep-copies a session through its JSON form. Sessions are
// small; correctness of the copy matters more than speed here.
func copySession(s *store.Session) *store.Session {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("session not serializable: %v", err))
	}
	var out store.Session
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("session not deserializable: %v", err))
	}
	return &out
}

func copyState(s *store.OAuthState) *store.OAuthState {
	out := *s
	out.RequestedScopes = append([]string(nil), s.RequestedScopes...)
	return &out
}

func copyCode(c *store.AuthorizationCode) *store.AuthorizationCode {
	out := *c
	return &out
}

func copyClient(c *store.ClientRegistration) *store.ClientRegistration {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.AllowedScopes = append([]string(nil), c.AllowedScopes...)
	return &out
}

// PutSession inserts or replaces a session.
func (m *Store) PutSession(_ context.Context, session *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[session.ID]; ok {
		delete(m.byAccess, existing.AccessTokenFP)
		delete(m.byRefresh, existing.RefreshTokenFP)
	}

	stored := copySession(session)
	m.sessions[stored.ID] = stored
	m.byAccess[stored.AccessTokenFP] = stored.ID
	if stored.RefreshTokenFP != "" {
		m.byRefresh[stored.RefreshTokenFP] = stored.ID
	}
	return nil
}

// GetSessionByTokenFingerprint looks up a session by access-token fingerprint.
func (m *Store) GetSessionByTokenFingerprint(_ context.Context, fp string) (*store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAccess[fp]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySession(m.sessions[id]), nil
}

// GetSessionByID looks up a session by id.
func (m *Store) GetSessionByID(_ context.Context, id string) (*store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySession(session), nil
}

// GetSessionByRefreshFingerprint looks up a session by refresh-token
// fingerprint.
func (m *Store) GetSessionByRefreshFingerprint(_ context.Context, fp string) (*store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRefresh[fp]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySession(m.sessions[id]), nil
}

// RotateSessionTokens atomically swaps the session's token fingerprints.
func (m *Store) RotateSessionTokens(
	_ context.Context, id, oldRefreshFP, newAccessFP, newRefreshFP string,
	expiresAt, idleTimeoutAt time.Time,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if session.RefreshTokenFP != oldRefreshFP {
		return store.ErrConflict
	}

	delete(m.byAccess, session.AccessTokenFP)
	delete(m.byRefresh, session.RefreshTokenFP)

	session.AccessTokenFP = newAccessFP
	session.RefreshTokenFP = newRefreshFP
	session.ExpiresAt = expiresAt
	session.IdleTimeoutAt = idleTimeoutAt

	m.byAccess[newAccessFP] = id
	m.byRefresh[newRefreshFP] = id
	return nil
}

// TouchSession advances the idle-timeout tripwire.
func (m *Store) TouchSession(_ context.Context, id string, idleTimeoutAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	session.IdleTimeoutAt = idleTimeoutAt
	return nil
}

// DeleteSession removes a session and its grants.
func (m *Store) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.byAccess, session.AccessTokenFP)
	delete(m.byRefresh, session.RefreshTokenFP)
	delete(m.sessions, id)
	return nil
}

// PutState stores a handshake state record.
func (m *Store) PutState(_ context.Context, state *store.OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[state.ID]; ok {
		return store.ErrAlreadyExists
	}
	m.states[state.ID] = copyState(state)
	return nil
}

// ConsumeState atomically reads and deletes a state.
func (m *Store) ConsumeState(_ context.Context, id string) (*store.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(m.states, id)
	if !time.Now().Before(state.ExpiresAt) {
		return nil, store.ErrExpired
	}
	return copyState(state), nil
}

// PutAuthCode stores an authorization code record.
func (m *Store) PutAuthCode(_ context.Context, code *store.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.codes[code.CodeFP]; ok {
		return store.ErrAlreadyExists
	}
	m.codes[code.CodeFP] = copyCode(code)
	return nil
}

// ConsumeAuthCode atomically reads and deletes a code by fingerprint.
func (m *Store) ConsumeAuthCode(_ context.Context, codeFP string) (*store.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code, ok := m.codes[codeFP]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(m.codes, codeFP)
	if !time.Now().Before(code.ExpiresAt) {
		return nil, store.ErrExpired
	}
	return copyCode(code), nil
}

// PutClient inserts or replaces a client registration.
func (m *Store) PutClient(_ context.Context, client *store.ClientRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[client.ClientID] = copyClient(client)
	return nil
}

// GetClient looks up a client registration.
func (m *Store) GetClient(_ context.Context, clientID string) (*store.ClientRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyClient(client), nil
}

// ListClients returns all registrations.
func (m *Store) ListClients(_ context.Context) ([]*store.ClientRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]*store.ClientRegistration, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, copyClient(client))
	}
	return clients, nil
}

// SweepExpired removes expired sessions, states, and codes.
func (m *Store) SweepExpired(_ context.Context, now time.Time) (store.SweepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result store.SweepResult
	for id, session := range m.sessions {
		if session.Expired(now) {
			delete(m.byAccess, session.AccessTokenFP)
			delete(m.byRefresh, session.RefreshTokenFP)
			delete(m.sessions, id)
			result.Sessions = append(result.Sessions, id)
		}
	}
	for id, state := range m.states {
		if !now.Before(state.ExpiresAt) {
			delete(m.states, id)
			result.States = append(result.States, id)
		}
	}
	for fp, code := range m.codes {
		if !now.Before(code.ExpiresAt) {
			delete(m.codes, fp)
			result.AuthCodes = append(result.AuthCodes, fp)
		}
	}
	return result, nil
}

// Health always succeeds.
func (*Store) Health(context.Context) error { return nil }

// Close is a no-op.
func (*Store) Close() error { return nil }
