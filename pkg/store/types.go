// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package store defines the persistence protocol for sessions, handshake
// records, and client registrations, together with the field-encryption
// boundary shared by all backends.
//
// The store is the authoritative owner of expiry semantics and one-time-use
// guarantees: consume operations are atomic read-and-delete, and token
// rotation is a compare-and-set on the previous fingerprint. Encryption and
// decryption happen inside the store; callers never see ciphertext or keys.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mxcp/mxcp-auth/pkg/auth"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when a record does not exist. Callers must
	// not leak the distinction between missing and expired to clients.
	ErrNotFound = errors.New("record not found")

	// ErrExpired is returned when a record exists but its TTL has passed.
	ErrExpired = errors.New("record expired")

	// ErrConflict is returned when a compare-and-set rotation loses the
	// race: the expected fingerprint no longer matches.
	ErrConflict = errors.New("rotation conflict")

	// ErrAlreadyExists is returned when inserting a duplicate record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrDecrypt is returned when an encrypted field fails authentication.
	// Callers treat this as tamper and revoke the session.
	ErrDecrypt = errors.New("field decryption failed")
)

// Session is the authoritative authorization record.
type Session struct {
	// ID is an opaque random identifier with at least 128 bits of entropy.
	ID string `json:"id"`

	// ClientID is the OAuth client that owns the session.
	ClientID string `json:"client_id"`

	// AccessTokenFP is the SHA-256 fingerprint of the current access
	// token. The raw token is never stored.
	AccessTokenFP string `json:"access_token_fp"`

	// RefreshTokenFP is the fingerprint of the current refresh token, if
	// one was issued.
	RefreshTokenFP string `json:"refresh_token_fp,omitempty"`

	// IssuedAt, ExpiresAt, and IdleTimeoutAt are UTC. ExpiresAt is
	// absolute; IdleTimeoutAt advances on each resolve.
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	IdleTimeoutAt time.Time `json:"idle_timeout_at"`

	// User is the cached identity projection.
	User *auth.UserContext `json:"user"`

	// MXCPScopes is the derived entitlement set. Sorted.
	MXCPScopes []string `json:"mxcp_scopes,omitempty"`

	// Grants holds each provider's view of the user, keyed by provider
	// name. Grant token material is encrypted at rest.
	Grants map[string]*ProviderGrant `json:"grants,omitempty"`
}

// Expired reports whether either expiry tripwire has fired at the given
// instant. The store's recorded timestamps are authoritative; callers pass
// their own clock only for testing.
func (s *Session) Expired(now time.Time) bool {
	if !now.Before(s.ExpiresAt) {
		return true
	}
	return !s.IdleTimeoutAt.IsZero() && !now.Before(s.IdleTimeoutAt)
}

// Grant returns the provider grant for the named provider, or nil.
func (s *Session) Grant(provider string) *ProviderGrant {
	if s == nil || s.Grants == nil {
		return nil
	}
	return s.Grants[provider]
}

// ProviderGrant is one provider's view of the user. Owned by exactly one
// session and deleted with it.
type ProviderGrant struct {
	// Provider is the stable provider name.
	Provider string `json:"provider"`

	// AccessToken and RefreshToken are the provider's tokens. Plaintext in
	// memory, encrypted at rest.
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresAt is the provider token expiry.
	ExpiresAt time.Time `json:"expires_at"`

	// Subject is the user identifier as asserted by the provider.
	Subject string `json:"subject"`

	// GrantedScopes is the provider scope set actually granted.
	GrantedScopes []string `json:"granted_scopes,omitempty"`

	// Claims is the raw claims blob. Encrypted at rest.
	Claims map[string]any `json:"claims,omitempty"`

	// Downstream holds tokens obtained via RFC 8693 exchange, keyed by
	// audience. Encrypted at rest.
	Downstream map[string]*DownstreamToken `json:"downstream,omitempty"`
}

// DownstreamToken is an exchanged token scoped to a downstream audience.
type DownstreamToken struct {
	Audience    string    `json:"audience"`
	Resource    string    `json:"resource,omitempty"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// OAuthState is the single-use handshake token tying a browser-level
// authorize step to its callback.
type OAuthState struct {
	// ID is the internal state forwarded to the provider.
	ID string `json:"id"`

	// Client binding recorded at authorize time.
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`

	// ClientState is the client's original state parameter, echoed back on
	// the final redirect.
	ClientState string `json:"client_state,omitempty"`

	// PKCEChallenge and PKCEMethod are the client's PKCE commitment.
	PKCEChallenge string `json:"pkce_challenge,omitempty"`
	PKCEMethod    string `json:"pkce_method,omitempty"`

	// RequestedScopes are the provider scopes the client asked for.
	RequestedScopes []string `json:"requested_scopes,omitempty"`

	// Provider names the adapter the handshake runs against.
	Provider string `json:"provider"`

	// UpstreamVerifier is the PKCE verifier we generated for the upstream
	// leg. Encrypted at rest.
	UpstreamVerifier string `json:"upstream_verifier,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthorizationCode is the short-lived record tying a completed provider
// exchange to a subsequent token-endpoint redemption. Keyed by the
// fingerprint of the minted code; the raw code is never stored.
type AuthorizationCode struct {
	// CodeFP is the SHA-256 fingerprint of the raw code.
	CodeFP string `json:"code_fp"`

	// SessionID binds the code to the session established at callback.
	SessionID string `json:"session_id"`

	// ClientID and RedirectURI must match the values used during
	// authorization or redemption fails.
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`

	// PKCEChallenge and PKCEMethod are copied from the state.
	PKCEChallenge string `json:"pkce_challenge,omitempty"`
	PKCEMethod    string `json:"pkce_method,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
}

// ClientRegistration describes an allowed caller. Managed out-of-band.
type ClientRegistration struct {
	ClientID string `json:"client_id" yaml:"client_id"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// RedirectURIs are the allowed redirect targets. Exact match.
	RedirectURIs []string `json:"redirect_uris" yaml:"redirect_uris"`

	// GrantTypes limits the grants the client may use.
	GrantTypes []string `json:"grant_types,omitempty" yaml:"grant_types,omitempty"`

	// AllowedScopes limits the provider scopes the client may request.
	// Empty means no restriction.
	AllowedScopes []string `json:"allowed_scopes,omitempty" yaml:"allowed_scopes,omitempty"`

	// SecretDigest is the SHA-256 hex digest of the client secret, for
	// confidential clients. Empty for public clients.
	SecretDigest string `json:"secret_digest,omitempty" yaml:"secret_digest,omitempty"`
}

// AllowsRedirect reports whether the registration permits the redirect URI.
func (c *ClientRegistration) AllowsRedirect(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// AllowsGrantType reports whether the registration permits the grant type.
// An empty list allows the standard code and refresh grants.
func (c *ClientRegistration) AllowsGrantType(grant string) bool {
	if len(c.GrantTypes) == 0 {
		return grant == "authorization_code" || grant == "refresh_token"
	}
	for _, allowed := range c.GrantTypes {
		if allowed == grant {
			return true
		}
	}
	return false
}

// SweepResult lists the identifiers removed by an expiry sweep.
type SweepResult struct {
	Sessions  []string
	States    []string
	AuthCodes []string
}

// Total returns the number of removed records.
func (r SweepResult) Total() int {
	return len(r.Sessions) + len(r.States) + len(r.AuthCodes)
}

// TokenStore is the persistence protocol. All operations are safe for
// concurrent use. Implementations serialize mutation internally; locks are
// never held across calls that escape the store.
type TokenStore interface {
	// PutSession inserts or replaces a session.
	PutSession(ctx context.Context, session *Session) error

	// GetSessionByTokenFingerprint looks up a session by access-token
	// fingerprint. Returns ErrNotFound or ErrDecrypt.
	GetSessionByTokenFingerprint(ctx context.Context, fp string) (*Session, error)

	// GetSessionByID looks up a session by id.
	GetSessionByID(ctx context.Context, id string) (*Session, error)

	// GetSessionByRefreshFingerprint looks up a session by refresh-token
	// fingerprint.
	GetSessionByRefreshFingerprint(ctx context.Context, fp string) (*Session, error)

	// RotateSessionTokens atomically replaces the token fingerprints of a
	// session. The rotation succeeds only if the stored refresh
	// fingerprint still equals oldRefreshFP; otherwise ErrConflict. The
	// old fingerprints are invalid the instant the new ones are persisted.
	RotateSessionTokens(ctx context.Context, id, oldRefreshFP, newAccessFP, newRefreshFP string,
		expiresAt, idleTimeoutAt time.Time) error

	// TouchSession advances the idle-timeout tripwire. Best effort.
	TouchSession(ctx context.Context, id string, idleTimeoutAt time.Time) error

	// DeleteSession removes a session and its grants.
	DeleteSession(ctx context.Context, id string) error

	// PutState stores a handshake state record.
	PutState(ctx context.Context, state *OAuthState) error

	// ConsumeState atomically reads and deletes a state. Exactly one
	// concurrent caller succeeds; the rest see ErrNotFound. An expired
	// state is deleted and reported as ErrExpired.
	ConsumeState(ctx context.Context, id string) (*OAuthState, error)

	// PutAuthCode stores an authorization code record.
	PutAuthCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthCode atomically reads and deletes a code by fingerprint,
	// with the same single-winner semantics as ConsumeState.
	ConsumeAuthCode(ctx context.Context, codeFP string) (*AuthorizationCode, error)

	// PutClient inserts or replaces a client registration.
	PutClient(ctx context.Context, client *ClientRegistration) error

	// GetClient looks up a client registration.
	GetClient(ctx context.Context, clientID string) (*ClientRegistration, error)

	// ListClients returns all registrations.
	ListClients(ctx context.Context) ([]*ClientRegistration, error)

	// SweepExpired removes expired sessions, states, and codes, returning
	// the identifiers removed.
	SweepExpired(ctx context.Context, now time.Time) (SweepResult, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
