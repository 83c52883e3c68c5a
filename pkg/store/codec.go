// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mxcp/mxcp-auth/pkg/auth"
)

// sessionEnvelope is the wire form of a session record. Identifiers,
// fingerprints, timestamps, and scope lists stay plaintext so backends can
// index and sweep without the key. Provider grants and the raw profile are
// sealed.
type sessionEnvelope struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	AccessTokenFP  string    `json:"access_token_fp"`
	RefreshTokenFP string    `json:"refresh_token_fp,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IdleTimeoutAt  time.Time `json:"idle_timeout_at"`
	UserID         string    `json:"user_id,omitempty"`
	UserName       string    `json:"user_name,omitempty"`
	UserEmail      string    `json:"user_email,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	UserIssuedAt   time.Time `json:"user_issued_at,omitempty"`
	MXCPScopes     []string  `json:"mxcp_scopes,omitempty"`
	ProviderScopes []string  `json:"provider_scopes,omitempty"`
	Sealed         []byte    `json:"sealed,omitempty"`
}

// sessionSecrets is the sealed portion of a session envelope.
type sessionSecrets struct {
	Grants     map[string]*ProviderGrant `json:"grants,omitempty"`
	RawProfile map[string]any            `json:"raw_profile,omitempty"`
}

// MarshalSession encodes a session for persistence, sealing the grant
// material and raw profile with the cipher.
func MarshalSession(cipher *Cipher, session *Session) ([]byte, error) {
	envelope := sessionEnvelope{
		ID:             session.ID,
		ClientID:       session.ClientID,
		AccessTokenFP:  session.AccessTokenFP,
		RefreshTokenFP: session.RefreshTokenFP,
		IssuedAt:       session.IssuedAt,
		ExpiresAt:      session.ExpiresAt,
		IdleTimeoutAt:  session.IdleTimeoutAt,
		MXCPScopes:     session.MXCPScopes,
	}
	if session.User != nil {
		envelope.UserID = session.User.UserID
		envelope.UserName = session.User.Name
		envelope.UserEmail = session.User.Email
		envelope.Provider = session.User.Provider
		envelope.UserIssuedAt = session.User.IssuedAt
		envelope.ProviderScopes = session.User.ProviderScopesGranted
	}

	secrets := sessionSecrets{Grants: session.Grants}
	if session.User != nil {
		secrets.RawProfile = session.User.RawProfile
	}
	if len(secrets.Grants) > 0 || len(secrets.RawProfile) > 0 {
		sealed, err := cipher.EncryptJSON(secrets)
		if err != nil {
			return nil, fmt.Errorf("sealing session secrets: %w", err)
		}
		envelope.Sealed = sealed
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling session envelope: %w", err)
	}
	return data, nil
}

// UnmarshalSession decodes a persisted session, opening the sealed portion.
// A failed open surfaces as ErrDecrypt.
func UnmarshalSession(cipher *Cipher, data []byte) (*Session, error) {
	var envelope sessionEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshaling session envelope: %w", err)
	}

	session := &Session{
		ID:             envelope.ID,
		ClientID:       envelope.ClientID,
		AccessTokenFP:  envelope.AccessTokenFP,
		RefreshTokenFP: envelope.RefreshTokenFP,
		IssuedAt:       envelope.IssuedAt,
		ExpiresAt:      envelope.ExpiresAt,
		IdleTimeoutAt:  envelope.IdleTimeoutAt,
		MXCPScopes:     envelope.MXCPScopes,
	}
	if envelope.UserID != "" || envelope.Provider != "" {
		session.User = &auth.UserContext{
			UserID:                envelope.UserID,
			Name:                  envelope.UserName,
			Email:                 envelope.UserEmail,
			Provider:              envelope.Provider,
			IssuedAt:              envelope.UserIssuedAt,
			MXCPScopes:            envelope.MXCPScopes,
			ProviderScopesGranted: envelope.ProviderScopes,
		}
	}

	if len(envelope.Sealed) > 0 {
		var secrets sessionSecrets
		if err := cipher.DecryptJSON(envelope.Sealed, &secrets); err != nil {
			return nil, err
		}
		session.Grants = secrets.Grants
		if session.User != nil {
			session.User.RawProfile = secrets.RawProfile
		}
	}
	return session, nil
}

// stateEnvelope is the wire form of a handshake state. The upstream PKCE
// verifier is the only secret and is sealed.
type stateEnvelope struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	RedirectURI     string    `json:"redirect_uri"`
	ClientState     string    `json:"client_state,omitempty"`
	PKCEChallenge   string    `json:"pkce_challenge,omitempty"`
	PKCEMethod      string    `json:"pkce_method,omitempty"`
	RequestedScopes []string  `json:"requested_scopes,omitempty"`
	Provider        string    `json:"provider"`
	SealedVerifier  []byte    `json:"sealed_verifier,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// MarshalState encodes a handshake state, sealing the upstream verifier.
func MarshalState(cipher *Cipher, state *OAuthState) ([]byte, error) {
	envelope := stateEnvelope{
		ID:              state.ID,
		ClientID:        state.ClientID,
		RedirectURI:     state.RedirectURI,
		ClientState:     state.ClientState,
		PKCEChallenge:   state.PKCEChallenge,
		PKCEMethod:      state.PKCEMethod,
		RequestedScopes: state.RequestedScopes,
		Provider:        state.Provider,
		CreatedAt:       state.CreatedAt,
		ExpiresAt:       state.ExpiresAt,
	}
	if state.UpstreamVerifier != "" {
		sealed, err := cipher.Encrypt([]byte(state.UpstreamVerifier))
		if err != nil {
			return nil, fmt.Errorf("sealing upstream verifier: %w", err)
		}
		envelope.SealedVerifier = sealed
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling state envelope: %w", err)
	}
	return data, nil
}

// UnmarshalState decodes a persisted handshake state.
func UnmarshalState(cipher *Cipher, data []byte) (*OAuthState, error) {
	var envelope stateEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshaling state envelope: %w", err)
	}

	state := &OAuthState{
		ID:              envelope.ID,
		ClientID:        envelope.ClientID,
		RedirectURI:     envelope.RedirectURI,
		ClientState:     envelope.ClientState,
		PKCEChallenge:   envelope.PKCEChallenge,
		PKCEMethod:      envelope.PKCEMethod,
		RequestedScopes: envelope.RequestedScopes,
		Provider:        envelope.Provider,
		CreatedAt:       envelope.CreatedAt,
		ExpiresAt:       envelope.ExpiresAt,
	}
	if len(envelope.SealedVerifier) > 0 {
		verifier, err := cipher.Decrypt(envelope.SealedVerifier)
		if err != nil {
			return nil, err
		}
		state.UpstreamVerifier = string(verifier)
	}
	return state, nil
}
