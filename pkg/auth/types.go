// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth provides the per-request identity projection and the
// request-context plumbing the endpoint layer consumes.
package auth

import (
	"slices"
	"time"
)

// UserContext is the per-request identity projection. It is constructed at
// authentication time, cached inside the session, and re-hydrated on each
// request. It is immutable for the life of a session; a refresh produces a
// new UserContext that replaces the old one.
type UserContext struct {
	// UserID is the stable user identifier as asserted by the provider.
	UserID string `json:"user_id"`

	// Name is the display name.
	Name string `json:"name,omitempty"`

	// Email is the user's email address, if the provider asserted one.
	Email string `json:"email,omitempty"`

	// Provider is the name of the provider that authenticated the user.
	Provider string `json:"provider"`

	// IssuedAt is when this context was constructed.
	IssuedAt time.Time `json:"issued_at"`

	// MXCPScopes is the internal entitlement set derived by the scope
	// mapper. Sorted.
	MXCPScopes []string `json:"mxcp_scopes"`

	// ProviderScopesGranted is the provider scope set actually granted.
	ProviderScopesGranted []string `json:"provider_scopes_granted,omitempty"`

	// RawProfile is the restricted subset of the provider profile exposed
	// to policy expressions. It never contains tokens.
	RawProfile map[string]any `json:"raw_profile,omitempty"`
}

// HasScope reports whether the context carries the given MXCP scope.
func (u *UserContext) HasScope(scope string) bool {
	return u != nil && slices.Contains(u.MXCPScopes, scope)
}

// PolicyContext renders the user-context dictionary consumed by the policy
// engine. The shape is part of the external contract.
func (u *UserContext) PolicyContext() map[string]any {
	if u == nil {
		return map[string]any{"anonymous": true}
	}
	return map[string]any{
		"user_id":     u.UserID,
		"name":        u.Name,
		"email":       u.Email,
		"provider":    u.Provider,
		"mxcp_scopes": slices.Clone(u.MXCPScopes),
		"provider_scopes_granted": map[string][]string{
			u.Provider: slices.Clone(u.ProviderScopesGranted),
		},
	}
}

// Clone returns a deep copy. Sessions hand out clones so that callers can
// never mutate the cached context.
func (u *UserContext) Clone() *UserContext {
	if u == nil {
		return nil
	}
	out := *u
	out.MXCPScopes = slices.Clone(u.MXCPScopes)
	out.ProviderScopesGranted = slices.Clone(u.ProviderScopesGranted)
	if u.RawProfile != nil {
		out.RawProfile = make(map[string]any, len(u.RawProfile))
		for k, v := range u.RawProfile {
			out.RawProfile[k] = v
		}
	}
	return &out
}

// ProviderToken is a downstream provider token resolved for a tool
// invocation.
type ProviderToken struct {
	// Provider is the provider that issued the token.
	Provider string

	// Audience is the downstream audience the token was exchanged for.
	// Empty for the provider's own subject token.
	Audience string

	// AccessToken is the raw token. Handle with care; never log.
	AccessToken string

	// ExpiresAt is when the token expires.
	ExpiresAt time.Time
}

// Valid reports whether the token exists and has not expired.
func (t *ProviderToken) Valid() bool {
	return t != nil && t.AccessToken != "" && time.Now().Before(t.ExpiresAt)
}
