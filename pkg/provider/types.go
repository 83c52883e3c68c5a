// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider encapsulates identity-provider network and claim
// semantics behind a uniform adapter interface. Concrete variants cover the
// OAuth code-flow families, OIDC discovery, verifier-only resource-server
// operation, trusted-header proxies, and a deterministic test double.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
)

// maxResponseSize limits provider response bodies (1MB). Provider responses
// are small; anything larger is hostile or broken.
const maxResponseSize = 1 << 20

// ExternalGrantResult carries the outcome of a code exchange, refresh, or
// token exchange against a provider.
type ExternalGrantResult struct {
	// AccessToken is the provider access token.
	AccessToken string

	// RefreshToken is the provider refresh token, if one was issued.
	RefreshToken string

	// IDToken is the raw OIDC ID token, if the provider issued one.
	IDToken string

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time

	// GrantedScopes is the scope set the provider actually granted, which
	// may differ from what was requested.
	GrantedScopes []string

	// RawProfile is an opaque profile blob when the grant already carried
	// identity claims (ID token claims, proxy headers). The caller decides
	// whether to store it.
	RawProfile map[string]any
}

// String implements fmt.Stringer, redacting token material.
func (r *ExternalGrantResult) String() string {
	if r == nil {
		return "ExternalGrantResult(nil)"
	}
	return fmt.Sprintf("ExternalGrantResult(scopes=%v, expires=%s, has_refresh=%t)",
		r.GrantedScopes, r.ExpiresAt.Format(time.RFC3339), r.RefreshToken != "")
}

// ExternalProfile is the provider's view of the user.
type ExternalProfile struct {
	// Subject is the stable user identifier (sub claim or equivalent).
	Subject string

	// Name is the display name.
	Name string

	// Email is the email address, if asserted.
	Email string

	// Claims holds the full normalized claim set. Adapters translate
	// IdP-specific locations (e.g. Keycloak realm_access.roles) into the
	// canonical "groups"/"roles" keys before returning.
	Claims map[string]any
}

// ProviderAdapter is the uniform IdP client interface.
type ProviderAdapter interface {
	// Name returns the stable provider identifier.
	Name() string

	// AuthorizeURL builds the URL to send the user agent to. The stateID
	// is our internal state; pkceChallenge is the S256 challenge for the
	// upstream leg.
	AuthorizeURL(callbackURL, stateID string, scopes []string, pkceChallenge string,
		extra map[string]string) (string, error)

	// ExchangeCode redeems an authorization code.
	ExchangeCode(ctx context.Context, code, callbackURL, pkceVerifier string) (*ExternalGrantResult, error)

	// RefreshToken refreshes the provider grant.
	RefreshToken(ctx context.Context, refreshToken string, scopes []string) (*ExternalGrantResult, error)

	// FetchUserInfo resolves the profile behind an access token.
	FetchUserInfo(ctx context.Context, accessToken string) (*ExternalProfile, error)

	// Revoke revokes a token at the provider. Returns false when the
	// provider has no revocation endpoint.
	Revoke(ctx context.Context, token, hint string) (bool, error)
}

// TokenExchanger is implemented by adapters that support RFC 8693 token
// exchange for downstream audiences.
type TokenExchanger interface {
	ExchangeToken(ctx context.Context, subjectToken, audience, resource string) (*ExternalGrantResult, error)
}

// retryTransient runs op, retrying once on a retriable error with a short
// jittered backoff. Terminal errors pass through untouched.
func retryTransient[T any](ctx context.Context, op func() (T, error)) (T, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		out, err := op()
		if err != nil && !autherr.IsRetriable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(2))
}
