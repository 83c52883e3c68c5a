// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/logger"
)

// OIDCConfig configures an OIDCAdapter.
type OIDCConfig struct {
	// Name is the stable provider identifier.
	Name string

	// IssuerURL is the OIDC issuer; discovery runs against it.
	IssuerURL string

	ClientID     string
	ClientSecret string

	// Scopes defaults to openid/profile/email when empty.
	Scopes []string

	// HTTPClient overrides the client used for discovery and token calls.
	HTTPClient *http.Client
}

// OIDCAdapter implements the code flow against an OIDC provider using
// discovery. ID tokens are verified against the issuer's keyset, and their
// claims become the grant's raw profile.
type OIDCAdapter struct {
	name       string
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	oauth      oauth2.Config
	httpClient *http.Client
}

var _ ProviderAdapter = (*OIDCAdapter)(nil)

// NewOIDCAdapter runs discovery against the issuer and builds the adapter.
func NewOIDCAdapter(ctx context.Context, cfg OIDCConfig) (*OIDCAdapter, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("provider %s: issuer url and client id are required", cfg.Name)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	ctx = oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("provider %s: oidc discovery: %w", cfg.Name, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	logger.Infow("created oidc provider adapter",
		"provider", cfg.Name,
		"issuer", cfg.IssuerURL,
	)

	return &OIDCAdapter{
		name:     cfg.Name,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		httpClient: httpClient,
	}, nil
}

// Name returns the stable provider identifier.
func (a *OIDCAdapter) Name() string { return a.name }

// AuthorizeURL builds the provider authorize URL.
func (a *OIDCAdapter) AuthorizeURL(
	callbackURL, stateID string, scopes []string, pkceChallenge string, extra map[string]string,
) (string, error) {
	if stateID == "" {
		return "", autherr.New(autherr.KindInternal, "state is required")
	}

	conf := a.oauth
	conf.RedirectURL = callbackURL
	if len(scopes) > 0 {
		conf.Scopes = scopes
	}

	opts := []oauth2.AuthCodeOption{}
	if pkceChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", pkceChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	for k, v := range extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return conf.AuthCodeURL(stateID, opts...), nil
}

// ExchangeCode redeems an authorization code and verifies the ID token.
func (a *OIDCAdapter) ExchangeCode(
	ctx context.Context, code, callbackURL, pkceVerifier string,
) (*ExternalGrantResult, error) {
	if code == "" {
		return nil, autherr.New(autherr.KindInvalidGrant, "authorization code is required")
	}

	conf := a.oauth
	conf.RedirectURL = callbackURL

	opts := []oauth2.AuthCodeOption{}
	if pkceVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pkceVerifier))
	}

	ctx = oidc.ClientContext(ctx, a.httpClient)
	return retryTransient(ctx, func() (*ExternalGrantResult, error) {
		token, err := conf.Exchange(ctx, code, opts...)
		if err != nil {
			return nil, classifyOIDCTokenError("code exchange", err)
		}
		return a.grantFromToken(ctx, token)
	})
}

// RefreshToken refreshes the provider grant.
func (a *OIDCAdapter) RefreshToken(
	ctx context.Context, refreshToken string, scopes []string,
) (*ExternalGrantResult, error) {
	if refreshToken == "" {
		return nil, autherr.New(autherr.KindInvalidGrant, "refresh token is required")
	}

	conf := a.oauth
	if len(scopes) > 0 {
		conf.Scopes = scopes
	}

	ctx = oidc.ClientContext(ctx, a.httpClient)
	return retryTransient(ctx, func() (*ExternalGrantResult, error) {
		token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return nil, classifyOIDCTokenError("token refresh", err)
		}
		return a.grantFromToken(ctx, token)
	})
}

// grantFromToken converts the token response, verifying any ID token. A
// token response carrying an ID token that fails verification is treated as
// tamper.
func (a *OIDCAdapter) grantFromToken(ctx context.Context, token *oauth2.Token) (*ExternalGrantResult, error) {
	result := &ExternalGrantResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		for _, s := range strings.Fields(scope) {
			result.GrantedScopes = append(result.GrantedScopes, s)
		}
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return result, nil
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindTamper, "id token verification failed", err)
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, autherr.Wrap(autherr.KindProviderError, "parsing id token claims", err)
	}

	result.IDToken = rawIDToken
	result.RawProfile = claims
	return result, nil
}

// FetchUserInfo resolves the profile via the discovered userinfo endpoint.
func (a *OIDCAdapter) FetchUserInfo(ctx context.Context, accessToken string) (*ExternalProfile, error) {
	ctx = oidc.ClientContext(ctx, a.httpClient)
	return retryTransient(ctx, func() (*ExternalProfile, error) {
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
		info, err := a.provider.UserInfo(ctx, source)
		if err != nil {
			return nil, autherr.Retriable(autherr.KindProviderError, "userinfo failed", err)
		}

		var claims map[string]any
		if err := info.Claims(&claims); err != nil {
			return nil, autherr.Wrap(autherr.KindProviderError, "parsing userinfo claims", err)
		}
		return &ExternalProfile{
			Subject: info.Subject,
			Name:    stringClaim(claims, "name"),
			Email:   info.Email,
			Claims:  claims,
		}, nil
	})
}

// Revoke is a no-op; discovery metadata in go-oidc does not expose the
// revocation endpoint. Deployments that need upstream revocation configure a
// code-flow adapter with an explicit revoke URL.
func (*OIDCAdapter) Revoke(context.Context, string, string) (bool, error) {
	return false, nil
}

// classifyOIDCTokenError mirrors the code-flow classification.
func classifyOIDCTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant":
			return autherr.Wrap(autherr.KindInvalidGrant, op+" rejected by provider", err)
		case "invalid_scope":
			return autherr.Wrap(autherr.KindInvalidScope, op+" rejected by provider", err)
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return autherr.Retriable(autherr.KindProviderError, op+" failed upstream", err)
		}
		return autherr.Wrap(autherr.KindProviderError, op+" failed", err)
	}
	return autherr.Retriable(autherr.KindProviderError, op+" network failure", err)
}
