// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/logger"
)

// Family identifies a code-flow provider family. Families differ only in
// endpoint URLs, scope-string conventions, and profile extraction.
type Family string

// Known code-flow families.
const (
	FamilyGoogle     Family = "google"
	FamilyGitHub     Family = "github"
	FamilyKeycloak   Family = "keycloak"
	FamilyAtlassian  Family = "atlassian"
	FamilySalesforce Family = "salesforce"
	FamilyGeneric    Family = "oauth2"
)

// familyPreset captures what varies between code-flow families.
type familyPreset struct {
	authURL     string
	tokenURL    string
	userInfoURL string
	revokeURL   string

	// scopeSeparator splits the granted-scope string in the token
	// response. Most providers use spaces; GitHub uses commas.
	scopeSeparator string

	// extraAuthParams are appended to every authorize URL.
	extraAuthParams map[string]string

	// profile extracts the canonical profile from a userinfo response.
	profile func(claims map[string]any) *ExternalProfile
}

// oidcStyleProfile reads the standard OIDC userinfo claims.
func oidcStyleProfile(claims map[string]any) *ExternalProfile {
	return &ExternalProfile{
		Subject: stringClaim(claims, "sub"),
		Name:    stringClaim(claims, "name"),
		Email:   stringClaim(claims, "email"),
		Claims:  claims,
	}
}

func presetFor(family Family, issuerURL string) (familyPreset, error) {
	issuer := strings.TrimSuffix(issuerURL, "/")
	switch family {
	case FamilyGoogle:
		return familyPreset{
			authURL:     "https://accounts.google.com/o/oauth2/v2/auth",
			tokenURL:    "https://oauth2.googleapis.com/token",
			userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
			revokeURL:   "https://oauth2.googleapis.com/revoke",
			// Google only issues refresh tokens for offline access.
			extraAuthParams: map[string]string{"access_type": "offline"},
			profile:         oidcStyleProfile,
		}, nil
	case FamilyGitHub:
		return familyPreset{
			authURL:        "https://github.com/login/oauth/authorize",
			tokenURL:       "https://github.com/login/oauth/access_token",
			userInfoURL:    "https://api.github.com/user",
			scopeSeparator: ",",
			profile: func(claims map[string]any) *ExternalProfile {
				// GitHub has no sub claim; the numeric id is the stable
				// identifier, login the fallback display name.
				subject := ""
				if id, ok := claims["id"].(float64); ok {
					subject = strconv.FormatInt(int64(id), 10)
				}
				name := stringClaim(claims, "name")
				if name == "" {
					name = stringClaim(claims, "login")
				}
				return &ExternalProfile{
					Subject: subject,
					Name:    name,
					Email:   stringClaim(claims, "email"),
					Claims:  claims,
				}
			},
		}, nil
	case FamilyKeycloak:
		if issuer == "" {
			return familyPreset{}, fmt.Errorf("keycloak family requires an issuer url")
		}
		return familyPreset{
			authURL:     issuer + "/protocol/openid-connect/auth",
			tokenURL:    issuer + "/protocol/openid-connect/token",
			userInfoURL: issuer + "/protocol/openid-connect/userinfo",
			revokeURL:   issuer + "/protocol/openid-connect/revoke",
			profile: func(claims map[string]any) *ExternalProfile {
				p := oidcStyleProfile(normalizeKeycloakClaims(claims))
				return p
			},
		}, nil
	case FamilyAtlassian:
		return familyPreset{
			authURL:     "https://auth.atlassian.com/authorize",
			tokenURL:    "https://auth.atlassian.com/oauth/token",
			userInfoURL: "https://api.atlassian.com/me",
			extraAuthParams: map[string]string{
				"audience": "api.atlassian.com",
				"prompt":   "consent",
			},
			profile: func(claims map[string]any) *ExternalProfile {
				return &ExternalProfile{
					Subject: stringClaim(claims, "account_id"),
					Name:    stringClaim(claims, "name"),
					Email:   stringClaim(claims, "email"),
					Claims:  claims,
				}
			},
		}, nil
	case FamilySalesforce:
		if issuer == "" {
			issuer = "https://login.salesforce.com"
		}
		return familyPreset{
			authURL:     issuer + "/services/oauth2/authorize",
			tokenURL:    issuer + "/services/oauth2/token",
			userInfoURL: issuer + "/services/oauth2/userinfo",
			revokeURL:   issuer + "/services/oauth2/revoke",
			profile: func(claims map[string]any) *ExternalProfile {
				subject := stringClaim(claims, "user_id")
				if subject == "" {
					subject = stringClaim(claims, "sub")
				}
				return &ExternalProfile{
					Subject: subject,
					Name:    stringClaim(claims, "name"),
					Email:   stringClaim(claims, "email"),
					Claims:  claims,
				}
			},
		}, nil
	case FamilyGeneric:
		return familyPreset{profile: oidcStyleProfile}, nil
	default:
		return familyPreset{}, fmt.Errorf("unknown provider family %q", family)
	}
}

// normalizeKeycloakClaims lifts Keycloak role locations into the canonical
// "roles" key. realm_access.roles and every resource_access.<client>.roles
// entry are merged.
func normalizeKeycloakClaims(claims map[string]any) map[string]any {
	roles := asStringSlice(claims["roles"])
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		roles = append(roles, asStringSlice(realm["roles"])...)
	}
	if resources, ok := claims["resource_access"].(map[string]any); ok {
		for _, entry := range resources {
			if client, ok := entry.(map[string]any); ok {
				roles = append(roles, asStringSlice(client["roles"])...)
			}
		}
	}
	if len(roles) == 0 {
		return claims
	}

	out := make(map[string]any, len(claims)+1)
	for k, v := range claims {
		out[k] = v
	}
	out["roles"] = dedupe(roles)
	return out
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

func asStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// CodeFlowConfig configures a CodeFlowAdapter.
type CodeFlowConfig struct {
	// Name is the stable provider identifier.
	Name string

	// Family selects the endpoint and extraction preset.
	Family Family

	// IssuerURL is required for issuer-relative families (keycloak) and
	// optional for salesforce.
	IssuerURL string

	ClientID     string
	ClientSecret string

	// Endpoints override the preset, for the generic family or unusual
	// deployments.
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	RevokeURL   string

	// HTTPClient overrides the client used for provider calls.
	HTTPClient *http.Client
}

// CodeFlowAdapter implements the authorization-code flow for a provider
// family on top of the x/oauth2 transport.
type CodeFlowAdapter struct {
	name       string
	family     Family
	preset     familyPreset
	clientID   string
	secret     string
	httpClient *http.Client
}

var _ ProviderAdapter = (*CodeFlowAdapter)(nil)

// NewCodeFlowAdapter creates an adapter for a code-flow family.
func NewCodeFlowAdapter(cfg CodeFlowConfig) (*CodeFlowAdapter, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("provider %s: client id is required", cfg.Name)
	}

	preset, err := presetFor(cfg.Family, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}
	if cfg.AuthURL != "" {
		preset.authURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		preset.tokenURL = cfg.TokenURL
	}
	if cfg.UserInfoURL != "" {
		preset.userInfoURL = cfg.UserInfoURL
	}
	if cfg.RevokeURL != "" {
		preset.revokeURL = cfg.RevokeURL
	}
	if preset.authURL == "" || preset.tokenURL == "" {
		return nil, fmt.Errorf("provider %s: authorization and token endpoints are required", cfg.Name)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	logger.Infow("created code-flow provider adapter",
		"provider", cfg.Name,
		"family", string(cfg.Family),
	)

	return &CodeFlowAdapter{
		name:       cfg.Name,
		family:     cfg.Family,
		preset:     preset,
		clientID:   cfg.ClientID,
		secret:     cfg.ClientSecret,
		httpClient: httpClient,
	}, nil
}

// Name returns the stable provider identifier.
func (a *CodeFlowAdapter) Name() string { return a.name }

// oauthConfig builds the per-call x/oauth2 config. The redirect URL varies
// per call because the gateway may serve several public hosts.
func (a *CodeFlowAdapter) oauthConfig(callbackURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.secret,
		RedirectURL:  callbackURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  a.preset.authURL,
			TokenURL: a.preset.tokenURL,
		},
	}
}

// AuthorizeURL builds the provider authorize URL.
func (a *CodeFlowAdapter) AuthorizeURL(
	callbackURL, stateID string, scopes []string, pkceChallenge string, extra map[string]string,
) (string, error) {
	if stateID == "" {
		return "", autherr.New(autherr.KindInternal, "state is required")
	}

	opts := []oauth2.AuthCodeOption{}
	if pkceChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", pkceChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	for k, v := range a.preset.extraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	for k, v := range extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return a.oauthConfig(callbackURL, scopes).AuthCodeURL(stateID, opts...), nil
}

// ExchangeCode redeems an authorization code at the provider.
func (a *CodeFlowAdapter) ExchangeCode(
	ctx context.Context, code, callbackURL, pkceVerifier string,
) (*ExternalGrantResult, error) {
	if code == "" {
		return nil, autherr.New(autherr.KindInvalidGrant, "authorization code is required")
	}

	opts := []oauth2.AuthCodeOption{}
	if pkceVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pkceVerifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	return retryTransient(ctx, func() (*ExternalGrantResult, error) {
		token, err := a.oauthConfig(callbackURL, nil).Exchange(ctx, code, opts...)
		if err != nil {
			return nil, a.classifyTokenError("code exchange", err)
		}
		return a.grantFromToken(token), nil
	})
}

// RefreshToken refreshes the provider grant.
func (a *CodeFlowAdapter) RefreshToken(
	ctx context.Context, refreshToken string, scopes []string,
) (*ExternalGrantResult, error) {
	if refreshToken == "" {
		return nil, autherr.New(autherr.KindInvalidGrant, "refresh token is required")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	return retryTransient(ctx, func() (*ExternalGrantResult, error) {
		source := a.oauthConfig("", scopes).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		token, err := source.Token()
		if err != nil {
			return nil, a.classifyTokenError("token refresh", err)
		}
		return a.grantFromToken(token), nil
	})
}

// grantFromToken converts an x/oauth2 token into a grant result.
func (a *CodeFlowAdapter) grantFromToken(token *oauth2.Token) *ExternalGrantResult {
	result := &ExternalGrantResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		result.IDToken = idToken
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		sep := a.preset.scopeSeparator
		if sep == "" {
			sep = " "
		}
		for _, s := range strings.Split(scope, sep) {
			if s = strings.TrimSpace(s); s != "" {
				result.GrantedScopes = append(result.GrantedScopes, s)
			}
		}
	}
	return result
}

// classifyTokenError translates transport and OAuth errors into the adapter
// taxonomy. Provider 5xx and network failures are retriable; 4xx responses
// are terminal.
func (a *CodeFlowAdapter) classifyTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant":
			return autherr.Wrap(autherr.KindInvalidGrant, op+" rejected by provider", err)
		case "invalid_scope":
			return autherr.Wrap(autherr.KindInvalidScope, op+" rejected by provider", err)
		case "access_denied":
			return autherr.Wrap(autherr.KindAccessDenied, op+" denied by provider", err)
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return autherr.Retriable(autherr.KindProviderError, op+" failed upstream", err)
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusUnauthorized {
			return autherr.Wrap(autherr.KindUnauthorized, op+" not authorized", err)
		}
		return autherr.Wrap(autherr.KindProviderError, op+" failed", err)
	}
	return autherr.Retriable(autherr.KindProviderError, op+" network failure", err)
}

// FetchUserInfo resolves the profile behind an access token.
func (a *CodeFlowAdapter) FetchUserInfo(ctx context.Context, accessToken string) (*ExternalProfile, error) {
	if a.preset.userInfoURL == "" {
		return nil, autherr.New(autherr.KindProviderError, "provider has no userinfo endpoint")
	}

	return retryTransient(ctx, func() (*ExternalProfile, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.preset.userInfoURL, nil)
		if err != nil {
			return nil, autherr.Wrap(autherr.KindInternal, "building userinfo request", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, autherr.Retriable(autherr.KindProviderError, "userinfo network failure", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, autherr.Retriable(autherr.KindProviderError, "reading userinfo response", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, autherr.New(autherr.KindUnauthorized, "userinfo rejected the access token")
		case resp.StatusCode >= 500:
			return nil, autherr.Retriable(autherr.KindProviderError,
				"userinfo failed with status "+strconv.Itoa(resp.StatusCode), nil)
		case resp.StatusCode != http.StatusOK:
			return nil, autherr.New(autherr.KindProviderError,
				"userinfo failed with status "+strconv.Itoa(resp.StatusCode))
		}

		var claims map[string]any
		if err := json.Unmarshal(body, &claims); err != nil {
			return nil, autherr.Wrap(autherr.KindProviderError, "decoding userinfo response", err)
		}
		return a.preset.profile(claims), nil
	})
}

// Revoke revokes a token at the provider, if it has a revocation endpoint.
func (a *CodeFlowAdapter) Revoke(ctx context.Context, token, hint string) (bool, error) {
	if a.preset.revokeURL == "" {
		return false, nil
	}

	form := url.Values{"token": {token}}
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	form.Set("client_id", a.clientID)
	if a.secret != "" {
		form.Set("client_secret", a.secret)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, a.preset.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, autherr.Wrap(autherr.KindInternal, "building revoke request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false, autherr.Retriable(autherr.KindProviderError, "revoke network failure", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	// RFC 7009: 200 means revoked or already invalid.
	return resp.StatusCode == http.StatusOK, nil
}
