// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"net/url"
	"time"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
)

// Deterministic values accepted and issued by the test double.
const (
	// TestCodeOK is the only authorization code the test adapter accepts.
	TestCodeOK = "TEST_CODE_OK"

	// TestAccessToken and TestRefreshToken are the tokens it issues.
	TestAccessToken  = "test-access-token"
	TestRefreshToken = "test-refresh-token"
)

// TestAdapter is a deterministic in-process double for flow tests. It
// accepts exactly one code, issues fixed tokens, and never touches the
// network.
type TestAdapter struct {
	// Subject, UserName, Email, Groups seed the profile. Zero values get
	// defaults.
	Subject  string
	UserName string
	Email    string
	Groups   []string

	// GrantedScopes is the scope set reported as granted.
	GrantedScopes []string
}

var (
	_ ProviderAdapter = (*TestAdapter)(nil)
	_ TokenExchanger  = (*TestAdapter)(nil)
)

// NewTestAdapter creates a test double with default identity values.
func NewTestAdapter() *TestAdapter {
	return &TestAdapter{
		Subject:       "test-user",
		UserName:      "Test User",
		Email:         "test-user@example.com",
		Groups:        []string{"testers"},
		GrantedScopes: []string{"openid", "profile"},
	}
}

// Name returns "test".
func (*TestAdapter) Name() string { return "test" }

// AuthorizeURL returns a synthetic authorize URL carrying the state.
func (a *TestAdapter) AuthorizeURL(
	callbackURL, stateID string, _ []string, pkceChallenge string, _ map[string]string,
) (string, error) {
	params := url.Values{
		"response_type": {"code"},
		"state":         {stateID},
		"redirect_uri":  {callbackURL},
	}
	if pkceChallenge != "" {
		params.Set("code_challenge", pkceChallenge)
	}
	return "https://test.invalid/authorize?" + params.Encode(), nil
}

// ExchangeCode accepts TestCodeOK and rejects everything else.
func (a *TestAdapter) ExchangeCode(
	_ context.Context, code, _, _ string,
) (*ExternalGrantResult, error) {
	if code != TestCodeOK {
		return nil, autherr.New(autherr.KindInvalidGrant, "unknown authorization code")
	}
	return a.grant(TestAccessToken), nil
}

// RefreshToken accepts the refresh token it issued.
func (a *TestAdapter) RefreshToken(
	_ context.Context, refreshToken string, _ []string,
) (*ExternalGrantResult, error) {
	if refreshToken != TestRefreshToken {
		return nil, autherr.New(autherr.KindInvalidGrant, "unknown refresh token")
	}
	return a.grant("test-access-token-refreshed"), nil
}

// FetchUserInfo returns the fixed profile for tokens it issued.
func (a *TestAdapter) FetchUserInfo(_ context.Context, accessToken string) (*ExternalProfile, error) {
	if accessToken != TestAccessToken && accessToken != "test-access-token-refreshed" {
		return nil, autherr.New(autherr.KindUnauthorized, "unknown access token")
	}
	return &ExternalProfile{
		Subject: a.Subject,
		Name:    a.UserName,
		Email:   a.Email,
		Claims:  a.claims(),
	}, nil
}

// Revoke always succeeds.
func (*TestAdapter) Revoke(context.Context, string, string) (bool, error) {
	return true, nil
}

// ExchangeToken issues a deterministic audience-scoped token.
func (a *TestAdapter) ExchangeToken(
	_ context.Context, subjectToken, audience, _ string,
) (*ExternalGrantResult, error) {
	if subjectToken == "" || audience == "" {
		return nil, autherr.New(autherr.KindInvalidRequest, "subject token and audience are required")
	}
	return &ExternalGrantResult{
		AccessToken:   "test-exchanged-token-" + audience,
		ExpiresAt:     time.Now().Add(time.Hour),
		GrantedScopes: a.GrantedScopes,
	}, nil
}

func (a *TestAdapter) grant(accessToken string) *ExternalGrantResult {
	return &ExternalGrantResult{
		AccessToken:   accessToken,
		RefreshToken:  TestRefreshToken,
		ExpiresAt:     time.Now().Add(time.Hour),
		GrantedScopes: append([]string(nil), a.GrantedScopes...),
		RawProfile:    a.claims(),
	}
}

func (a *TestAdapter) claims() map[string]any {
	groups := make([]any, 0, len(a.Groups))
	for _, g := range a.Groups {
		groups = append(groups, g)
	}
	return map[string]any{
		"sub":    a.Subject,
		"name":   a.UserName,
		"email":  a.Email,
		"groups": groups,
	}
}
