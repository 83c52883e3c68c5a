// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package exchange obtains downstream provider tokens on demand via OAuth
// 2.0 Token Exchange (RFC 8693), deduplicating concurrent requests and
// persisting results inside the session.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/logger"
	"github.com/mxcp/mxcp-auth/pkg/provider"
)

const (
	// grantTypeTokenExchange is the OAuth 2.0 Token Exchange grant type (RFC 8693).
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	// tokenTypeAccessToken indicates an OAuth 2.0 access token.
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// maxResponseBodySize limits exchange response bodies (1 MB).
	maxResponseBodySize = 1 << 20

	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"
)

// oAuthError is an OAuth 2.0 error response per RFC 6749 Section 5.2.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oAuthError) String() string {
	if e.ErrorURI != "" {
		return fmt.Sprintf("OAuth error %q (status %d): see %s", e.Error, e.StatusCode, e.ErrorURI)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Error, e.StatusCode)
}

// parseOAuthError attempts to parse an OAuth error response body.
func parseOAuthError(statusCode int, body []byte) *oAuthError {
	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return nil
	}
	if oauthErr.Error == "" {
		return nil
	}
	oauthErr.StatusCode = statusCode
	return &oauthErr
}

// exchangeRequest carries the RFC 8693 request fields.
type exchangeRequest struct {
	SubjectToken string
	Audience     string
	Resource     string
	Scope        []string
}

// String implements fmt.Stringer, redacting the subject token.
func (r exchangeRequest) String() string {
	subjectToken := redactedPlaceholder
	if r.SubjectToken == "" {
		subjectToken = emptyPlaceholder
	}
	return fmt.Sprintf("exchangeRequest{Audience: %s, Resource: %s, Scope: %v, SubjectToken: %s}",
		r.Audience, r.Resource, r.Scope, subjectToken)
}

// exchangeResponse decodes the token endpoint response.
type exchangeResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
}

// String implements fmt.Stringer, redacting the access token.
func (r exchangeResponse) String() string {
	accessToken := redactedPlaceholder
	if r.AccessToken == "" {
		accessToken = emptyPlaceholder
	}
	return fmt.Sprintf("exchangeResponse{AccessToken: %s, TokenType: %s, ExpiresIn: %d}",
		accessToken, r.TokenType, r.ExpiresIn)
}

// ClientConfig configures an RFC 8693 exchange client for one provider.
type ClientConfig struct {
	// TokenURL is the token endpoint that understands the exchange grant.
	TokenURL string

	// ClientID identifies us to the provider.
	ClientID string

	// ClientSecret returns the current client secret. Indirection keeps
	// hot-reloaded secrets live.
	ClientSecret func() string

	// Scopes to request on exchanged tokens.
	Scopes []string

	// HTTPClient overrides the transport.
	HTTPClient *http.Client
}

// Client performs RFC 8693 token exchange against a provider's token
// endpoint. It implements provider.TokenExchanger.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

var _ provider.TokenExchanger = (*Client)(nil)

// NewClient validates the config and builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if _, err := url.Parse(cfg.TokenURL); err != nil {
		return nil, fmt.Errorf("token url is not valid: %w", err)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.ClientSecret == nil {
		cfg.ClientSecret = func() string { return "" }
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: httpClient}, nil
}

// ExchangeToken swaps a subject token for a downstream token scoped to the
// audience.
func (c *Client) ExchangeToken(
	ctx context.Context, subjectToken, audience, resource string,
) (*provider.ExternalGrantResult, error) {
	if subjectToken == "" {
		return nil, autherr.New(autherr.KindInvalidRequest, "subject token is required")
	}

	request := exchangeRequest{
		SubjectToken: subjectToken,
		Audience:     audience,
		Resource:     resource,
		Scope:        c.cfg.Scopes,
	}
	logger.Debugw("performing token exchange", "request", request.String())

	data := url.Values{
		"grant_type":           {grantTypeTokenExchange},
		"subject_token":        {request.SubjectToken},
		"subject_token_type":   {tokenTypeAccessToken},
		"requested_token_type": {tokenTypeAccessToken},
	}
	if request.Audience != "" {
		data.Set("audience", request.Audience)
	}
	if request.Resource != "" {
		data.Set("resource", request.Resource)
	}
	if len(request.Scope) > 0 {
		data.Set("scope", strings.Join(request.Scope, " "))
	}

	encoded := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(encoded))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "building token exchange request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))

	// Client credentials go via HTTP Basic Auth per RFC 6749 Section
	// 2.3.1; both values must be URL-encoded first.
	if secret := c.cfg.ClientSecret(); secret != "" {
		req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(secret))
	} else {
		data.Set("client_id", c.cfg.ClientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, autherr.Retriable(autherr.KindProviderError, "token exchange request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, autherr.Retriable(autherr.KindProviderError, "reading token exchange response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if oauthErr := parseOAuthError(resp.StatusCode, body); oauthErr != nil {
			logger.Debugw("token exchange rejected", "error", oauthErr.String())
			kind := autherr.KindProviderError
			if oauthErr.Error == "invalid_grant" || oauthErr.Error == "invalid_request" {
				kind = autherr.KindInvalidGrant
			}
			return nil, autherr.New(kind, oauthErr.String())
		}
		if resp.StatusCode >= 500 {
			return nil, autherr.Retriable(autherr.KindProviderError,
				"token exchange failed with status "+strconv.Itoa(resp.StatusCode), nil)
		}
		return nil, autherr.New(autherr.KindProviderError,
			"token exchange failed with status "+strconv.Itoa(resp.StatusCode))
	}

	var tokenResp exchangeResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, autherr.New(autherr.KindProviderError, "failed to parse token exchange response")
	}
	if tokenResp.AccessToken == "" {
		return nil, autherr.New(autherr.KindProviderError, "token exchange returned empty access_token")
	}
	if tokenResp.IssuedTokenType == "" {
		return nil, autherr.New(autherr.KindProviderError,
			"token exchange returned empty issued_token_type (required by RFC 8693)")
	}
	logger.Debugw("token exchange succeeded", "response", tokenResp.String())

	result := &provider.ExternalGrantResult{AccessToken: tokenResp.AccessToken}
	if tokenResp.ExpiresIn > 0 {
		result.ExpiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	if tokenResp.Scope != "" {
		result.GrantedScopes = strings.Fields(tokenResp.Scope)
	}
	return result, nil
}
