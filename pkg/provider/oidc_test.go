// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOIDCAdapterEndToEnd(t *testing.T) {
	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	m.QueueUser(&mockoidc.MockUser{
		Subject:           "u-1",
		Email:             "alice@example.com",
		PreferredUsername: "alice",
	})

	adapter, err := NewOIDCAdapter(t.Context(), OIDCConfig{
		Name:         "mock",
		IssuerURL:    m.Issuer(),
		ClientID:     m.ClientID,
		ClientSecret: m.ClientSecret,
	})
	require.NoError(t, err)
	assert.Equal(t, "mock", adapter.Name())

	callback := "http://gateway.local/auth/callback"
	authorizeURL, err := adapter.AuthorizeURL(callback, "state-1", nil, "", nil)
	require.NoError(t, err)

	// Drive the mock IdP's authorize endpoint directly to obtain a code.
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(authorizeURL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	redirect, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "state-1", redirect.Query().Get("state"))

	grant, err := adapter.ExchangeCode(t.Context(), code, callback, "")
	require.NoError(t, err)
	assert.NotEmpty(t, grant.AccessToken)
	assert.NotEmpty(t, grant.IDToken)
	require.NotNil(t, grant.RawProfile)
	assert.Equal(t, "u-1", grant.RawProfile["sub"])
}

func TestOIDCAdapterConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewOIDCAdapter(t.Context(), OIDCConfig{Name: "x"})
	assert.Error(t, err)
}
