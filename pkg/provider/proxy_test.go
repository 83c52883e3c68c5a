// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/config"
)

func proxyConfig() config.Proxy {
	return config.Proxy{
		UserIDHeader:        "X-Auth-User",
		NameHeader:          "X-Auth-Name",
		EmailHeader:         "X-Auth-Email",
		GroupsHeader:        "X-Auth-Groups",
		RolesHeader:         "X-Auth-Roles",
		UpstreamTokenHeader: "X-Auth-Token",
		Signature: config.ProxySignature{
			Header:    "X-Auth-Signature",
			SecretRef: "inline:proxy-secret",
			Algorithm: "hmac-sha256",
		},
	}
}

func newProxyAdapter(t *testing.T) *ProxyAdapter {
	t.Helper()
	adapter, err := NewProxyAdapter(proxyConfig(), func() string { return "proxy-secret" })
	require.NoError(t, err)
	return adapter
}

func signedHeaders(a *ProxyAdapter) http.Header {
	h := http.Header{}
	h.Set("X-Auth-User", "u-1")
	h.Set("X-Auth-Name", "Alice")
	h.Set("X-Auth-Email", "alice@example.com")
	h.Set("X-Auth-Groups", "admins, engineers")
	h.Set("X-Auth-Roles", "operator")
	h.Set("X-Auth-Token", "upstream-token")
	h.Set("X-Auth-Signature", a.SignHeaders(h))
	return h
}

func TestProxyAuthenticate(t *testing.T) {
	t.Parallel()
	adapter := newProxyAdapter(t)

	grant, profile, err := adapter.Authenticate(t.Context(), signedHeaders(adapter))
	require.NoError(t, err)

	assert.Equal(t, "u-1", profile.Subject)
	assert.Equal(t, "Alice", profile.Name)
	assert.Equal(t, "alice@example.com", profile.Email)
	assert.Equal(t, []string{"admins", "engineers"}, profile.Claims["groups"])
	assert.Equal(t, []string{"operator"}, profile.Claims["roles"])
	assert.Equal(t, "upstream-token", grant.AccessToken)
}

func TestProxyTamperedHeaderRejected(t *testing.T) {
	t.Parallel()
	adapter := newProxyAdapter(t)

	h := signedHeaders(adapter)
	h.Set("X-Auth-User", "someone-else")

	_, _, err := adapter.Authenticate(t.Context(), h)
	assert.True(t, autherr.Is(err, autherr.KindTamper))
}

func TestProxyMissingSignature(t *testing.T) {
	t.Parallel()
	adapter := newProxyAdapter(t)

	h := http.Header{}
	h.Set("X-Auth-User", "u-1")

	_, _, err := adapter.Authenticate(t.Context(), h)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))
}

func TestProxyWrongSecret(t *testing.T) {
	t.Parallel()
	adapter := newProxyAdapter(t)

	other, err := NewProxyAdapter(proxyConfig(), func() string { return "different-secret" })
	require.NoError(t, err)

	_, _, err = other.Authenticate(t.Context(), signedHeaders(adapter))
	assert.True(t, autherr.Is(err, autherr.KindTamper))
}

func TestProxyHasCredential(t *testing.T) {
	t.Parallel()
	adapter := newProxyAdapter(t)

	h := http.Header{}
	assert.False(t, adapter.HasCredential(h))
	h.Set("X-Auth-User", "u-1")
	assert.True(t, adapter.HasCredential(h))
}
