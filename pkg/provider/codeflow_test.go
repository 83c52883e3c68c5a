// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
)

func TestAuthorizeURLPerFamily(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       CodeFlowConfig
		wantHost  string
		wantParam map[string]string
	}{
		{
			name:     "google adds offline access",
			cfg:      CodeFlowConfig{Name: "google", Family: FamilyGoogle, ClientID: "cid"},
			wantHost: "accounts.google.com",
			wantParam: map[string]string{
				"access_type":           "offline",
				"code_challenge_method": "S256",
			},
		},
		{
			name:     "atlassian adds audience",
			cfg:      CodeFlowConfig{Name: "jira", Family: FamilyAtlassian, ClientID: "cid"},
			wantHost: "auth.atlassian.com",
			wantParam: map[string]string{
				"audience": "api.atlassian.com",
				"prompt":   "consent",
			},
		},
		{
			name: "keycloak builds issuer relative endpoints",
			cfg: CodeFlowConfig{
				Name: "kc", Family: FamilyKeycloak, ClientID: "cid",
				IssuerURL: "https://kc.example.com/realms/acme",
			},
			wantHost:  "kc.example.com",
			wantParam: map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			adapter, err := NewCodeFlowAdapter(tt.cfg)
			require.NoError(t, err)

			raw, err := adapter.AuthorizeURL(
				"https://gw.example.com/auth/callback", "state-1",
				[]string{"openid"}, "challenge", map[string]string{"login_hint": "x"})
			require.NoError(t, err)

			u, err := url.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, u.Host)
			q := u.Query()
			assert.Equal(t, "state-1", q.Get("state"))
			assert.Equal(t, "challenge", q.Get("code_challenge"))
			assert.Equal(t, "x", q.Get("login_hint"))
			for k, v := range tt.wantParam {
				assert.Equal(t, v, q.Get(k), "param %s", k)
			}
		})
	}
}

func TestExchangeCodeParsesGrantedScopes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "verifier-1", r.Form.Get("code_verifier"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "read:user,repo",
		})
	}))
	t.Cleanup(srv.Close)

	adapter, err := NewCodeFlowAdapter(CodeFlowConfig{
		Name: "github", Family: FamilyGitHub, ClientID: "cid", ClientSecret: "secret",
		TokenURL: srv.URL,
	})
	require.NoError(t, err)

	grant, err := adapter.ExchangeCode(t.Context(), "code-1", "https://gw.example.com/cb", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", grant.AccessToken)
	assert.Equal(t, "rt-1", grant.RefreshToken)
	// GitHub reports granted scopes comma separated.
	assert.Equal(t, []string{"read:user", "repo"}, grant.GrantedScopes)
	assert.False(t, grant.ExpiresAt.IsZero())
}

func TestExchangeCodeInvalidGrant(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	t.Cleanup(srv.Close)

	adapter, err := NewCodeFlowAdapter(CodeFlowConfig{
		Name: "generic", Family: FamilyGeneric, ClientID: "cid",
		AuthURL: srv.URL + "/auth", TokenURL: srv.URL,
	})
	require.NoError(t, err)

	_, err = adapter.ExchangeCode(t.Context(), "bad-code", "https://gw.example.com/cb", "")
	assert.True(t, autherr.Is(err, autherr.KindInvalidGrant))
	assert.False(t, autherr.IsRetriable(err))
}

func TestExchangeCodeRetriesServerErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	t.Cleanup(srv.Close)

	adapter, err := NewCodeFlowAdapter(CodeFlowConfig{
		Name: "generic", Family: FamilyGeneric, ClientID: "cid",
		AuthURL: srv.URL + "/auth", TokenURL: srv.URL,
	})
	require.NoError(t, err)

	grant, err := adapter.ExchangeCode(t.Context(), "code-1", "https://gw.example.com/cb", "")
	require.NoError(t, err)
	assert.Equal(t, "at-1", grant.AccessToken)
	assert.Equal(t, 2, calls)
}

func TestFetchUserInfoGitHubProfile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 12345, "login": "octo", "email": "octo@example.com"}`))
	}))
	t.Cleanup(srv.Close)

	adapter, err := NewCodeFlowAdapter(CodeFlowConfig{
		Name: "github", Family: FamilyGitHub, ClientID: "cid",
		UserInfoURL: srv.URL,
	})
	require.NoError(t, err)

	profile, err := adapter.FetchUserInfo(t.Context(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "12345", profile.Subject)
	assert.Equal(t, "octo", profile.Name)
	assert.Equal(t, "octo@example.com", profile.Email)
}

func TestFetchUserInfoRejectedToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	adapter, err := NewCodeFlowAdapter(CodeFlowConfig{
		Name: "generic", Family: FamilyGeneric, ClientID: "cid",
		AuthURL: srv.URL + "/a", TokenURL: srv.URL + "/t", UserInfoURL: srv.URL,
	})
	require.NoError(t, err)

	_, err = adapter.FetchUserInfo(t.Context(), "bad")
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))
}

func TestKeycloakRoleNormalization(t *testing.T) {
	t.Parallel()

	claims := map[string]any{
		"sub":          "u-1",
		"realm_access": map[string]any{"roles": []any{"admin", "user"}},
		"resource_access": map[string]any{
			"mxcp": map[string]any{"roles": []any{"operator", "admin"}},
		},
	}

	normalized := normalizeKeycloakClaims(claims)
	assert.ElementsMatch(t, []string{"admin", "user", "operator"}, normalized["roles"])
	// Original map is untouched.
	_, hasRoles := claims["roles"]
	assert.False(t, hasRoles)
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.Form
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	adapter, err := NewCodeFlowAdapter(CodeFlowConfig{
		Name: "generic", Family: FamilyGeneric, ClientID: "cid", ClientSecret: "sec",
		AuthURL: srv.URL + "/a", TokenURL: srv.URL + "/t", RevokeURL: srv.URL,
	})
	require.NoError(t, err)

	ok, err := adapter.Revoke(t.Context(), "tok-1", "refresh_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok-1", gotForm.Get("token"))
	assert.Equal(t, "refresh_token", gotForm.Get("token_type_hint"))

	// No revoke endpoint configured means not supported, not an error.
	bare, err := NewCodeFlowAdapter(CodeFlowConfig{
		Name: "github", Family: FamilyGitHub, ClientID: "cid",
	})
	require.NoError(t, err)
	ok, err = bare.Revoke(t.Context(), "tok-1", "")
	require.NoError(t, err)
	assert.False(t, ok)
}
