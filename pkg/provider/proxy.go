// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/config"
)

// ProxyAdapter trusts identity headers set by an authenticating reverse
// proxy. The proxy authenticates itself with an HMAC-SHA256 signature over
// the canonical header set; a missing or wrong signature is tamper, never a
// fallthrough.
type ProxyAdapter struct {
	cfg    config.Proxy
	secret func() string
}

var _ ProviderAdapter = (*ProxyAdapter)(nil)

// NewProxyAdapter creates a trusted-header adapter. The secret func returns
// the current HMAC key; indirection keeps hot-reloaded secrets live.
func NewProxyAdapter(cfg config.Proxy, secret func() string) (*ProxyAdapter, error) {
	if cfg.UserIDHeader == "" {
		return nil, errors.New("proxy adapter requires a user id header")
	}
	if cfg.Signature.Header == "" || secret == nil {
		return nil, errors.New("proxy adapter requires a signature header and secret")
	}
	return &ProxyAdapter{cfg: cfg, secret: secret}, nil
}

// Name returns the stable provider identifier.
func (*ProxyAdapter) Name() string { return "proxy" }

// canonicalHeaders lists the identity headers covered by the signature, in
// canonical (sorted, lowercased) order. Both signer and verifier must agree
// on this set.
func (a *ProxyAdapter) canonicalHeaders() []string {
	headers := []string{a.cfg.UserIDHeader}
	for _, h := range []string{
		a.cfg.NameHeader, a.cfg.EmailHeader, a.cfg.GroupsHeader,
		a.cfg.RolesHeader, a.cfg.MXCPScopesHeader, a.cfg.UpstreamTokenHeader,
	} {
		if h != "" {
			headers = append(headers, h)
		}
	}
	for i, h := range headers {
		headers[i] = strings.ToLower(h)
	}
	sort.Strings(headers)
	return headers
}

// SignHeaders computes the signature the proxy must attach. Exposed for the
// proxy side and for tests.
func (a *ProxyAdapter) SignHeaders(h http.Header) string {
	mac := hmac.New(sha256.New, []byte(a.secret()))
	for _, name := range a.canonicalHeaders() {
		mac.Write([]byte(name))
		mac.Write([]byte{':'})
		mac.Write([]byte(h.Get(name)))
		mac.Write([]byte{'\n'})
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks the proxy HMAC in constant time.
func (a *ProxyAdapter) verifySignature(h http.Header) error {
	presented := h.Get(a.cfg.Signature.Header)
	if presented == "" {
		return autherr.New(autherr.KindUnauthorized, "missing proxy signature")
	}

	expected := a.SignHeaders(h)
	if !hmac.Equal([]byte(expected), []byte(presented)) {
		return autherr.New(autherr.KindTamper, "proxy signature mismatch")
	}
	return nil
}

// HasCredential reports whether the request carries proxy identity headers.
// Hybrid mode uses this for precedence, not for validation.
func (a *ProxyAdapter) HasCredential(h http.Header) bool {
	return h.Get(a.cfg.UserIDHeader) != ""
}

// Authenticate validates the proxy signature and synthesizes a grant and
// profile from the trusted headers. No network calls are made.
func (a *ProxyAdapter) Authenticate(_ context.Context, h http.Header) (*ExternalGrantResult, *ExternalProfile, error) {
	if err := a.verifySignature(h); err != nil {
		return nil, nil, err
	}

	userID := h.Get(a.cfg.UserIDHeader)
	if userID == "" {
		return nil, nil, autherr.New(autherr.KindUnauthorized, "missing proxy user id header")
	}

	claims := map[string]any{"sub": userID}
	if name := h.Get(a.cfg.NameHeader); a.cfg.NameHeader != "" && name != "" {
		claims["name"] = name
	}
	if email := h.Get(a.cfg.EmailHeader); a.cfg.EmailHeader != "" && email != "" {
		claims["email"] = email
	}
	if a.cfg.GroupsHeader != "" {
		if groups := splitHeaderList(h.Get(a.cfg.GroupsHeader)); len(groups) > 0 {
			claims["groups"] = groups
		}
	}
	if a.cfg.RolesHeader != "" {
		if roles := splitHeaderList(h.Get(a.cfg.RolesHeader)); len(roles) > 0 {
			claims["roles"] = roles
		}
	}
	if a.cfg.MXCPScopesHeader != "" {
		if scopes := splitHeaderList(h.Get(a.cfg.MXCPScopesHeader)); len(scopes) > 0 {
			claims["mxcp_scopes"] = scopes
		}
	}

	grant := &ExternalGrantResult{
		RawProfile: claims,
		// Proxy identities live for the duration of the request only; the
		// caller re-authenticates every request.
		ExpiresAt: time.Now().Add(time.Minute),
	}
	if a.cfg.UpstreamTokenHeader != "" {
		grant.AccessToken = h.Get(a.cfg.UpstreamTokenHeader)
	}

	profile := &ExternalProfile{
		Subject: userID,
		Name:    stringClaim(claims, "name"),
		Email:   stringClaim(claims, "email"),
		Claims:  claims,
	}
	return grant, profile, nil
}

func splitHeaderList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AuthorizeURL is unsupported; proxy identities never run a code flow.
func (*ProxyAdapter) AuthorizeURL(string, string, []string, string, map[string]string) (string, error) {
	return "", autherr.New(autherr.KindInvalidRequest, "provider does not support the authorization code flow")
}

// ExchangeCode is unsupported.
func (*ProxyAdapter) ExchangeCode(context.Context, string, string, string) (*ExternalGrantResult, error) {
	return nil, autherr.New(autherr.KindInvalidRequest, "provider does not support the authorization code flow")
}

// RefreshToken is unsupported.
func (*ProxyAdapter) RefreshToken(context.Context, string, []string) (*ExternalGrantResult, error) {
	return nil, autherr.New(autherr.KindInvalidRequest, "provider does not support token refresh")
}

// FetchUserInfo is unsupported; identity arrives in headers.
func (*ProxyAdapter) FetchUserInfo(context.Context, string) (*ExternalProfile, error) {
	return nil, autherr.New(autherr.KindInvalidRequest, "provider resolves identity from headers")
}

// Revoke is a no-op.
func (*ProxyAdapter) Revoke(context.Context, string, string) (bool, error) {
	return false, nil
}
