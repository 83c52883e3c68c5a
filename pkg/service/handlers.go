// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/config"
	"github.com/mxcp/mxcp-auth/pkg/logger"
	"github.com/mxcp/mxcp-auth/pkg/session"
	"github.com/mxcp/mxcp-auth/pkg/store"
)

// oauthErrorResponse is the RFC 6749 Section 5.2 error body. Scope denials
// additionally name the missing scope in a dedicated field so callers do
// not parse it out of the description.
type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	MissingScope     string `json:"missing_scope,omitempty"`
}

// tokenResponse is the RFC 6749 Section 5.1 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("writing response body failed", "error", err)
	}
}

// writeOAuthError translates a classified error into the wire error. Grant
// and token failures always get the sanitized per-kind text so responses
// never reveal whether a session exists; request and scope errors carry
// their message, which names no secrets.
func writeOAuthError(w http.ResponseWriter, err error) {
	kind := autherr.KindOf(err)
	if kind == autherr.KindInternal {
		logger.Errorw("request failed", "error", err)
	} else {
		logger.Debugw("request rejected", "kind", string(kind))
	}
	writeOAuthErrorStatus(w, autherr.HTTPStatus(kind), autherr.OAuthCode(kind),
		clientDescription(err, kind))
}

func clientDescription(err error, kind autherr.Kind) string {
	switch kind {
	case autherr.KindInvalidRequest, autherr.KindInvalidScope, autherr.KindForbidden:
		var classified *autherr.Error
		if errors.As(err, &classified) && classified.Message != "" {
			return classified.Message
		}
	}
	return autherr.SanitizedDescription(kind)
}

func writeOAuthErrorStatus(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oauthErrorResponse{Error: code, ErrorDescription: description})
}

// writeScopeError is writeOAuthError with the denied scope named in the
// body.
func writeScopeError(w http.ResponseWriter, err error, missingScope string) {
	kind := autherr.KindOf(err)
	logger.Debugw("request rejected", "kind", string(kind))
	writeJSON(w, autherr.HTTPStatus(kind), oauthErrorResponse{
		Error:            autherr.OAuthCode(kind),
		ErrorDescription: clientDescription(err, kind),
		MissingScope:     missingScope,
	})
}

// callbackURL is the externally visible callback endpoint registered with
// every IdP.
func (s *AuthService) callbackURL() string {
	return strings.TrimSuffix(s.cfg.IssuerURL, "/") + config.DefaultCallbackPath
}

// handleAuthorize starts the handshake: it validates the client request,
// records state, and redirects the user agent to the provider.
func (s *AuthService) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := session.BeginAuthorizationRequest{
		ClientID:      q.Get("client_id"),
		RedirectURI:   q.Get("redirect_uri"),
		Provider:      q.Get("provider"),
		ClientState:   q.Get("state"),
		PKCEChallenge: q.Get("code_challenge"),
		PKCEMethod:    q.Get("code_challenge_method"),
		CallbackURL:   s.callbackURL(),
	}
	if scope := q.Get("scope"); scope != "" {
		req.RequestedScopes = strings.Fields(scope)
	}

	redirect, err := s.manager.BeginAuthorization(r.Context(), req)
	if err != nil {
		kind := autherr.KindOf(err)
		// Scope and consent errors happen after the redirect target was
		// validated, so they may bounce back to the client per RFC 6749
		// Section 4.1.2.1. Anything else answers directly.
		if kind == autherr.KindInvalidScope || kind == autherr.KindAccessDenied {
			redirectError(w, r, req.RedirectURI, req.ClientState, kind)
			return
		}
		writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, redirect.AuthorizeURL, http.StatusFound)
}

// handleCallback finishes the provider leg and bounces the user agent to the
// client with the minted MXCP authorization code.
func (s *AuthService) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		// The provider refused. State is left to expire; nothing was
		// established.
		logger.Debugw("provider callback carried an error", "error", errCode)
		writeOAuthErrorStatus(w, http.StatusBadRequest, "access_denied",
			autherr.SanitizedDescription(autherr.KindAccessDenied))
		return
	}

	stateID := q.Get("state")
	code := q.Get("code")
	if stateID == "" || code == "" {
		writeOAuthError(w, autherr.New(autherr.KindInvalidRequest, "missing code or state"))
		return
	}

	result, err := s.manager.CompleteAuthorization(r.Context(), stateID, code, s.callbackURL())
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	target, err := url.Parse(result.RedirectURI)
	if err != nil {
		writeOAuthError(w, autherr.Wrap(autherr.KindInternal, "parsing client redirect", err))
		return
	}
	params := target.Query()
	params.Set("code", result.Code)
	if result.ClientState != "" {
		params.Set("state", result.ClientState)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleToken serves the authorization_code and refresh_token grants.
func (s *AuthService) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, autherr.New(autherr.KindInvalidRequest, "malformed form body"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if err := s.authenticateClient(r, clientID, clientSecret); err != nil {
		writeOAuthError(w, err)
		return
	}

	var grant *session.AccessGrant
	var err error
	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		grant, err = s.manager.ExchangeAuthCode(r.Context(),
			r.PostForm.Get("code"),
			clientID,
			r.PostForm.Get("redirect_uri"),
			r.PostForm.Get("code_verifier"),
		)
	case "refresh_token":
		grant, err = s.manager.Refresh(r.Context(), r.PostForm.Get("refresh_token"))
	case "":
		err = autherr.New(autherr.KindInvalidRequest, "grant_type is required")
	default:
		writeOAuthErrorStatus(w, http.StatusBadRequest, "unsupported_grant_type",
			"only authorization_code and refresh_token are supported")
		return
	}
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        strings.Join(grant.Scope, " "),
	})
}

// handleRevoke implements RFC 7009: revoking an unknown token still returns
// 200 so callers cannot probe for live tokens.
func (s *AuthService) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, autherr.New(autherr.KindInvalidRequest, "malformed form body"))
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeOAuthError(w, autherr.New(autherr.KindInvalidRequest, "token is required"))
		return
	}
	if err := s.manager.RevokeToken(r.Context(), token); err != nil {
		writeOAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleMetadata serves RFC 8414 authorization server metadata, advertising
// only what this deployment offers.
func (s *AuthService) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	issuer := strings.TrimSuffix(s.cfg.IssuerURL, "/")
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + config.DefaultAuthorizePath,
		"token_endpoint":                        issuer + config.DefaultTokenPath,
		"revocation_endpoint":                   issuer + config.DefaultRevokePath,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	})
}

// redirectError bounces an OAuth error to an already validated client
// redirect target.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, kind autherr.Kind) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthErrorStatus(w, autherr.HTTPStatus(kind), autherr.OAuthCode(kind),
			autherr.SanitizedDescription(kind))
		return
	}
	params := target.Query()
	params.Set("error", autherr.OAuthCode(kind))
	params.Set("error_description", autherr.SanitizedDescription(kind))
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// clientCredentials extracts client authentication from basic auth or the
// form body.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		if decoded, err := url.QueryUnescape(secret); err == nil {
			secret = decoded
		}
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

// authenticateClient checks the presented secret against the registered
// digest. Public clients (no digest) pass without a secret.
func (s *AuthService) authenticateClient(r *http.Request, clientID, clientSecret string) error {
	if clientID == "" {
		return autherr.New(autherr.KindInvalidRequest, "client_id is required")
	}
	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return autherr.New(autherr.KindInvalidRequest, "unknown client")
		}
		return autherr.Wrap(autherr.KindInternal, "loading client registration", err)
	}
	if client.SecretDigest == "" {
		return nil
	}

	digest := sha256.Sum256([]byte(clientSecret))
	presented := hex.EncodeToString(digest[:])
	if subtle.ConstantTimeCompare([]byte(presented), []byte(client.SecretDigest)) != 1 {
		return autherr.New(autherr.KindUnauthorized, "client authentication failed")
	}
	return nil
}
