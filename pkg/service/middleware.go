// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/mxcp/mxcp-auth/pkg/audit"
	"github.com/mxcp/mxcp-auth/pkg/auth"
	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/config"
	"github.com/mxcp/mxcp-auth/pkg/scopes"
)

// EndpointPolicy declares what an endpoint requires from an authenticated
// request.
type EndpointPolicy struct {
	// RequiredScopes are MXCP scopes the user context must carry, on top
	// of the server-level required scopes.
	RequiredScopes []string

	// DownstreamScopes are MXCP scopes whose downstream provider tokens
	// must be resolved and attached to the request context before the
	// endpoint runs.
	DownstreamScopes []string

	// AllowAnonymous lets unauthenticated requests through with no user
	// context instead of failing unauthorized.
	AllowAnonymous bool
}

// Middleware returns the per-request authentication and authorization gate
// for one endpoint policy.
func (s *AuthService) Middleware(policy EndpointPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.Mode == config.ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}

			kind := s.credentialKind(r)
			if kind == "" {
				if policy.AllowAnonymous {
					next.ServeHTTP(w, r)
					return
				}
				writeOAuthError(w, autherr.New(autherr.KindUnauthorized, "no credential presented"))
				return
			}

			user, sessionID, err := s.authenticate(r, kind)
			if err != nil {
				s.audit.Emit(r.Context(), audit.Event{
					Type:    audit.EventAuthenticationFailed,
					Outcome: "failure",
					Detail:  string(autherr.KindOf(err)),
				})
				writeOAuthError(w, err)
				return
			}

			if missingScope, err := s.checkScopes(r.Context(), user, sessionID, policy); err != nil {
				writeScopeError(w, err, missingScope)
				return
			}

			ctx := auth.WithUserContext(r.Context(), user)
			ctx = auth.WithSessionID(ctx, sessionID)

			ctx, err = s.attachDownstreamTokens(ctx, sessionID, policy)
			if err != nil {
				writeOAuthError(w, err)
				return
			}

			s.audit.Emit(ctx, audit.Event{
				Type:      audit.EventAuthenticationSucceeded,
				SessionID: sessionID,
				UserID:    user.UserID,
				Provider:  user.Provider,
				Scopes:    user.MXCPScopes,
				Outcome:   "success",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// credentialKind returns which configured authenticator the request carries
// a credential for. Hybrid precedence is the configured order; the first
// authenticator whose credential is present wins and there is no
// fallthrough on validation failure.
func (s *AuthService) credentialKind(r *http.Request) string {
	for _, entry := range s.authOrder() {
		switch entry {
		case "proxy":
			if s.proxy != nil && s.proxy.HasCredential(r.Header) {
				return "proxy"
			}
		case "oauth":
			if bearerToken(r) != "" {
				return "oauth"
			}
		}
	}
	return ""
}

func (s *AuthService) authOrder() []string {
	switch s.cfg.Mode {
	case config.ModeHybrid:
		return s.cfg.Hybrid.Order
	case config.ModeProxy:
		return []string{"proxy"}
	default:
		return []string{"oauth"}
	}
}

// authenticate resolves the credential into a user context. The session id
// is non-empty only for locally issued tokens.
func (s *AuthService) authenticate(r *http.Request, kind string) (*auth.UserContext, string, error) {
	switch kind {
	case "proxy":
		user, err := s.authenticateProxy(r)
		return user, "", err
	case "oauth":
		if s.cfg.Mode == config.ModeVerifier {
			user, err := s.authenticateVerifier(r)
			return user, "", err
		}
		return s.authenticateLocal(r)
	default:
		return nil, "", autherr.New(autherr.KindInternal, "unknown authenticator")
	}
}

// authenticateLocal resolves a locally issued access token into its session.
func (s *AuthService) authenticateLocal(r *http.Request) (*auth.UserContext, string, error) {
	session, err := s.manager.Resolve(r.Context(), bearerToken(r))
	if err != nil {
		return nil, "", err
	}
	return session.User.Clone(), session.ID, nil
}

// authenticateVerifier validates an externally issued bearer token and maps
// its claims into a user context.
func (s *AuthService) authenticateVerifier(r *http.Request) (*auth.UserContext, error) {
	profile, err := s.verifier.FetchUserInfo(r.Context(), bearerToken(r))
	if err != nil {
		return nil, err
	}

	granted := strings.Fields(stringClaim(profile.Claims, "scope"))
	mapping := s.mappings[s.verifier.Name()]
	user := &auth.UserContext{
		UserID:                profile.Subject,
		Name:                  profile.Name,
		Email:                 profile.Email,
		Provider:              s.verifier.Name(),
		MXCPScopes:            mapping.Map(granted, profile.Claims),
		ProviderScopesGranted: granted,
		RawProfile:            profile.Claims,
	}
	return user, nil
}

// authenticateProxy validates the trusted headers and maps them into a user
// context. Scopes come from the scopes header, if configured, plus the
// proxy claim mappings.
func (s *AuthService) authenticateProxy(r *http.Request) (*auth.UserContext, error) {
	_, profile, err := s.proxy.Authenticate(r.Context(), r.Header)
	if err != nil {
		if autherr.Is(err, autherr.KindTamper) {
			s.audit.Emit(r.Context(), audit.Event{
				Type:    audit.EventTamperDetected,
				Outcome: "failure",
				Detail:  "proxy signature mismatch",
			})
		}
		return nil, err
	}

	mxcpScopes := stringListClaim(profile.Claims, "mxcp_scopes")
	mxcpScopes = append(mxcpScopes, s.cfg.Proxy.ClaimMappings.Map(nil, profile.Claims)...)
	slices.Sort(mxcpScopes)
	mxcpScopes = slices.Compact(mxcpScopes)

	return &auth.UserContext{
		UserID:     profile.Subject,
		Name:       profile.Name,
		Email:      profile.Email,
		Provider:   s.proxy.Name(),
		MXCPScopes: mxcpScopes,
		RawProfile: profile.Claims,
	}, nil
}

// checkScopes enforces server-level and endpoint-level required scopes. On
// denial it returns the first missing scope so the response can name it.
func (s *AuthService) checkScopes(
	ctx context.Context, user *auth.UserContext, sessionID string, policy EndpointPolicy,
) (string, error) {
	required := make([]string, 0, len(s.cfg.RequiredScopes)+len(policy.RequiredScopes))
	required = append(required, s.cfg.RequiredScopes...)
	required = append(required, policy.RequiredScopes...)

	missing := scopes.Missing(required, user.MXCPScopes)
	if len(missing) == 0 {
		return "", nil
	}

	s.audit.Emit(ctx, audit.Event{
		Type:      audit.EventScopeDenied,
		SessionID: sessionID,
		UserID:    user.UserID,
		Provider:  user.Provider,
		Scopes:    missing,
		Outcome:   "failure",
	})
	// Scope names are not secret; naming the missing one saves a support
	// round trip.
	return missing[0], autherr.New(autherr.KindForbidden, "missing required scope: "+missing[0])
}

// attachDownstreamTokens resolves every declared downstream requirement and
// attaches the tokens under stable provider/audience keys. A failed
// exchange refuses the request.
func (s *AuthService) attachDownstreamTokens(
	ctx context.Context, sessionID string, policy EndpointPolicy,
) (context.Context, error) {
	if len(policy.DownstreamScopes) == 0 {
		return ctx, nil
	}
	if sessionID == "" {
		return ctx, autherr.New(autherr.KindDownstreamUnavailable,
			"downstream tokens require a locally issued session")
	}
	for _, scope := range policy.DownstreamScopes {
		token, err := s.manager.EnsureDownstreamToken(ctx, sessionID, scope)
		if err != nil {
			return ctx, err
		}
		ctx = auth.AttachProviderToken(ctx, token)
	}
	return ctx, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func stringClaim(claims map[string]any, key string) string {
	if claims == nil {
		return ""
	}
	s, _ := claims[key].(string)
	return s
}

func stringListClaim(claims map[string]any, key string) []string {
	if claims == nil {
		return nil
	}
	switch v := claims[key].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, elem := range v {
			if s, ok := elem.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
