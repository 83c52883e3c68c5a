// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

// userContextKey is the key used to store the UserContext in the request
// context.
//
// Using an empty struct as the key prevents collisions with other context
// keys, as each empty struct type is distinct even if they have the same
// name in different packages.
type userContextKey struct{}

// providerTokensKey stores downstream provider tokens resolved for the
// request, keyed by "provider" or "provider/audience".
type providerTokensKey struct{}

// sessionIDKey stores the resolved session id for audit correlation.
type sessionIDKey struct{}

// WithUserContext stores a UserContext in the context. A nil user context
// returns the original context unchanged.
func WithUserContext(ctx context.Context, user *UserContext) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserContextFrom retrieves the UserContext from the context. Returns the
// context and true if present, nil and false otherwise (anonymous request).
func UserContextFrom(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(userContextKey{}).(*UserContext)
	return user, ok
}

// WithSessionID stores the resolved session id for audit correlation.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFrom retrieves the resolved session id, if any.
func SessionIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok
}

// tokenKey builds the lookup key for a downstream token.
func tokenKey(provider, audience string) string {
	if audience == "" {
		return provider
	}
	return provider + "/" + audience
}

// WithProviderTokens attaches resolved downstream tokens to the context.
// The map is taken as-is; callers must not mutate it afterwards.
func WithProviderTokens(ctx context.Context, tokens map[string]*ProviderToken) context.Context {
	if len(tokens) == 0 {
		return ctx
	}
	return context.WithValue(ctx, providerTokensKey{}, tokens)
}

// ProviderTokenFrom retrieves a downstream provider token attached to the
// request. This is the helper exposed to tool code as
// auth_context.get_token(provider, audience).
func ProviderTokenFrom(ctx context.Context, provider, audience string) (*ProviderToken, bool) {
	tokens, ok := ctx.Value(providerTokensKey{}).(map[string]*ProviderToken)
	if !ok {
		return nil, false
	}
	token, ok := tokens[tokenKey(provider, audience)]
	return token, ok
}

// AttachProviderToken returns a context with one more downstream token
// attached, copying any existing token map.
func AttachProviderToken(ctx context.Context, token *ProviderToken) context.Context {
	if token == nil {
		return ctx
	}
	existing, _ := ctx.Value(providerTokensKey{}).(map[string]*ProviderToken)
	tokens := make(map[string]*ProviderToken, len(existing)+1)
	for k, v := range existing {
		tokens[k] = v
	}
	tokens[tokenKey(token.Provider, token.Audience)] = token
	return context.WithValue(ctx, providerTokensKey{}, tokens)
}
