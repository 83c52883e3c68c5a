// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mxcp/mxcp-auth/pkg/auth"
	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/config"
	"github.com/mxcp/mxcp-auth/pkg/logger"
	"github.com/mxcp/mxcp-auth/pkg/provider"
	"github.com/mxcp/mxcp-auth/pkg/store"
)

// minLifetimeDefault is how much life an exchanged token must have left to
// be reused. Below this we exchange again, absorbing clock skew and network
// latency.
const minLifetimeDefault = 30 * time.Second

// Broker fulfills downstream-token requirements for MXCP scopes. Concurrent
// requests for the same (session, audience) collapse into one exchange.
type Broker struct {
	store        store.TokenStore
	requirements map[string]config.ScopeRequirement
	exchangers   map[string]provider.TokenExchanger
	minLifetime  time.Duration
	group        singleflight.Group
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithMinLifetime overrides the minimum-remaining-lifetime guard.
func WithMinLifetime(d time.Duration) BrokerOption {
	return func(b *Broker) { b.minLifetime = d }
}

// NewBroker creates a broker. requirements maps MXCP scopes to their
// downstream needs; exchangers maps provider names to their RFC 8693
// clients.
func NewBroker(
	st store.TokenStore,
	requirements map[string]config.ScopeRequirement,
	exchangers map[string]provider.TokenExchanger,
	opts ...BrokerOption,
) *Broker {
	b := &Broker{
		store:        st,
		requirements: requirements,
		exchangers:   exchangers,
		minLifetime:  minLifetimeDefault,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Requirement returns the downstream requirement for an MXCP scope, if one
// is declared.
func (b *Broker) Requirement(mxcpScope string) (config.ScopeRequirement, bool) {
	req, ok := b.requirements[mxcpScope]
	return req, ok
}

// EnsureDownstreamToken returns a live downstream token for the MXCP scope,
// exchanging and persisting one if needed. Exchange failures surface as
// downstream_unavailable; the caller must refuse the operation.
func (b *Broker) EnsureDownstreamToken(
	ctx context.Context, sessionID, mxcpScope string,
) (*auth.ProviderToken, error) {
	req, ok := b.requirements[mxcpScope]
	if !ok {
		return nil, autherr.New(autherr.KindInternal, "no downstream requirement declared for scope")
	}

	session, err := b.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindDownstreamUnavailable, "loading session", err)
	}

	if token := b.cachedToken(session, req); token != nil {
		return token, nil
	}

	// Dedupe concurrent exchanges per (session, audience). The loser
	// waits and shares the winner's result.
	key := sessionID + "\x00" + req.Provider + "\x00" + req.Audience
	result, err, shared := b.group.Do(key, func() (any, error) {
		return b.exchangeAndPersist(ctx, sessionID, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debugw("downstream exchange shared with concurrent request",
			"provider", req.Provider,
			"audience", req.Audience,
		)
	}
	return result.(*auth.ProviderToken), nil
}

// cachedToken returns the stored downstream token when it still satisfies
// the minimum-lifetime guard.
func (b *Broker) cachedToken(session *store.Session, req config.ScopeRequirement) *auth.ProviderToken {
	grant := session.Grant(req.Provider)
	if grant == nil {
		return nil
	}
	downstream, ok := grant.Downstream[req.Audience]
	if !ok {
		return nil
	}
	if time.Now().Add(b.minLifetime).After(downstream.ExpiresAt) {
		return nil
	}
	return &auth.ProviderToken{
		Provider:    req.Provider,
		Audience:    req.Audience,
		AccessToken: downstream.AccessToken,
		ExpiresAt:   downstream.ExpiresAt,
	}
}

// exchangeAndPersist performs one exchange and writes the result into the
// session. Runs inside the singleflight.
func (b *Broker) exchangeAndPersist(
	ctx context.Context, sessionID string, req config.ScopeRequirement,
) (*auth.ProviderToken, error) {
	// Reload inside the flight; a concurrent winner may have persisted
	// already.
	session, err := b.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindDownstreamUnavailable, "loading session", err)
	}
	if token := b.cachedToken(session, req); token != nil {
		return token, nil
	}

	grant := session.Grant(req.Provider)
	if grant == nil || grant.AccessToken == "" {
		return nil, autherr.New(autherr.KindDownstreamUnavailable,
			"session holds no grant for provider "+req.Provider)
	}

	exchanger, ok := b.exchangers[req.Provider]
	if !ok {
		return nil, autherr.New(autherr.KindDownstreamUnavailable,
			"provider "+req.Provider+" does not support token exchange")
	}

	result, err := exchanger.ExchangeToken(ctx, grant.AccessToken, req.Audience, req.Resource)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindDownstreamUnavailable, "token exchange failed", err)
	}

	if grant.Downstream == nil {
		grant.Downstream = make(map[string]*store.DownstreamToken)
	}
	grant.Downstream[req.Audience] = &store.DownstreamToken{
		Audience:    req.Audience,
		Resource:    req.Resource,
		AccessToken: result.AccessToken,
		ExpiresAt:   result.ExpiresAt,
	}
	if err := b.store.PutSession(ctx, session); err != nil {
		return nil, autherr.Wrap(autherr.KindDownstreamUnavailable, "persisting exchanged token", err)
	}

	logger.Infow("downstream token obtained",
		"provider", req.Provider,
		"audience", req.Audience,
		"session_id", sessionID,
	)
	return &auth.ProviderToken{
		Provider:    req.Provider,
		Audience:    req.Audience,
		AccessToken: result.AccessToken,
		ExpiresAt:   result.ExpiresAt,
	}, nil
}
