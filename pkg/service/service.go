// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the composition root of the auth core. It assembles
// the token store, provider adapters, session manager, and exchange broker
// from configuration, exposes the HTTP routes for issuer mode, and builds
// the per-request authentication middleware.
package service

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/mxcp/mxcp-auth/pkg/audit"
	"github.com/mxcp/mxcp-auth/pkg/config"
	"github.com/mxcp/mxcp-auth/pkg/exchange"
	"github.com/mxcp/mxcp-auth/pkg/logger"
	"github.com/mxcp/mxcp-auth/pkg/provider"
	"github.com/mxcp/mxcp-auth/pkg/scopes"
	"github.com/mxcp/mxcp-auth/pkg/secrets"
	"github.com/mxcp/mxcp-auth/pkg/session"
	"github.com/mxcp/mxcp-auth/pkg/store"
	"github.com/mxcp/mxcp-auth/pkg/store/memory"
	"github.com/mxcp/mxcp-auth/pkg/store/redis"
	"github.com/mxcp/mxcp-auth/pkg/store/sqlite"
)

// Token endpoint rate limit: sustained requests per second and burst.
const (
	tokenRatePerSecond = 10
	tokenRateBurst     = 20
)

// AuthService is the single entry point to the auth core. Build one with
// FromConfig; topology (mode, routes, backends) is immutable for the life of
// the process.
type AuthService struct {
	cfg      config.Config
	store    store.TokenStore
	manager  *session.Manager
	broker   *exchange.Broker
	adapters map[string]provider.ProviderAdapter
	proxy    *provider.ProxyAdapter
	verifier provider.ProviderAdapter
	mappings map[string]scopes.Mapping
	audit    audit.Sink
	resolver *secrets.Resolver

	tokenLimiter *rate.Limiter
}

// ServiceOption configures FromConfig.
type ServiceOption func(*AuthService)

// WithAuditSink overrides the audit sink.
func WithAuditSink(sink audit.Sink) ServiceOption {
	return func(s *AuthService) { s.audit = sink }
}

// WithStore overrides the token store; the persistence config is ignored.
// Used by tests and by hosts that manage their own store lifecycle.
func WithStore(st store.TokenStore) ServiceOption {
	return func(s *AuthService) { s.store = st }
}

// FromConfig validates the configuration and assembles the service. Secret
// references are resolved through the resolver; a missing or malformed
// encryption key is a startup failure, never a silent downgrade.
func FromConfig(
	ctx context.Context, cfg config.Config, resolver *secrets.Resolver, opts ...ServiceOption,
) (*AuthService, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}
	if resolver == nil {
		resolver = secrets.NewResolver()
	}

	s := &AuthService{
		cfg:          cfg,
		resolver:     resolver,
		audit:        audit.NewLogSink(nil),
		tokenLimiter: rate.NewLimiter(rate.Limit(tokenRatePerSecond), tokenRateBurst),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Mode == config.ModeDisabled {
		logger.Warnw("authentication is disabled; all requests run anonymously")
		return s, nil
	}

	if s.store == nil {
		st, err := buildStore(ctx, cfg.Persistence, resolver)
		if err != nil {
			return nil, err
		}
		s.store = st
	}

	if err := s.buildProviders(ctx); err != nil {
		return nil, err
	}
	if err := s.buildProxy(); err != nil {
		return nil, err
	}
	if err := s.buildBroker(); err != nil {
		return nil, err
	}
	if err := s.checkScopeVocabulary(ctx); err != nil {
		return nil, err
	}

	managerOpts := []session.Option{
		session.WithAuditSink(s.audit),
		session.WithDefaultProvider(cfg.DefaultProvider),
	}
	if s.broker != nil {
		managerOpts = append(managerOpts, session.WithDownstreamBroker(s.broker))
	}
	s.manager = session.NewManager(s.store, s.adapters, s.mappings, cfg.Tokens, managerOpts...)
	s.manager.StartCleanup(cfg.Persistence.CleanupInterval)

	if cfg.ClientSeedPath != "" {
		if err := seedClients(ctx, s.store, cfg.ClientSeedPath); err != nil {
			return nil, err
		}
	}

	logger.Infow("auth service initialized",
		"mode", string(cfg.Mode),
		"backend", cfg.Persistence.Backend,
		"providers", len(s.adapters),
	)
	return s, nil
}

// buildStore opens the configured backend. The field-encryption cipher comes
// from the resolved key reference; sqlite and redis refuse to start without
// one.
func buildStore(
	ctx context.Context, p config.Persistence, resolver *secrets.Resolver,
) (store.TokenStore, error) {
	var cipher *store.Cipher
	if p.EncryptionKeyRef != "" {
		material, err := resolver.Resolve(p.EncryptionKeyRef)
		if err != nil {
			return nil, fmt.Errorf("resolving encryption key: %w", err)
		}
		cipher, err = store.NewCipherFromSecret(material)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
	}

	switch p.Backend {
	case "sqlite":
		return sqlite.New(ctx, p.Path, cipher)
	case "redis":
		return redis.New(ctx, p.RedisURL, cipher)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", p.Backend)
	}
}

// buildProviders constructs one adapter per configured provider.
func (s *AuthService) buildProviders(ctx context.Context) error {
	s.adapters = make(map[string]provider.ProviderAdapter, len(s.cfg.Providers))
	s.mappings = make(map[string]scopes.Mapping, len(s.cfg.Providers))

	for name, p := range s.cfg.Providers {
		adapter, err := s.buildAdapter(ctx, name, p)
		if err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
		s.adapters[name] = adapter
		s.mappings[name] = p.ClaimMappings

		if s.cfg.Mode == config.ModeVerifier && s.verifier == nil {
			s.verifier = adapter
		}
	}
	return nil
}

func (s *AuthService) buildAdapter(
	ctx context.Context, name string, p config.Provider,
) (provider.ProviderAdapter, error) {
	if s.cfg.Mode == config.ModeVerifier {
		return s.buildVerifierAdapter(ctx, name, p)
	}

	switch p.Family {
	case config.FamilyTest:
		return provider.NewTestAdapter(), nil

	case config.FamilyOIDC:
		secret, err := s.resolveOptional(p.ClientSecretRef)
		if err != nil {
			return nil, err
		}
		return provider.NewOIDCAdapter(ctx, provider.OIDCConfig{
			Name:         name,
			IssuerURL:    p.IssuerURL,
			ClientID:     p.ClientID,
			ClientSecret: secret,
			Scopes:       p.RequiredScopes,
		})

	default:
		secret, err := s.resolveOptional(p.ClientSecretRef)
		if err != nil {
			return nil, err
		}
		return provider.NewCodeFlowAdapter(provider.CodeFlowConfig{
			Name:         name,
			Family:       provider.Family(p.Family),
			IssuerURL:    p.IssuerURL,
			ClientID:     p.ClientID,
			ClientSecret: secret,
			AuthURL:      p.Endpoints.Authorize,
			TokenURL:     p.Endpoints.Token,
			UserInfoURL:  p.Endpoints.UserInfo,
			RevokeURL:    p.Endpoints.Revoke,
		})
	}
}

func (s *AuthService) buildVerifierAdapter(
	ctx context.Context, name string, p config.Provider,
) (provider.ProviderAdapter, error) {
	audience := p.Audience
	if audience == "" {
		audience = p.ClientID
	}
	staticKey, err := s.resolveOptional(p.StaticKeyRef)
	if err != nil {
		return nil, err
	}
	return provider.NewVerifierAdapter(ctx, provider.VerifierConfig{
		Name:      name,
		IssuerURL: p.IssuerURL,
		Audience:  audience,
		StaticKey: staticKey,
	})
}

// buildProxy constructs the trusted-header adapter when proxy trust is
// configured.
func (s *AuthService) buildProxy() error {
	if s.cfg.Proxy == nil {
		return nil
	}
	secret, err := s.resolver.Resolve(s.cfg.Proxy.Signature.SecretRef)
	if err != nil {
		return fmt.Errorf("resolving proxy signature secret: %w", err)
	}
	ref := s.cfg.Proxy.Signature.SecretRef
	resolver := s.resolver
	proxy, err := provider.NewProxyAdapter(*s.cfg.Proxy, func() string {
		// Re-resolve so hot-reloaded secrets take effect; a failed
		// re-resolution keeps the startup value.
		if current, err := resolver.Resolve(ref); err == nil {
			return current
		}
		return secret
	})
	if err != nil {
		return err
	}
	s.proxy = proxy
	return nil
}

// buildBroker wires the RFC 8693 clients for providers that declare token
// exchange, then the broker over the scope requirements.
func (s *AuthService) buildBroker() error {
	if len(s.cfg.ScopeRequirements) == 0 {
		return nil
	}

	exchangers := make(map[string]provider.TokenExchanger)
	for name, p := range s.cfg.Providers {
		if p.Family == config.FamilyTest {
			exchangers[name] = provider.NewTestAdapter()
			continue
		}
		if p.TokenExchange == nil {
			continue
		}
		te := p.TokenExchange

		tokenURL := te.Endpoint
		if tokenURL == "" {
			tokenURL = p.Endpoints.Exchange
		}
		if tokenURL == "" {
			tokenURL = p.Endpoints.Token
		}
		clientID := te.ClientID
		if clientID == "" {
			clientID = p.ClientID
		}
		secretRef := te.ClientSecretRef
		if secretRef == "" {
			secretRef = p.ClientSecretRef
		}
		if _, err := s.resolveOptional(secretRef); err != nil {
			return fmt.Errorf("provider %q token exchange: %w", name, err)
		}

		resolver := s.resolver
		client, err := exchange.NewClient(exchange.ClientConfig{
			TokenURL: tokenURL,
			ClientID: clientID,
			ClientSecret: func() string {
				if secretRef == "" {
					return ""
				}
				secret, err := resolver.Resolve(secretRef)
				if err != nil {
					return ""
				}
				return secret
			},
		})
		if err != nil {
			return fmt.Errorf("provider %q token exchange: %w", name, err)
		}
		exchangers[name] = client
	}

	s.broker = exchange.NewBroker(s.store, s.cfg.ScopeRequirements, exchangers)
	return nil
}

// checkScopeVocabulary verifies that every server-required scope and every
// scope-requirement key can actually be produced by some mapping rule.
func (s *AuthService) checkScopeVocabulary(ctx context.Context) error {
	if s.cfg.ScopeVocabularyCheck == config.ScopeCheckOff {
		return nil
	}

	var vocabulary []string
	for _, mapping := range s.mappings {
		vocabulary = append(vocabulary, mapping.Vocabulary()...)
	}
	if s.cfg.Proxy != nil {
		vocabulary = append(vocabulary, s.cfg.Proxy.ClaimMappings.Vocabulary()...)
	}

	declared := slices.Clone(s.cfg.RequiredScopes)
	for scope := range s.cfg.ScopeRequirements {
		declared = append(declared, scope)
	}

	var unreachable []string
	for _, scope := range declared {
		if !slices.Contains(vocabulary, scope) {
			unreachable = append(unreachable, scope)
		}
	}
	if len(unreachable) == 0 {
		return nil
	}

	// Proxy deployments can assert scopes directly via header; the
	// vocabulary check cannot see those.
	if s.cfg.Proxy != nil && s.cfg.Proxy.MXCPScopesHeader != "" {
		return nil
	}

	if s.cfg.ScopeVocabularyCheck == config.ScopeCheckFail {
		return fmt.Errorf("scopes declared but unreachable by any mapping rule: %v", unreachable)
	}
	logger.Warnw("scopes declared but unreachable by any mapping rule", "scopes", unreachable)
	s.audit.Emit(ctx, audit.Event{
		Type:    audit.EventScopeVocabularyWarning,
		Scopes:  unreachable,
		Outcome: "warning",
	})
	return nil
}

func (s *AuthService) resolveOptional(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	return s.resolver.Resolve(ref)
}

// Manager exposes the session manager for hosts that drive flows directly.
func (s *AuthService) Manager() *session.Manager {
	return s.manager
}

// Store exposes the token store.
func (s *AuthService) Store() store.TokenStore {
	return s.store
}

// Mode returns the active operating mode.
func (s *AuthService) Mode() config.Mode {
	return s.cfg.Mode
}

// RegisterRoutes installs the issuer-mode HTTP surface on the router.
// Verifier and proxy modes install nothing network-facing; authentication
// happens in the middleware.
func (s *AuthService) RegisterRoutes(r chi.Router) {
	if !s.servesIssuerRoutes() {
		return
	}
	r.Get(config.DefaultAuthorizePath, s.handleAuthorize)
	r.Get(config.DefaultCallbackPath, s.handleCallback)
	r.Post(config.DefaultTokenPath, s.rateLimited(s.handleToken))
	r.Post(config.DefaultRevokePath, s.handleRevoke)
	r.Get("/.well-known/oauth-authorization-server", s.handleMetadata)
}

// servesIssuerRoutes reports whether this deployment runs the local issuer:
// issuer mode, or hybrid mode whose order includes oauth.
func (s *AuthService) servesIssuerRoutes() bool {
	if s.cfg.Mode == config.ModeIssuer {
		return true
	}
	if s.cfg.Mode == config.ModeHybrid && s.cfg.Hybrid != nil {
		return slices.Contains(s.cfg.Hybrid.Order, "oauth")
	}
	return false
}

// rateLimited rejects requests beyond the token endpoint budget.
func (s *AuthService) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenLimiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeOAuthErrorStatus(w, http.StatusTooManyRequests, "slow_down",
				"too many token requests")
			return
		}
		next(w, r)
	}
}

// Health reports backend reachability.
func (s *AuthService) Health(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.store.Health(ctx)
}

// Close stops background work and releases the store.
func (s *AuthService) Close() error {
	if s.manager != nil {
		s.manager.Close()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
