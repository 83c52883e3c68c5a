// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the SDK-level configuration models for the auth core.
//
// These are already-parsed, validated structs: the server layer adapts its
// own configuration (YAML, flags, env) into these types. The auth core never
// reads the environment directly; secret-bearing fields carry references
// resolved through pkg/secrets. Validation fails closed: unknown modes,
// backends, and algorithms are errors, not warnings.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/mxcp/mxcp-auth/pkg/scopes"
)

// Mode selects how the auth core authenticates requests. Mode selection is
// explicit; the service never auto-detects.
type Mode string

// Operating modes.
const (
	// ModeIssuer runs the full local OAuth issuer: authorize, callback,
	// token, and metadata routes.
	ModeIssuer Mode = "issuer"

	// ModeVerifier validates bearer tokens minted by an external issuer.
	ModeVerifier Mode = "verifier"

	// ModeProxy trusts signed headers set by a fronting reverse proxy.
	ModeProxy Mode = "proxy"

	// ModeHybrid composes proxy and OAuth adapters with an explicit order.
	ModeHybrid Mode = "hybrid"

	// ModeDisabled turns authentication off entirely.
	ModeDisabled Mode = "disabled"
)

// Provider families with built-in endpoint and claim conventions.
const (
	FamilyGoogle     = "google"
	FamilyGitHub     = "github"
	FamilyKeycloak   = "keycloak"
	FamilyAtlassian  = "atlassian"
	FamilySalesforce = "salesforce"
	FamilyOIDC       = "oidc"
	FamilyOAuth2     = "oauth2"
	FamilyTest       = "test"
)

// Defaults applied by Normalize.
const (
	DefaultAccessTTL       = time.Hour
	DefaultRefreshTTL      = 30 * 24 * time.Hour
	DefaultIdleTimeout     = 24 * time.Hour
	DefaultStateTTL        = 5 * time.Minute
	DefaultAuthCodeTTL     = 60 * time.Second
	DefaultCleanupInterval = 5 * time.Minute
	DefaultCallbackPath    = "/auth/callback"
	DefaultTokenPath       = "/auth/token"
	DefaultAuthorizePath   = "/auth/authorize"
	DefaultRevokePath      = "/auth/revoke"
)

// ScopeCheck controls validation of endpoint-declared scopes against the
// union of scopes the mapping configuration can produce.
type ScopeCheck string

// Scope vocabulary check policies.
const (
	ScopeCheckWarn ScopeCheck = "warn"
	ScopeCheckFail ScopeCheck = "fail"
	ScopeCheckOff  ScopeCheck = "off"
)

// Config is the root auth-core configuration.
type Config struct {
	// Mode selects the operating mode.
	Mode Mode `yaml:"mode"`

	// IssuerURL is the externally visible base URL of this service in
	// issuer mode, e.g. "https://mxcp.example". Routes are appended to it.
	IssuerURL string `yaml:"issuer_url,omitempty"`

	// Providers configures the known identity providers, keyed by the
	// stable provider name used in sessions and scope requirements.
	Providers map[string]Provider `yaml:"providers,omitempty"`

	// DefaultProvider names the provider used when a client does not pick
	// one. Required in issuer mode when more than one provider is set.
	DefaultProvider string `yaml:"default_provider,omitempty"`

	// Proxy configures trusted-header authentication. Required in proxy
	// mode and in hybrid mode when the order includes "proxy".
	Proxy *Proxy `yaml:"proxy,omitempty"`

	// Hybrid configures the adapter precedence for hybrid mode.
	Hybrid *Hybrid `yaml:"hybrid,omitempty"`

	// RequiredScopes are the server-level MXCP scopes every authenticated
	// request must carry, in addition to per-endpoint scopes.
	RequiredScopes []string `yaml:"required_scopes,omitempty"`

	// ScopeRequirements maps an MXCP scope to the downstream token it may
	// need, acquired lazily via token exchange.
	ScopeRequirements map[string]ScopeRequirement `yaml:"scope_requirements,omitempty"`

	// Persistence configures the token store backend.
	Persistence Persistence `yaml:"persistence,omitempty"`

	// Tokens configures lifetimes.
	Tokens Tokens `yaml:"tokens,omitempty"`

	// ClientSeedPath optionally points to a YAML file of client
	// registrations loaded at startup.
	ClientSeedPath string `yaml:"client_seed_path,omitempty"`

	// ScopeVocabularyCheck controls endpoint-scope validation. Default warn.
	ScopeVocabularyCheck ScopeCheck `yaml:"scope_vocabulary_check,omitempty"`
}

// Provider configures one identity provider.
type Provider struct {
	// Family selects the adapter variant and its endpoint conventions.
	Family string `yaml:"family"`

	// ClientID is the OAuth client id registered with the IdP.
	ClientID string `yaml:"client_id,omitempty"`

	// ClientSecretRef is a secret reference for the client secret.
	ClientSecretRef string `yaml:"client_secret_ref,omitempty"`

	// IssuerURL is the OIDC issuer for discovery-capable families.
	IssuerURL string `yaml:"issuer_url,omitempty"`

	// Audience is the expected aud claim in verifier mode. Defaults to
	// ClientID.
	Audience string `yaml:"audience,omitempty"`

	// StaticKeyRef is a secret reference for a local verification key
	// (HMAC secret or PEM RSA public key) in verifier mode, instead of
	// issuer discovery.
	StaticKeyRef string `yaml:"static_key_ref,omitempty"`

	// Endpoints overrides the family's endpoint conventions.
	Endpoints Endpoints `yaml:"endpoints,omitempty"`

	// RequiredScopes are the provider scopes always requested.
	RequiredScopes []string `yaml:"required_scopes,omitempty"`

	// OptionalScopes are requested but their denial is tolerated.
	OptionalScopes []string `yaml:"optional_scopes,omitempty"`

	// ClaimMappings translates this provider's claims into MXCP scopes.
	ClaimMappings scopes.Mapping `yaml:"claim_mappings,omitempty"`

	// TokenExchange configures RFC 8693 exchange against this provider.
	TokenExchange *TokenExchange `yaml:"token_exchange,omitempty"`
}

// Endpoints are explicit IdP endpoint URLs for families without discovery,
// or overrides on top of a family's defaults.
type Endpoints struct {
	Authorize string `yaml:"authorize,omitempty"`
	Token     string `yaml:"token,omitempty"`
	UserInfo  string `yaml:"userinfo,omitempty"`
	Revoke    string `yaml:"revoke,omitempty"`
	Exchange  string `yaml:"exchange,omitempty"`
}

// TokenExchange configures the RFC 8693 client for one provider.
type TokenExchange struct {
	// Endpoint is the exchange token endpoint. Defaults to the provider's
	// token endpoint.
	Endpoint string `yaml:"endpoint,omitempty"`

	// ClientID and ClientSecretRef override the provider's credentials for
	// exchange requests.
	ClientID        string `yaml:"client_id,omitempty"`
	ClientSecretRef string `yaml:"client_secret_ref,omitempty"`
}

// ScopeRequirement declares that honoring an MXCP scope may require a
// downstream provider token.
type ScopeRequirement struct {
	Provider string `yaml:"provider"`
	Audience string `yaml:"audience,omitempty"`
	Resource string `yaml:"resource,omitempty"`
}

// Proxy configures trusted-header authentication behind a reverse proxy.
type Proxy struct {
	UserIDHeader        string `yaml:"user_id_header"`
	NameHeader          string `yaml:"name_header,omitempty"`
	EmailHeader         string `yaml:"email_header,omitempty"`
	GroupsHeader        string `yaml:"groups_header,omitempty"`
	RolesHeader         string `yaml:"roles_header,omitempty"`
	MXCPScopesHeader    string `yaml:"mxcp_scopes_header,omitempty"`
	UpstreamTokenHeader string `yaml:"upstream_token_header,omitempty"`

	// Signature authenticates the proxy itself via an HMAC over the
	// canonical header set.
	Signature ProxySignature `yaml:"signature"`

	// RequireMTLS additionally requires a verified client certificate on
	// the connection.
	RequireMTLS bool `yaml:"require_mtls,omitempty"`

	// ClaimMappings translates proxy-asserted groups/roles into MXCP scopes.
	ClaimMappings scopes.Mapping `yaml:"claim_mappings,omitempty"`
}

// ProxySignature configures the proxy HMAC.
type ProxySignature struct {
	// Header carries the hex-encoded signature.
	Header string `yaml:"header"`

	// SecretRef is a secret reference for the HMAC key.
	SecretRef string `yaml:"secret_ref"`

	// Algorithm names the HMAC hash. Only "hmac-sha256" is recognized.
	Algorithm string `yaml:"algorithm"`
}

// Hybrid configures adapter precedence for hybrid mode. The first entry
// whose credential is present on a request wins; there is no fallthrough on
// validation failure.
type Hybrid struct {
	// Order is an ordered list of "proxy" and "oauth".
	Order []string `yaml:"order"`
}

// Persistence configures the token store.
type Persistence struct {
	// Backend is one of "sqlite", "memory", "redis".
	Backend string `yaml:"backend,omitempty"`

	// Path is the sqlite database path.
	Path string `yaml:"path,omitempty"`

	// RedisURL is the redis connection URL for the redis backend.
	RedisURL string `yaml:"redis_url,omitempty"`

	// EncryptionKeyRef is a secret reference for the 32-byte field
	// encryption key (base64 or hex encoded).
	EncryptionKeyRef string `yaml:"encryption_key_ref,omitempty"`

	// CleanupInterval is the period of the expiry sweeper.
	CleanupInterval time.Duration `yaml:"cleanup_interval,omitempty"`
}

// Tokens configures token lifetimes.
type Tokens struct {
	AccessTTL   time.Duration `yaml:"access_ttl,omitempty"`
	RefreshTTL  time.Duration `yaml:"refresh_ttl,omitempty"`
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
	StateTTL    time.Duration `yaml:"state_ttl,omitempty"`
	AuthCodeTTL time.Duration `yaml:"auth_code_ttl,omitempty"`
}

// Normalize applies defaults in place. Call before Validate.
func (c *Config) Normalize() {
	if c.ScopeVocabularyCheck == "" {
		c.ScopeVocabularyCheck = ScopeCheckWarn
	}
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = "sqlite"
	}
	if c.Persistence.CleanupInterval <= 0 {
		c.Persistence.CleanupInterval = DefaultCleanupInterval
	}
	if c.Tokens.AccessTTL <= 0 {
		c.Tokens.AccessTTL = DefaultAccessTTL
	}
	if c.Tokens.RefreshTTL <= 0 {
		c.Tokens.RefreshTTL = DefaultRefreshTTL
	}
	if c.Tokens.IdleTimeout <= 0 {
		c.Tokens.IdleTimeout = DefaultIdleTimeout
	}
	if c.Tokens.StateTTL <= 0 {
		c.Tokens.StateTTL = DefaultStateTTL
	}
	if c.Tokens.AuthCodeTTL <= 0 {
		c.Tokens.AuthCodeTTL = DefaultAuthCodeTTL
	}
	if c.DefaultProvider == "" && len(c.Providers) == 1 {
		for name := range c.Providers {
			c.DefaultProvider = name
		}
	}
}

// Validate checks the configuration, failing closed on anything unknown.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeIssuer, ModeVerifier, ModeProxy, ModeHybrid, ModeDisabled:
	case "":
		return fmt.Errorf("auth.mode is required")
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Mode)
	}

	if c.Mode == ModeDisabled {
		return nil
	}

	switch c.ScopeVocabularyCheck {
	case ScopeCheckWarn, ScopeCheckFail, ScopeCheckOff:
	default:
		return fmt.Errorf("unknown scope vocabulary check %q", c.ScopeVocabularyCheck)
	}

	if err := c.validateModeRequirements(); err != nil {
		return err
	}

	// Verifier-mode providers are validated above; the code-flow
	// requirements (client id, family endpoints) do not apply to them.
	if c.Mode != ModeVerifier {
		for name, p := range c.Providers {
			if err := p.validate(); err != nil {
				return fmt.Errorf("provider %q: %w", name, err)
			}
		}
	}

	for scope, req := range c.ScopeRequirements {
		if req.Provider == "" {
			return fmt.Errorf("scope requirement %q: provider is required", scope)
		}
		if _, ok := c.Providers[req.Provider]; !ok {
			return fmt.Errorf("scope requirement %q: unknown provider %q", scope, req.Provider)
		}
		if req.Audience == "" && req.Resource == "" {
			return fmt.Errorf("scope requirement %q: audience or resource is required", scope)
		}
	}

	return c.Persistence.validate()
}

func (c *Config) validateModeRequirements() error {
	switch c.Mode {
	case ModeIssuer:
		if c.IssuerURL == "" {
			return fmt.Errorf("issuer mode requires auth.issuer_url")
		}
		if _, err := url.Parse(c.IssuerURL); err != nil {
			return fmt.Errorf("invalid auth.issuer_url: %w", err)
		}
		if len(c.Providers) == 0 {
			return fmt.Errorf("issuer mode requires at least one provider")
		}
		if c.DefaultProvider == "" {
			return fmt.Errorf("issuer mode with multiple providers requires auth.default_provider")
		}
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("unknown default provider %q", c.DefaultProvider)
		}

	case ModeVerifier:
		if len(c.Providers) == 0 {
			return fmt.Errorf("verifier mode requires a provider to validate against")
		}
		for name, p := range c.Providers {
			if p.IssuerURL == "" && p.StaticKeyRef == "" {
				return fmt.Errorf("verifier provider %q requires issuer_url or static_key_ref", name)
			}
			if p.IssuerURL != "" && p.StaticKeyRef != "" {
				return fmt.Errorf("verifier provider %q: issuer_url and static_key_ref are mutually exclusive", name)
			}
			if p.IssuerURL != "" && p.Audience == "" && p.ClientID == "" {
				return fmt.Errorf("verifier provider %q requires an audience or client_id", name)
			}
		}

	case ModeProxy:
		if c.Proxy == nil {
			return fmt.Errorf("proxy mode requires auth.proxy configuration")
		}
		return c.Proxy.validate()

	case ModeHybrid:
		if c.Hybrid == nil || len(c.Hybrid.Order) == 0 {
			return fmt.Errorf("hybrid mode requires an explicit auth.hybrid.order")
		}
		seen := make(map[string]bool)
		for _, entry := range c.Hybrid.Order {
			if entry != "proxy" && entry != "oauth" {
				return fmt.Errorf("hybrid order entry %q: must be \"proxy\" or \"oauth\"", entry)
			}
			if seen[entry] {
				return fmt.Errorf("hybrid order entry %q appears twice", entry)
			}
			seen[entry] = true
			if entry == "proxy" {
				if c.Proxy == nil {
					return fmt.Errorf("hybrid order includes proxy but auth.proxy is not configured")
				}
				if err := c.Proxy.validate(); err != nil {
					return err
				}
			}
			if entry == "oauth" && len(c.Providers) == 0 {
				return fmt.Errorf("hybrid order includes oauth but no provider is configured")
			}
		}
	}
	return nil
}

func (p Provider) validate() error {
	switch p.Family {
	case FamilyGoogle, FamilyGitHub, FamilyKeycloak, FamilyAtlassian,
		FamilySalesforce, FamilyOIDC, FamilyOAuth2, FamilyTest:
	case "":
		return fmt.Errorf("family is required")
	default:
		return fmt.Errorf("unknown provider family %q", p.Family)
	}

	if p.Family == FamilyTest {
		return nil
	}

	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	switch p.Family {
	case FamilyOIDC:
		// Google and salesforce presets carry fixed endpoints; only
		// discovery-based and realm-based families need an issuer.
		if p.IssuerURL == "" {
			return fmt.Errorf("issuer_url is required for family %q", p.Family)
		}
	case FamilyKeycloak:
		if p.IssuerURL == "" {
			return fmt.Errorf("issuer_url (realm URL) is required for keycloak")
		}
	case FamilyOAuth2:
		if p.Endpoints.Authorize == "" || p.Endpoints.Token == "" {
			return fmt.Errorf("oauth2 family requires explicit authorize and token endpoints")
		}
	}
	return nil
}

func (p *Proxy) validate() error {
	if p.UserIDHeader == "" {
		return fmt.Errorf("proxy user_id_header is required")
	}
	if p.Signature.Header == "" || p.Signature.SecretRef == "" {
		return fmt.Errorf("proxy signature header and secret_ref are required")
	}
	if p.Signature.Algorithm != "hmac-sha256" {
		return fmt.Errorf("unknown proxy signature algorithm %q", p.Signature.Algorithm)
	}
	return nil
}

func (p Persistence) validate() error {
	switch p.Backend {
	case "sqlite":
		if p.Path == "" {
			return fmt.Errorf("sqlite persistence requires a path")
		}
	case "redis":
		if p.RedisURL == "" {
			return fmt.Errorf("redis persistence requires a redis_url")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown persistence backend %q", p.Backend)
	}
	if p.EncryptionKeyRef == "" && p.Backend != "memory" {
		return fmt.Errorf("persistence requires an encryption_key_ref")
	}
	return nil
}
