// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/logger"
)

// VerifierConfig configures a VerifierAdapter.
type VerifierConfig struct {
	// Name is the stable provider identifier.
	Name string

	// IssuerURL enables OIDC keyset verification against a remote issuer.
	IssuerURL string

	// Audience is the expected aud claim. Required for issuer
	// verification; checked for static keys when set.
	Audience string

	// StaticKey enables local verification instead of issuer discovery:
	// an HMAC secret, or a PEM-encoded RSA public key.
	StaticKey string

	// HTTPClient overrides the client used for discovery.
	HTTPClient *http.Client
}

// VerifierAdapter validates bearer JWTs issued elsewhere. It does not
// participate in the code flow; the gateway runs as a pure resource server
// behind an external issuer.
type VerifierAdapter struct {
	name     string
	issuer   string
	audience string

	// Exactly one of the two is set.
	oidcVerifier *oidc.IDTokenVerifier
	staticKey    any
	staticAlgs   []string
}

var _ ProviderAdapter = (*VerifierAdapter)(nil)

// NewVerifierAdapter builds a verifier from either an OIDC issuer or a
// static key.
func NewVerifierAdapter(ctx context.Context, cfg VerifierConfig) (*VerifierAdapter, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}

	adapter := &VerifierAdapter{
		name:     cfg.Name,
		issuer:   cfg.IssuerURL,
		audience: cfg.Audience,
	}

	switch {
	case cfg.IssuerURL != "" && cfg.StaticKey != "":
		return nil, fmt.Errorf("provider %s: issuer url and static key are mutually exclusive", cfg.Name)

	case cfg.IssuerURL != "":
		if cfg.Audience == "" {
			return nil, fmt.Errorf("provider %s: audience is required for issuer verification", cfg.Name)
		}
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: 10 * time.Second}
		}
		oidcProvider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("provider %s: oidc discovery: %w", cfg.Name, err)
		}
		adapter.oidcVerifier = oidcProvider.Verifier(&oidc.Config{ClientID: cfg.Audience})

	case cfg.StaticKey != "":
		key, algs, err := parseStaticKey(cfg.StaticKey)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}
		adapter.staticKey = key
		adapter.staticAlgs = algs

	default:
		return nil, fmt.Errorf("provider %s: either issuer url or static key is required", cfg.Name)
	}

	logger.Infow("created verifier provider adapter",
		"provider", cfg.Name,
		"issuer", cfg.IssuerURL,
		"static_key", cfg.StaticKey != "",
	)
	return adapter, nil
}

// parseStaticKey interprets the key material: PEM-encoded RSA public keys
// verify RS256-family tokens, anything else is an HMAC secret.
func parseStaticKey(material string) (any, []string, error) {
	block, _ := pem.Decode([]byte(material))
	if block == nil {
		return []byte(material), []string{"HS256", "HS384", "HS512"}, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if cert, certErr := x509.ParseCertificate(block.Bytes); certErr == nil {
			parsed = cert.PublicKey
		} else {
			return nil, nil, fmt.Errorf("parsing public key: %w", err)
		}
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, nil, errors.New("static key must be an RSA public key or HMAC secret")
	}
	return rsaKey, []string{"RS256", "RS384", "RS512"}, nil
}

// Name returns the stable provider identifier.
func (a *VerifierAdapter) Name() string { return a.name }

// AuthorizeURL is unsupported; the verifier does not run a code flow.
func (a *VerifierAdapter) AuthorizeURL(string, string, []string, string, map[string]string) (string, error) {
	return "", autherr.New(autherr.KindInvalidRequest, "provider does not support the authorization code flow")
}

// ExchangeCode is unsupported.
func (a *VerifierAdapter) ExchangeCode(context.Context, string, string, string) (*ExternalGrantResult, error) {
	return nil, autherr.New(autherr.KindInvalidRequest, "provider does not support the authorization code flow")
}

// RefreshToken is unsupported.
func (a *VerifierAdapter) RefreshToken(context.Context, string, []string) (*ExternalGrantResult, error) {
	return nil, autherr.New(autherr.KindInvalidRequest, "provider does not support token refresh")
}

// Revoke is unsupported; the external issuer owns its tokens.
func (*VerifierAdapter) Revoke(context.Context, string, string) (bool, error) {
	return false, nil
}

// FetchUserInfo validates the bearer token and builds the profile from its
// claims. Any verification failure is reported as unauthorized without
// detail.
func (a *VerifierAdapter) FetchUserInfo(ctx context.Context, accessToken string) (*ExternalProfile, error) {
	if accessToken == "" {
		return nil, autherr.New(autherr.KindUnauthorized, "missing bearer token")
	}

	claims, err := a.verify(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	return &ExternalProfile{
		Subject: stringClaim(claims, "sub"),
		Name:    stringClaim(claims, "name"),
		Email:   stringClaim(claims, "email"),
		Claims:  claims,
	}, nil
}

func (a *VerifierAdapter) verify(ctx context.Context, raw string) (map[string]any, error) {
	if a.oidcVerifier != nil {
		idToken, err := a.oidcVerifier.Verify(ctx, raw)
		if err != nil {
			return nil, autherr.Wrap(autherr.KindUnauthorized, "token verification failed", err)
		}
		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			return nil, autherr.Wrap(autherr.KindUnauthorized, "parsing token claims", err)
		}
		return claims, nil
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(a.staticAlgs),
		jwt.WithExpirationRequired(),
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	mapClaims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, mapClaims, func(*jwt.Token) (any, error) {
		return a.staticKey, nil
	}, parserOpts...)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnauthorized, "token verification failed", err)
	}

	// Round-trip through JSON to get the same map[string]any shape the
	// OIDC path produces.
	data, err := json.Marshal(map[string]any(mapClaims))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "normalizing claims", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "normalizing claims", err)
	}
	return claims, nil
}
