// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets resolves secret references into secret material.
//
// The auth core never reads the environment or the filesystem directly for
// secret values; configuration carries references and this package resolves
// them at startup and on hot-reload signals. Supported reference schemes:
//
//	env://NAME                 value of the environment variable NAME
//	file:///path/to/secret     trimmed contents of the file
//	keyring://service/user     OS keyring entry (zalando/go-keyring)
//	inline:value               the literal value (development only)
package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/mxcp/mxcp-auth/pkg/logger"
)

// Reference scheme prefixes.
const (
	schemeEnv     = "env://"
	schemeFile    = "file://"
	schemeKeyring = "keyring://"
	schemeInline  = "inline:"
)

// Resolver resolves secret references and caches the results so that callers
// observe a consistent value between reloads. A failed re-resolution keeps
// the previously resolved value in place.
type Resolver struct {
	mu     sync.RWMutex
	cache  map[string]string
	getenv func(string) string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithGetenv injects the environment lookup function. Used by tests.
func WithGetenv(getenv func(string) string) ResolverOption {
	return func(r *Resolver) {
		r.getenv = getenv
	}
}

// NewResolver creates an empty resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:  make(map[string]string),
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the secret material for ref, resolving and caching it on
// first use. An empty ref resolves to an empty value.
func (r *Resolver) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}

	r.mu.RLock()
	value, ok := r.cache[ref]
	r.mu.RUnlock()
	if ok {
		return value, nil
	}

	value, err := resolve(ref, r.getenv)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[ref] = value
	r.mu.Unlock()
	return value, nil
}

// Reresolve re-reads every cached reference from its source. References that
// fail to resolve keep their previous values; the first failure is returned
// after all references have been attempted. This is the hot-reload hook: no
// silent downgrade, no partial wipe.
func (r *Resolver) Reresolve() error {
	r.mu.Lock()
	refs := make([]string, 0, len(r.cache))
	for ref := range r.cache {
		refs = append(refs, ref)
	}
	r.mu.Unlock()

	var firstErr error
	for _, ref := range refs {
		value, err := resolve(ref, r.getenv)
		if err != nil {
			logger.Warnw("secret re-resolution failed, keeping previous value",
				"scheme", schemeOf(ref), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.mu.Lock()
		r.cache[ref] = value
		r.mu.Unlock()
	}
	return firstErr
}

// resolve dereferences a single secret reference.
func resolve(ref string, getenv func(string) string) (string, error) {
	switch {
	case strings.HasPrefix(ref, schemeEnv):
		name := strings.TrimPrefix(ref, schemeEnv)
		if name == "" {
			return "", fmt.Errorf("secret reference %q: empty variable name", schemeEnv)
		}
		value := getenv(name)
		if value == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return value, nil

	case strings.HasPrefix(ref, schemeFile):
		path := strings.TrimPrefix(ref, schemeFile)
		if path == "" {
			return "", fmt.Errorf("secret reference %q: empty path", schemeFile)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil

	case strings.HasPrefix(ref, schemeKeyring):
		rest := strings.TrimPrefix(ref, schemeKeyring)
		service, user, ok := strings.Cut(rest, "/")
		if !ok || service == "" || user == "" {
			return "", fmt.Errorf("secret reference %q: want keyring://service/user", schemeKeyring)
		}
		value, err := keyring.Get(service, user)
		if err != nil {
			return "", fmt.Errorf("reading keyring entry: %w", err)
		}
		return value, nil

	case strings.HasPrefix(ref, schemeInline):
		return strings.TrimPrefix(ref, schemeInline), nil

	default:
		return "", fmt.Errorf("unknown secret reference scheme in %q", schemeOf(ref))
	}
}

// schemeOf returns only the scheme portion of a reference, safe to log.
func schemeOf(ref string) string {
	if i := strings.Index(ref, ":"); i >= 0 {
		return ref[:i+1]
	}
	return "<none>"
}
