// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package scopes translates identity-provider claims into the internal MXCP
// scope vocabulary.
//
// The mapper is a pure function: given a mapping configuration, a set of
// granted provider scopes, and the normalized claims of a user, it produces
// a deterministic, sorted set of MXCP scopes. Unknown provider labels are
// ignored so that IdP taxonomy drift never breaks a deployment.
package scopes

import (
	"encoding/json"
	"slices"

	"github.com/tidwall/gjson"
)

// Canonical claim keys adapters normalize provider-specific locations into
// (e.g. Keycloak's realm_access.roles becomes "roles").
const (
	ClaimGroups = "groups"
	ClaimRoles  = "roles"
)

// Mapping is the declarative claim-to-scope translation for one provider.
//
// Each source is an associative map from an external label to one or more
// MXCP scopes. Claims matchers are keyed by a gjson path into the raw claims
// document, then by the value the path must equal.
type Mapping struct {
	// Scopes maps a granted provider scope to MXCP scopes.
	Scopes map[string][]string `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	// Groups maps a group membership to MXCP scopes.
	Groups map[string][]string `yaml:"groups,omitempty" json:"groups,omitempty"`

	// Roles maps a role to MXCP scopes.
	Roles map[string][]string `yaml:"roles,omitempty" json:"roles,omitempty"`

	// Claims maps a claim path to value matchers, each yielding MXCP scopes.
	Claims map[string]map[string][]string `yaml:"claims,omitempty" json:"claims,omitempty"`
}

// IsZero reports whether the mapping has no rules at all.
func (m Mapping) IsZero() bool {
	return len(m.Scopes) == 0 && len(m.Groups) == 0 && len(m.Roles) == 0 && len(m.Claims) == 0
}

// Vocabulary returns every MXCP scope the mapping can produce. Used to warn
// about endpoint-declared scopes no mapping rule can ever grant.
func (m Mapping) Vocabulary() []string {
	set := make(map[string]struct{})
	collect := func(rules map[string][]string) {
		for _, produced := range rules {
			for _, s := range produced {
				set[s] = struct{}{}
			}
		}
	}
	collect(m.Scopes)
	collect(m.Groups)
	collect(m.Roles)
	for _, matchers := range m.Claims {
		collect(matchers)
	}
	return sortedSet(set)
}

// Map translates granted provider scopes and normalized claims into MXCP
// scopes. Only granted scopes are translated; requested-but-denied scopes
// cannot yield entitlements. The result is the union across all sources,
// deduplicated and sorted for determinism.
func (m Mapping) Map(grantedScopes []string, claims map[string]any) []string {
	result := make(map[string]struct{})

	for _, scope := range grantedScopes {
		addAll(result, m.Scopes[scope])
	}

	for _, group := range stringList(claims[ClaimGroups]) {
		addAll(result, m.Groups[group])
	}

	for _, role := range stringList(claims[ClaimRoles]) {
		addAll(result, m.Roles[role])
	}

	if len(m.Claims) > 0 && len(claims) > 0 {
		// gjson paths let mappings reach into nested claim documents
		// without the mapper knowing provider shapes.
		raw, err := json.Marshal(claims)
		if err == nil {
			for path, matchers := range m.Claims {
				matchClaimPath(result, raw, path, matchers)
			}
		}
	}

	return sortedSet(result)
}

// matchClaimPath evaluates one claim-path matcher set against the raw claims
// document. A path that resolves to an array matches each element.
func matchClaimPath(result map[string]struct{}, raw []byte, path string, matchers map[string][]string) {
	value := gjson.GetBytes(raw, path)
	if !value.Exists() {
		return
	}

	if value.IsArray() {
		for _, elem := range value.Array() {
			addAll(result, matchers[elem.String()])
		}
		return
	}
	addAll(result, matchers[value.String()])
}

func addAll(set map[string]struct{}, values []string) {
	for _, v := range values {
		set[v] = struct{}{}
	}
}

// stringList coerces a normalized claim value into a string slice. Claims
// decoded from JSON arrive as []any.
func stringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, elem := range v {
			if s, ok := elem.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Contains reports whether scope is present in the sorted scope set.
func Contains(scopeSet []string, scope string) bool {
	_, found := slices.BinarySearch(scopeSet, scope)
	if found {
		return true
	}
	// Callers occasionally pass unsorted sets (e.g. decoded sessions).
	return slices.Contains(scopeSet, scope)
}

// Missing returns the required scopes absent from the granted set, in order.
func Missing(required, granted []string) []string {
	var missing []string
	for _, scope := range required {
		if !slices.Contains(granted, scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}
