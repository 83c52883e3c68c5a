// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// Token namespace prefixes. The prefix plus 256 bits of entropy prevents a
// token minted for one family from ever resolving in another.
const (
	accessTokenPrefix  = "mxcp_at_"
	refreshTokenPrefix = "mxcp_rt_"
	authCodePrefix     = "mxcp_ac_"

	tokenEntropyBytes = 32
)

// mintToken produces an opaque token: prefix plus 32 random bytes encoded
// base64url without padding.
func mintToken(prefix string) (string, error) {
	raw := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading token entropy: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// newRandomID produces an unprefixed opaque identifier for sessions and
// handshake states.
func newRandomID() (string, error) {
	raw := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading id entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// hasTokenPrefix reports whether the raw token belongs to the family. The
// check is a cheap pre-filter; the fingerprint lookup is still authoritative.
func hasTokenPrefix(raw, prefix string) bool {
	return strings.HasPrefix(raw, prefix) && len(raw) > len(prefix)
}

// verifyPKCES256 checks a code verifier against the S256 challenge recorded
// at authorize time, per RFC 7636 Section 4.6.
func verifyPKCES256(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	derived := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
