// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsThroughWrapping(t *testing.T) {
	t.Parallel()

	base := New(KindInvalidGrant, "code already consumed")
	wrapped := fmt.Errorf("exchanging auth code: %w", base)

	assert.Equal(t, KindInvalidGrant, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindInvalidGrant))
	assert.False(t, Is(wrapped, KindTamper))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestRetriableFlagSurvivesWrapping(t *testing.T) {
	t.Parallel()

	err := Retriable(KindProviderError, "idp unreachable", errors.New("dial tcp: timeout"))
	wrapped := fmt.Errorf("refreshing grant: %w", err)

	assert.True(t, IsRetriable(wrapped))
	assert.False(t, IsRetriable(New(KindProviderError, "bad gateway")))
}

func TestUnwrapExposesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("cipher: message authentication failed")
	err := Wrap(KindTamper, "decrypting provider grant", cause)

	assert.ErrorIs(t, err, cause)
}

func TestOAuthCodeMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		code string
	}{
		{KindInvalidRequest, "invalid_request"},
		{KindInvalidGrant, "invalid_grant"},
		{KindInvalidScope, "invalid_scope"},
		{KindAccessDenied, "access_denied"},
		{KindForbidden, "insufficient_scope"},
		{KindUnauthorized, "invalid_token"},
		{KindTamper, "invalid_token"},
		{KindProviderError, "temporarily_unavailable"},
		{KindDownstreamUnavailable, "temporarily_unavailable"},
		{KindInternal, "server_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, OAuthCode(tt.kind), "kind %s", tt.kind)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindInvalidGrant))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindTamper))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindForbidden))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(KindProviderError))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindDownstreamUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}

func TestSanitizedDescriptionNeverNamesInternals(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{
		KindInvalidRequest, KindInvalidGrant, KindInvalidScope, KindAccessDenied,
		KindForbidden, KindUnauthorized, KindProviderError,
		KindDownstreamUnavailable, KindTamper, KindInternal,
	} {
		desc := SanitizedDescription(kind)
		assert.NotEmpty(t, desc)
		assert.NotContains(t, desc, "session")
		assert.NotContains(t, desc, "expired")
	}
}
