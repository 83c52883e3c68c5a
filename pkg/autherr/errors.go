// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package autherr defines the error taxonomy for the auth core and its
// mapping onto RFC 6749 wire errors.
//
// Kinds classify failures; they are not Go types. Every error that crosses a
// package boundary inside the auth core carries a kind so that HTTP handlers
// and the middleware can translate it without string matching.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an auth-core failure.
type Kind string

// The full taxonomy. Descriptions sent to clients are sanitized; the detailed
// message stays in logs.
const (
	// KindInvalidRequest is malformed client input: missing parameter, bad
	// redirect, unknown client.
	KindInvalidRequest Kind = "invalid_request"

	// KindInvalidGrant covers codes or refresh tokens that are not found,
	// already consumed, expired, or bound to a different client/redirect.
	KindInvalidGrant Kind = "invalid_grant"

	// KindInvalidScope is a requested scope outside the allowed set.
	KindInvalidScope Kind = "invalid_scope"

	// KindAccessDenied means the user or policy refused.
	KindAccessDenied Kind = "access_denied"

	// KindForbidden means authenticated but lacking an MXCP scope.
	KindForbidden Kind = "forbidden"

	// KindUnauthorized means no valid credential was presented.
	KindUnauthorized Kind = "unauthorized"

	// KindProviderError means the upstream IdP returned an error or is
	// unreachable.
	KindProviderError Kind = "provider_error"

	// KindDownstreamUnavailable means a token exchange failed.
	KindDownstreamUnavailable Kind = "downstream_unavailable"

	// KindTamper covers decryption failure, signature failure, and PKCE
	// mismatch. Sessions hit by tamper are revoked.
	KindTamper Kind = "tamper"

	// KindInternal is a programming error.
	KindInternal Kind = "internal"
)

// Error is a classified auth-core error.
type Error struct {
	// Kind is the taxonomy classification.
	Kind Kind

	// Message is an operator-facing description. It must never contain
	// tokens or PII beyond identifiers.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Retriable marks transient failures that a caller may retry.
	Retriable bool
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Retriable creates a classified error marked as transient.
func Retriable(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Retriable: true}
}

// KindOf extracts the kind from err, defaulting to KindInternal for
// unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetriable reports whether err is marked as transient.
func IsRetriable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retriable
}

// OAuthCode maps a kind onto an RFC 6749 §5.2 error code. Kinds that are not
// part of the OAuth error vocabulary collapse onto the closest spec value so
// that clients never see internal classifications.
func OAuthCode(kind Kind) string {
	switch kind {
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindInvalidScope:
		return "invalid_scope"
	case KindAccessDenied:
		return "access_denied"
	case KindForbidden:
		return "insufficient_scope"
	case KindUnauthorized, KindTamper:
		return "invalid_token"
	case KindProviderError, KindDownstreamUnavailable:
		return "temporarily_unavailable"
	default:
		return "server_error"
	}
}

// HTTPStatus maps a kind onto the HTTP status the handlers respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindInvalidGrant, KindInvalidScope:
		return http.StatusBadRequest
	case KindUnauthorized, KindTamper:
		return http.StatusUnauthorized
	case KindAccessDenied, KindForbidden:
		return http.StatusForbidden
	case KindProviderError:
		return http.StatusBadGateway
	case KindDownstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SanitizedDescription returns the client-facing error_description for a
// kind. It never reveals whether a session exists, whether a token is expired
// versus missing, or any internal identifier.
func SanitizedDescription(kind Kind) string {
	switch kind {
	case KindInvalidRequest:
		return "the request is missing a required parameter or is otherwise malformed"
	case KindInvalidGrant:
		return "the provided authorization grant is invalid"
	case KindInvalidScope:
		return "the requested scope is invalid or exceeds the granted scope"
	case KindAccessDenied:
		return "the resource owner or authorization server denied the request"
	case KindForbidden:
		return "the request requires higher privileges"
	case KindUnauthorized, KindTamper:
		return "the access token provided is invalid"
	case KindProviderError, KindDownstreamUnavailable:
		return "the authorization server is temporarily unable to handle the request"
	default:
		return "an internal error occurred"
	}
}
