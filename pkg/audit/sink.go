// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit defines the event sink the auth core emits security events
// through. Backends (files, collectors, SIEMs) live outside the auth core;
// callers inject a Sink and the default writes structured log lines.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mxcp/mxcp-auth/pkg/logger"
)

// EventType identifies an auditable auth-core event.
type EventType string

// Auditable events. The set is closed; new events require a new constant.
const (
	EventAuthorizationStarted    EventType = "authorization_started"
	EventAuthorizationCompleted  EventType = "authorization_completed"
	EventTokenIssued             EventType = "token_issued"
	EventTokenRefreshed          EventType = "token_refreshed"
	EventSessionRevoked          EventType = "session_revoked"
	EventAuthenticationSucceeded EventType = "authentication_succeeded"
	EventAuthenticationFailed    EventType = "authentication_failed"
	EventScopeDenied             EventType = "scope_denied"
	EventTokenExchanged          EventType = "token_exchanged"
	EventTamperDetected          EventType = "tamper_detected"
	EventScopeVocabularyWarning  EventType = "scope_vocabulary_warning"
)

// Event is a single audit record. It never carries token material or PII
// beyond stable identifiers.
type Event struct {
	// ID correlates the event across log pipelines. Sinks assign one when
	// empty.
	ID        string
	Type      EventType
	Time      time.Time
	SessionID string
	ClientID  string
	UserID    string
	Provider  string
	Scopes    []string
	Outcome   string
	Detail    string
}

// Sink receives audit events. Implementations must be safe for concurrent
// use and must not block request handling; slow backends should buffer.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// LogSink writes audit events as structured log entries. Tamper events are
// logged at warn, everything else at info.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger falls back to the package
// logger singleton.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = logger.Get()
	}
	return &LogSink{log: log}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	attrs := []any{
		"event", string(event.Type),
		"event_id", event.ID,
		"outcome", event.Outcome,
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.ClientID != "" {
		attrs = append(attrs, "client_id", event.ClientID)
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id", event.UserID)
	}
	if event.Provider != "" {
		attrs = append(attrs, "provider", event.Provider)
	}
	if len(event.Scopes) > 0 {
		attrs = append(attrs, "scopes", event.Scopes)
	}
	if event.Detail != "" {
		attrs = append(attrs, "detail", event.Detail)
	}

	level := slog.LevelInfo
	if event.Type == EventTamperDetected {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "audit", attrs...)
}

// NopSink discards all events. Used in tests.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, Event) {}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = NopSink{}
)
