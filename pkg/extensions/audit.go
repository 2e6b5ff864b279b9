// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Audit event types.
const (
	EventSessionStarted   = "verification.started"
	EventSessionScored    = "verification.scored"
	EventSessionExpired   = "verification.expired"
	EventSessionRejected  = "verification.rejected"
	EventAgentFlagged     = "agent.flagged"
	EventAgentReviewed    = "agent.reviewed"
	EventAccessDenied     = "authz.denied"
	EventSecretUnreadable = "verification.undeterminable"
)

// AuditEvent is one verification decision.
//
// # Fields
//
//   - EventType: one of the Event* constants.
//   - UserID: caller, "system" for internal actions.
//   - AgentID, SessionID: subjects of the decision.
//   - Outcome: "success", "failure", "blocked" or "error".
//   - Metadata: scores, reasons. Never secrets or expected answers.
type AuditEvent struct {
	EventType string
	Timestamp time.Time
	UserID    string
	AgentID   string
	SessionID string
	Outcome   string
	Metadata  map[string]any
}

// AuditFilter selects events in Query. Zero fields match everything.
type AuditFilter struct {
	EventTypes []string
	AgentID    string
	Limit      int
}

// AuditLogger records verification decisions.
//
// Log must return quickly. Failures are logged by the caller and never
// change a verification outcome.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

func (l *NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// SlogAuditLogger writes events to a slog.Logger under the "audit" group
// and keeps the most recent ones in a bounded buffer for Query.
//
// # Thread Safety
//
// Safe for concurrent use.
type SlogAuditLogger struct {
	logger   *slog.Logger
	mu       sync.Mutex
	events   []AuditEvent
	capacity int
}

// NewSlogAuditLogger creates an audit logger. A nil logger uses
// slog.Default(); capacity <= 0 keeps 1000 events.
func NewSlogAuditLogger(logger *slog.Logger, capacity int) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = 1000
	}
	return &SlogAuditLogger{logger: logger, capacity: capacity}
}

// Log implements AuditLogger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		"event_type", event.EventType,
		"user_id", event.UserID,
		"agent_id", event.AgentID,
		"outcome", event.Outcome,
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}
	l.logger.InfoContext(ctx, "Audit event", slog.Group("audit", attrs...))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if over := len(l.events) - l.capacity; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
	return nil
}

// Query implements AuditLogger.
func (l *SlogAuditLogger) Query(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []AuditEvent{}
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if len(filter.EventTypes) > 0 && !slices.Contains(filter.EventTypes, e.EventType) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Flush implements AuditLogger. Events are written synchronously.
func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
