// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package escalation decides an agent's verification standing after each
// completed session.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

// StatusStore is the subset of the session store the escalator needs.
type StatusStore interface {
	ListAgentSessions(ctx context.Context, agentID string, limit int) ([]datatypes.SessionRecord, error)
	GetAgentStatus(ctx context.Context, agentID string) (datatypes.AgentStatus, error)
	SetAgentStatus(ctx context.Context, st datatypes.AgentStatus) error
}

// Rules are the escalation thresholds.
type Rules struct {
	// SuspicionThreshold is the total score at or above which a failure is
	// suspicious (close enough to passing to look like probing).
	SuspicionThreshold int

	// EscalationCount is the suspicious failure that flags the agent (3 = third).
	EscalationCount int
}

// RulesFrom extracts the rules from a policy.
func RulesFrom(p config.Policy) Rules {
	return Rules{SuspicionThreshold: p.SuspicionThreshold, EscalationCount: p.EscalationCount}
}

// Outcome is a completed session as seen by escalation.
type Outcome struct {
	SessionID  string
	AgentID    string
	Passed     bool
	TotalScore int
	At         time.Time
}

// Suspicious reports whether a failed outcome counts toward escalation.
func (r Rules) Suspicious(o Outcome) bool {
	return !o.Passed && o.TotalScore >= r.SuspicionThreshold
}

// CountSuspicious counts failed sessions at or above the threshold,
// excluding excludeID and sessions started before since (the last review).
func (r Rules) CountSuspicious(sessions []datatypes.SessionRecord, excludeID string, since *time.Time) int {
	n := 0
	for _, s := range sessions {
		if s.ID == excludeID || s.Status != datatypes.StatusFailed {
			continue
		}
		if since != nil && s.StartedAt.Before(*since) {
			continue
		}
		if s.TotalScore >= r.SuspicionThreshold {
			n++
		}
	}
	return n
}

// Decide returns the agent's next status.
//
// # Description
//
//   - pass: verified, LastVerifiedAt = o.At.
//   - suspicious failure: flagged when prior+1 >= EscalationCount, else unverified.
//   - other failure: unverified.
//
// A flagged agent stays flagged whatever the outcome; only ReviewAgent
// clears the flag.
func (r Rules) Decide(prev datatypes.AgentStatus, o Outcome, priorSuspicious int) datatypes.AgentStatus {
	next := prev
	next.AgentID = o.AgentID
	next.UpdatedAt = o.At
	next.SuspiciousFailures = priorSuspicious

	if prev.Status == datatypes.AgentFlagged {
		if r.Suspicious(o) {
			next.SuspiciousFailures++
		}
		return next
	}

	switch {
	case o.Passed:
		at := o.At
		next.Status = datatypes.AgentVerified
		next.LastVerifiedAt = &at
	case r.Suspicious(o):
		next.SuspiciousFailures = priorSuspicious + 1
		if next.SuspiciousFailures >= r.EscalationCount {
			next.Status = datatypes.AgentFlagged
		} else {
			next.Status = datatypes.AgentUnverified
		}
	default:
		next.Status = datatypes.AgentUnverified
	}
	return next
}

// Escalator applies Rules against the store.
type Escalator struct {
	store StatusStore
}

// New creates an Escalator.
func New(store StatusStore) *Escalator {
	return &Escalator{store: store}
}

// Apply records o against the agent and returns the new status.
//
// # Description
//
// Counts prior suspicious failures from the agent's stored sessions (the
// current session is excluded even though it is already finalized), decides
// the next status and persists it.
func (e *Escalator) Apply(ctx context.Context, rules Rules, o Outcome) (datatypes.AgentStatus, error) {
	prev, err := e.store.GetAgentStatus(ctx, o.AgentID)
	if err != nil {
		return datatypes.AgentStatus{}, fmt.Errorf("load agent status: %w", err)
	}

	prior := 0
	if !o.Passed {
		sessions, err := e.store.ListAgentSessions(ctx, o.AgentID, 0)
		if err != nil {
			return datatypes.AgentStatus{}, fmt.Errorf("list agent sessions: %w", err)
		}
		prior = rules.CountSuspicious(sessions, o.SessionID, prev.ReviewedAt)
	}

	next := rules.Decide(prev, o, prior)
	if err := e.store.SetAgentStatus(ctx, next); err != nil {
		return datatypes.AgentStatus{}, fmt.Errorf("save agent status: %w", err)
	}

	if next.Status != prev.Status {
		slog.Info("Agent verification status changed",
			"agent_id", o.AgentID,
			"session_id", o.SessionID,
			"from", string(prev.Status),
			"to", string(next.Status),
			"suspicious_failures", next.SuspiciousFailures)
	}
	return next, nil
}

// Review clears a flag after manual review.
func (e *Escalator) Review(ctx context.Context, agentID, note string, at time.Time) (datatypes.AgentStatus, error) {
	st, err := e.store.GetAgentStatus(ctx, agentID)
	if err != nil {
		return datatypes.AgentStatus{}, fmt.Errorf("load agent status: %w", err)
	}
	reviewed := at
	st.AgentID = agentID
	st.Status = datatypes.AgentUnverified
	st.SuspiciousFailures = 0
	st.ReviewNote = note
	st.ReviewedAt = &reviewed
	st.UpdatedAt = at
	if err := e.store.SetAgentStatus(ctx, st); err != nil {
		return datatypes.AgentStatus{}, fmt.Errorf("save agent status: %w", err)
	}
	slog.Info("Agent reviewed", "agent_id", agentID)
	return st, nil
}
