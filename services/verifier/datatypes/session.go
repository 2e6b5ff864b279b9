// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the records and API payloads shared by the
// verification engine's packages.
package datatypes

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Session lifecycle
// =============================================================================

// SessionStatus is the state of a verification session.
type SessionStatus string

const (
	// StatusPending is transient; a created session immediately advances.
	StatusPending SessionStatus = "pending"

	// StatusInProgress means challenges were issued and the sealed secret exists.
	StatusInProgress SessionStatus = "in_progress"

	StatusPassed  SessionStatus = "passed"
	StatusFailed  SessionStatus = "failed"
	StatusExpired SessionStatus = "expired"
)

// IsTerminal reports whether the status can never change again
// (apart from the scoring claim finalizing failed into its final outcome).
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPassed, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// FailureUndeterminable marks a session whose secret could not be opened.
const FailureUndeterminable = "undeterminable"

// SessionRecord is the long-lived, durable part of a verification session.
//
// # Description
//
// The expected answers are NOT part of this record. They live in a separate
// sealed secret owned by the store, which exists only while the session is
// in_progress and is released by the transition into a terminal state.
//
// # Fields
//
//   - Claim: scoring claim token, set when a respond call wins the CAS.
//     Internal; never serialized into API responses (see SessionSnapshot).
type SessionRecord struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	CompetitionID   string        `json:"competition_id,omitempty"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	TotalScore      int           `json:"total_score"`
	SpeedScore      int           `json:"speed_score"`
	StructuredScore int           `json:"structured_score"`
	BehavioralScore int           `json:"behavioral_score"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	Claim           string        `json:"claim,omitempty"`
}

// SessionScores groups the aggregated scores written at finalization.
type SessionScores struct {
	Total      int `json:"total"`
	Speed      int `json:"speed"`
	Structured int `json:"structured"`
	Behavioral int `json:"behavioral"`
}

// SessionPatch describes a conditional update of a SessionRecord.
//
// # Description
//
// Stores apply a patch only when the record's current status equals the
// expected status passed alongside it (and, when ExpectClaim is set, the
// stored claim matches). Nil pointer fields are left untouched.
//
// # Fields
//
//   - Status: the new status. Required.
//   - ExpectClaim: additional precondition on the stored claim token.
//   - Claim: new claim token.
//   - Challenges: challenge outcomes applied in the same atomic step.
type SessionPatch struct {
	Status        SessionStatus
	ExpectClaim   string
	Claim         *string
	CompletedAt   *time.Time
	Scores        *SessionScores
	FailureReason *string
	Challenges    []ChallengeOutcome
}

// Apply writes the patch fields onto the record.
func (r *SessionRecord) Apply(p SessionPatch) {
	r.Status = p.Status
	if p.Claim != nil {
		r.Claim = *p.Claim
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		r.CompletedAt = &t
	}
	if p.Scores != nil {
		r.TotalScore = p.Scores.Total
		r.SpeedScore = p.Scores.Speed
		r.StructuredScore = p.Scores.Structured
		r.BehavioralScore = p.Scores.Behavioral
	}
	if p.FailureReason != nil {
		r.FailureReason = *p.FailureReason
	}
}

// Matches reports whether the record satisfies the patch preconditions.
func (r *SessionRecord) Matches(expected SessionStatus, p SessionPatch) bool {
	if r.Status != expected {
		return false
	}
	if p.ExpectClaim != "" && r.Claim != p.ExpectClaim {
		return false
	}
	return true
}

// =============================================================================
// Challenges
// =============================================================================

// ChallengeType identifies one of the four challenge modalities.
type ChallengeType string

const (
	ChallengeSpeedArithmetic  ChallengeType = "speed_arithmetic"
	ChallengeSpeedJSONParse   ChallengeType = "speed_json_parse"
	ChallengeStructuredOutput ChallengeType = "structured_output"
	ChallengeBehavioralTiming ChallengeType = "behavioral_timing"
)

// AllChallengeTypes lists the modalities in issue order.
var AllChallengeTypes = []ChallengeType{
	ChallengeSpeedArithmetic,
	ChallengeSpeedJSONParse,
	ChallengeStructuredOutput,
	ChallengeBehavioralTiming,
}

// Valid reports whether t is a known modality.
func (t ChallengeType) Valid() bool {
	for _, known := range AllChallengeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ChallengeRecord is the persisted per-modality row of a session.
//
// Expected answers are never stored here, so reading a ChallengeRecord
// alone never leaks the answer key.
type ChallengeRecord struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	Type           ChallengeType   `json:"challenge_type"`
	TimeLimitMs    int64           `json:"time_limit_ms"`
	Payload        json.RawMessage `json:"payload"`
	ActualAnswer   json.RawMessage `json:"actual_answer,omitempty"`
	Passed         bool            `json:"passed"`
	Score          int             `json:"score"`
	ResponseTimeMs int64           `json:"response_time_ms"`
	Details        map[string]any  `json:"details,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ChallengeOutcome is the scoring result applied to one ChallengeRecord.
type ChallengeOutcome struct {
	ChallengeID    string
	ActualAnswer   json.RawMessage
	Passed         bool
	Score          int
	ResponseTimeMs int64
	Details        map[string]any
}

// Apply records the outcome on the challenge row.
func (c *ChallengeRecord) Apply(o ChallengeOutcome, at time.Time) {
	c.ActualAnswer = o.ActualAnswer
	c.Passed = o.Passed
	c.Score = o.Score
	c.ResponseTimeMs = o.ResponseTimeMs
	c.Details = o.Details
	t := at
	c.CompletedAt = &t
}

// =============================================================================
// Agent history and status
// =============================================================================

// VerificationHistory is the per-agent running summary of completed sessions.
type VerificationHistory struct {
	AgentID            string    `json:"agent_id"`
	TotalVerifications int       `json:"total_verifications"`
	TotalPasses        int       `json:"total_passes"`
	AverageScore       float64   `json:"average_score"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Record folds one completed session into the history.
//
// # Description
//
// Uses the incremental mean newAvg = (oldAvg*oldCount + score)/(oldCount+1),
// so the stored average stays the arithmetic mean of every recorded score.
// Stores call this inside their atomic per-agent update.
func (h VerificationHistory) Record(score int, passed bool, at time.Time) VerificationHistory {
	n := float64(h.TotalVerifications)
	h.AverageScore = (h.AverageScore*n + float64(score)) / (n + 1)
	h.TotalVerifications++
	if passed {
		h.TotalPasses++
	}
	h.UpdatedAt = at
	return h
}

// AgentVerificationStatus is the verification standing of an agent.
type AgentVerificationStatus string

const (
	AgentUnverified AgentVerificationStatus = "unverified"
	AgentVerified   AgentVerificationStatus = "verified"

	// AgentFlagged blocks automatic retries until a manual review.
	AgentFlagged AgentVerificationStatus = "flagged"
)

// AgentStatus is the verification standing stored per agent.
type AgentStatus struct {
	AgentID            string                  `json:"agent_id"`
	Status             AgentVerificationStatus `json:"status"`
	LastVerifiedAt     *time.Time              `json:"last_verified_at,omitempty"`
	SuspiciousFailures int                     `json:"suspicious_failures"`
	ReviewNote         string                  `json:"review_note,omitempty"`
	ReviewedAt         *time.Time              `json:"reviewed_at,omitempty"`
	UpdatedAt          time.Time               `json:"updated_at"`
}

// VerifiedAt reports whether the agent holds a verification still valid at
// now for the given validity window.
func (s AgentStatus) VerifiedAt(now time.Time, validity time.Duration) bool {
	if s.Status != AgentVerified || s.LastVerifiedAt == nil {
		return false
	}
	return now.Sub(*s.LastVerifiedAt) < validity
}
