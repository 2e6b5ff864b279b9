// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/agentverify/pkg/validation"
)

// apiValidate is the validator instance for API payloads.
// Initialized in init() with custom validators.
var apiValidate *validator.Validate

func init() {
	apiValidate = validator.New()
	_ = apiValidate.RegisterValidation("identifier", validateIdentifier)
}

// validateIdentifier rejects IDs that are unsafe as storage key segments.
func validateIdentifier(fl validator.FieldLevel) bool {
	return validation.IsIdentifier(fl.Field().String())
}

// ValidateIdentifier checks a bare identifier (path parameters).
func ValidateIdentifier(id string) error {
	if err := apiValidate.Var(id, "required,max=128,identifier"); err != nil {
		return fmt.Errorf("invalid identifier %q: %w", id, err)
	}
	return nil
}

// =============================================================================
// Requests
// =============================================================================

// StartRequest is the body of POST /v1/verification/start.
type StartRequest struct {
	AgentID       string `json:"agent_id" validate:"required,max=128,identifier"`
	CompetitionID string `json:"competition_id,omitempty" validate:"omitempty,max=128,identifier"`
}

// Validate validates the StartRequest fields.
func (r *StartRequest) Validate() error {
	return apiValidate.Struct(r)
}

// RespondRequest is the body of POST /v1/verification/sessions/:id/respond.
//
// # Description
//
// Answers is keyed by challenge type. Each value keeps its raw JSON so that
// a malformed modality only zeroes that modality instead of rejecting the
// whole submission. Fewer than four modalities is allowed.
//
// DurationsMs optionally reports how long the examinee spent on each timed
// modality. A reported duration is only ever used to shorten the
// server-measured elapsed time of that modality, never to extend it.
type RespondRequest struct {
	Answers     map[ChallengeType]json.RawMessage `json:"answers" validate:"required,max=4"`
	DurationsMs map[ChallengeType]int64           `json:"durations_ms,omitempty" validate:"omitempty,max=4,dive,gte=0"`
}

// Validate validates the RespondRequest fields.
func (r *RespondRequest) Validate() error {
	if err := apiValidate.Struct(r); err != nil {
		return err
	}
	for k := range r.Answers {
		if !k.Valid() {
			return fmt.Errorf("unknown challenge type %q", k)
		}
	}
	for k := range r.DurationsMs {
		if !k.Valid() {
			return fmt.Errorf("unknown challenge type %q in durations", k)
		}
	}
	return nil
}

// ReviewRequest is the body of POST /v1/verification/agents/:id/review.
type ReviewRequest struct {
	Note string `json:"note" validate:"required,max=500"`
}

// Validate validates the ReviewRequest fields.
func (r *ReviewRequest) Validate() error {
	return apiValidate.Struct(r)
}

// =============================================================================
// Responses
// =============================================================================

// PublicChallenge is what the examinee receives for one modality.
// TimeLimitMs is 0 for modalities without a time limit.
type PublicChallenge struct {
	ID          string          `json:"id"`
	Type        ChallengeType   `json:"type"`
	TimeLimitMs int64           `json:"time_limit_ms"`
	Data        json.RawMessage `json:"data"`
}

// StartResponse is returned by start. Exactly one of the two shapes is set:
// a new session, or AlreadyVerified with a message.
type StartResponse struct {
	SessionID       string            `json:"session_id,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	Challenges      []PublicChallenge `json:"challenges,omitempty"`
	AlreadyVerified bool              `json:"already_verified,omitempty"`
	Message         string            `json:"message,omitempty"`
}

// ChallengeResult is the per-modality breakdown of a scored session.
type ChallengeResult struct {
	Type           ChallengeType  `json:"type"`
	Passed         bool           `json:"passed"`
	Score          int            `json:"score"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	HardFail       bool           `json:"hard_fail,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// RespondResponse is returned for every scored outcome, pass or fail.
type RespondResponse struct {
	SessionID        string                  `json:"session_id"`
	Status           SessionStatus           `json:"status"`
	Passed           bool                    `json:"passed"`
	TotalScore       int                     `json:"total_score"`
	SpeedScore       int                     `json:"speed_score"`
	StructuredScore  int                     `json:"structured_score"`
	BehavioralScore  int                     `json:"behavioral_score"`
	ChallengeResults []ChallengeResult       `json:"challenge_results"`
	AgentStatus      AgentVerificationStatus `json:"agent_status,omitempty"`
}

// SessionSnapshot is the read-only view of a session. It omits the claim
// token and never carries expected answers.
type SessionSnapshot struct {
	ID              string            `json:"id"`
	AgentID         string            `json:"agent_id"`
	CompetitionID   string            `json:"competition_id,omitempty"`
	Status          SessionStatus     `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	TotalScore      int               `json:"total_score"`
	SpeedScore      int               `json:"speed_score"`
	StructuredScore int               `json:"structured_score"`
	BehavioralScore int               `json:"behavioral_score"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	Challenges      []ChallengeRecord `json:"challenges,omitempty"`
}

// Snapshot builds the public view of a record.
func (r SessionRecord) Snapshot(challenges []ChallengeRecord) SessionSnapshot {
	return SessionSnapshot{
		ID:              r.ID,
		AgentID:         r.AgentID,
		CompetitionID:   r.CompetitionID,
		Status:          r.Status,
		StartedAt:       r.StartedAt,
		ExpiresAt:       r.ExpiresAt,
		CompletedAt:     r.CompletedAt,
		TotalScore:      r.TotalScore,
		SpeedScore:      r.SpeedScore,
		StructuredScore: r.StructuredScore,
		BehavioralScore: r.BehavioralScore,
		FailureReason:   r.FailureReason,
		Challenges:      challenges,
	}
}

// AgentHistoryResponse is returned by getAgentHistory.
type AgentHistoryResponse struct {
	History        VerificationHistory `json:"history"`
	Status         AgentStatus         `json:"status"`
	RecentSessions []SessionSnapshot   `json:"recent_sessions"`
}
