// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns the verification session lifecycle.
//
// # Description
//
// A session moves in_progress -> {passed, failed, expired} exactly once.
// The service holds no session state between calls: everything, including
// the sealed answer key, lives in the store, so any instance can serve any
// call. The one concurrency-critical rule, at most one successful scoring
// per session, is enforced by the store's UpdateIfStatus compare-and-swap.
//
// # Respond flow
//
//  1. terminal session: Conflict (replay)
//  2. past expiresAt: CAS in_progress -> expired, Expired, nothing scored
//  3. CAS in_progress -> failed with a fresh claim token; losing: Conflict
//  4. open the released secret, score, aggregate
//  5. CAS failed+claim -> final status with scores and challenge outcomes
//  6. escalate, update history, export
//
// A crash between 3 and 5 leaves the session failed with zero scores,
// never passed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/agentverify/pkg/extensions"
	"github.com/AleutianAI/agentverify/services/verifier/challenge"
	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
	"github.com/AleutianAI/agentverify/services/verifier/escalation"
	"github.com/AleutianAI/agentverify/services/verifier/observability"
	"github.com/AleutianAI/agentverify/services/verifier/scoring"
	"github.com/AleutianAI/agentverify/services/verifier/secret"
	"github.com/AleutianAI/agentverify/services/verifier/store"
	"github.com/AleutianAI/agentverify/services/verifier/verifyerr"
)

var tracer = otel.Tracer("agentverify.session")

// systemUser is the audit identity of internal calls.
const systemUser = "system"

// AlreadyVerifiedMessage is returned by Start for agents holding a valid
// verification.
const AlreadyVerifiedMessage = "agent is already verified"

// =============================================================================
// Service
// =============================================================================

// Options wires the collaborators of a Service.
//
// # Fields
//
//   - Store, Crypto: required.
//   - Generator: nil creates one seeded from crypto/rand.
//   - Policy: nil uses config.DefaultPolicy().
//   - Clock: nil uses NewSystemClock().
//   - Extensions: ownership and audit; nil fields get the no-op defaults.
//   - Metrics: nil disables metrics.
//   - Sink: nil disables outcome export.
type Options struct {
	Store      store.Store
	Crypto     secret.Provider
	Generator  *challenge.Generator
	Policy     config.PolicySource
	Clock      Clock
	Extensions extensions.ServiceOptions
	Metrics    *observability.Metrics
	Sink       observability.OutcomeSink
}

// Service implements the session state machine.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Respond calls on one session are
// serialized by the store; exactly one wins.
type Service struct {
	store     store.Store
	crypto    secret.Provider
	gen       *challenge.Generator
	policy    config.PolicySource
	clock     Clock
	ownership extensions.AgentOwnership
	audit     extensions.AuditLogger
	metrics   *observability.Metrics
	sink      observability.OutcomeSink
	escalator *escalation.Escalator
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Crypto == nil {
		return nil, errors.New("session: crypto provider is required")
	}
	if opts.Generator == nil {
		opts.Generator = challenge.NewGenerator(nil)
	}
	if opts.Policy == nil {
		opts.Policy = config.StaticPolicy(config.DefaultPolicy())
	}
	if opts.Clock == nil {
		opts.Clock = NewSystemClock()
	}
	if opts.Sink == nil {
		opts.Sink = observability.NopSink{}
	}
	ext := opts.Extensions.Normalize()
	return &Service{
		store:     opts.Store,
		crypto:    opts.Crypto,
		gen:       opts.Generator,
		policy:    opts.Policy,
		clock:     opts.Clock,
		ownership: ext.Ownership,
		audit:     ext.AuditLogger,
		metrics:   opts.Metrics,
		sink:      opts.Sink,
		escalator: escalation.New(opts.Store),
	}, nil
}

// =============================================================================
// Start / Create
// =============================================================================

// Start opens a verification session for an agent the caller controls.
//
// # Description
//
// Checks, in order: request validity, agent ownership, a pending flag, and
// a verification still inside its validity window. Only then is a new
// session created.
//
// # Outputs
//
//   - StartResponse: a new session, or AlreadyVerified with a message.
//   - error: Validation, Forbidden, AgentFlagged, Internal.
func (s *Service) Start(ctx context.Context, user *extensions.AuthInfo, req datatypes.StartRequest) (datatypes.StartResponse, error) {
	ctx, span := tracer.Start(ctx, "session.Start",
		trace.WithAttributes(attribute.String("agent.id", req.AgentID)))
	defer span.End()

	resp, err := s.start(ctx, user, req)
	if err != nil {
		s.fail(span, "start", err)
		switch verifyerr.GetCode(err) {
		case verifyerr.CodeForbidden:
			s.metrics.RecordStart(observability.StartForbidden)
		case verifyerr.CodeAgentFlagged:
			s.metrics.RecordStart(observability.StartFlagged)
		case verifyerr.CodeValidation:
		default:
			s.metrics.RecordStart(observability.StartError)
		}
		return datatypes.StartResponse{}, err
	}
	if resp.AlreadyVerified {
		s.metrics.RecordStart(observability.StartAlreadyVerified)
	} else {
		s.metrics.RecordStart(observability.StartCreated)
		span.SetAttributes(attribute.String("session.id", resp.SessionID))
	}
	return resp, nil
}

func (s *Service) start(ctx context.Context, user *extensions.AuthInfo, req datatypes.StartRequest) (datatypes.StartResponse, error) {
	if err := req.Validate(); err != nil {
		return datatypes.StartResponse{}, verifyerr.Wrap(verifyerr.CodeValidation, "invalid start request", err)
	}
	if err := s.authorize(ctx, user, req.AgentID, ""); err != nil {
		return datatypes.StartResponse{}, err
	}

	now, err := s.now()
	if err != nil {
		return datatypes.StartResponse{}, err
	}
	policy := s.policy.Policy()

	st, err := s.store.GetAgentStatus(ctx, req.AgentID)
	if err != nil {
		return datatypes.StartResponse{}, verifyerr.Wrap(verifyerr.CodeInternal, "load agent status", err)
	}
	if st.Status == datatypes.AgentFlagged {
		s.auditLog(ctx, extensions.AuditEvent{
			EventType: extensions.EventSessionRejected,
			UserID:    userID(user),
			AgentID:   req.AgentID,
			Outcome:   "blocked",
			Metadata:  map[string]any{"reason": "agent_flagged"},
		})
		return datatypes.StartResponse{}, verifyerr.WithDetails(verifyerr.CodeAgentFlagged,
			"agent is flagged pending manual review", map[string]string{"agent_id": req.AgentID})
	}
	if st.VerifiedAt(now, policy.VerifiedValidity) {
		slog.Info("Agent already verified", "agent_id", req.AgentID, "last_verified_at", st.LastVerifiedAt)
		return datatypes.StartResponse{AlreadyVerified: true, Message: AlreadyVerifiedMessage}, nil
	}

	resp, err := s.create(ctx, req.AgentID, req.CompetitionID, now, policy)
	if err != nil {
		return datatypes.StartResponse{}, err
	}
	s.auditLog(ctx, extensions.AuditEvent{
		EventType: extensions.EventSessionStarted,
		UserID:    userID(user),
		AgentID:   req.AgentID,
		SessionID: resp.SessionID,
		Outcome:   "success",
	})
	return resp, nil
}

// Create generates, seals and persists a new session without any
// ownership or status checks.
//
// # Outputs
//
//   - StartResponse: session ID, expiry and the public challenges only.
//   - error: Validation for bad IDs, Internal otherwise.
func (s *Service) Create(ctx context.Context, agentID, competitionID string) (datatypes.StartResponse, error) {
	ctx, span := tracer.Start(ctx, "session.Create")
	defer span.End()

	req := datatypes.StartRequest{AgentID: agentID, CompetitionID: competitionID}
	if err := req.Validate(); err != nil {
		return datatypes.StartResponse{}, verifyerr.Wrap(verifyerr.CodeValidation, "invalid agent or competition id", err)
	}
	now, err := s.now()
	if err != nil {
		s.fail(span, "create", err)
		return datatypes.StartResponse{}, err
	}
	resp, err := s.create(ctx, agentID, competitionID, now, s.policy.Policy())
	if err != nil {
		s.fail(span, "create", err)
	}
	return resp, err
}

func (s *Service) create(ctx context.Context, agentID, competitionID string, now time.Time, policy config.Policy) (datatypes.StartResponse, error) {
	set, err := s.gen.Generate(policy)
	if err != nil {
		return datatypes.StartResponse{}, verifyerr.Wrap(verifyerr.CodeInternal, "generate challenges", err)
	}

	id := uuid.NewString()
	plaintext, err := set.Expected.Marshal()
	if err != nil {
		return datatypes.StartResponse{}, verifyerr.Wrap(verifyerr.CodeInternal, "encode answer key", err)
	}
	sealed, err := s.crypto.Seal(ctx, plaintext, []byte(id))
	memguard.WipeBytes(plaintext)
	if err != nil {
		return datatypes.StartResponse{}, verifyerr.Wrap(verifyerr.CodeCrypto, "seal answer key", err)
	}

	rec := datatypes.SessionRecord{
		ID:            id,
		AgentID:       agentID,
		CompetitionID: competitionID,
		Status:        datatypes.StatusInProgress,
		StartedAt:     now,
		ExpiresAt:     now.Add(policy.SessionTTL),
	}
	records := make([]datatypes.ChallengeRecord, len(set.Challenges))
	public := make([]datatypes.PublicChallenge, len(set.Challenges))
	for i, item := range set.Challenges {
		cid := uuid.NewString()
		records[i] = datatypes.ChallengeRecord{
			ID:          cid,
			SessionID:   id,
			Type:        item.Type,
			TimeLimitMs: item.TimeLimitMs,
			Payload:     item.Data,
		}
		public[i] = datatypes.PublicChallenge{
			ID:          cid,
			Type:        item.Type,
			TimeLimitMs: item.TimeLimitMs,
			Data:        item.Data,
		}
	}

	if err := s.store.CreateSession(ctx, rec, sealed, records); err != nil {
		return datatypes.StartResponse{}, verifyerr.Wrap(verifyerr.CodeInternal, "persist session", err)
	}

	slog.Info("Verification session created",
		"session_id", id,
		"agent_id", agentID,
		"competition_id", competitionID,
		"expires_at", rec.ExpiresAt)

	expires := rec.ExpiresAt
	return datatypes.StartResponse{
		SessionID:  id,
		ExpiresAt:  &expires,
		Challenges: public,
	}, nil
}

// =============================================================================
// Respond
// =============================================================================

// Respond scores a submission for a session.
//
// # Inputs
//
//   - user: caller; must own the session's agent (admins may act on any).
//   - sessionID: target session.
//   - req: answers keyed by challenge type; missing modalities score 0.
//
// # Outputs
//
//   - RespondResponse: full per-modality breakdown, pass or fail.
//   - error: Validation, NotFound, Forbidden, Conflict, Expired, Crypto,
//     Internal.
func (s *Service) Respond(ctx context.Context, user *extensions.AuthInfo, sessionID string, req datatypes.RespondRequest) (datatypes.RespondResponse, error) {
	ctx, span := tracer.Start(ctx, "session.Respond",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	resp, err := s.respond(ctx, user, sessionID, req)
	if err != nil {
		s.fail(span, "respond", err)
		return datatypes.RespondResponse{}, err
	}
	span.SetAttributes(
		attribute.Bool("verification.passed", resp.Passed),
		attribute.Int("verification.total_score", resp.TotalScore),
	)
	return resp, nil
}

func (s *Service) respond(ctx context.Context, user *extensions.AuthInfo, sessionID string, req datatypes.RespondRequest) (datatypes.RespondResponse, error) {
	if err := datatypes.ValidateIdentifier(sessionID); err != nil {
		return datatypes.RespondResponse{}, verifyerr.Wrap(verifyerr.CodeValidation, "invalid session id", err)
	}
	if err := req.Validate(); err != nil {
		return datatypes.RespondResponse{}, verifyerr.Wrap(verifyerr.CodeValidation, "invalid answers", err)
	}

	rec, err := s.getSession(ctx, sessionID)
	if err != nil {
		return datatypes.RespondResponse{}, err
	}
	if err := s.authorize(ctx, user, rec.AgentID, sessionID); err != nil {
		return datatypes.RespondResponse{}, err
	}
	if rec.Status != datatypes.StatusInProgress {
		s.metrics.RecordConflict()
		return datatypes.RespondResponse{}, s.replay(ctx, user, rec)
	}

	now, err := s.now()
	if err != nil {
		return datatypes.RespondResponse{}, err
	}
	if now.After(rec.ExpiresAt) {
		return datatypes.RespondResponse{}, s.expire(ctx, user, rec, now)
	}

	// Claim: the winner alone receives the sealed secret.
	claim := uuid.NewString()
	applied, sealed, err := s.store.UpdateIfStatus(ctx, sessionID, datatypes.StatusInProgress, datatypes.SessionPatch{
		Status:      datatypes.StatusFailed,
		Claim:       &claim,
		CompletedAt: &now,
	})
	if err != nil {
		return datatypes.RespondResponse{}, verifyerr.Wrap(verifyerr.CodeInternal, "claim session", err)
	}
	if !applied {
		s.metrics.RecordConflict()
		slog.Warn("Lost scoring claim", "session_id", sessionID, "agent_id", rec.AgentID)
		return datatypes.RespondResponse{}, verifyerr.Newf(verifyerr.CodeConflict,
			"session %s is already being scored", sessionID)
	}
	rec.Status = datatypes.StatusFailed
	rec.Claim = claim

	return s.score(ctx, user, rec, claim, sealed, req, now)
}

// score runs with the claim held. Every exit finalizes the session.
func (s *Service) score(
	ctx context.Context,
	user *extensions.AuthInfo,
	rec datatypes.SessionRecord,
	claim string,
	sealed []byte,
	req datatypes.RespondRequest,
	now time.Time,
) (datatypes.RespondResponse, error) {
	answers := req.Answers
	began := time.Now()
	policy := s.policy.Policy()

	expected, err := s.openSecret(ctx, sealed, rec.ID)
	if err != nil {
		return datatypes.RespondResponse{}, s.undeterminable(ctx, user, rec, claim, now, err)
	}

	challenges, err := s.store.GetChallenges(ctx, rec.ID)
	if err != nil {
		return datatypes.RespondResponse{}, verifyerr.Wrap(verifyerr.CodeInternal, "load challenges", err)
	}
	limits := make(map[datatypes.ChallengeType]int64, len(challenges))
	byType := make(map[datatypes.ChallengeType]string, len(challenges))
	for _, c := range challenges {
		limits[c.Type] = c.TimeLimitMs
		byType[c.Type] = c.ID
	}

	elapsedMs := now.Sub(rec.StartedAt).Milliseconds()
	results := scoring.New(policy).ScoreTimed(answers, expected,
		scoring.ModalityElapsed(elapsedMs, req.DurationsMs), limits)
	totals := scoring.NewAggregator(policy).Aggregate(results)

	status := datatypes.StatusFailed
	if totals.Passed {
		status = datatypes.StatusPassed
	}
	outcomes := make([]datatypes.ChallengeOutcome, 0, len(results))
	public := make([]datatypes.ChallengeResult, 0, len(results))
	modalityScores := make(map[string]int, len(results))
	for _, r := range results {
		outcomes = append(outcomes, datatypes.ChallengeOutcome{
			ChallengeID:    byType[r.Type],
			ActualAnswer:   answers[r.Type],
			Passed:         r.Passed,
			Score:          r.Score,
			ResponseTimeMs: r.ResponseTimeMs,
			Details:        r.Details,
		})
		public = append(public, r.Public())
		modalityScores[string(r.Type)] = r.Score
		if r.Anomaly != "" {
			s.metrics.RecordAnomaly(string(r.Type), r.Anomaly)
			slog.Warn("Scoring anomaly",
				"session_id", rec.ID,
				"agent_id", rec.AgentID,
				"challenge_type", string(r.Type),
				"anomaly", r.Anomaly)
		}
	}

	scores := totals.Scores()
	applied, _, err := s.store.UpdateIfStatus(ctx, rec.ID, datatypes.StatusFailed, datatypes.SessionPatch{
		Status:      status,
		ExpectClaim: claim,
		CompletedAt: &now,
		Scores:      &scores,
		Challenges:  outcomes,
	})
	if err != nil {
		return datatypes.RespondResponse{}, verifyerr.Wrap(verifyerr.CodeInternal, "finalize session", err)
	}
	if !applied {
		return datatypes.RespondResponse{}, verifyerr.Newf(verifyerr.CodeInternal,
			"session %s changed while claimed", rec.ID)
	}

	s.metrics.RecordCompleted(string(status))
	s.metrics.RecordScores(totals.Total, modalityScores, time.Since(began).Seconds())
	slog.Info("Verification session scored",
		"session_id", rec.ID,
		"agent_id", rec.AgentID,
		"status", string(status),
		"total_score", totals.Total,
		"speed_score", totals.Speed,
		"structured_score", totals.Structured,
		"behavioral_score", totals.Behavioral,
		"hard_fail", totals.HardFail,
		"elapsed_ms", elapsedMs)

	agentStatus := s.afterScoring(ctx, user, rec, totals, now)

	if err := s.sink.Record(ctx, observability.Outcome{
		SessionID:       rec.ID,
		AgentID:         rec.AgentID,
		CompetitionID:   rec.CompetitionID,
		Status:          string(status),
		Passed:          totals.Passed,
		TotalScore:      totals.Total,
		SpeedScore:      totals.Speed,
		StructuredScore: totals.Structured,
		BehavioralScore: totals.Behavioral,
		ElapsedMs:       elapsedMs,
		AgentStatus:     string(agentStatus),
		At:              now,
	}); err != nil {
		slog.Warn("Failed to export verification outcome", "session_id", rec.ID, "error", err)
	}

	return datatypes.RespondResponse{
		SessionID:        rec.ID,
		Status:           status,
		Passed:           totals.Passed,
		TotalScore:       totals.Total,
		SpeedScore:       totals.Speed,
		StructuredScore:  totals.Structured,
		BehavioralScore:  totals.Behavioral,
		ChallengeResults: public,
		AgentStatus:      agentStatus,
	}, nil
}

// afterScoring escalates and updates history. The session is already
// final, so failures here are logged and do not change the response.
func (s *Service) afterScoring(ctx context.Context, user *extensions.AuthInfo, rec datatypes.SessionRecord, totals scoring.Totals, now time.Time) datatypes.AgentVerificationStatus {
	policy := s.policy.Policy()

	var agentStatus datatypes.AgentVerificationStatus
	prev, _ := s.store.GetAgentStatus(ctx, rec.AgentID)
	st, err := s.escalator.Apply(ctx, escalation.RulesFrom(policy), escalation.Outcome{
		SessionID:  rec.ID,
		AgentID:    rec.AgentID,
		Passed:     totals.Passed,
		TotalScore: totals.Total,
		At:         now,
	})
	if err != nil {
		slog.Error("Failed to update agent status", "agent_id", rec.AgentID, "session_id", rec.ID, "error", err)
		s.metrics.RecordError("escalate", string(verifyerr.CodeInternal))
	} else {
		agentStatus = st.Status
		if st.Status == datatypes.AgentFlagged && prev.Status != datatypes.AgentFlagged {
			s.metrics.RecordFlagged()
			s.auditLog(ctx, extensions.AuditEvent{
				EventType: extensions.EventAgentFlagged,
				UserID:    systemUser,
				AgentID:   rec.AgentID,
				SessionID: rec.ID,
				Outcome:   "blocked",
				Metadata:  map[string]any{"suspicious_failures": st.SuspiciousFailures},
			})
		}
	}

	if _, err := s.store.AppendHistory(ctx, rec.AgentID, totals.Total, totals.Passed, now); err != nil {
		slog.Error("Failed to append verification history", "agent_id", rec.AgentID, "session_id", rec.ID, "error", err)
		s.metrics.RecordError("history", string(verifyerr.CodeInternal))
	}

	outcome := "failure"
	if totals.Passed {
		outcome = "success"
	}
	s.auditLog(ctx, extensions.AuditEvent{
		EventType: extensions.EventSessionScored,
		UserID:    userID(user),
		AgentID:   rec.AgentID,
		SessionID: rec.ID,
		Outcome:   outcome,
		Metadata: map[string]any{
			"total_score": totals.Total,
			"hard_fail":   totals.HardFail,
		},
	})
	return agentStatus
}

// openSecret decrypts and decodes the answer key, wiping the plaintext.
func (s *Service) openSecret(ctx context.Context, sealed []byte, sessionID string) (challenge.ExpectedAnswers, error) {
	if len(sealed) == 0 {
		return challenge.ExpectedAnswers{}, errors.New("sealed secret missing")
	}
	handle, err := secret.Open(ctx, s.crypto, sealed, sessionID)
	if err != nil {
		return challenge.ExpectedAnswers{}, err
	}
	defer handle.Destroy()

	var expected challenge.ExpectedAnswers
	err = handle.Consume(func(plaintext []byte) error {
		var derr error
		expected, derr = challenge.UnmarshalExpected(plaintext)
		return derr
	})
	return expected, err
}

// undeterminable finalizes a claimed session whose secret could not be read.
func (s *Service) undeterminable(ctx context.Context, user *extensions.AuthInfo, rec datatypes.SessionRecord, claim string, now time.Time, cause error) error {
	reason := datatypes.FailureUndeterminable
	zero := datatypes.SessionScores{}
	if _, _, err := s.store.UpdateIfStatus(ctx, rec.ID, datatypes.StatusFailed, datatypes.SessionPatch{
		Status:        datatypes.StatusFailed,
		ExpectClaim:   claim,
		CompletedAt:   &now,
		Scores:        &zero,
		FailureReason: &reason,
	}); err != nil {
		slog.Error("Failed to mark session undeterminable", "session_id", rec.ID, "error", err)
	}

	s.metrics.RecordCompleted(observability.StatusUndeterminable)
	slog.Error("Session secret could not be opened",
		"session_id", rec.ID,
		"agent_id", rec.AgentID,
		"error", cause)
	s.auditLog(ctx, extensions.AuditEvent{
		EventType: extensions.EventSecretUnreadable,
		UserID:    userID(user),
		AgentID:   rec.AgentID,
		SessionID: rec.ID,
		Outcome:   "error",
	})
	return verifyerr.Wrap(verifyerr.CodeCrypto, "session secret could not be opened; session marked failed", cause)
}

// expire moves an overdue session to expired and returns the Expired error.
func (s *Service) expire(ctx context.Context, user *extensions.AuthInfo, rec datatypes.SessionRecord, now time.Time) error {
	applied, released, err := s.store.UpdateIfStatus(ctx, rec.ID, datatypes.StatusInProgress, datatypes.SessionPatch{
		Status:      datatypes.StatusExpired,
		CompletedAt: &now,
	})
	memguard.WipeBytes(released)
	if err != nil {
		return verifyerr.Wrap(verifyerr.CodeInternal, "expire session", err)
	}
	if !applied {
		// Another call moved it first; report what it became.
		cur, gerr := s.getSession(ctx, rec.ID)
		if gerr == nil && cur.Status != datatypes.StatusExpired {
			s.metrics.RecordConflict()
			return verifyerr.Newf(verifyerr.CodeConflict, "session %s is already %s", rec.ID, cur.Status)
		}
	} else {
		s.metrics.RecordCompleted(string(datatypes.StatusExpired))
		slog.Info("Verification session expired",
			"session_id", rec.ID,
			"agent_id", rec.AgentID,
			"late_by_ms", now.Sub(rec.ExpiresAt).Milliseconds())
		s.auditLog(ctx, extensions.AuditEvent{
			EventType: extensions.EventSessionExpired,
			UserID:    userID(user),
			AgentID:   rec.AgentID,
			SessionID: rec.ID,
			Outcome:   "failure",
		})
	}
	return verifyerr.WithDetails(verifyerr.CodeExpired, "session expired before answers arrived",
		map[string]string{"session_id": rec.ID, "expired_at": rec.ExpiresAt.Format(time.RFC3339Nano)})
}

// replay builds the Conflict error for a call on a session that is no
// longer in progress.
func (s *Service) replay(ctx context.Context, user *extensions.AuthInfo, rec datatypes.SessionRecord) error {
	slog.Warn("Rejected respond on finished session",
		"session_id", rec.ID,
		"agent_id", rec.AgentID,
		"status", string(rec.Status))
	s.auditLog(ctx, extensions.AuditEvent{
		EventType: extensions.EventSessionRejected,
		UserID:    userID(user),
		AgentID:   rec.AgentID,
		SessionID: rec.ID,
		Outcome:   "blocked",
		Metadata:  map[string]any{"reason": "replay", "status": string(rec.Status)},
	})
	return verifyerr.WithDetails(verifyerr.CodeConflict, "session already completed",
		map[string]string{"session_id": rec.ID, "status": string(rec.Status)})
}

// =============================================================================
// Read models
// =============================================================================

// GetStatus returns a read-only snapshot of a session in any state.
func (s *Service) GetStatus(ctx context.Context, user *extensions.AuthInfo, sessionID string) (datatypes.SessionSnapshot, error) {
	ctx, span := tracer.Start(ctx, "session.GetStatus",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if err := datatypes.ValidateIdentifier(sessionID); err != nil {
		return datatypes.SessionSnapshot{}, verifyerr.Wrap(verifyerr.CodeValidation, "invalid session id", err)
	}
	rec, err := s.getSession(ctx, sessionID)
	if err != nil {
		s.fail(span, "status", err)
		return datatypes.SessionSnapshot{}, err
	}
	if err := s.authorize(ctx, user, rec.AgentID, sessionID); err != nil {
		s.fail(span, "status", err)
		return datatypes.SessionSnapshot{}, err
	}
	challenges, err := s.store.GetChallenges(ctx, sessionID)
	if err != nil {
		err = verifyerr.Wrap(verifyerr.CodeInternal, "load challenges", err)
		s.fail(span, "status", err)
		return datatypes.SessionSnapshot{}, err
	}
	return rec.Snapshot(challenges), nil
}

// GetAgentHistory returns an agent's running history, status and most
// recent sessions (newest first, policy RecentSessions of them).
func (s *Service) GetAgentHistory(ctx context.Context, user *extensions.AuthInfo, agentID string) (datatypes.AgentHistoryResponse, error) {
	ctx, span := tracer.Start(ctx, "session.GetAgentHistory",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	if err := datatypes.ValidateIdentifier(agentID); err != nil {
		return datatypes.AgentHistoryResponse{}, verifyerr.Wrap(verifyerr.CodeValidation, "invalid agent id", err)
	}
	if err := s.authorize(ctx, user, agentID, ""); err != nil {
		s.fail(span, "history", err)
		return datatypes.AgentHistoryResponse{}, err
	}

	history, err := s.store.GetHistory(ctx, agentID)
	if err != nil {
		return datatypes.AgentHistoryResponse{}, verifyerr.Wrap(verifyerr.CodeInternal, "load history", err)
	}
	st, err := s.store.GetAgentStatus(ctx, agentID)
	if err != nil {
		return datatypes.AgentHistoryResponse{}, verifyerr.Wrap(verifyerr.CodeInternal, "load agent status", err)
	}
	sessions, err := s.store.ListAgentSessions(ctx, agentID, s.policy.Policy().RecentSessions)
	if err != nil {
		return datatypes.AgentHistoryResponse{}, verifyerr.Wrap(verifyerr.CodeInternal, "list sessions", err)
	}
	recent := make([]datatypes.SessionSnapshot, len(sessions))
	for i, rec := range sessions {
		recent[i] = rec.Snapshot(nil)
	}
	return datatypes.AgentHistoryResponse{History: history, Status: st, RecentSessions: recent}, nil
}

// ReviewAgent clears a flag after manual review. Admin only.
func (s *Service) ReviewAgent(ctx context.Context, user *extensions.AuthInfo, agentID string, req datatypes.ReviewRequest) (datatypes.AgentStatus, error) {
	ctx, span := tracer.Start(ctx, "session.ReviewAgent",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	if !user.IsAdmin() {
		err := verifyerr.New(verifyerr.CodeForbidden, "manual review requires the admin role")
		s.deny(ctx, user, agentID, "")
		s.fail(span, "review", err)
		return datatypes.AgentStatus{}, err
	}
	if err := datatypes.ValidateIdentifier(agentID); err != nil {
		return datatypes.AgentStatus{}, verifyerr.Wrap(verifyerr.CodeValidation, "invalid agent id", err)
	}
	if err := req.Validate(); err != nil {
		return datatypes.AgentStatus{}, verifyerr.Wrap(verifyerr.CodeValidation, "invalid review", err)
	}
	now, err := s.now()
	if err != nil {
		return datatypes.AgentStatus{}, err
	}

	prev, err := s.store.GetAgentStatus(ctx, agentID)
	if err != nil {
		return datatypes.AgentStatus{}, verifyerr.Wrap(verifyerr.CodeInternal, "load agent status", err)
	}
	st, err := s.escalator.Review(ctx, agentID, req.Note, now)
	if err != nil {
		err = verifyerr.Wrap(verifyerr.CodeInternal, "review agent", err)
		s.fail(span, "review", err)
		return datatypes.AgentStatus{}, err
	}
	s.auditLog(ctx, extensions.AuditEvent{
		EventType: extensions.EventAgentReviewed,
		UserID:    userID(user),
		AgentID:   agentID,
		Outcome:   "success",
		Metadata:  map[string]any{"previous_status": string(prev.Status)},
	})
	return st, nil
}

// =============================================================================
// Helpers
// =============================================================================

// authorize checks that user may act on agentID.
func (s *Service) authorize(ctx context.Context, user *extensions.AuthInfo, agentID, sessionID string) error {
	if user == nil {
		return verifyerr.New(verifyerr.CodeForbidden, "no caller identity")
	}
	if user.IsAdmin() {
		return nil
	}
	ok, err := s.ownership.OwnsAgent(ctx, user.UserID, agentID)
	if err != nil {
		return verifyerr.Wrap(verifyerr.CodeInternal, "ownership lookup", err)
	}
	if !ok {
		s.deny(ctx, user, agentID, sessionID)
		return verifyerr.WithDetails(verifyerr.CodeForbidden, "caller does not own this agent",
			map[string]string{"agent_id": agentID})
	}
	return nil
}

func (s *Service) deny(ctx context.Context, user *extensions.AuthInfo, agentID, sessionID string) {
	slog.Warn("Access denied", "user_id", userID(user), "agent_id", agentID, "session_id", sessionID)
	s.auditLog(ctx, extensions.AuditEvent{
		EventType: extensions.EventAccessDenied,
		UserID:    userID(user),
		AgentID:   agentID,
		SessionID: sessionID,
		Outcome:   "blocked",
	})
}

func (s *Service) getSession(ctx context.Context, id string) (datatypes.SessionRecord, error) {
	rec, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrSessionNotFound) {
		return datatypes.SessionRecord{}, verifyerr.WithDetails(verifyerr.CodeNotFound, "session not found",
			map[string]string{"session_id": id})
	}
	if err != nil {
		return datatypes.SessionRecord{}, verifyerr.Wrap(verifyerr.CodeInternal, "load session", err)
	}
	return rec, nil
}

func (s *Service) now() (time.Time, error) {
	now, err := s.clock.Now()
	if err != nil {
		return time.Time{}, verifyerr.Wrap(verifyerr.CodeInternal, "refusing time-based decision", err)
	}
	return now, nil
}

func (s *Service) auditLog(ctx context.Context, e extensions.AuditEvent) {
	if err := s.audit.Log(ctx, e); err != nil {
		slog.Warn("Audit log failed", "event_type", e.EventType, "error", err)
	}
}

// fail records err on the span and in metrics.
func (s *Service) fail(span trace.Span, operation string, err error) {
	code := verifyerr.GetCode(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	s.metrics.RecordError(operation, string(code))
}

func userID(user *extensions.AuthInfo) string {
	if user == nil {
		return "anonymous"
	}
	return user.UserID
}

// String is used in logs.
func (s *Service) String() string {
	return fmt.Sprintf("session.Service{store=%T}", s.store)
}
