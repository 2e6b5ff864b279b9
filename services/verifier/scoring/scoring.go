// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scoring grades submitted answers against a session's answer key.
//
// All scorers are pure: same inputs, same result. A missing or malformed
// submission is never an error; it scores 0 and sets Result.Anomaly so the
// caller can log and count it.
package scoring

import (
	"encoding/json"
	"math"

	"github.com/AleutianAI/agentverify/services/verifier/challenge"
	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

// Anomaly reasons.
const (
	AnomalyMissing             = "missing"
	AnomalyMalformed           = "malformed"
	AnomalyInsufficientSamples = "insufficient_samples"
)

// Result is the grade of one modality.
type Result struct {
	Type           datatypes.ChallengeType
	Passed         bool
	Score          int
	ResponseTimeMs int64
	HardFail       bool
	Details        map[string]any

	// Anomaly is set when the submission was missing or unusable.
	Anomaly string
}

// Public converts the result into its API shape.
func (r Result) Public() datatypes.ChallengeResult {
	return datatypes.ChallengeResult{
		Type:           r.Type,
		Passed:         r.Passed,
		Score:          r.Score,
		ResponseTimeMs: r.ResponseTimeMs,
		HardFail:       r.HardFail,
		Details:        r.Details,
	}
}

// Scorer grades submissions under one policy snapshot.
type Scorer struct {
	// PassScore is the per-modality score a timed modality must reach.
	PassScore  int
	Behavioral config.BehavioralPolicy
}

// New creates a Scorer from the policy.
func New(p config.Policy) Scorer {
	return Scorer{PassScore: p.ModalityPassScore, Behavioral: p.Behavioral}
}

// ScoreAll grades every issued modality in issue order, charging each timed
// modality the whole server-measured elapsedMs.
func (s Scorer) ScoreAll(
	answers map[datatypes.ChallengeType]json.RawMessage,
	expected challenge.ExpectedAnswers,
	elapsedMs int64,
	limits map[datatypes.ChallengeType]int64,
) []Result {
	return s.ScoreTimed(answers, expected, ModalityElapsed(elapsedMs, nil), limits)
}

// ScoreTimed grades every issued modality in issue order.
//
// # Inputs
//
//   - answers: Raw submission per modality; absent keys are missing submissions.
//   - expected: Opened answer key.
//   - elapsed: Time charged to each timed modality, see ModalityElapsed.
//   - limits: Per-modality time limit in milliseconds; 0 means unclamped.
func (s Scorer) ScoreTimed(
	answers map[datatypes.ChallengeType]json.RawMessage,
	expected challenge.ExpectedAnswers,
	elapsed map[datatypes.ChallengeType]int64,
	limits map[datatypes.ChallengeType]int64,
) []Result {
	return []Result{
		s.SpeedArithmetic(answers[datatypes.ChallengeSpeedArithmetic], expected.Arithmetic,
			elapsed[datatypes.ChallengeSpeedArithmetic], limits[datatypes.ChallengeSpeedArithmetic]),
		s.SpeedJSONParse(answers[datatypes.ChallengeSpeedJSONParse], expected.JSONParse,
			elapsed[datatypes.ChallengeSpeedJSONParse], limits[datatypes.ChallengeSpeedJSONParse]),
		s.StructuredOutput(answers[datatypes.ChallengeStructuredOutput], expected.Structured,
			elapsed[datatypes.ChallengeStructuredOutput], limits[datatypes.ChallengeStructuredOutput]),
		s.BehavioralTiming(answers[datatypes.ChallengeBehavioralTiming], expected.Behavioral),
	}
}

// timedModalities are charged elapsed time; behavioral timing is not.
var timedModalities = []datatypes.ChallengeType{
	datatypes.ChallengeSpeedArithmetic,
	datatypes.ChallengeSpeedJSONParse,
	datatypes.ChallengeStructuredOutput,
}

// ModalityElapsed returns the time charged to each timed modality. It is
// serverMs unless the client reported a positive duration below it. The
// server measurement is an upper bound on any honest report.
func ModalityElapsed(serverMs int64, reported map[datatypes.ChallengeType]int64) map[datatypes.ChallengeType]int64 {
	out := make(map[datatypes.ChallengeType]int64, len(timedModalities))
	for _, t := range timedModalities {
		d := serverMs
		if r, ok := reported[t]; ok && r > 0 && r < serverMs {
			d = r
		}
		out[t] = d
	}
	return out
}

// ratio returns round(100*n/total), 0 when total is 0.
func ratio(n, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(n) / float64(total)))
}

// withinLimit treats a zero limit as unclamped.
func withinLimit(elapsedMs, limitMs int64) bool {
	return limitMs <= 0 || elapsedMs <= limitMs
}

// zero is the result of a submission that could not be graded.
func zero(t datatypes.ChallengeType, elapsedMs int64, anomaly string) Result {
	return Result{
		Type:           t,
		ResponseTimeMs: elapsedMs,
		Details:        map[string]any{"anomaly": anomaly},
		Anomaly:        anomaly,
	}
}

// isAbsent reports a missing submission (no key or JSON null).
func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
