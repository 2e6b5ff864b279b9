// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and outcome export for the verifier.
//
// # Description
//
// Prometheus metrics cover the session lifecycle:
//   - Start outcomes (created, already verified, blocked)
//   - Completed sessions by final status
//   - Total and per-modality score distributions
//   - Scoring latency
//   - Replay rejections and scoring anomalies
//   - Agents flagged for review
//
// Metrics are exposed via the /metrics endpoint. Completed sessions can also
// be exported to InfluxDB through an OutcomeSink.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every recording method is a no-op on a nil *Metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "agentverify"

// Subsystem for session metrics
const verificationSubsystem = "verification"

// scoreBuckets spans the 0..100 score range around the pass thresholds.
var scoreBuckets = []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

// Metrics holds all Prometheus metrics for verification sessions.
//
// # Fields
//
//   - StartsTotal: start calls by outcome
//   - SessionsCompletedTotal: sessions reaching a terminal state by status
//   - TotalScore: distribution of aggregated session scores
//   - ModalityScore: distribution of per-modality scores
//   - ScoringDurationSeconds: time spent scoring a claimed session
//   - ConflictsTotal: respond calls rejected as replays or lost races
//   - AnomaliesTotal: missing or unusable modality submissions
//   - AgentsFlaggedTotal: agents escalated to flagged
//   - ErrorsTotal: operation failures by error code
type Metrics struct {
	// Labels: outcome (created, already_verified, flagged, forbidden, error)
	StartsTotal *prometheus.CounterVec

	// Labels: status (passed, failed, expired, undeterminable)
	SessionsCompletedTotal *prometheus.CounterVec

	TotalScore prometheus.Histogram

	// Labels: challenge_type
	ModalityScore *prometheus.HistogramVec

	ScoringDurationSeconds prometheus.Histogram

	ConflictsTotal prometheus.Counter

	// Labels: challenge_type, anomaly
	AnomaliesTotal *prometheus.CounterVec

	AgentsFlaggedTotal prometheus.Counter

	// Labels: operation, code
	ErrorsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance registered by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the metrics with the default Prometheus registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates and registers all metrics with reg.
//
// # Inputs
//
//   - reg: Target registry. Tests pass a private prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StartsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verificationSubsystem,
				Name:      "starts_total",
				Help:      "Verification start calls by outcome",
			},
			[]string{"outcome"},
		),

		SessionsCompletedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verificationSubsystem,
				Name:      "sessions_completed_total",
				Help:      "Sessions reaching a terminal state by status",
			},
			[]string{"status"},
		),

		TotalScore: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: verificationSubsystem,
				Name:      "total_score",
				Help:      "Aggregated score of scored sessions",
				Buckets:   scoreBuckets,
			},
		),

		ModalityScore: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: verificationSubsystem,
				Name:      "modality_score",
				Help:      "Per-modality score of scored sessions",
				Buckets:   scoreBuckets,
			},
			[]string{"challenge_type"},
		),

		ScoringDurationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: verificationSubsystem,
				Name:      "scoring_duration_seconds",
				Help:      "Time from claim to finalization in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
		),

		ConflictsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verificationSubsystem,
				Name:      "conflicts_total",
				Help:      "Respond calls rejected because the session was already claimed or terminal",
			},
		),

		AnomaliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verificationSubsystem,
				Name:      "anomalies_total",
				Help:      "Missing or unusable modality submissions",
			},
			[]string{"challenge_type", "anomaly"},
		),

		AgentsFlaggedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verificationSubsystem,
				Name:      "agents_flagged_total",
				Help:      "Agents escalated to flagged status",
			},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verificationSubsystem,
				Name:      "errors_total",
				Help:      "Operation failures by error code",
			},
			[]string{"operation", "code"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// StartOutcome labels StartsTotal.
type StartOutcome string

const (
	StartCreated         StartOutcome = "created"
	StartAlreadyVerified StartOutcome = "already_verified"
	StartFlagged         StartOutcome = "flagged"
	StartForbidden       StartOutcome = "forbidden"
	StartError           StartOutcome = "error"
)

// StatusUndeterminable labels sessions whose secret could not be opened.
const StatusUndeterminable = "undeterminable"

// =============================================================================
// Helper Methods
// =============================================================================

// RecordStart records the outcome of a start call.
func (m *Metrics) RecordStart(outcome StartOutcome) {
	if m == nil {
		return
	}
	m.StartsTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordCompleted records a session reaching a terminal state.
func (m *Metrics) RecordCompleted(status string) {
	if m == nil {
		return
	}
	m.SessionsCompletedTotal.WithLabelValues(status).Inc()
}

// RecordScores records the total and per-modality scores of a session.
//
// # Inputs
//
//   - total: Aggregated score.
//   - modalities: Score per challenge type.
//   - seconds: Scoring duration.
func (m *Metrics) RecordScores(total int, modalities map[string]int, seconds float64) {
	if m == nil {
		return
	}
	m.TotalScore.Observe(float64(total))
	for t, s := range modalities {
		m.ModalityScore.WithLabelValues(t).Observe(float64(s))
	}
	m.ScoringDurationSeconds.Observe(seconds)
}

// RecordConflict counts a rejected replay.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

// RecordAnomaly counts a missing or unusable submission.
func (m *Metrics) RecordAnomaly(challengeType, anomaly string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(challengeType, anomaly).Inc()
}

// RecordFlagged counts an agent escalation.
func (m *Metrics) RecordFlagged() {
	if m == nil {
		return
	}
	m.AgentsFlaggedTotal.Inc()
}

// RecordError counts an operation failure.
func (m *Metrics) RecordError(operation, code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(operation, code).Inc()
}
