// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"context"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentverify/services/verifier/config"
)

// ============================================================================
// Test Helper: isolated registry per test
// ============================================================================

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func TestRecordStart(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStart(StartCreated)
	m.RecordStart(StartCreated)
	m.RecordStart(StartFlagged)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.StartsTotal.WithLabelValues("created")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StartsTotal.WithLabelValues("flagged")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.StartsTotal.WithLabelValues("already_verified")))
}

func TestRecordCompletedAndConflicts(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCompleted("passed")
	m.RecordCompleted("expired")
	m.RecordCompleted(StatusUndeterminable)
	m.RecordConflict()
	m.RecordConflict()
	m.RecordFlagged()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsCompletedTotal.WithLabelValues("passed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsCompletedTotal.WithLabelValues("expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsCompletedTotal.WithLabelValues("undeterminable")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConflictsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AgentsFlaggedTotal))
}

func TestRecordScores(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordScores(82, map[string]int{"speed_arithmetic": 100, "behavioral_timing": 40}, 0.004)

	n, err := testutil.GatherAndCount(reg,
		"agentverify_verification_total_score",
		"agentverify_verification_modality_score",
		"agentverify_verification_scoring_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "one total, two modality series, one duration")
}

func TestRecordAnomalyAndError(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordAnomaly("structured_output", "missing")
	m.RecordError("respond", "crypto")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.AnomaliesTotal.WithLabelValues("structured_output", "missing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("respond", "crypto")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStart(StartCreated)
		m.RecordCompleted("passed")
		m.RecordScores(1, nil, 0)
		m.RecordConflict()
		m.RecordAnomaly("x", "y")
		m.RecordFlagged()
		m.RecordError("op", "code")
	})
}

func TestNewInfluxSink_DisabledWithoutURL(t *testing.T) {
	sink := NewInfluxSink(config.InfluxConfig{})
	_, ok := sink.(NopSink)
	assert.True(t, ok)
	assert.NoError(t, sink.Record(context.Background(), Outcome{}))
	sink.Close()
}

func TestOutcomePoint(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	p := OutcomePoint(Outcome{
		SessionID:     "s-1",
		AgentID:       "agent-1",
		CompetitionID: "comp-9",
		Status:        "passed",
		Passed:        true,
		TotalScore:    91,
		SpeedScore:    100,
		ElapsedMs:     3200,
		AgentStatus:   "verified",
		At:            at,
	})

	assert.Equal(t, outcomeMeasurement, p.Name())
	line := write.PointToLineProtocol(p, time.Nanosecond)
	assert.Contains(t, line, "status=passed")
	assert.Contains(t, line, "competition_id=comp-9")
	assert.Contains(t, line, "agent_status=verified")
	assert.Contains(t, line, "total_score=91i")
	assert.Contains(t, line, `agent_id="agent-1"`)
	assert.Equal(t, at, p.Time())
}

func TestMemorySink(t *testing.T) {
	s := &MemorySink{}
	require.NoError(t, s.Record(context.Background(), Outcome{SessionID: "a"}))
	require.NoError(t, s.Record(context.Background(), Outcome{SessionID: "b"}))
	out := s.Outcomes()
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[1].SessionID)
}
