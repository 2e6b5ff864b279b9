// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package escalation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
	"github.com/AleutianAI/agentverify/services/verifier/store"
)

var (
	testRules = RulesFrom(config.DefaultPolicy())
	t0        = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// finished creates and finalizes a session directly in the store.
func finished(t *testing.T, s *store.Memory, agent string, n int, status datatypes.SessionStatus, score int) datatypes.SessionRecord {
	t.Helper()
	ctx := context.Background()
	rec := datatypes.SessionRecord{
		ID:        fmt.Sprintf("%s-s%d", agent, n),
		AgentID:   agent,
		Status:    datatypes.StatusInProgress,
		StartedAt: t0.Add(time.Duration(n) * time.Minute),
		ExpiresAt: t0.Add(time.Duration(n)*time.Minute + 5*time.Minute),
	}
	require.NoError(t, s.CreateSession(ctx, rec, []byte("sealed"), nil))
	done := rec.StartedAt.Add(30 * time.Second)
	applied, _, err := s.UpdateIfStatus(ctx, rec.ID, datatypes.StatusInProgress, datatypes.SessionPatch{
		Status:      status,
		CompletedAt: &done,
		Scores:      &datatypes.SessionScores{Total: score},
	})
	require.NoError(t, err)
	require.True(t, applied)
	rec.Status = status
	rec.TotalScore = score
	return rec
}

func outcomeOf(rec datatypes.SessionRecord) Outcome {
	return Outcome{
		SessionID:  rec.ID,
		AgentID:    rec.AgentID,
		Passed:     rec.Status == datatypes.StatusPassed,
		TotalScore: rec.TotalScore,
		At:         rec.StartedAt.Add(30 * time.Second),
	}
}

func TestRules_Suspicious(t *testing.T) {
	tests := []struct {
		name   string
		o      Outcome
		expect bool
	}{
		{"pass is never suspicious", Outcome{Passed: true, TotalScore: 95}, false},
		{"fail at threshold", Outcome{TotalScore: 50}, true},
		{"fail just below passing", Outcome{TotalScore: 69}, true},
		{"fail below threshold", Outcome{TotalScore: 49}, false},
		{"zero score", Outcome{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, testRules.Suspicious(tt.o))
		})
	}
}

func TestRules_CountSuspicious(t *testing.T) {
	review := t0.Add(90 * time.Second)
	sessions := []datatypes.SessionRecord{
		{ID: "s1", Status: datatypes.StatusFailed, TotalScore: 60, StartedAt: t0},
		{ID: "s2", Status: datatypes.StatusFailed, TotalScore: 30, StartedAt: t0.Add(time.Minute)},
		{ID: "s3", Status: datatypes.StatusPassed, TotalScore: 80, StartedAt: t0.Add(2 * time.Minute)},
		{ID: "s4", Status: datatypes.StatusExpired, TotalScore: 0, StartedAt: t0.Add(3 * time.Minute)},
		{ID: "s5", Status: datatypes.StatusFailed, TotalScore: 55, StartedAt: t0.Add(4 * time.Minute)},
		{ID: "s6", Status: datatypes.StatusFailed, TotalScore: 65, StartedAt: t0.Add(5 * time.Minute)},
	}

	assert.Equal(t, 3, testRules.CountSuspicious(sessions, "", nil))
	assert.Equal(t, 2, testRules.CountSuspicious(sessions, "s6", nil))
	assert.Equal(t, 2, testRules.CountSuspicious(sessions, "", &review), "sessions before the review are ignored")
}

func TestRules_Decide(t *testing.T) {
	unverified := datatypes.AgentStatus{AgentID: "a", Status: datatypes.AgentUnverified}
	at := t0.Add(time.Hour)

	t.Run("pass verifies", func(t *testing.T) {
		next := testRules.Decide(unverified, Outcome{AgentID: "a", Passed: true, TotalScore: 90, At: at}, 0)
		assert.Equal(t, datatypes.AgentVerified, next.Status)
		require.NotNil(t, next.LastVerifiedAt)
		assert.Equal(t, at, *next.LastVerifiedAt)
		assert.Equal(t, at, next.UpdatedAt)
	})

	t.Run("second suspicious failure stays unverified", func(t *testing.T) {
		next := testRules.Decide(unverified, Outcome{AgentID: "a", TotalScore: 60, At: at}, 1)
		assert.Equal(t, datatypes.AgentUnverified, next.Status)
		assert.Equal(t, 2, next.SuspiciousFailures)
	})

	t.Run("third suspicious failure flags", func(t *testing.T) {
		next := testRules.Decide(unverified, Outcome{AgentID: "a", TotalScore: 60, At: at}, 2)
		assert.Equal(t, datatypes.AgentFlagged, next.Status)
		assert.Equal(t, 3, next.SuspiciousFailures)
	})

	t.Run("low failure demotes a verified agent", func(t *testing.T) {
		prev := datatypes.AgentStatus{AgentID: "a", Status: datatypes.AgentVerified, LastVerifiedAt: &t0}
		next := testRules.Decide(prev, Outcome{AgentID: "a", TotalScore: 10, At: at}, 0)
		assert.Equal(t, datatypes.AgentUnverified, next.Status)
		assert.Equal(t, &t0, next.LastVerifiedAt)
	})

	t.Run("flag is sticky through a pass", func(t *testing.T) {
		prev := datatypes.AgentStatus{AgentID: "a", Status: datatypes.AgentFlagged, SuspiciousFailures: 3}
		next := testRules.Decide(prev, Outcome{AgentID: "a", Passed: true, TotalScore: 95, At: at}, 3)
		assert.Equal(t, datatypes.AgentFlagged, next.Status)
		assert.Nil(t, next.LastVerifiedAt)
	})
}

func TestEscalator_ThirdSuspiciousFailureFlags(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	e := New(s)

	var st datatypes.AgentStatus
	for i := 1; i <= 3; i++ {
		rec := finished(t, s, "agent-x", i, datatypes.StatusFailed, 60)
		var err error
		st, err = e.Apply(ctx, testRules, outcomeOf(rec))
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, datatypes.AgentUnverified, st.Status, "failure %d", i)
		}
	}
	assert.Equal(t, datatypes.AgentFlagged, st.Status)
	assert.Equal(t, 3, st.SuspiciousFailures)

	stored, err := s.GetAgentStatus(ctx, "agent-x")
	require.NoError(t, err)
	assert.Equal(t, datatypes.AgentFlagged, stored.Status)
}

func TestEscalator_LowFailuresNeverFlag(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	e := New(s)

	for i := 1; i <= 5; i++ {
		rec := finished(t, s, "agent-y", i, datatypes.StatusFailed, 20)
		st, err := e.Apply(ctx, testRules, outcomeOf(rec))
		require.NoError(t, err)
		assert.Equal(t, datatypes.AgentUnverified, st.Status)
		assert.Zero(t, st.SuspiciousFailures)
	}
}

func TestEscalator_PassVerifies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	e := New(s)

	rec := finished(t, s, "agent-z", 1, datatypes.StatusPassed, 88)
	st, err := e.Apply(ctx, testRules, outcomeOf(rec))
	require.NoError(t, err)
	assert.Equal(t, datatypes.AgentVerified, st.Status)
	assert.True(t, st.VerifiedAt(rec.StartedAt.Add(time.Hour), 24*time.Hour))
	assert.False(t, st.VerifiedAt(rec.StartedAt.Add(25*time.Hour), 24*time.Hour))
}

func TestEscalator_ReviewResetsCount(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	e := New(s)

	for i := 1; i <= 3; i++ {
		rec := finished(t, s, "agent-r", i, datatypes.StatusFailed, 65)
		_, err := e.Apply(ctx, testRules, outcomeOf(rec))
		require.NoError(t, err)
	}

	reviewedAt := t0.Add(10 * time.Minute)
	st, err := e.Review(ctx, "agent-r", "operator confirmed automated client", reviewedAt)
	require.NoError(t, err)
	assert.Equal(t, datatypes.AgentUnverified, st.Status)
	assert.Zero(t, st.SuspiciousFailures)
	assert.Equal(t, "operator confirmed automated client", st.ReviewNote)
	require.NotNil(t, st.ReviewedAt)

	// failures before the review no longer count
	rec := finished(t, s, "agent-r", 11, datatypes.StatusFailed, 65)
	st, err = e.Apply(ctx, testRules, outcomeOf(rec))
	require.NoError(t, err)
	assert.Equal(t, datatypes.AgentUnverified, st.Status)
	assert.Equal(t, 1, st.SuspiciousFailures)
}
