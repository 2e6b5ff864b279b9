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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.True(t, StatusPassed.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.False(t, SessionStatus("bogus").Valid())
}

func TestVerificationHistory_RecordMatchesArithmeticMean(t *testing.T) {
	scores := []int{72, 41, 100, 0, 88, 63, 55}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var h VerificationHistory
	sum := 0
	for i, s := range scores {
		h = h.Record(s, s >= 70, now.Add(time.Duration(i)*time.Minute))
		sum += s
	}

	assert.Equal(t, len(scores), h.TotalVerifications)
	assert.Equal(t, 3, h.TotalPasses)
	assert.InDelta(t, float64(sum)/float64(len(scores)), h.AverageScore, 1e-9)
	assert.Equal(t, now.Add(6*time.Minute), h.UpdatedAt)
}

func TestSessionRecord_MatchesRequiresClaim(t *testing.T) {
	rec := SessionRecord{Status: StatusFailed, Claim: "tok-1"}

	assert.True(t, rec.Matches(StatusFailed, SessionPatch{ExpectClaim: "tok-1"}))
	assert.False(t, rec.Matches(StatusFailed, SessionPatch{ExpectClaim: "tok-2"}))
	assert.False(t, rec.Matches(StatusInProgress, SessionPatch{}))
}

func TestSessionRecord_ApplyLeavesNilFieldsUntouched(t *testing.T) {
	rec := SessionRecord{Status: StatusInProgress, TotalScore: 12, FailureReason: "keep"}
	done := time.Now()

	rec.Apply(SessionPatch{Status: StatusExpired, CompletedAt: &done})

	assert.Equal(t, StatusExpired, rec.Status)
	assert.Equal(t, 12, rec.TotalScore)
	assert.Equal(t, "keep", rec.FailureReason)
	require.NotNil(t, rec.CompletedAt)
}

func TestAgentStatus_VerifiedAt(t *testing.T) {
	now := time.Now()
	recent := now.Add(-2 * time.Hour)
	stale := now.Add(-25 * time.Hour)

	assert.True(t, AgentStatus{Status: AgentVerified, LastVerifiedAt: &recent}.VerifiedAt(now, 24*time.Hour))
	assert.False(t, AgentStatus{Status: AgentVerified, LastVerifiedAt: &stale}.VerifiedAt(now, 24*time.Hour))
	assert.False(t, AgentStatus{Status: AgentFlagged, LastVerifiedAt: &recent}.VerifiedAt(now, 24*time.Hour))
}

func TestStartRequest_Validate(t *testing.T) {
	assert.NoError(t, (&StartRequest{AgentID: "agent-7", CompetitionID: "cup:2026"}).Validate())
	assert.Error(t, (&StartRequest{}).Validate())
	assert.Error(t, (&StartRequest{AgentID: "a/b"}).Validate())
	assert.Error(t, (&StartRequest{AgentID: "ok", CompetitionID: "has space"}).Validate())
}

func TestRespondRequest_Validate(t *testing.T) {
	var req RespondRequest
	require.NoError(t, json.Unmarshal([]byte(`{"answers":{"speed_arithmetic":{"a1":3}}}`), &req))
	assert.NoError(t, req.Validate())

	require.NoError(t, json.Unmarshal([]byte(`{"answers":{"telepathy":{}}}`), &req))
	assert.Error(t, req.Validate())

	assert.Error(t, (&RespondRequest{}).Validate())
}

func TestRespondRequest_ValidateDurations(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"known modality", `{"answers":{},"durations_ms":{"speed_json_parse":1500}}`, false},
		{"unknown modality", `{"answers":{},"durations_ms":{"telepathy":1}}`, true},
		{"negative", `{"answers":{},"durations_ms":{"speed_arithmetic":-1}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req RespondRequest
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))
			assert.Equal(t, tt.wantErr, req.Validate() != nil)
		})
	}
}

func TestSnapshot_OmitsClaim(t *testing.T) {
	rec := SessionRecord{ID: "s1", Claim: "secret-claim"}
	raw, err := json.Marshal(rec.Snapshot(nil))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-claim")
}
