// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

// Memory is an in-process Store guarded by one mutex.
type Memory struct {
	mu         sync.Mutex
	sessions   map[string]datatypes.SessionRecord
	secrets    map[string][]byte
	challenges map[string][]datatypes.ChallengeRecord
	byAgent    map[string][]string
	history    map[string]datatypes.VerificationHistory
	status     map[string]datatypes.AgentStatus
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:   make(map[string]datatypes.SessionRecord),
		secrets:    make(map[string][]byte),
		challenges: make(map[string][]datatypes.ChallengeRecord),
		byAgent:    make(map[string][]string),
		history:    make(map[string]datatypes.VerificationHistory),
		status:     make(map[string]datatypes.AgentStatus),
	}
}

// CreateSession implements Store.
func (m *Memory) CreateSession(_ context.Context, rec datatypes.SessionRecord, sealedSecret []byte, challenges []datatypes.ChallengeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.ID]; ok {
		return ErrSessionExists
	}
	m.sessions[rec.ID] = copyRecord(rec)
	m.secrets[rec.ID] = slices.Clone(sealedSecret)
	m.challenges[rec.ID] = slices.Clone(challenges)
	m.byAgent[rec.AgentID] = append(m.byAgent[rec.AgentID], rec.ID)
	return nil
}

// GetSession implements Store.
func (m *Memory) GetSession(_ context.Context, id string) (datatypes.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return datatypes.SessionRecord{}, ErrSessionNotFound
	}
	return copyRecord(rec), nil
}

// GetChallenges implements Store.
func (m *Memory) GetChallenges(_ context.Context, sessionID string) ([]datatypes.ChallengeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	return slices.Clone(m.challenges[sessionID]), nil
}

// UpdateIfStatus implements Store.
func (m *Memory) UpdateIfStatus(_ context.Context, id string, expected datatypes.SessionStatus, patch datatypes.SessionPatch) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return false, nil, ErrSessionNotFound
	}
	if !rec.Matches(expected, patch) {
		return false, nil, nil
	}
	rec.Apply(patch)
	m.sessions[id] = rec

	if len(patch.Challenges) > 0 {
		cs := slices.Clone(m.challenges[id])
		applyOutcomes(cs, patch)
		m.challenges[id] = cs
	}

	var released []byte
	if releasesSecret(expected, patch.Status) {
		released = m.secrets[id]
		delete(m.secrets, id)
	}
	return true, released, nil
}

// ListAgentSessions implements Store.
func (m *Memory) ListAgentSessions(_ context.Context, agentID string, limit int) ([]datatypes.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byAgent[agentID]
	out := make([]datatypes.SessionRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyRecord(m.sessions[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendHistory implements Store.
func (m *Memory) AppendHistory(_ context.Context, agentID string, score int, passed bool, at time.Time) (datatypes.VerificationHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[agentID]
	if !ok {
		h = agentHistory(agentID)
	}
	h = h.Record(score, passed, at)
	m.history[agentID] = h
	return h, nil
}

// GetHistory implements Store.
func (m *Memory) GetHistory(_ context.Context, agentID string) (datatypes.VerificationHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.history[agentID]; ok {
		return h, nil
	}
	return agentHistory(agentID), nil
}

// GetAgentStatus implements Store.
func (m *Memory) GetAgentStatus(_ context.Context, agentID string) (datatypes.AgentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.status[agentID]; ok {
		return st, nil
	}
	return defaultStatus(agentID), nil
}

// SetAgentStatus implements Store.
func (m *Memory) SetAgentStatus(_ context.Context, st datatypes.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[st.AgentID] = st
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// SecretCount returns how many sealed secrets are held. Test helper.
func (m *Memory) SecretCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.secrets)
}

func copyRecord(r datatypes.SessionRecord) datatypes.SessionRecord {
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return r
}
