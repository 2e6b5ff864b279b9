// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists verification sessions, their sealed secrets,
// challenge records, and per-agent history and status.
//
// Three implementations share one contract: Memory (tests, demos), Badger
// (single node, embedded) and Redis (shared across instances).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
	"github.com/AleutianAI/agentverify/services/verifier/storage/badger"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session ID twice.
	ErrSessionExists = errors.New("session already exists")
)

// Store is the persistence contract of the verification engine.
//
// # Description
//
// The sole concurrency-critical operation is UpdateIfStatus: it applies a
// patch only if the stored status (and claim, when the patch expects one)
// still matches, atomically with respect to every other call. When the patch
// moves a session out of in_progress into a terminal status, the sealed
// secret is deleted in the same atomic step and returned to the caller, so
// exactly one caller ever receives it.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Store interface {
	// CreateSession persists a new session with its sealed secret and
	// challenge records. Fails with ErrSessionExists on ID reuse.
	CreateSession(ctx context.Context, rec datatypes.SessionRecord, sealedSecret []byte, challenges []datatypes.ChallengeRecord) error

	// GetSession returns the record or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (datatypes.SessionRecord, error)

	// GetChallenges returns the session's challenge records in issue order.
	GetChallenges(ctx context.Context, sessionID string) ([]datatypes.ChallengeRecord, error)

	// UpdateIfStatus conditionally applies patch.
	//
	// Returns applied=false with a nil error when the precondition fails.
	// released holds the sealed secret when this call removed it.
	UpdateIfStatus(ctx context.Context, id string, expected datatypes.SessionStatus, patch datatypes.SessionPatch) (applied bool, released []byte, err error)

	// ListAgentSessions returns the agent's sessions newest first.
	// limit <= 0 returns all.
	ListAgentSessions(ctx context.Context, agentID string, limit int) ([]datatypes.SessionRecord, error)

	// AppendHistory folds one completed session into the agent's history
	// atomically and returns the new history.
	AppendHistory(ctx context.Context, agentID string, score int, passed bool, at time.Time) (datatypes.VerificationHistory, error)

	// GetHistory returns the agent's history; zero counts if none.
	GetHistory(ctx context.Context, agentID string) (datatypes.VerificationHistory, error)

	// GetAgentStatus returns the agent's status; unverified if none.
	GetAgentStatus(ctx context.Context, agentID string) (datatypes.AgentStatus, error)

	// SetAgentStatus replaces the agent's status.
	SetAgentStatus(ctx context.Context, st datatypes.AgentStatus) error

	// Close releases backend resources.
	Close() error
}

// Open creates the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "badger":
		db, err := badger.Open(badger.DefaultConfig(cfg.BadgerPath))
		if err != nil {
			return nil, err
		}
		return NewBadger(db), nil
	case "redis":
		return NewRedis(ctx, RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// releasesSecret reports whether a transition from expected to next removes
// the sealed secret.
func releasesSecret(expected, next datatypes.SessionStatus) bool {
	return expected == datatypes.StatusInProgress && next.IsTerminal()
}

// applyOutcomes writes patch outcomes onto matching challenge records.
func applyOutcomes(challenges []datatypes.ChallengeRecord, patch datatypes.SessionPatch) {
	if len(patch.Challenges) == 0 {
		return
	}
	at := time.Now().UTC()
	if patch.CompletedAt != nil {
		at = *patch.CompletedAt
	}
	byID := make(map[string]int, len(challenges))
	for i, c := range challenges {
		byID[c.ID] = i
	}
	for _, o := range patch.Challenges {
		if i, ok := byID[o.ChallengeID]; ok {
			challenges[i].Apply(o, at)
		}
	}
}

// defaultStatus is the status of an agent never seen before.
func defaultStatus(agentID string) datatypes.AgentStatus {
	return datatypes.AgentStatus{AgentID: agentID, Status: datatypes.AgentUnverified}
}

// agentHistory is the empty history of an agent.
func agentHistory(agentID string) datatypes.VerificationHistory {
	return datatypes.VerificationHistory{AgentID: agentID}
}
