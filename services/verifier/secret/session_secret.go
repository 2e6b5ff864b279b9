// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secret

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
)

// MinMlockLimitKB is the RLIMIT_MEMLOCK needed for locked secret buffers.
const MinMlockLimitKB = 64

// InsecureMemoryEnv allows plain heap buffers when mlock is too limited.
const InsecureMemoryEnv = "AGENTVERIFY_INSECURE_MEMORY"

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// Init prepares secure memory: wipes locked buffers on interrupt and checks
// the mlock limit. Safe to call more than once.
func Init() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB)
		} else {
			slog.Warn("mlock limit below requirement",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB)
		}
	})
}

// MlockStatus reports whether locked memory is available and the limit in KB.
func MlockStatus() (bool, int64) {
	Init()
	return mlockSufficient, currentMlockLimitKB
}

// Purge wipes every memguard allocation. Call on shutdown.
func Purge() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}

// SessionSecret is the opened answer key of one session.
//
// # Description
//
// Created by Open from the sealed bytes the store released. The plaintext
// lives in a locked buffer (or, with AGENTVERIFY_INSECURE_MEMORY=true on a
// host without enough mlock, a heap slice that is zeroed on destroy) and
// can be consumed exactly once, after which it is wiped.
//
// # Thread Safety
//
// Safe for concurrent use; only the first Consume runs.
type SessionSecret struct {
	mu       sync.Mutex
	locked   *memguard.LockedBuffer
	heap     []byte
	consumed bool
}

// Open decrypts sealed with the session ID as associated data.
//
// # Outputs
//
//   - *SessionSecret: Single-use handle. Callers should defer Destroy.
//   - error: ErrDecrypt, ErrMalformed, ErrUnknownKey, or an mlock error.
func Open(ctx context.Context, p Provider, sealed []byte, sessionID string) (*SessionSecret, error) {
	Init()
	plaintext, err := p.Open(ctx, sealed, []byte(sessionID))
	if err != nil {
		return nil, err
	}

	if !mlockSufficient {
		if os.Getenv(InsecureMemoryEnv) != "true" {
			memguard.WipeBytes(plaintext)
			return nil, fmt.Errorf("mlock limit insufficient: have %d KB, need %d KB; raise the limit or set %s=true",
				currentMlockLimitKB, MinMlockLimitKB, InsecureMemoryEnv)
		}
		slog.Warn("Holding session secret in unlocked memory", "session_id", sessionID)
		return &SessionSecret{heap: plaintext}, nil
	}

	// NewBufferFromBytes wipes plaintext.
	return &SessionSecret{locked: memguard.NewBufferFromBytes(plaintext)}, nil
}

// Consume runs fn with the plaintext, then wipes it. A second call returns
// ErrConsumed without running fn. fn must not retain the slice.
func (s *SessionSecret) Consume(fn func(plaintext []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		return ErrConsumed
	}
	s.consumed = true
	defer s.destroyLocked()

	if s.locked != nil {
		return fn(s.locked.Bytes())
	}
	return fn(s.heap)
}

// Destroy wipes the secret without using it. Idempotent.
func (s *SessionSecret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = true
	s.destroyLocked()
}

func (s *SessionSecret) destroyLocked() {
	if s.locked != nil {
		s.locked.Destroy()
		s.locked = nil
	}
	if s.heap != nil {
		memguard.WipeBytes(s.heap)
		s.heap = nil
	}
}
