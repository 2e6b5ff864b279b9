// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Clock
// =============================================================================

// Clock supplies the time used for expiry and elapsed-time decisions.
//
// # Description
//
// Expiry and the per-modality time limits are decided entirely from server
// time, so a clock that was set far into the past or future would let
// sessions outlive their TTL or expire instantly. Now returns an error
// instead of a time when the clock looks wrong, and the caller refuses to
// decide.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
type Clock interface {
	Now() (time.Time, error)
}

// ClockConfig bounds what SaneClock accepts.
//
// # Fields
//
//   - MinValidTime: earliest acceptable time.
//   - MaxValidTime: latest acceptable time.
//   - MaxBackwardJump: largest backward step between two reads.
//   - MaxForwardJump: largest forward step between two reads. Zero disables
//     the forward check (idle servers legitimately see large gaps).
type ClockConfig struct {
	MinValidTime    time.Time
	MaxValidTime    time.Time
	MaxBackwardJump time.Duration
	MaxForwardJump  time.Duration
}

// DefaultClockConfig accepts 2025..2035 and backward steps up to one minute.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		MinValidTime:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValidTime:    time.Date(2035, 12, 31, 23, 59, 59, 0, time.UTC),
		MaxBackwardJump: time.Minute,
	}
}

// SaneClock reads a time source and rejects implausible values.
type SaneClock struct {
	source func() time.Time
	config ClockConfig

	mu       sync.Mutex
	lastGood time.Time
}

// NewSystemClock returns a SaneClock over time.Now with the default bounds.
func NewSystemClock() *SaneClock {
	return NewSaneClock(time.Now, DefaultClockConfig())
}

// NewSaneClock wraps source with the given bounds.
func NewSaneClock(source func() time.Time, config ClockConfig) *SaneClock {
	return &SaneClock{source: source, config: config}
}

// Now implements Clock. The returned time is in UTC.
func (c *SaneClock) Now() (time.Time, error) {
	now := c.source().UTC()

	if now.Before(c.config.MinValidTime) {
		return time.Time{}, fmt.Errorf("clock sanity: %s is before %s",
			now.Format(time.RFC3339), c.config.MinValidTime.Format(time.RFC3339))
	}
	if now.After(c.config.MaxValidTime) {
		return time.Time{}, fmt.Errorf("clock sanity: %s is after %s",
			now.Format(time.RFC3339), c.config.MaxValidTime.Format(time.RFC3339))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastGood.IsZero() {
		diff := now.Sub(c.lastGood)
		if c.config.MaxBackwardJump > 0 && diff < -c.config.MaxBackwardJump {
			slog.Warn("Clock moved backwards", "by", -diff, "max", c.config.MaxBackwardJump)
			return time.Time{}, fmt.Errorf("clock sanity: backward jump of %v (max %v)",
				-diff, c.config.MaxBackwardJump)
		}
		if c.config.MaxForwardJump > 0 && diff > c.config.MaxForwardJump {
			slog.Warn("Clock jumped forward", "by", diff, "max", c.config.MaxForwardJump)
			return time.Time{}, fmt.Errorf("clock sanity: forward jump of %v (max %v)",
				diff, c.config.MaxForwardJump)
		}
	}
	if now.After(c.lastGood) {
		c.lastGood = now
	}
	return now, nil
}

// ResetJumpDetection forgets the last reading, e.g. after an NTP step.
func (c *SaneClock) ResetJumpDetection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastGood = time.Time{}
}

// =============================================================================
// Manual clock (tests)
// =============================================================================

// ManualClock is a Clock whose time only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.UTC()}
}

// Now implements Clock.
func (c *ManualClock) Now() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
