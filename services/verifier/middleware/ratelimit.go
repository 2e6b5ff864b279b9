// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an unused per-agent limiter is kept.
const idleLimiterTTL = 10 * time.Minute

// AgentLimiter rate-limits session starts per agent.
//
// # Description
//
// Each agent gets a token bucket refilled at perMinute/60 per second with
// the given burst. Limiters idle for longer than idleLimiterTTL are
// dropped on the next sweep, which runs at most once per TTL.
//
// The agent ID lives in the JSON body, so the start handler calls Allow
// after binding instead of this being a route middleware.
//
// # Thread Safety
//
// Safe for concurrent use.
type AgentLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[string]*agentBucket
	lastSweep time.Time
}

type agentBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAgentLimiter creates a limiter. perMinute <= 0 disables limiting
// (Allow always returns true). burst < 1 is treated as 1.
func NewAgentLimiter(perMinute float64, burst int) *AgentLimiter {
	if burst < 1 {
		burst = 1
	}
	l := rate.Inf
	if perMinute > 0 {
		l = rate.Limit(perMinute / 60)
	}
	return &AgentLimiter{
		limit:    l,
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*agentBucket),
	}
}

// Allow reports whether agentID may start a session now.
func (l *AgentLimiter) Allow(agentID string) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > idleLimiterTTL {
		for id, b := range l.limiters {
			if now.Sub(b.lastSeen) > idleLimiterTTL {
				delete(l.limiters, id)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.limiters[agentID]
	if !ok {
		b = &agentBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[agentID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Len returns the number of tracked agents.
func (l *AgentLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
