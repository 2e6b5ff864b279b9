// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication fails.
// Implementations should wrap it with context:
//
//	return nil, fmt.Errorf("unknown token: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// RoleAdmin may review flagged agents and act on any agent.
const RoleAdmin = "admin"

// AuthInfo is the identity returned after successful authentication.
//
// Required fields:
//   - UserID: never empty
//
// Optional fields:
//   - Roles: e.g. "admin"
type AuthInfo struct {
	UserID string
	Roles  []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	if a == nil {
		return false
	}
	return slices.Contains(a.Roles, role)
}

// IsAdmin reports whether the user has RoleAdmin.
func (a *AuthInfo) IsAdmin() bool {
	return a.HasRole(RoleAdmin)
}

// AuthProvider validates bearer tokens and returns the caller's identity.
//
// # Outputs
//
//   - *AuthInfo: identity when valid.
//   - error: ErrUnauthorized (or wrapped) when invalid, other errors for
//     provider failures.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AgentOwnership decides whether a user may verify an agent.
//
// Admins are not special-cased here; callers check IsAdmin first.
type AgentOwnership interface {
	OwnsAgent(ctx context.Context, userID, agentID string) (bool, error)
}

// =============================================================================
// Local defaults
// =============================================================================

// NopAuthProvider accepts any token as "local-user" with the admin role.
// Suitable for single-user local runs only.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{RoleAdmin}}, nil
}

// NopOwnership lets every user verify every agent.
type NopOwnership struct{}

// OwnsAgent always returns true.
func (o *NopOwnership) OwnsAgent(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

// =============================================================================
// Static configuration
// =============================================================================

// TokenAuthProvider authenticates against a fixed token table.
//
// # Description
//
// Tokens are stored as SHA-256 digests and compared in constant time, so
// the configured plaintext tokens are not kept in memory after construction
// and lookup timing does not depend on token prefixes.
//
// # Thread Safety
//
// Immutable after construction.
type TokenAuthProvider struct {
	entries []tokenEntry
	admins  map[string]bool
}

type tokenEntry struct {
	digest [sha256.Size]byte
	userID string
}

// NewTokenAuthProvider creates a provider from token -> user ID pairs.
// Users listed in admins receive RoleAdmin.
func NewTokenAuthProvider(tokens map[string]string, admins []string) *TokenAuthProvider {
	p := &TokenAuthProvider{admins: make(map[string]bool, len(admins))}
	for token, user := range tokens {
		p.entries = append(p.entries, tokenEntry{digest: sha256.Sum256([]byte(token)), userID: user})
	}
	for _, a := range admins {
		p.admins[a] = true
	}
	return p
}

// Validate implements AuthProvider.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	digest := sha256.Sum256([]byte(token))
	var match string
	for _, e := range p.entries {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			match = e.userID
		}
	}
	if match == "" {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	info := &AuthInfo{UserID: match}
	if p.admins[match] {
		info.Roles = []string{RoleAdmin}
	}
	return info, nil
}

// StaticOwnership maps each agent to the one user that controls it.
// Agents missing from the map are owned by nobody.
type StaticOwnership struct {
	owners map[string]string
}

// NewStaticOwnership creates an ownership table from agent -> user pairs.
func NewStaticOwnership(owners map[string]string) *StaticOwnership {
	cp := make(map[string]string, len(owners))
	for k, v := range owners {
		cp[k] = v
	}
	return &StaticOwnership{owners: cp}
}

// OwnsAgent implements AgentOwnership.
func (o *StaticOwnership) OwnsAgent(_ context.Context, userID, agentID string) (bool, error) {
	owner, ok := o.owners[agentID]
	return ok && owner == userID, nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider   = (*NopAuthProvider)(nil)
	_ AuthProvider   = (*TokenAuthProvider)(nil)
	_ AgentOwnership = (*NopOwnership)(nil)
	_ AgentOwnership = (*StaticOwnership)(nil)
)
