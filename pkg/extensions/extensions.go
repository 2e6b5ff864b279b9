// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable identity and audit interfaces of
// the verification service.
//
// The service never decides who a caller is or which agents they control on
// its own. It asks the providers bundled in ServiceOptions:
//
//   - auth.go: AuthProvider (bearer token to identity) and AgentOwnership
//     (which agents an identity may verify)
//   - audit.go: AuditLogger (verification decisions for later review)
//
// # Usage
//
// Local development uses permissive defaults:
//
//	opts := extensions.DefaultOptions()
//
// Deployments configure static tokens and owners, or inject their own
// implementations backed by an identity provider:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewTokenAuthProvider(cfg.Auth.Tokens, cfg.Auth.AdminUsers)).
//	    WithOwnership(extensions.NewStaticOwnership(cfg.Auth.AgentOwners))
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points of the verifier.
//
// Nil fields are replaced with the no-op defaults by Normalize.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	// Default: NopAuthProvider (local admin user)
	AuthProvider AuthProvider

	// Ownership decides which agents a user may verify.
	// Default: NopOwnership (every user owns every agent)
	Ownership AgentOwnership

	// AuditLogger records verification decisions.
	// Default: NopAuditLogger
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		Ownership:    &NopOwnership{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// Normalize fills nil fields with the defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	def := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = def.AuthProvider
	}
	if opts.Ownership == nil {
		opts.Ownership = def.Ownership
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = def.AuditLogger
	}
	return opts
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithOwnership returns a copy of opts with the given AgentOwnership.
func (opts ServiceOptions) WithOwnership(o AgentOwnership) ServiceOptions {
	opts.Ownership = o
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
