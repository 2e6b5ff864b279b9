// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security.
//
// This package contains validators for caller-supplied identifiers that end
// up in storage keys (Badger, Redis) and InfluxDB tags. Rejecting separators,
// whitespace and quoting characters up front keeps one agent's keys from
// reaching into another's key range.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds agent, competition and session IDs.
const MaxIdentifierLength = 128

// identifierPattern matches valid identifiers.
// Allows: ASCII letters, digits, underscore, dot, colon, hyphen.
// Must start with a letter or digit.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// IsIdentifier reports whether s is a valid identifier.
func IsIdentifier(s string) bool {
	return len(s) <= MaxIdentifierLength && identifierPattern.MatchString(s)
}

// ValidateIdentifier validates an identifier before it is used as a key
// segment.
//
// Valid identifiers:
//   - 1-128 characters
//   - Letters A-Z, a-z and digits 0-9
//   - Underscore, dot, colon and hyphen after the first character
//
// Example:
//
//	if err := validation.ValidateIdentifier(agentID); err != nil {
//	    return fmt.Errorf("invalid agent id: %w", err)
//	}
//	// Safe to use in a storage key
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("identifier too long: %d chars (max %d)", len(id), MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier format: %q (must be alphanumeric, '_', '.', ':' or '-')", id)
	}
	return nil
}

// ValidateIdentifiers validates multiple identifiers.
// Returns an error listing all invalid identifiers if any fail validation.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %q", invalid)
	}
	return nil
}

// SanitizeIdentifier trims surrounding whitespace and validates.
// Case is preserved; identifiers are case sensitive.
func SanitizeIdentifier(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateIdentifier(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
