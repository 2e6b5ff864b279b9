// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid identifiers
		{"simple", "agent-1", false},
		{"uuid", "3f1c2b9e-7d4a-4c1e-9b2f-0a6d8e5c4b3a", false},
		{"namespaced", "team:alpha.bot_7", false},
		{"single char", "a", false},
		{"max length", strings.Repeat("a", MaxIdentifierLength), false},

		// Invalid identifiers - key injection attempts
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxIdentifierLength+1), true},
		{"key separator", "agent/other", true},
		{"flux injection", `a") |> drop()`, true},
		{"newline", "agent\nother", true},
		{"spaces", "agent 1", true},
		{"starts with colon", ":agent", true},
		{"starts with hyphen", "-agent", true},
		{"glob", "agent*", true},
		{"unicode", "agentâ„¢", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if IsIdentifier(tt.id) == tt.wantErr {
				t.Errorf("IsIdentifier(%q) = %v, want %v", tt.id, !tt.wantErr, !tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{"all valid", []string{"agent-1", "agent-2"}, false},
		{"one invalid", []string{"agent-1", "bad/id"}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifiers(tt.ids)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifiers(%v) error = %v, wantErr %v", tt.ids, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{"passthrough", "agent-1", "agent-1", false},
		{"case preserved", "Agent-1", "Agent-1", false},
		{"whitespace trimmed", "  agent-1\t", "agent-1", false},
		{"invalid rejected", "bad id", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeIdentifier(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeIdentifier(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}
