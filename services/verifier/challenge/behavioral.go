// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package challenge

import (
	"fmt"

	"github.com/AleutianAI/agentverify/services/verifier/config"
)

// Prompt is one open-ended behavioral item.
type Prompt struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// BehavioralPayload is the public data of behavioral_timing.
type BehavioralPayload struct {
	Instructions string   `json:"instructions"`
	Prompts      []Prompt `json:"prompts"`
}

// BehavioralKey lists the issued prompt IDs. Behavioral answers are not
// graded for content; only the timing profile is scored.
type BehavioralKey struct {
	PromptIDs []string `json:"prompt_ids"`
}

var promptBank = []string{
	"Name a color you associate with winter.",
	"Describe the sound of rain in three words.",
	"Suggest a name for a small sailboat.",
	"What is a good first step when debugging?",
	"Give one reason to prefer trains over planes.",
	"Name an animal that would make a poor office mascot.",
	"Describe a sunrise without using the word sun.",
	"Pick a number between one and fifty and explain it.",
	"What would you pack for a one-day hike?",
	"Name a tool that every kitchen needs.",
	"Describe the taste of coffee to someone who never had it.",
	"Suggest a title for a mystery novel set in a library.",
	"What makes a good team meeting?",
	"Name a city you would like to map from memory.",
	"Give a one-sentence summary of a river's journey.",
	"What is the most useful keyboard shortcut?",
	"Describe a forest at night in one sentence.",
	"Name something that gets better with age.",
	"Suggest a rule for a new board game.",
	"What question would you ask a lighthouse keeper?",
}

// behavioral picks p.Prompts prompts. Banks smaller than the request are
// cycled with a numeric suffix to keep texts distinct.
func (g *Generator) behavioral(p config.BehavioralPolicy) (BehavioralPayload, BehavioralKey) {
	perm := g.rng.Perm(len(promptBank))
	payload := BehavioralPayload{
		Instructions: "Answer each prompt briefly, in order. For every answer report the id, the answer text, and timestamp_ms: the Unix time in milliseconds at which that answer was produced.",
		Prompts:      make([]Prompt, 0, p.Prompts),
	}
	key := BehavioralKey{PromptIDs: make([]string, 0, p.Prompts)}
	for i := 0; i < p.Prompts; i++ {
		text := promptBank[perm[i%len(perm)]]
		if round := i / len(perm); round > 0 {
			text = fmt.Sprintf("%s (%d)", text, round+1)
		}
		id := fmt.Sprintf("p%d", i+1)
		payload.Prompts = append(payload.Prompts, Prompt{ID: id, Text: text})
		key.PromptIDs = append(key.PromptIDs, id)
	}
	return payload, key
}
