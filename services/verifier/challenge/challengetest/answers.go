// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package challengetest builds submissions for tests: a perfect answer
// sheet for a generated set, plus helpers to degrade it.
package challengetest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"

	"github.com/AleutianAI/agentverify/services/verifier/challenge"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

// Answers is a submission keyed by modality.
type Answers = map[datatypes.ChallengeType]json.RawMessage

// Perfect returns a submission that scores 100 on every modality, with
// behavioral timestamps spaced gapMs apart starting at startMs.
func Perfect(exp challenge.ExpectedAnswers, startMs, gapMs int64) Answers {
	return Answers{
		datatypes.ChallengeSpeedArithmetic:  mustJSON(exp.Arithmetic),
		datatypes.ChallengeSpeedJSONParse:   mustJSON(exp.JSONParse),
		datatypes.ChallengeStructuredOutput: mustJSON(Solve(exp.Structured)),
		datatypes.ChallengeBehavioralTiming: Timed(exp.Behavioral, startMs, func(int) int64 { return gapMs }),
	}
}

// Timed answers every behavioral prompt; gap(i) is the latency before
// answer i (i >= 1).
func Timed(key challenge.BehavioralKey, startMs int64, gap func(i int) int64) json.RawMessage {
	ts := startMs
	responses := make([]map[string]any, 0, len(key.PromptIDs))
	for i, id := range key.PromptIDs {
		if i > 0 {
			ts += gap(i)
		}
		responses = append(responses, map[string]any{
			"id":           id,
			"answer":       fmt.Sprintf("answer %d", i+1),
			"timestamp_ms": ts,
		})
	}
	return mustJSON(map[string]any{"responses": responses})
}

// Solve builds an order object satisfying every constraint of a set
// produced by challenge.Generator.
func Solve(cs challenge.ConstraintSet) map[string]any {
	var (
		length   = 1
		prefix   string
		category string
		matching int
		quantity = 1.0
		after    = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	for _, c := range cs.Constraints {
		switch c.Kind {
		case challenge.KindArrayLength:
			length = c.Length
		case challenge.KindStringPrefix:
			prefix = c.Prefix
		case challenge.KindCountEquals:
			category, matching = c.Equals, c.Count
		case challenge.KindRange:
			if c.Min != nil {
				quantity = *c.Min
			}
		case challenge.KindDateAfter:
			if c.After != "" {
				var d strfmt.Date
				if err := d.UnmarshalText([]byte(c.After)); err == nil {
					after = time.Time(d)
				}
			}
		}
	}

	items := make([]any, 0, length)
	total := 0.0
	for i := 0; i < length; i++ {
		cat := "other"
		if i < matching {
			cat = category
		}
		lineTotal := quantity * 2.5
		total += lineTotal
		items = append(items, map[string]any{
			"sku":        fmt.Sprintf("SKU-%03d", i+1),
			"category":   cat,
			"quantity":   quantity,
			"unit_price": 2.5,
			"line_total": lineTotal,
		})
	}
	return map[string]any{
		"order_id":   prefix + "0001",
		"customer":   map[string]any{"name": "Ada", "email": "ada@example.com"},
		"order_date": strfmt.Date(after.AddDate(0, 0, 1)).String(),
		"ship_date":  strfmt.Date(after.AddDate(0, 0, 3)).String(),
		"items":      items,
		"total":      total,
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
