// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scoring

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

// SpeedArithmetic grades the arithmetic battery.
//
// # Description
//
// score = round(100 * correct/total) over the expected problem IDs; extra
// submitted IDs are ignored. An answer is correct when it is a JSON number
// with the exact integer value (49 and 49.0 both count, "49" does not).
// Passed requires score >= PassScore and elapsedMs <= limitMs.
func (s Scorer) SpeedArithmetic(submitted json.RawMessage, expected map[string]int64, elapsedMs, limitMs int64) Result {
	t := datatypes.ChallengeSpeedArithmetic
	if isAbsent(submitted) {
		return zero(t, elapsedMs, AnomalyMissing)
	}
	var answers map[string]json.RawMessage
	if err := json.Unmarshal(submitted, &answers); err != nil {
		return zero(t, elapsedMs, AnomalyMalformed)
	}

	correct := 0
	for id, want := range expected {
		got, ok := integerAnswer(answers[id])
		if ok && got == want {
			correct++
		}
	}
	return s.speedResult(t, correct, len(expected), elapsedMs, limitMs)
}

// SpeedJSONParse grades the JSON extraction battery with the same ratio.
// Equality is deep equality of canonicalized JSON values.
func (s Scorer) SpeedJSONParse(submitted json.RawMessage, expected map[string]json.RawMessage, elapsedMs, limitMs int64) Result {
	t := datatypes.ChallengeSpeedJSONParse
	if isAbsent(submitted) {
		return zero(t, elapsedMs, AnomalyMissing)
	}
	var answers map[string]json.RawMessage
	if err := json.Unmarshal(submitted, &answers); err != nil {
		return zero(t, elapsedMs, AnomalyMalformed)
	}

	correct := 0
	for id, want := range expected {
		got, ok := answers[id]
		if ok && jsonEqual(got, want) {
			correct++
		}
	}
	return s.speedResult(t, correct, len(expected), elapsedMs, limitMs)
}

func (s Scorer) speedResult(t datatypes.ChallengeType, correct, total int, elapsedMs, limitMs int64) Result {
	score := ratio(correct, total)
	inTime := withinLimit(elapsedMs, limitMs)
	return Result{
		Type:           t,
		Passed:         score >= s.PassScore && inTime,
		Score:          score,
		ResponseTimeMs: elapsedMs,
		Details: map[string]any{
			"correct":     correct,
			"total":       total,
			"within_time": inTime,
		},
	}
}

// integerAnswer decodes a JSON number holding an integral value.
func integerAnswer(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	if v, err := n.Int64(); err == nil {
		return v, true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}
