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
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"

	"github.com/AleutianAI/agentverify/services/verifier/challenge"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

// sumTolerance absorbs float rounding in money sums.
const sumTolerance = 0.005

// StructuredOutput grades the submitted object against the constraint set.
//
// # Description
//
// score = percentage of constraints satisfied. Any violated hard
// constraint sets HardFail, which forces Passed=false here and fails the
// whole session at aggregation.
func (s Scorer) StructuredOutput(submitted json.RawMessage, set challenge.ConstraintSet, elapsedMs, limitMs int64) Result {
	t := datatypes.ChallengeStructuredOutput
	if isAbsent(submitted) {
		r := zero(t, elapsedMs, AnomalyMissing)
		r.HardFail = hasHard(set)
		return r
	}
	var obj map[string]any
	if err := json.Unmarshal(submitted, &obj); err != nil {
		r := zero(t, elapsedMs, AnomalyMalformed)
		r.HardFail = hasHard(set)
		return r
	}

	satisfied := 0
	hardFail := false
	violations := []string{}
	for _, c := range set.Constraints {
		if checkConstraint(obj, c) {
			satisfied++
			continue
		}
		violations = append(violations, c.ID)
		if c.Hard {
			hardFail = true
		}
	}

	score := ratio(satisfied, len(set.Constraints))
	inTime := withinLimit(elapsedMs, limitMs)
	return Result{
		Type:           t,
		Passed:         !hardFail && score >= s.PassScore && inTime,
		Score:          score,
		ResponseTimeMs: elapsedMs,
		HardFail:       hardFail,
		Details: map[string]any{
			"satisfied":   satisfied,
			"total":       len(set.Constraints),
			"violations":  violations,
			"within_time": inTime,
		},
	}
}

func hasHard(set challenge.ConstraintSet) bool {
	for _, c := range set.Constraints {
		if c.Hard {
			return true
		}
	}
	return false
}

// checkConstraint evaluates one constraint. Unknown kinds fail.
func checkConstraint(obj map[string]any, c challenge.Constraint) bool {
	switch c.Kind {
	case challenge.KindRequiredField:
		v, ok := single(obj, c.Field)
		if !ok || v == nil {
			return false
		}
		if s, isStr := v.(string); isStr {
			return strings.TrimSpace(s) != ""
		}
		return true

	case challenge.KindArrayLength:
		v, ok := single(obj, c.Field)
		arr, isArr := v.([]any)
		return ok && isArr && len(arr) == c.Length

	case challenge.KindSumEquals:
		v, ok := single(obj, c.Field)
		total, isNum := v.(float64)
		if !ok || !isNum {
			return false
		}
		parts, err := challenge.Select(obj, c.Of)
		if err != nil {
			return false
		}
		sum := 0.0
		for _, p := range parts {
			f, isNum := p.(float64)
			if !isNum {
				return false
			}
			sum += f
		}
		return math.Abs(sum-total) <= sumTolerance

	case challenge.KindDateAfter:
		v, ok := single(obj, c.Field)
		if !ok {
			return false
		}
		date, ok := parseDate(v)
		if !ok {
			return false
		}
		var bound time.Time
		if c.AfterField != "" {
			bv, ok := single(obj, c.AfterField)
			if !ok {
				return false
			}
			if bound, ok = parseDate(bv); !ok {
				return false
			}
		} else if bound, ok = parseDate(c.After); !ok {
			return false
		}
		return date.After(bound)

	case challenge.KindCountEquals:
		v, ok := single(obj, c.Field)
		arr, isArr := v.([]any)
		if !ok || !isArr {
			return false
		}
		n := 0
		for _, el := range arr {
			if m, isObj := el.(map[string]any); isObj && m[c.Where] == c.Equals {
				n++
			}
		}
		return n == c.Count

	case challenge.KindStringPrefix:
		v, ok := single(obj, c.Field)
		s, isStr := v.(string)
		return ok && isStr && strings.HasPrefix(s, c.Prefix)

	case challenge.KindRange:
		values, err := challenge.Select(obj, c.Field)
		if err != nil || len(values) == 0 {
			return false
		}
		for _, v := range values {
			f, isNum := v.(float64)
			if !isNum {
				return false
			}
			if (c.Min != nil && f < *c.Min) || (c.Max != nil && f > *c.Max) {
				return false
			}
		}
		return true

	default:
		return false
	}
}

// single resolves a non-wildcard path.
func single(obj map[string]any, path string) (any, bool) {
	v, err := challenge.Resolve(obj, path)
	return v, err == nil
}

// parseDate accepts an RFC 3339 full date or date-time string.
func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	var d strfmt.Date
	if err := d.UnmarshalText([]byte(s)); err == nil {
		return time.Time(d), true
	}
	dt, err := strfmt.ParseDateTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return time.Time(dt), true
}
