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
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

func seeded(seed uint64) *Generator {
	return NewGenerator(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func generate(t *testing.T, seed uint64) Set {
	t.Helper()
	set, err := seeded(seed).Generate(config.DefaultPolicy())
	require.NoError(t, err)
	return set
}

func TestGenerate_IssuesAllModalitiesInOrder(t *testing.T) {
	set := generate(t, 1)

	require.Len(t, set.Challenges, 4)
	for i, want := range datatypes.AllChallengeTypes {
		assert.Equal(t, want, set.Challenges[i].Type)
		assert.True(t, json.Valid(set.Challenges[i].Data))
	}
	assert.Equal(t, int64(5000), set.Challenges[0].TimeLimitMs)
	assert.Equal(t, int64(4000), set.Challenges[1].TimeLimitMs)
	assert.Equal(t, int64(15000), set.Challenges[2].TimeLimitMs)
	assert.Equal(t, int64(0), set.Challenges[3].TimeLimitMs)
}

func TestGenerate_DeterministicForSeed(t *testing.T) {
	a := generate(t, 42)
	b := generate(t, 42)
	c := generate(t, 43)

	for i := range a.Challenges {
		assert.JSONEq(t, string(a.Challenges[i].Data), string(b.Challenges[i].Data))
	}
	assert.NotEqual(t, string(a.Challenges[0].Data), string(c.Challenges[0].Data))
}

func TestGenerate_PayloadsNeverContainAnswerKey(t *testing.T) {
	set := generate(t, 7)
	keyJSON, err := set.Expected.Marshal()
	require.NoError(t, err)

	var arith ArithmeticPayload
	require.NoError(t, json.Unmarshal(set.Challenges[0].Data, &arith))
	assert.NotContains(t, string(set.Challenges[0].Data), `"answer"`)

	decoded, err := UnmarshalExpected(keyJSON)
	require.NoError(t, err)
	assert.Equal(t, set.Expected.Arithmetic, decoded.Arithmetic)
	assert.Equal(t, set.Expected.Behavioral, decoded.Behavioral)
}

func TestArithmetic_UniqueCorrectAnswers(t *testing.T) {
	for seed := uint64(0); seed < 25; seed++ {
		set := generate(t, seed)

		var payload ArithmeticPayload
		require.NoError(t, json.Unmarshal(set.Challenges[0].Data, &payload))
		require.Len(t, payload.Problems, 20)

		seen := map[int64]bool{}
		for _, p := range payload.Problems {
			want, ok := set.Expected.Arithmetic[p.ID]
			require.True(t, ok, p.ID)
			assert.Equal(t, want, evalExpression(t, p.Expression), p.Expression)
			assert.False(t, seen[want], "duplicate answer %d", want)
			seen[want] = true
			assert.LessOrEqual(t, strings.Count(p.Expression, "("), 1)
		}
	}
}

func TestArithmetic_ImpossibleCountFails(t *testing.T) {
	p := config.DefaultPolicy()
	p.Arithmetic.Count = 200000
	_, err := seeded(1).Generate(p)
	assert.Error(t, err)
}

func TestJSONParse_QueriesResolveToExpectedLeaves(t *testing.T) {
	for seed := uint64(0); seed < 25; seed++ {
		set := generate(t, seed)

		var payload struct {
			Document any         `json:"document"`
			Queries  []JSONQuery `json:"queries"`
		}
		require.NoError(t, json.Unmarshal(set.Challenges[1].Data, &payload))
		require.Len(t, payload.Queries, 10)

		depth := containerDepth(payload.Document)
		assert.GreaterOrEqual(t, depth, 4)
		assert.LessOrEqual(t, depth, 6)

		paths := map[string]bool{}
		for _, q := range payload.Queries {
			assert.False(t, paths[q.Path], "duplicate path %s", q.Path)
			paths[q.Path] = true

			v, err := Resolve(payload.Document, q.Path)
			require.NoError(t, err, q.Path)
			got, err := json.Marshal(v)
			require.NoError(t, err)
			assert.JSONEq(t, string(set.Expected.JSONParse[q.ID]), string(got), q.Path)
		}
	}
}

func TestJSONParse_AnswersAreDistinctAndNotBool(t *testing.T) {
	for seed := uint64(0); seed < 200; seed++ {
		set := generate(t, seed)
		seen := map[string]string{}
		for id, raw := range set.Expected.JSONParse {
			var v any
			require.NoError(t, json.Unmarshal(raw, &v))
			_, isBool := v.(bool)
			assert.False(t, isBool, "seed %d: query %s has a bool answer", seed, id)

			key := string(raw)
			if other, dup := seen[key]; dup {
				t.Errorf("seed %d: queries %s and %s share answer %s", seed, other, id, key)
			}
			seen[key] = id
		}
	}
}

func TestStructured_ConstraintMix(t *testing.T) {
	set := generate(t, 3)
	cs := set.Expected.Structured.Constraints

	kinds := map[ConstraintKind]bool{}
	hard, soft := 0, 0
	for _, c := range cs {
		kinds[c.Kind] = true
		if c.Hard {
			hard++
		} else {
			soft++
		}
		if c.Kind == KindArrayLength {
			assert.GreaterOrEqual(t, c.Length, 3)
			assert.LessOrEqual(t, c.Length, 6)
		}
	}
	for _, k := range []ConstraintKind{KindRequiredField, KindArrayLength, KindSumEquals, KindDateAfter, KindCountEquals, KindStringPrefix, KindRange} {
		assert.True(t, kinds[k], k)
	}
	assert.Positive(t, hard)
	assert.Positive(t, soft)

	var payload StructuredPayload
	require.NoError(t, json.Unmarshal(set.Challenges[2].Data, &payload))
	assert.Len(t, payload.Constraints, len(cs))
}

func TestBehavioral_PromptCount(t *testing.T) {
	p := config.DefaultPolicy()
	p.Behavioral.Prompts = 25
	p.Behavioral.MinSamples = 10
	set, err := seeded(9).Generate(p)
	require.NoError(t, err)

	var payload BehavioralPayload
	require.NoError(t, json.Unmarshal(set.Challenges[3].Data, &payload))
	require.Len(t, payload.Prompts, 25)

	texts := map[string]bool{}
	for _, pr := range payload.Prompts {
		assert.False(t, texts[pr.Text])
		texts[pr.Text] = true
	}
	assert.Len(t, set.Expected.Behavioral.PromptIDs, 25)
}

func TestSelect(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{"a":{"b":[{"c":1},{"c":2},{"c":3}]},"m":[[5,6],[7]]}`), &doc))

	got, err := Select(doc, "a.b[].c")
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, got)

	v, err := Resolve(doc, "a.b[2].c")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	v, err = Resolve(doc, "m[0][1]")
	require.NoError(t, err)
	assert.Equal(t, 6.0, v)

	_, err = Resolve(doc, "a.b[9].c")
	assert.ErrorIs(t, err, ErrPathNotFound)
	_, err = Resolve(doc, "a.b[].c")
	assert.Error(t, err)
	_, err = Select(doc, "a.b[x]")
	assert.Error(t, err)
	_, err = Select(doc, "")
	assert.Error(t, err)
}

// containerDepth counts nested objects and arrays.
func containerDepth(v any) int {
	switch x := v.(type) {
	case map[string]any:
		best := 0
		for _, c := range x {
			best = max(best, containerDepth(c))
		}
		return best + 1
	case []any:
		best := 0
		for _, c := range x {
			best = max(best, containerDepth(c))
		}
		return best + 1
	default:
		return 0
	}
}

// evalExpression is an independent precedence-climbing evaluator.
func evalExpression(t *testing.T, expr string) int64 {
	t.Helper()
	tokens := strings.Fields(strings.NewReplacer("(", " ( ", ")", " ) ").Replace(expr))
	pos := 0

	var parseExpr func() int64
	parseAtom := func() int64 {
		tok := tokens[pos]
		pos++
		if tok == "(" {
			v := parseExpr()
			pos++ // ")"
			return v
		}
		n, err := strconv.ParseInt(tok, 10, 64)
		require.NoError(t, err)
		return n
	}
	parseTerm := func() int64 {
		v := parseAtom()
		for pos < len(tokens) && tokens[pos] == "*" {
			pos++
			v *= parseAtom()
		}
		return v
	}
	parseExpr = func() int64 {
		v := parseTerm()
		for pos < len(tokens) && (tokens[pos] == "+" || tokens[pos] == "-") {
			op := tokens[pos]
			pos++
			r := parseTerm()
			if op == "+" {
				v += r
			} else {
				v -= r
			}
		}
		return v
	}
	return parseExpr()
}
