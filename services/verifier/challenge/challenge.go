// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package challenge generates the four-modality challenge battery.
//
// Generation is side-effect free: it touches no storage and draws all
// randomness from the injected source, so a fixed seed reproduces a battery.
package challenge

import (
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

// Item is one issued challenge: public data only.
type Item struct {
	Type        datatypes.ChallengeType
	TimeLimitMs int64
	Data        json.RawMessage
}

// ExpectedAnswers is the answer key of a session. It is sealed before it
// leaves the generator's caller and never persisted in the clear.
type ExpectedAnswers struct {
	Arithmetic map[string]int64           `json:"speed_arithmetic"`
	JSONParse  map[string]json.RawMessage `json:"speed_json_parse"`
	Structured ConstraintSet              `json:"structured_output"`
	Behavioral BehavioralKey              `json:"behavioral_timing"`
}

// Marshal encodes the answer key for sealing.
func (e ExpectedAnswers) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalExpected decodes an answer key produced by Marshal.
func UnmarshalExpected(data []byte) (ExpectedAnswers, error) {
	var e ExpectedAnswers
	if err := json.Unmarshal(data, &e); err != nil {
		return ExpectedAnswers{}, fmt.Errorf("decode expected answers: %w", err)
	}
	return e, nil
}

// Set is the output of one generation: the public challenges in issue order
// plus the answer key.
type Set struct {
	Challenges []Item
	Expected   ExpectedAnswers
}

// Generator produces challenge sets.
//
// # Thread Safety
//
// Safe for concurrent use; the random source is guarded by a mutex.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a generator drawing from src. A nil src uses a
// ChaCha8 stream seeded from crypto/rand.
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		var seed [32]byte
		_, _ = crand.Read(seed[:])
		src = rand.NewChaCha8(seed)
	}
	return &Generator{rng: rand.New(src)}
}

// Generate builds one battery of all four modalities under policy p.
//
// # Outputs
//
//   - Set: Challenges in the order of datatypes.AllChallengeTypes.
//   - error: Non-nil only if the policy makes generation impossible
//     (e.g. more unique arithmetic answers requested than reachable).
func (g *Generator) Generate(p config.Policy) (Set, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	arith, arithKey, err := g.arithmetic(p.Arithmetic)
	if err != nil {
		return Set{}, err
	}
	jsonDoc, jsonKey, err := g.jsonParse(p.JSONParse)
	if err != nil {
		return Set{}, err
	}
	structured, constraints := g.structured(p.Structured)
	behavioral, behavioralKey := g.behavioral(p.Behavioral)

	payloads := []any{arith, jsonDoc, structured, behavioral}
	set := Set{
		Challenges: make([]Item, 0, len(payloads)),
		Expected: ExpectedAnswers{
			Arithmetic: arithKey,
			JSONParse:  jsonKey,
			Structured: constraints,
			Behavioral: behavioralKey,
		},
	}
	for i, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return Set{}, fmt.Errorf("encode %s payload: %w", datatypes.AllChallengeTypes[i], err)
		}
		t := datatypes.AllChallengeTypes[i]
		set.Challenges = append(set.Challenges, Item{
			Type:        t,
			TimeLimitMs: p.TimeLimitMs(string(t)),
			Data:        data,
		})
	}
	return set, nil
}

// between returns a uniform int in [lo, hi].
func (g *Generator) between(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + g.rng.IntN(hi-lo+1)
}
