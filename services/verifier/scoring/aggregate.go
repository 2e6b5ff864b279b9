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
	"math"

	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

// Totals is the aggregated outcome of a session.
type Totals struct {
	Total      int
	Speed      int
	Structured int
	Behavioral int
	Passed     bool
	HardFail   bool
}

// Scores converts the totals into the session patch shape.
func (t Totals) Scores() datatypes.SessionScores {
	return datatypes.SessionScores{
		Total:      t.Total,
		Speed:      t.Speed,
		Structured: t.Structured,
		Behavioral: t.Behavioral,
	}
}

// Aggregator combines modality results into bucket and total scores.
type Aggregator struct {
	Weights       config.Weights
	PassThreshold int
}

// NewAggregator creates an Aggregator from the policy.
func NewAggregator(p config.Policy) Aggregator {
	return Aggregator{Weights: p.Weights, PassThreshold: p.PassThreshold}
}

// defaultAggregator uses the production weights and threshold.
var defaultAggregator = NewAggregator(config.DefaultPolicy())

// Aggregate combines results with the default weights (0.40/0.35/0.25)
// and pass threshold (70).
func Aggregate(results []Result) Totals {
	return defaultAggregator.Aggregate(results)
}

// Aggregate combines results.
//
// # Description
//
//	speedMean  = (arithmetic + json) / 2
//	total      = round(w.Speed*speedMean + w.Structured*structured + w.Behavioral*behavioral)
//	speed      = round(speedMean), reported only
//	passed     = total >= PassThreshold && no result has HardFail
//
// A modality absent from results counts as 0. The function is pure.
func (a Aggregator) Aggregate(results []Result) Totals {
	var arith, jsonParse, structured, behavioral int
	hardFail := false
	for _, r := range results {
		switch r.Type {
		case datatypes.ChallengeSpeedArithmetic:
			arith = r.Score
		case datatypes.ChallengeSpeedJSONParse:
			jsonParse = r.Score
		case datatypes.ChallengeStructuredOutput:
			structured = r.Score
		case datatypes.ChallengeBehavioralTiming:
			behavioral = r.Score
		}
		if r.HardFail {
			hardFail = true
		}
	}

	speedMean := float64(arith+jsonParse) / 2
	total := int(math.Round(
		a.Weights.Speed*speedMean +
			a.Weights.Structured*float64(structured) +
			a.Weights.Behavioral*float64(behavioral)))

	return Totals{
		Total:      total,
		Speed:      int(math.Round(speedMean)),
		Structured: structured,
		Behavioral: behavioral,
		Passed:     total >= a.PassThreshold && !hardFail,
		HardFail:   hardFail,
	}
}
