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
	"slices"

	"github.com/AleutianAI/agentverify/services/verifier/challenge"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

// BehavioralResponse is one answered prompt with its production time.
type BehavioralResponse struct {
	ID          string `json:"id"`
	Answer      string `json:"answer"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// BehavioralSubmission is the expected shape of a behavioral_timing answer.
type BehavioralSubmission struct {
	Responses []BehavioralResponse `json:"responses"`
}

// LatencyProfile summarizes inter-item latencies.
type LatencyProfile struct {
	Samples int
	MeanMs  float64
	StdMs   float64
	CV      float64
}

// Profile computes the latency profile of sorted timestamps. The latencies
// are the gaps between consecutive timestamps; CV is 0 when the mean is 0.
func Profile(timestamps []int64) LatencyProfile {
	ts := slices.Clone(timestamps)
	slices.Sort(ts)
	if len(ts) < 2 {
		return LatencyProfile{Samples: len(ts)}
	}
	gaps := make([]float64, 0, len(ts)-1)
	sum := 0.0
	for i := 1; i < len(ts); i++ {
		g := float64(ts[i] - ts[i-1])
		gaps = append(gaps, g)
		sum += g
	}
	mean := sum / float64(len(gaps))
	variance := 0.0
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	std := math.Sqrt(variance / float64(len(gaps)))
	cv := 0.0
	if mean > 0 {
		cv = std / mean
	}
	return LatencyProfile{Samples: len(ts), MeanMs: mean, StdMs: std, CV: cv}
}

// BehavioralTiming scores the machine-likeness of the answer timing.
//
// # Description
//
// Only responses to issued prompt IDs count, first occurrence per ID.
// With fewer than MinSamples responses the score is 0 and the anomaly is
// insufficient_samples. Otherwise:
//
//	speed       = clamp01((HumanMeanMs - mean) / (HumanMeanMs - FastMeanMs))
//	consistency = clamp01((HumanCV - cv) / (HumanCV - MachineCV))
//	score       = round(50*speed + 50*consistency)
//
// Fast, uniform answering scores near 100; slow, irregular answering near 0.
// This modality has no time limit.
func (s Scorer) BehavioralTiming(submitted json.RawMessage, key challenge.BehavioralKey) Result {
	t := datatypes.ChallengeBehavioralTiming
	if isAbsent(submitted) {
		return zero(t, 0, AnomalyMissing)
	}
	var sub BehavioralSubmission
	if err := json.Unmarshal(submitted, &sub); err != nil {
		return zero(t, 0, AnomalyMalformed)
	}

	issued := make(map[string]bool, len(key.PromptIDs))
	for _, id := range key.PromptIDs {
		issued[id] = true
	}
	seen := make(map[string]bool, len(sub.Responses))
	timestamps := make([]int64, 0, len(sub.Responses))
	for _, r := range sub.Responses {
		if !issued[r.ID] || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		timestamps = append(timestamps, r.TimestampMs)
	}

	cfg := s.Behavioral
	prof := Profile(timestamps)
	if prof.Samples < cfg.MinSamples || prof.Samples < 2 {
		r := zero(t, 0, AnomalyInsufficientSamples)
		r.Details["samples"] = prof.Samples
		r.Details["min_samples"] = cfg.MinSamples
		return r
	}

	speed := clamp01((cfg.HumanMeanMs - prof.MeanMs) / (cfg.HumanMeanMs - cfg.FastMeanMs))
	consistency := clamp01((cfg.HumanCV - prof.CV) / (cfg.HumanCV - cfg.MachineCV))
	score := int(math.Round(50*speed + 50*consistency))

	return Result{
		Type:           t,
		Passed:         score >= cfg.PassScore,
		Score:          score,
		ResponseTimeMs: int64(math.Round(prof.MeanMs * float64(prof.Samples-1))),
		Details: map[string]any{
			"samples":         prof.Samples,
			"mean_latency_ms": prof.MeanMs,
			"std_latency_ms":  prof.StdMs,
			"cv":              prof.CV,
		},
	}
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
