// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/agentverify/services/verifier/config"
)

// outcomeMeasurement is the InfluxDB measurement for completed sessions.
const outcomeMeasurement = "verification_outcomes"

// Outcome is one completed session as exported to time-series storage.
type Outcome struct {
	SessionID       string
	AgentID         string
	CompetitionID   string
	Status          string
	Passed          bool
	TotalScore      int
	SpeedScore      int
	StructuredScore int
	BehavioralScore int
	ElapsedMs       int64
	AgentStatus     string
	At              time.Time
}

// OutcomeSink receives completed sessions.
//
// Implementations must be safe for concurrent use. Record failures are
// logged by the caller and never affect the session outcome.
type OutcomeSink interface {
	Record(ctx context.Context, o Outcome) error
	Close()
}

// NopSink discards outcomes.
type NopSink struct{}

// Record implements OutcomeSink.
func (NopSink) Record(context.Context, Outcome) error { return nil }

// Close implements OutcomeSink.
func (NopSink) Close() {}

// MemorySink keeps outcomes in memory. Test helper.
type MemorySink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

// Record implements OutcomeSink.
func (s *MemorySink) Record(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

// Close implements OutcomeSink.
func (s *MemorySink) Close() {}

// Outcomes returns a copy of the recorded outcomes.
func (s *MemorySink) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

// InfluxSink writes outcomes to InfluxDB with the blocking write API.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink creates a sink for cfg. Returns NopSink when no URL is set.
func NewInfluxSink(cfg config.InfluxConfig) OutcomeSink {
	if cfg.URL == "" {
		return NopSink{}
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// Record implements OutcomeSink.
func (s *InfluxSink) Record(ctx context.Context, o Outcome) error {
	if err := s.writeAPI.WritePoint(ctx, OutcomePoint(o)); err != nil {
		return fmt.Errorf("write outcome %s: %w", o.SessionID, err)
	}
	return nil
}

// Close implements OutcomeSink.
func (s *InfluxSink) Close() {
	s.client.Close()
}

// OutcomePoint converts an outcome into a line-protocol point. Tags carry
// the low-cardinality dimensions; IDs are fields.
func OutcomePoint(o Outcome) *write.Point {
	p := influxdb2.NewPointWithMeasurement(outcomeMeasurement).
		AddTag("status", o.Status).
		AddTag("passed", fmt.Sprintf("%t", o.Passed)).
		AddField("session_id", o.SessionID).
		AddField("agent_id", o.AgentID).
		AddField("total_score", o.TotalScore).
		AddField("speed_score", o.SpeedScore).
		AddField("structured_score", o.StructuredScore).
		AddField("behavioral_score", o.BehavioralScore).
		AddField("elapsed_ms", o.ElapsedMs).
		SetTime(o.At)
	if o.CompetitionID != "" {
		p.AddTag("competition_id", o.CompetitionID)
	}
	if o.AgentStatus != "" {
		p.AddTag("agent_status", o.AgentStatus)
	}
	return p
}
