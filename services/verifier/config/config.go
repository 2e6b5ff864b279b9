// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the verifier service configuration.
//
// Every numeric policy value of the verification battery (thresholds, time
// limits, item counts, weights) is configuration with the observed production
// values as defaults. The policy section can be hot-reloaded (see Watcher);
// the rest of the configuration is read once at startup.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/agentverify/pkg/validation"
)

// Config is the root configuration of the verifier service.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Crypto    CryptoConfig    `yaml:"crypto" toml:"crypto"`
	Policy    Policy          `yaml:"policy" toml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Influx    InfluxConfig    `yaml:"influx" toml:"influx"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Signature SignatureConfig `yaml:"signature" toml:"signature"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port    int    `yaml:"port" toml:"port" validate:"gte=1,lte=65535"`
	GinMode string `yaml:"gin_mode" toml:"gin_mode" validate:"oneof=debug release test"`
}

// StorageConfig selects and configures the session store backend.
type StorageConfig struct {
	// Backend is one of memory, badger, redis. memory is for tests and
	// single-process demos only: it loses every session on restart.
	Backend        string `yaml:"backend" toml:"backend" validate:"oneof=memory badger redis"`
	BadgerPath     string `yaml:"badger_path" toml:"badger_path" validate:"required_if=Backend badger"`
	RedisAddr      string `yaml:"redis_addr" toml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword  string `yaml:"redis_password" toml:"redis_password"`
	RedisDB        int    `yaml:"redis_db" toml:"redis_db" validate:"gte=0"`
	RedisKeyPrefix string `yaml:"redis_key_prefix" toml:"redis_key_prefix"`
}

// KeyConfig is one master key of the secret keyring.
type KeyConfig struct {
	ID     int    `yaml:"id" toml:"id" validate:"gte=1,lte=255"`
	Base64 string `yaml:"base64" toml:"base64" validate:"required,base64"`
}

// CryptoConfig configures the keyring used to seal session secrets.
//
// Older keys stay listed after a rotation so in-flight sessions sealed under
// them can still be opened; new secrets are sealed with ActiveKeyID.
type CryptoConfig struct {
	ActiveKeyID int         `yaml:"active_key_id" toml:"active_key_id" validate:"gte=0,lte=255"`
	Keys        []KeyConfig `yaml:"keys" toml:"keys" validate:"dive"`
}

// TelemetryConfig configures tracing and metrics.
//
// OTelEndpoint "" disables tracing, "stdout" prints spans, anything else is
// an OTLP gRPC collector address.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" toml:"service_name" validate:"required"`
	OTelEndpoint   string `yaml:"otel_endpoint" toml:"otel_endpoint"`
	MetricsEnabled bool   `yaml:"metrics_enabled" toml:"metrics_enabled"`
}

// InfluxConfig configures the optional outcome time-series sink.
// The sink is disabled while URL is empty.
type InfluxConfig struct {
	URL    string `yaml:"url" toml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token" toml:"token"`
	Org    string `yaml:"org" toml:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" toml:"bucket" validate:"required_with=URL"`
}

// AuthConfig maps bearer tokens to users and agents to owners.
//
// With no tokens configured every request runs as the local admin user.
// With no owners configured every user may act for every agent.
type AuthConfig struct {
	Tokens      map[string]string `yaml:"tokens" toml:"tokens"`
	AdminUsers  []string          `yaml:"admin_users" toml:"admin_users"`
	AgentOwners map[string]string `yaml:"agent_owners" toml:"agent_owners"`
}

// RateLimitConfig limits start calls per agent. Zero disables the limiter.
type RateLimitConfig struct {
	StartsPerMinute float64 `yaml:"starts_per_minute" toml:"starts_per_minute" validate:"gte=0"`
	Burst           int     `yaml:"burst" toml:"burst" validate:"gte=0"`
}

// SignatureConfig enables HMAC-SHA256 signing of respond requests.
// Disabled while Secret is empty.
type SignatureConfig struct {
	Secret   string        `yaml:"secret" toml:"secret"`
	MaxDrift time.Duration `yaml:"max_drift" toml:"max_drift" validate:"gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir" toml:"dir"`
}

// =============================================================================
// Policy
// =============================================================================

// Policy is the tunable part of the verification battery.
type Policy struct {
	SessionTTL         time.Duration `yaml:"session_ttl" toml:"session_ttl" validate:"gt=0"`
	PassThreshold      int           `yaml:"pass_threshold" toml:"pass_threshold" validate:"gte=0,lte=100"`
	SuspicionThreshold int           `yaml:"suspicion_threshold" toml:"suspicion_threshold" validate:"gte=0,lte=100"`
	EscalationCount    int           `yaml:"escalation_count" toml:"escalation_count" validate:"gte=1"`
	VerifiedValidity   time.Duration `yaml:"verified_validity" toml:"verified_validity" validate:"gt=0"`
	ModalityPassScore  int           `yaml:"modality_pass_score" toml:"modality_pass_score" validate:"gte=0,lte=100"`
	RecentSessions     int           `yaml:"recent_sessions" toml:"recent_sessions" validate:"gte=1,lte=100"`

	Weights    Weights          `yaml:"weights" toml:"weights"`
	Arithmetic ArithmeticPolicy `yaml:"arithmetic" toml:"arithmetic"`
	JSONParse  JSONParsePolicy  `yaml:"json_parse" toml:"json_parse"`
	Structured StructuredPolicy `yaml:"structured" toml:"structured"`
	Behavioral BehavioralPolicy `yaml:"behavioral" toml:"behavioral"`
}

// Weights are the aggregation weights of the three score buckets.
type Weights struct {
	Speed      float64 `yaml:"speed" toml:"speed" validate:"gte=0,lte=1"`
	Structured float64 `yaml:"structured" toml:"structured" validate:"gte=0,lte=1"`
	Behavioral float64 `yaml:"behavioral" toml:"behavioral" validate:"gte=0,lte=1"`
}

// ArithmeticPolicy configures the speed arithmetic battery.
type ArithmeticPolicy struct {
	Count     int           `yaml:"count" toml:"count" validate:"gte=1,lte=200"`
	TimeLimit time.Duration `yaml:"time_limit" toml:"time_limit" validate:"gt=0"`
}

// JSONParsePolicy configures the deep JSON extraction battery.
type JSONParsePolicy struct {
	Queries   int           `yaml:"queries" toml:"queries" validate:"gte=1,lte=50"`
	MinDepth  int           `yaml:"min_depth" toml:"min_depth" validate:"gte=2,lte=10"`
	MaxDepth  int           `yaml:"max_depth" toml:"max_depth" validate:"gtefield=MinDepth,lte=10"`
	TimeLimit time.Duration `yaml:"time_limit" toml:"time_limit" validate:"gt=0"`
}

// StructuredPolicy configures the structured output challenge.
type StructuredPolicy struct {
	MinItems  int           `yaml:"min_items" toml:"min_items" validate:"gte=1"`
	MaxItems  int           `yaml:"max_items" toml:"max_items" validate:"gtefield=MinItems,lte=50"`
	TimeLimit time.Duration `yaml:"time_limit" toml:"time_limit" validate:"gt=0"`
}

// BehavioralPolicy configures the behavioral timing classifier.
//
// # Description
//
// The classifier maps the latency profile of the examinee's per-item answers
// to a machine-likeness score. A mean inter-item latency at or below
// FastMeanMs earns the full speed half; at or above HumanMeanMs earns none,
// linear in between. A coefficient of variation at or below MachineCV earns
// the full consistency half; at or above HumanCV earns none.
type BehavioralPolicy struct {
	Prompts     int     `yaml:"prompts" toml:"prompts" validate:"gte=2,lte=100"`
	MinSamples  int     `yaml:"min_samples" toml:"min_samples" validate:"gte=2,ltefield=Prompts"`
	FastMeanMs  float64 `yaml:"fast_mean_ms" toml:"fast_mean_ms" validate:"gte=0"`
	HumanMeanMs float64 `yaml:"human_mean_ms" toml:"human_mean_ms" validate:"gtfield=FastMeanMs"`
	MachineCV   float64 `yaml:"machine_cv" toml:"machine_cv" validate:"gte=0"`
	HumanCV     float64 `yaml:"human_cv" toml:"human_cv" validate:"gtfield=MachineCV"`
	PassScore   int     `yaml:"pass_score" toml:"pass_score" validate:"gte=0,lte=100"`
}

// DefaultPolicy returns the production policy values.
func DefaultPolicy() Policy {
	return Policy{
		SessionTTL:         5 * time.Minute,
		PassThreshold:      70,
		SuspicionThreshold: 50,
		EscalationCount:    3,
		VerifiedValidity:   24 * time.Hour,
		ModalityPassScore:  80,
		RecentSessions:     10,
		Weights: Weights{
			Speed:      0.40,
			Structured: 0.35,
			Behavioral: 0.25,
		},
		Arithmetic: ArithmeticPolicy{
			Count:     20,
			TimeLimit: 5000 * time.Millisecond,
		},
		JSONParse: JSONParsePolicy{
			Queries:   10,
			MinDepth:  4,
			MaxDepth:  6,
			TimeLimit: 4000 * time.Millisecond,
		},
		Structured: StructuredPolicy{
			MinItems:  3,
			MaxItems:  6,
			TimeLimit: 15000 * time.Millisecond,
		},
		Behavioral: BehavioralPolicy{
			Prompts:     15,
			MinSamples:  10,
			FastMeanMs:  500,
			HumanMeanMs: 3000,
			MachineCV:   0.10,
			HumanCV:     0.50,
			PassScore:   60,
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:    12310,
			GinMode: "release",
		},
		Storage: StorageConfig{
			Backend:        "badger",
			BadgerPath:     "./data/verifier",
			RedisKeyPrefix: "agentverify:",
		},
		Policy: DefaultPolicy(),
		Telemetry: TelemetryConfig{
			ServiceName:    "agentverify",
			MetricsEnabled: true,
		},
		RateLimit: RateLimitConfig{
			StartsPerMinute: 6,
			Burst:           3,
		},
		Signature: SignatureConfig{
			MaxDrift: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// configValidate validates configuration structs.
var configValidate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.Crypto.ActiveKeyID != 0 {
		found := false
		for _, k := range c.Crypto.Keys {
			if k.ID == c.Crypto.ActiveKeyID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("invalid config: active key %d is not in the keyring", c.Crypto.ActiveKeyID)
		}
	}
	owned := make([]string, 0, len(c.Auth.AgentOwners))
	for agentID := range c.Auth.AgentOwners {
		owned = append(owned, agentID)
	}
	if err := validation.ValidateIdentifiers(owned); err != nil {
		return fmt.Errorf("invalid config: auth.agent_owners: %w", err)
	}
	return nil
}

// Validate checks the policy on its own, as the Watcher does on reload.
func (p *Policy) Validate() error {
	if err := configValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	sum := p.Weights.Speed + p.Weights.Structured + p.Weights.Behavioral
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("invalid policy: weights sum to %.4f, want 1", sum)
	}
	return nil
}

// TimeLimitMs returns the limit of a modality in milliseconds, 0 for none.
func (p Policy) TimeLimitMs(modality string) int64 {
	switch modality {
	case "speed_arithmetic":
		return p.Arithmetic.TimeLimit.Milliseconds()
	case "speed_json_parse":
		return p.JSONParse.TimeLimit.Milliseconds()
	case "structured_output":
		return p.Structured.TimeLimit.Milliseconds()
	default:
		return 0
	}
}
