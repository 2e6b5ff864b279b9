// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	p := cfg.Policy
	assert.Equal(t, 5*time.Minute, p.SessionTTL)
	assert.Equal(t, 70, p.PassThreshold)
	assert.Equal(t, 50, p.SuspicionThreshold)
	assert.Equal(t, 3, p.EscalationCount)
	assert.Equal(t, 20, p.Arithmetic.Count)
	assert.Equal(t, int64(5000), p.TimeLimitMs("speed_arithmetic"))
	assert.Equal(t, int64(4000), p.TimeLimitMs("speed_json_parse"))
	assert.Equal(t, int64(15000), p.TimeLimitMs("structured_output"))
	assert.Equal(t, int64(0), p.TimeLimitMs("behavioral_timing"))
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "verifier.yaml", `
server:
  port: 9000
storage:
  backend: memory
policy:
  pass_threshold: 75
  session_ttl: 2m
  arithmetic:
    count: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 75, cfg.Policy.PassThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Policy.SessionTTL)
	assert.Equal(t, 10, cfg.Policy.Arithmetic.Count)
	// untouched fields keep defaults
	assert.Equal(t, 5*time.Second, cfg.Policy.Arithmetic.TimeLimit)
	assert.Equal(t, 0.40, cfg.Policy.Weights.Speed)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "verifier.toml", `
[storage]
backend = "redis"
redis_addr = "localhost:6379"

[policy]
suspicion_threshold = 40
verified_validity = "12h"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, 40, cfg.Policy.SuspicionThreshold)
	assert.Equal(t, 12*time.Hour, cfg.Policy.VerifiedValidity)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTVERIFY_PORT", "7777")
	t.Setenv("AGENTVERIFY_STORAGE_BACKEND", "memory")
	t.Setenv(MasterKeyEnv, "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	require.Len(t, cfg.Crypto.Keys, 1)
	assert.Equal(t, 1, cfg.Crypto.ActiveKeyID)
}

func TestLoad_BadIntEnvFallsBack(t *testing.T) {
	t.Setenv("AGENTVERIFY_PORT", "not-a-port")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoad_RejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, "verifier.json", `{}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"weights do not sum to one", func(c *Config) { c.Policy.Weights.Speed = 0.9 }},
		{"pass threshold above 100", func(c *Config) { c.Policy.PassThreshold = 101 }},
		{"max depth below min depth", func(c *Config) { c.Policy.JSONParse.MaxDepth = 3 }},
		{"human mean not above fast mean", func(c *Config) { c.Policy.Behavioral.HumanMeanMs = 100 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"redis without addr", func(c *Config) { c.Storage.Backend = "redis" }},
		{"active key missing", func(c *Config) { c.Crypto.ActiveKeyID = 3 }},
		{"influx without bucket", func(c *Config) { c.Influx = InfluxConfig{URL: "http://influx:8086", Org: "o"} }},
		{"owner map with bad agent id", func(c *Config) { c.Auth.AgentOwners = map[string]string{"agent/1": "alice"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatcher_ReloadSwapsValidPolicyOnly(t *testing.T) {
	path := writeFile(t, "verifier.yaml", "policy:\n  pass_threshold: 70\n")

	var seen []int
	w, err := NewWatcher(path, DefaultPolicy(), func(p Policy) { seen = append(seen, p.PassThreshold) })
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("policy:\n  pass_threshold: 85\n"), 0o600))
	assert.True(t, w.Reload())
	assert.Equal(t, 85, w.Policy().PassThreshold)

	require.NoError(t, os.WriteFile(path, []byte("policy:\n  pass_threshold: 500\n"), 0o600))
	assert.False(t, w.Reload())
	assert.Equal(t, 85, w.Policy().PassThreshold)

	assert.Equal(t, []int{85}, seen)
}

func TestWatcher_PicksUpFileWrites(t *testing.T) {
	path := writeFile(t, "verifier.yaml", "policy:\n  pass_threshold: 70\n")

	w, err := NewWatcher(path, DefaultPolicy(), nil)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("policy:\n  pass_threshold: 90\n"), 0o600))
	assert.Eventually(t, func() bool {
		return w.Policy().PassThreshold == 90
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStaticPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.PassThreshold = 64
	var src PolicySource = StaticPolicy(p)
	assert.Equal(t, 64, src.Policy().PassThreshold)
}
