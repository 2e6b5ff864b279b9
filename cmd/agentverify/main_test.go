// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentverify/services/verifier/config"
)

func TestRedact(t *testing.T) {
	cfg := config.Default()
	cfg.Crypto.Keys = []config.KeyConfig{{ID: 1, Base64: "c2VjcmV0"}}
	cfg.Signature.Secret = "hmac"
	cfg.Influx.Token = "influx"
	cfg.Auth.Tokens = map[string]string{"tok-alice": "alice"}

	out := redact(cfg)
	assert.Equal(t, redacted, out.Crypto.Keys[0].Base64)
	assert.Equal(t, redacted, out.Signature.Secret)
	assert.Equal(t, redacted, out.Influx.Token)
	assert.Equal(t, map[string]string{"REDACTED-alice": "alice"}, out.Auth.Tokens)
	assert.Empty(t, out.Storage.RedisPassword)

	// input untouched
	assert.Equal(t, "c2VjcmV0", cfg.Crypto.Keys[0].Base64)
	assert.Contains(t, cfg.Auth.Tokens, "tok-alice")
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentverify.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\nsignature:\n  secret: shh\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "show", "--config", path})
	t.Cleanup(func() { configPath = "" })
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "port: 9999")
	assert.Contains(t, out.String(), "secret: REDACTED")
	assert.NotContains(t, out.String(), "shh")
}

func TestKeygen(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"keygen"})
	require.NoError(t, rootCmd.Execute())

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
