// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verifier

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentverify/pkg/extensions"
	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/secret"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.GinMode = "test"
	cfg.Storage.Backend = "memory"
	cfg.Auth.Tokens = map[string]string{"tok-alice": "alice"}
	cfg.Auth.AgentOwners = map[string]string{"agent-1": "alice"}
	return cfg
}

func TestNew_WiresRoutes(t *testing.T) {
	t.Setenv(secret.InsecureMemoryEnv, "true")
	svc, err := New(context.Background(), testConfig(), "", nil)
	require.NoError(t, err)
	t.Cleanup(svc.cleanup)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	// configured tokens are enforced
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/verification/start", strings.NewReader(`{"agent_id":"agent-1"}`))
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/verification/start", strings.NewReader(`{"agent_id":"agent-1"}`))
	req.Header.Set("Authorization", "Bearer tok-alice")
	req.Header.Set("Content-Type", "application/json")
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestNew_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Telemetry.MetricsEnabled = false
	svc, err := New(context.Background(), cfg, "", nil)
	require.NoError(t, err)
	t.Cleanup(svc.cleanup)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNew_ExtensionOverride(t *testing.T) {
	t.Setenv(secret.InsecureMemoryEnv, "true")
	opts := extensions.DefaultOptions()
	svc, err := New(context.Background(), testConfig(), "", &opts)
	require.NoError(t, err)
	t.Cleanup(svc.cleanup)

	// NopAuthProvider accepts a request with no token
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/verification/start", strings.NewReader(`{"agent_id":"any-agent"}`))
	req.Header.Set("Content-Type", "application/json")
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestNew_BadStorageFails(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "floppy"
	_, err := New(context.Background(), cfg, "", nil)
	assert.Error(t, err)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentverify.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  pass_threshold: 75\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Server.GinMode = "test"
	cfg.Storage.Backend = "memory"

	svc, err := New(context.Background(), cfg, path, nil)
	require.NoError(t, err)
	assert.Equal(t, 75, svc.watcher.Policy().PassThreshold)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
