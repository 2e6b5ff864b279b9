// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentverify/pkg/extensions"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
	"github.com/AleutianAI/agentverify/services/verifier/middleware"
	"github.com/AleutianAI/agentverify/services/verifier/verifyerr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubService returns canned values and records what it received.
type stubService struct {
	err       error
	start     datatypes.StartResponse
	respond   datatypes.RespondResponse
	gotUser   *extensions.AuthInfo
	gotID     string
	gotStart  datatypes.StartRequest
	gotAnswer datatypes.RespondRequest
}

func (s *stubService) Start(_ context.Context, user *extensions.AuthInfo, req datatypes.StartRequest) (datatypes.StartResponse, error) {
	s.gotUser, s.gotStart = user, req
	return s.start, s.err
}

func (s *stubService) Respond(_ context.Context, user *extensions.AuthInfo, id string, req datatypes.RespondRequest) (datatypes.RespondResponse, error) {
	s.gotUser, s.gotID, s.gotAnswer = user, id, req
	return s.respond, s.err
}

func (s *stubService) GetStatus(_ context.Context, user *extensions.AuthInfo, id string) (datatypes.SessionSnapshot, error) {
	s.gotUser, s.gotID = user, id
	return datatypes.SessionSnapshot{ID: id, Status: datatypes.StatusInProgress}, s.err
}

func (s *stubService) GetAgentHistory(_ context.Context, user *extensions.AuthInfo, agentID string) (datatypes.AgentHistoryResponse, error) {
	s.gotUser, s.gotID = user, agentID
	return datatypes.AgentHistoryResponse{History: datatypes.VerificationHistory{AgentID: agentID}}, s.err
}

func (s *stubService) ReviewAgent(_ context.Context, user *extensions.AuthInfo, agentID string, _ datatypes.ReviewRequest) (datatypes.AgentStatus, error) {
	s.gotUser, s.gotID = user, agentID
	return datatypes.AgentStatus{AgentID: agentID, Status: datatypes.AgentUnverified}, s.err
}

var testUser = &extensions.AuthInfo{UserID: "alice"}

func router(svc VerificationService, limiter *middleware.AgentLimiter) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		middleware.SetAuthInfo(c, testUser)
		c.Next()
	})
	r.POST("/start", StartVerification(svc, limiter))
	r.POST("/sessions/:sessionId/respond", RespondToSession(svc))
	r.GET("/sessions/:sessionId", GetSession(svc))
	r.GET("/agents/:agentId/history", GetAgentHistory(svc))
	r.POST("/agents/:agentId/review", ReviewAgent(svc))
	r.GET("/health", HealthCheck)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func TestStartVerification_Created(t *testing.T) {
	svc := &stubService{start: datatypes.StartResponse{SessionID: "s-1"}}
	w := do(router(svc, nil), http.MethodPost, "/start", `{"agent_id":"agent-1","competition_id":"c-1"}`)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "agent-1", svc.gotStart.AgentID)
	assert.Equal(t, "c-1", svc.gotStart.CompetitionID)
	assert.Same(t, testUser, svc.gotUser)

	var resp datatypes.StartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s-1", resp.SessionID)
}

func TestStartVerification_AlreadyVerified(t *testing.T) {
	svc := &stubService{start: datatypes.StartResponse{AlreadyVerified: true, Message: "agent is already verified"}}
	w := do(router(svc, nil), http.MethodPost, "/start", `{"agent_id":"agent-1"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"already_verified":true,"message":"agent is already verified"}`, w.Body.String())
}

func TestStartVerification_MalformedBody(t *testing.T) {
	w := do(router(&stubService{}, nil), http.MethodPost, "/start", `{"agent_id":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, verifyerr.CodeValidation, resp.Error)
}

func TestStartVerification_RateLimited(t *testing.T) {
	svc := &stubService{start: datatypes.StartResponse{SessionID: "s"}}
	r := router(svc, middleware.NewAgentLimiter(1, 1))

	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/start", `{"agent_id":"agent-1"}`).Code)
	w := do(r, http.MethodPost, "/start", `{"agent_id":"agent-1"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/start", `{"agent_id":"agent-2"}`).Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   verifyerr.Code
	}{
		{verifyerr.New(verifyerr.CodeValidation, "bad"), http.StatusBadRequest, verifyerr.CodeValidation},
		{verifyerr.New(verifyerr.CodeForbidden, "no"), http.StatusForbidden, verifyerr.CodeForbidden},
		{verifyerr.New(verifyerr.CodeAgentFlagged, "flagged"), http.StatusForbidden, verifyerr.CodeAgentFlagged},
		{verifyerr.New(verifyerr.CodeNotFound, "gone"), http.StatusNotFound, verifyerr.CodeNotFound},
		{verifyerr.New(verifyerr.CodeConflict, "done"), http.StatusConflict, verifyerr.CodeConflict},
		{verifyerr.New(verifyerr.CodeExpired, "late"), http.StatusGone, verifyerr.CodeExpired},
		{verifyerr.New(verifyerr.CodeCrypto, "bad key"), http.StatusInternalServerError, verifyerr.CodeCrypto},
		{errors.New("disk on fire"), http.StatusInternalServerError, verifyerr.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			w := do(router(&stubService{err: tt.err}, nil), http.MethodPost, "/sessions/s-1/respond", `{"answers":{}}`)
			assert.Equal(t, tt.status, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error)
			assert.NotContains(t, resp.Message, "disk on fire", "causes are not leaked")
		})
	}
}

func TestErrorMapping_Details(t *testing.T) {
	err := verifyerr.WithDetails(verifyerr.CodeExpired, "session expired", map[string]string{"session_id": "s-1"})
	w := do(router(&stubService{err: err}, nil), http.MethodPost, "/sessions/s-1/respond", `{"answers":{}}`)
	assert.JSONEq(t, `{"error":"expired","message":"session expired","details":{"session_id":"s-1"}}`, w.Body.String())
}

func TestRespondToSession_PassesAnswers(t *testing.T) {
	svc := &stubService{respond: datatypes.RespondResponse{SessionID: "s-9", Passed: true, TotalScore: 88}}
	w := do(router(svc, nil), http.MethodPost, "/sessions/s-9/respond",
		`{"answers":{"speed_arithmetic":{"p1":4}}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s-9", svc.gotID)
	assert.JSONEq(t, `{"p1":4}`, string(svc.gotAnswer.Answers[datatypes.ChallengeSpeedArithmetic]))
}

func TestReadRoutes(t *testing.T) {
	svc := &stubService{}
	r := router(svc, nil)

	w := do(r, http.MethodGet, "/sessions/s-3", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s-3", svc.gotID)

	w = do(r, http.MethodGet, "/agents/agent-7/history", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "agent-7", svc.gotID)

	w = do(r, http.MethodPost, "/agents/agent-7/review", `{"note":"ok"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/health", "")
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}
