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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/agentverify/pkg/extensions"
	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
	"github.com/AleutianAI/agentverify/services/verifier/middleware"
	"github.com/AleutianAI/agentverify/services/verifier/verifyerr"
)

// MaxRequestBody caps JSON request bodies.
const MaxRequestBody = 1 << 20

// VerificationService is what the handlers need from the session service.
type VerificationService interface {
	Start(ctx context.Context, user *extensions.AuthInfo, req datatypes.StartRequest) (datatypes.StartResponse, error)
	Respond(ctx context.Context, user *extensions.AuthInfo, sessionID string, req datatypes.RespondRequest) (datatypes.RespondResponse, error)
	GetStatus(ctx context.Context, user *extensions.AuthInfo, sessionID string) (datatypes.SessionSnapshot, error)
	GetAgentHistory(ctx context.Context, user *extensions.AuthInfo, agentID string) (datatypes.AgentHistoryResponse, error)
	ReviewAgent(ctx context.Context, user *extensions.AuthInfo, agentID string, req datatypes.ReviewRequest) (datatypes.AgentStatus, error)
}

// ErrorResponse is the JSON body of every failed call.
type ErrorResponse struct {
	Error   verifyerr.Code    `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// writeError maps err to its HTTP status. Causes are logged, never
// returned to the caller.
func writeError(c *gin.Context, err error) {
	code := verifyerr.GetCode(err)
	resp := ErrorResponse{Error: code, Message: "internal error"}
	var ve *verifyerr.Error
	if errors.As(err, &ve) {
		resp.Message = ve.Msg
		resp.Details = ve.Details
	}
	status := verifyerr.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "code", string(code), "error", err)
	}
	c.JSON(status, resp)
}

func bindJSON(c *gin.Context, dst any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBody)
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, verifyerr.Wrap(verifyerr.CodeValidation, "malformed JSON body", err))
		return false
	}
	return true
}

// StartVerification handles POST /v1/verification/start.
//
// # Description
//
// Binds the request, applies the per-agent start limit and delegates to
// the service. A still-valid verification returns 200 with
// already_verified; a new session returns 201.
func StartVerification(svc VerificationService, limiter *middleware.AgentLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.StartRequest
		if !bindJSON(c, &req) {
			return
		}
		if !limiter.Allow(req.AgentID) {
			slog.Warn("Start rate limited", "agent_id", req.AgentID)
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate_limited",
				Message: "too many verification starts for this agent",
			})
			return
		}

		resp, err := svc.Start(c.Request.Context(), middleware.GetAuthInfo(c), req)
		if err != nil {
			writeError(c, err)
			return
		}
		if resp.AlreadyVerified {
			c.JSON(http.StatusOK, resp)
			return
		}
		c.JSON(http.StatusCreated, resp)
	}
}

// RespondToSession handles POST /v1/verification/sessions/:sessionId/respond.
func RespondToSession(svc VerificationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RespondRequest
		if !bindJSON(c, &req) {
			return
		}
		resp, err := svc.Respond(c.Request.Context(), middleware.GetAuthInfo(c), c.Param("sessionId"), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetSession handles GET /v1/verification/sessions/:sessionId.
func GetSession(svc VerificationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := svc.GetStatus(c.Request.Context(), middleware.GetAuthInfo(c), c.Param("sessionId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// GetAgentHistory handles GET /v1/verification/agents/:agentId/history.
func GetAgentHistory(svc VerificationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.GetAgentHistory(c.Request.Context(), middleware.GetAuthInfo(c), c.Param("agentId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// ReviewAgent handles POST /v1/verification/agents/:agentId/review.
func ReviewAgent(svc VerificationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ReviewRequest
		if !bindJSON(c, &req) {
			return
		}
		st, err := svc.ReviewAgent(c.Request.Context(), middleware.GetAuthInfo(c), c.Param("agentId"), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
