// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/agentverify/pkg/extensions"
	"github.com/AleutianAI/agentverify/services/verifier/handlers"
	"github.com/AleutianAI/agentverify/services/verifier/middleware"
)

// Deps is everything the routes are wired to.
//
// # Fields
//
//   - Service: session service.
//   - Auth: bearer token provider; nil uses NopAuthProvider.
//   - Limiter: per-agent start limiter; nil disables limiting.
//   - SigningSecret, MaxDrift: respond signing; empty secret disables it.
//   - Gatherer: source for /metrics; nil omits the route.
type Deps struct {
	Service       handlers.VerificationService
	Auth          extensions.AuthProvider
	Limiter       *middleware.AgentLimiter
	SigningSecret []byte
	MaxDrift      time.Duration
	Gatherer      prometheus.Gatherer
}

// SetupRoutes registers the verification API on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	if deps.Auth == nil {
		deps.Auth = &extensions.NopAuthProvider{}
	}

	router.GET("/health", handlers.HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(deps.Auth))
	{
		verification := v1.Group("/verification")
		verification.POST("/start", handlers.StartVerification(deps.Service, deps.Limiter))

		sessions := verification.Group("/sessions")
		{
			sessions.POST("/:sessionId/respond",
				middleware.Signature(deps.SigningSecret, deps.MaxDrift, nil),
				handlers.RespondToSession(deps.Service))
			sessions.GET("/:sessionId", handlers.GetSession(deps.Service))
		}

		agents := verification.Group("/agents")
		{
			agents.GET("/:agentId/history", handlers.GetAgentHistory(deps.Service))
			agents.POST("/:agentId/review", handlers.ReviewAgent(deps.Service))
		}
	}
}
