// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verifier assembles the agent verification service.
//
// # Description
//
// New wires configuration into the running pieces:
//
//	config ──► store.Open ──────────────┐
//	       ──► secret keyring/provider ─┤
//	       ──► policy Watcher ──────────┼──► session.Service ──► routes ──► gin
//	       ──► Prometheus registry ─────┤
//	       ──► Influx outcome sink ─────┘
//	       ──► telemetry (otel tracer)
//
// Run serves HTTP until the context is cancelled, then shuts down in
// reverse order.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/agentverify/pkg/extensions"
	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/middleware"
	"github.com/AleutianAI/agentverify/services/verifier/observability"
	"github.com/AleutianAI/agentverify/services/verifier/routes"
	"github.com/AleutianAI/agentverify/services/verifier/secret"
	"github.com/AleutianAI/agentverify/services/verifier/session"
	"github.com/AleutianAI/agentverify/services/verifier/store"
	"github.com/AleutianAI/agentverify/services/verifier/telemetry"
)

// shutdownGrace bounds in-flight request draining.
const shutdownGrace = 10 * time.Second

// Service is the assembled verification server.
//
// # Thread Safety
//
// Run and Serve should be called once. Router is safe to use from tests.
type Service struct {
	cfg      config.Config
	store    store.Store
	sink     observability.OutcomeSink
	watcher  *config.Watcher
	registry *prometheus.Registry
	sessions *session.Service
	router   *gin.Engine

	tracerShutdown telemetry.ShutdownFunc
}

// New builds the service from cfg.
//
// # Inputs
//
//   - cfg: validated configuration (see config.Load).
//   - configPath: file to watch for policy changes; "" disables hot reload.
//   - opts: extension overrides; nil derives auth and ownership from cfg.Auth.
//
// # Outputs
//
//   - *Service: ready to Run.
//   - error: any dependency failed to initialize. Partially created
//     resources are released.
func New(ctx context.Context, cfg config.Config, configPath string, opts *extensions.ServiceOptions) (svc *Service, err error) {
	s := &Service{cfg: cfg}
	defer func() {
		if err != nil {
			s.cleanup()
		}
	}()

	secret.Init()

	s.tracerShutdown, err = telemetry.Init(ctx, cfg.Telemetry, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	s.store, err = store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}

	keyring, err := secret.KeyringFromConfig(cfg.Crypto)
	if err != nil {
		return nil, fmt.Errorf("failed to load keyring: %w", err)
	}

	var policy config.PolicySource = config.StaticPolicy(cfg.Policy)
	if configPath != "" {
		s.watcher, err = config.NewWatcher(configPath, cfg.Policy, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create policy watcher: %w", err)
		}
		policy = s.watcher
	}

	var metrics *observability.Metrics
	if cfg.Telemetry.MetricsEnabled {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(s.registry)
		slog.Info("Initialized Prometheus metrics")
	}

	s.sink = observability.NewInfluxSink(cfg.Influx)

	ext := extensionsFromConfig(cfg.Auth)
	if opts != nil {
		ext = opts.Normalize()
	}

	s.sessions, err = session.New(session.Options{
		Store:      s.store,
		Crypto:     secret.NewAEADProvider(keyring),
		Policy:     policy,
		Extensions: ext,
		Metrics:    metrics,
		Sink:       s.sink,
	})
	if err != nil {
		return nil, err
	}

	s.initRouter(ext)

	slog.Info("Verifier initialized",
		"storage", cfg.Storage.Backend,
		"active_key", keyring.Active(),
		"policy_reload", configPath != "",
		"influx", cfg.Influx.URL != "")
	return s, nil
}

// extensionsFromConfig builds auth, ownership and audit from cfg. With no
// tokens configured every caller is the local admin.
func extensionsFromConfig(cfg config.AuthConfig) extensions.ServiceOptions {
	opts := extensions.DefaultOptions()
	if len(cfg.Tokens) > 0 {
		opts = opts.WithAuth(extensions.NewTokenAuthProvider(cfg.Tokens, cfg.AdminUsers))
	} else {
		slog.Warn("No API tokens configured, all callers are treated as the local admin")
	}
	if len(cfg.AgentOwners) > 0 {
		opts = opts.WithOwnership(extensions.NewStaticOwnership(cfg.AgentOwners))
	}
	return opts.WithAudit(extensions.NewSlogAuditLogger(nil, 0))
}

func (s *Service) initRouter(ext extensions.ServiceOptions) {
	gin.SetMode(s.cfg.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(s.cfg.Telemetry.ServiceName))

	deps := routes.Deps{
		Service:       s.sessions,
		Auth:          ext.AuthProvider,
		Limiter:       middleware.NewAgentLimiter(s.cfg.RateLimit.StartsPerMinute, s.cfg.RateLimit.Burst),
		SigningSecret: []byte(s.cfg.Signature.Secret),
		MaxDrift:      s.cfg.Signature.MaxDrift,
	}
	if s.registry != nil {
		deps.Gatherer = s.registry
	}
	routes.SetupRoutes(s.router, deps)
}

// Router returns the configured gin engine.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Sessions returns the session service.
func (s *Service) Sessions() *session.Service {
	return s.sessions
}

// Run listens on the configured port and serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		s.cleanup()
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Server.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then drains in-flight
// requests and releases every resource. Returns nil on a clean shutdown.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.cleanup()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting verifier server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.watcher != nil {
		g.Go(func() error {
			s.watcher.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down verifier server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// cleanup releases resources in reverse order of creation.
func (s *Service) cleanup() {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			slog.Warn("Policy watcher stop error", "error", err)
		}
	}
	if s.sink != nil {
		s.sink.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Store close error", "error", err)
		}
	}
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(context.Background()); err != nil {
			slog.Warn("Tracer shutdown error", "error", err)
		}
	}
	secret.Purge()
}
