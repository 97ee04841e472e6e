// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the execution engine over HTTP: session init,
// execute, resume, tool definitions, health and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/atp/pkg/config"
	"github.com/kadirpekel/atp/pkg/engine"
	"github.com/kadirpekel/atp/pkg/logger"
	"github.com/kadirpekel/atp/pkg/observability"
	"github.com/kadirpekel/atp/pkg/session"
	"github.com/kadirpekel/atp/pkg/tool"
)

// Server is the ATP HTTP server.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
	engine   *engine.Engine
	sources  []tool.Source
	metrics  *observability.PrometheusMetrics
	log      *slog.Logger

	// lifecycle counts terminal results served by this instance; /info
	// derives success and expiry rates from it.
	lifecycle lifecycleStats

	server *http.Server
}

// lifecycleStats tracks terminal execution outcomes.
type lifecycleStats struct {
	total     atomic.Uint64
	completed atomic.Uint64
	expired   atomic.Uint64
}

// Option configures the server.
type Option func(*Server)

// WithMetrics sets the metrics recorder and enables the /metrics endpoint.
func WithMetrics(m *observability.PrometheusMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates the HTTP server. sources are the server-side tool sources
// shared by all executions; they also feed the /definitions endpoint.
func New(cfg *config.Config, sessions *session.Manager, eng *engine.Engine, sources []tool.Source, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   eng,
		sources:  sources,
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Addr:         s.Address(),
		Handler:      s.setupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Address returns the listen address.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}

// Start listens and serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.log.Info("server started", "address", s.Address())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes:
//   - GET  /info              → version + advertised limits (public)
//   - POST /init              → create session, issue first token (public)
//   - GET  /definitions       → atp.* / api.* declaration text (authenticated)
//   - POST /execute           → start an execution (authenticated)
//   - POST /resume/{exec_id}  → resolve a pending callback (authenticated)
//   - POST /disconnect        → destroy the session (authenticated)
//   - GET  /health            → liveness probe
//   - GET  /metrics           → prometheus metrics (when enabled)
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/init", s.handleInit)
	mux.HandleFunc("/definitions", s.handleDefinitions)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/resume/", s.handleResume)
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.HandleFunc("/health", s.handleHealth)

	if s.cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
		s.log.Info("metrics endpoint enabled", "path", "/metrics")
	}

	return mux
}
