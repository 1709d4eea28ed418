// Package httpapi serves the optional debug/observability endpoint. It is
// off unless a listen address is configured and exposes read-only state:
// health, Prometheus metrics, and a JSON status snapshot.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/metrics"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/policy"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/reload"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/upstream"
)

const shutdownTimeout = 5 * time.Second

// Server is the debug HTTP endpoint.
type Server struct {
	addr         string
	engine       *policy.Engine
	manager      *upstream.Manager
	orchestrator *reload.Orchestrator
	collector    *metrics.Collector
	logger       *zap.Logger

	router chi.Router
	http   *http.Server
}

// NewServer builds the endpoint; it does not listen until Start.
func NewServer(addr string, engine *policy.Engine, manager *upstream.Manager, orchestrator *reload.Orchestrator, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:         addr,
		engine:       engine,
		manager:      manager,
		orchestrator: orchestrator,
		collector:    collector,
		logger:       logger.Named("httpapi"),
		router:       chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/status", s.handleStatus)
	})
}

// Handler exposes the router, used by tests via httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens in a background goroutine. A listen failure is logged, not
// fatal; the gateway's MCP surface does not depend on this endpoint.
func (s *Server) Start() {
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("Debug HTTP endpoint listening", zap.String("addr", s.addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("Debug HTTP endpoint stopped", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("Debug HTTP endpoint shutdown failed", zap.Error(err))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	reloadStatus := s.orchestrator.Status()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": s.manager.AllServers(),
		"policy": map[string]interface{}{
			"agent_ids":             s.engine.AgentIDs(),
			"deny_on_missing_agent": s.engine.Defaults().DenyOnMissingAgent,
		},
		"reload":  reloadStatus,
		"metrics": s.collector.GetSummary(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
