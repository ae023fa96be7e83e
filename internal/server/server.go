package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shiori/internal/auth"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/pipeline"
	"github.com/ashita-ai/shiori/internal/ratelimit"
)

// Server is the Shiori HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the fully wrapped handler, for tests that skip ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Store, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Pipeline *pipeline.Service
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Store     Pinger
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	SSEKeepalive        time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Pipeline:            cfg.Pipeline,
		Store:               cfg.Store,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SSEKeepalive:        cfg.SSEKeepalive,
	})

	// Starting a run is the expensive call, so only run starts are limited.
	startRL := ratelimit.Middleware(cfg.Limiter, ratelimit.OrgKey, cfg.Logger)

	mux := http.NewServeMux()
	for _, rt := range []struct {
		pattern string
		perm    model.Permission
		limited bool
		handle  http.HandlerFunc
	}{
		{"GET /v1/sources", model.PermRunsRead, false, h.HandleListSources},
		{"POST /v1/sources/{module}/test-connection", model.PermSourcesTest, false, h.HandleTestConnection},
		{"POST /v1/sources/{module}/runs", model.PermRunsWrite, true, h.HandleStartExtraction},

		{"GET /v1/runs", model.PermRunsRead, false, h.HandleListRuns},
		{"GET /v1/runs/{run_id}", model.PermRunsRead, false, h.HandleGetRun},
		{"GET /v1/runs/{run_id}/result", model.PermRunsRead, false, h.HandleRunResult},
		{"GET /v1/runs/{run_id}/extracted", model.PermRunsRead, false, h.HandleExtractedData},
		{"GET /v1/runs/{run_id}/events", model.PermRunsRead, false, h.HandleRunEvents},
		{"POST /v1/runs/{run_id}/generate", model.PermRunsWrite, true, h.HandleStartGeneration},
		{"POST /v1/runs/{run_id}/cancel", model.PermRunsWrite, false, h.HandleCancelRun},

		{"GET /v1/documents", model.PermDocumentsRead, false, h.HandleListDocuments},
		{"POST /v1/trees", model.PermTreesWrite, true, h.HandleBuildTree},
	} {
		var handler http.Handler = rt.handle
		if rt.limited {
			handler = startRL(handler)
		}
		mux.Handle(rt.pattern, requirePermission(rt.perm)(handler))
	}

	// MCP StreamableHTTP transport. Each tool checks its own permission.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", requirePermission(model.PermRunsRead)(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start blocks serving HTTP until Shutdown; it then returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
