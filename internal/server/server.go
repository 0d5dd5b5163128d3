package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/renga/internal/auth"
	"github.com/ashita-ai/renga/internal/graph"
	"github.com/ashita-ai/renga/internal/ratelimit"
	"github.com/ashita-ai/renga/internal/run"
	"github.com/ashita-ai/renga/internal/storage"
)

// Server is the Renga HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Limiter is optional; nil disables rate limiting.
type Config struct {
	Store  storage.Store
	Runs   *run.Coordinator
	Graphs *graph.Registry
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	Limiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	AuthDisabled        bool
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Runs:                cfg.Runs,
		Graphs:              cfg.Graphs,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Assistants.
	mux.HandleFunc("POST /assistants", h.HandleCreateAssistant)
	mux.HandleFunc("POST /assistants/search", h.HandleSearchAssistants)
	mux.HandleFunc("POST /assistants/count", h.HandleCountAssistants)
	mux.HandleFunc("GET /assistants/{assistant_id}", h.HandleGetAssistant)
	mux.HandleFunc("PATCH /assistants/{assistant_id}", h.HandleUpdateAssistant)
	mux.HandleFunc("DELETE /assistants/{assistant_id}", h.HandleDeleteAssistant)

	// Threads.
	mux.HandleFunc("POST /threads", h.HandleCreateThread)
	mux.HandleFunc("POST /threads/search", h.HandleSearchThreads)
	mux.HandleFunc("POST /threads/count", h.HandleCountThreads)
	mux.HandleFunc("GET /threads/{thread_id}", h.HandleGetThread)
	mux.HandleFunc("PATCH /threads/{thread_id}", h.HandleUpdateThread)
	mux.HandleFunc("DELETE /threads/{thread_id}", h.HandleDeleteThread)
	mux.HandleFunc("GET /threads/{thread_id}/state", h.HandleThreadState)
	mux.HandleFunc("GET /threads/{thread_id}/history", h.HandleThreadHistory)
	mux.HandleFunc("POST /threads/{thread_id}/history", h.HandleThreadHistory)

	// Runs.
	mux.HandleFunc("POST /threads/{thread_id}/runs", h.HandleCreateRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs", h.HandleListRuns)
	mux.HandleFunc("POST /threads/{thread_id}/runs/wait", h.HandleWaitRun)
	mux.HandleFunc("POST /threads/{thread_id}/runs/stream", h.HandleStreamRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("DELETE /threads/{thread_id}/runs/{run_id}", h.HandleDeleteRun)
	mux.HandleFunc("POST /threads/{thread_id}/runs/{run_id}/cancel", h.HandleCancelRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}/stream", h.HandleJoinRunStream)

	// Stateless runs execute without a thread; nothing is persisted to any
	// conversation history.
	mux.HandleFunc("POST /runs/stream", h.HandleStreamRun)

	// Health (no auth; rate limited by client IP like everything else).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain, outermost first: request ID, security headers,
	// tracing, logging, auth, rate limit, recovery, handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = ratelimit.Middleware(cfg.Limiter, ownerKeyFunc)(handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.AuthDisabled, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// ownerKeyFunc rate limits by authenticated owner, falling back to client IP
// for unauthenticated paths.
func ownerKeyFunc(r *http.Request) string {
	if owner := OwnerFromContext(r.Context()); owner != "" {
		return owner
	}
	return ratelimit.IPKeyFunc(r)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
