package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kanshi-ai/kanshi/internal/auth"
	"github.com/kanshi-ai/kanshi/internal/ratelimit"
)

// Server is the admin API HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer.
type Config struct {
	Store  Store
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// OpenAPISpec, when non-nil, is served at GET /openapi.yaml.
	OpenAPISpec []byte

	// Middlewares wrap the root handler outside the built-in chain, so they
	// see every request including /health. First registered is outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Token issuance is rate limited by IP; everything behind auth is
	// limited per workspace.
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, cfg.Logger)
	apiRL := ratelimit.Middleware(cfg.Limiter, workspaceKeyFunc, cfg.Logger)

	mux := http.NewServeMux()

	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	mux.Handle("POST /v1/agents", apiRL(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", apiRL(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/agents/{agent_id}", apiRL(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("PUT /v1/agents/{agent_id}", apiRL(http.HandlerFunc(h.HandleUpdateAgent)))
	mux.Handle("DELETE /v1/agents/{agent_id}", apiRL(http.HandlerFunc(h.HandleDeleteAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/pause", apiRL(http.HandlerFunc(h.HandlePauseAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/resume", apiRL(http.HandlerFunc(h.HandleResumeAgent)))

	mux.Handle("GET /v1/agents/{agent_id}/states", apiRL(http.HandlerFunc(h.HandleListEntityStates)))
	mux.Handle("POST /v1/agents/{agent_id}/states/{entity_id}/reset", apiRL(http.HandlerFunc(h.HandleResetEntityState)))
	mux.Handle("GET /v1/agents/{agent_id}/events", apiRL(http.HandlerFunc(h.HandleListEvents)))

	mux.Handle("POST /v1/keys", apiRL(http.HandlerFunc(h.HandleCreateAPIKey)))
	mux.Handle("DELETE /v1/keys/{key_id}", apiRL(http.HandlerFunc(h.HandleRevokeAPIKey)))

	// MCP StreamableHTTP transport (behind auth).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	if cfg.OpenAPISpec != nil {
		spec := cfg.OpenAPISpec
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(spec)
		})
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

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

// workspaceKeyFunc rate limits authenticated requests per workspace.
func workspaceKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return "ws:" + claims.WorkspaceID.String()
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
