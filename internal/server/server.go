package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/ctxutil"
	"github.com/ashita-ai/sekimon/internal/dispatch"
	"github.com/ashita-ai/sekimon/internal/eventlog"
	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/ratelimit"
)

// Server is the sekimon HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, MCPServer, CreateLimiter, AuthLimiter,
// Middlewares, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Gate       *gate.Gate
	Dispatcher *dispatch.Dispatcher
	Events     *eventlog.Log
	JWTMgr     *auth.JWTManager
	Directory  *auth.Directory
	Store      Pinger
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker        *Broker
	MCPServer     *mcpserver.MCPServer
	CreateLimiter ratelimit.Limiter
	AuthLimiter   ratelimit.Limiter

	// Middlewares wrap the whole chain; the first entry is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StorageName         string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Gate:                cfg.Gate,
		Dispatcher:          cfg.Dispatcher,
		Events:              cfg.Events,
		JWTMgr:              cfg.JWTMgr,
		Directory:           cfg.Directory,
		Store:               cfg.Store,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		StorageName:         cfg.StorageName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	createRL := ratelimit.Middleware(cfg.CreateLimiter, principalKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	requesterRole := requireRole(cfg.Events, model.RoleRequester)
	reviewerRole := requireRole(cfg.Events, model.RoleReviewer)
	adminOnly := requireRole(cfg.Events, model.RoleAdmin)

	mux := http.NewServeMux()

	// Auth (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Tasks. Ownership checks for get/execute happen in the handler.
	mux.Handle("POST /v1/tasks", requesterRole(createRL(http.HandlerFunc(h.HandleCreateTask))))
	mux.Handle("GET /v1/tasks/pending", requesterRole(http.HandlerFunc(h.HandleListPending)))
	mux.Handle("GET /v1/tasks", reviewerRole(http.HandlerFunc(h.HandleListTasks)))
	mux.Handle("GET /v1/tasks/{task_id}", requesterRole(http.HandlerFunc(h.HandleGetTask)))
	mux.Handle("POST /v1/tasks/{task_id}/approve", reviewerRole(http.HandlerFunc(h.HandleApproveTask)))
	mux.Handle("POST /v1/tasks/{task_id}/reject", reviewerRole(http.HandlerFunc(h.HandleRejectTask)))
	mux.Handle("POST /v1/tasks/{task_id}/execute", requesterRole(http.HandlerFunc(h.HandleExecuteTask)))
	mux.Handle("GET /v1/policy", reviewerRole(http.HandlerFunc(h.HandlePolicy)))

	// Security events (admin only).
	mux.Handle("GET /v1/security-events", adminOnly(http.HandlerFunc(h.HandleListEvents)))
	mux.Handle("GET /v1/security-events/export", adminOnly(http.HandlerFunc(h.HandleExportEvents)))
	mux.Handle("GET /v1/security-events/{event_id}/verify", adminOnly(http.HandlerFunc(h.HandleVerifyEvent)))

	// Event stream (reviewer+, no rate limit for the long-lived connection).
	mux.Handle("GET /v1/subscribe", reviewerRole(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (auth required, requester+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", requesterRole(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → request meta → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.Events, handler)
	handler = requestMetaMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(newHTTPMetrics(), handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// principalKeyFunc keys rate limits by the authenticated principal.
// Admins are exempt.
func principalKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.PrincipalID
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
