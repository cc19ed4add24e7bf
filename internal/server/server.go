package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kanmon-dev/kanmon/internal/auth"
	"github.com/kanmon-dev/kanmon/internal/model"
	"github.com/kanmon-dev/kanmon/internal/observability"
	"github.com/kanmon-dev/kanmon/internal/ratelimit"
	"github.com/kanmon-dev/kanmon/internal/service/gate"
	"github.com/kanmon-dev/kanmon/internal/storage"
)

// Server is the Kanmon HTTP server.
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

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Broker, Limiter, Metrics.
type ServerConfig struct {
	// Required dependencies.
	DB      *storage.DB
	JWTMgr  *auth.JWTManager
	GateSvc *gate.Service
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker          *Broker
	Limiter         ratelimit.Limiter // Per-IP, for /auth/token.
	MutationLimiter ratelimit.Limiter // Per-org, for gate creation and actions.
	Metrics         *observability.Metrics
	OpenAPISpec     []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	AdminAPIKey         string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		GateSvc:             cfg.GateSvc,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		AdminAPIKey:         cfg.AdminAPIKey,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)
	orgRL := ratelimit.Middleware(cfg.MutationLimiter, orgKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token issuance (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Gate creation (service+, rate limited by org).
	serviceRole := requireRole(model.RoleService)
	mux.Handle("POST /v1/decision-gates", orgRL(serviceRole(http.HandlerFunc(h.HandleCreateGate))))

	// Decision review (reviewer+; actions rate limited by org).
	reviewerRole := requireRole(model.RoleReviewer)
	mux.Handle("GET /v1/decisions", reviewerRole(http.HandlerFunc(h.HandleListDecisions)))
	mux.Handle("GET /v1/decisions/{decision_id}", reviewerRole(http.HandlerFunc(h.HandleGetDecision)))
	mux.Handle("POST /v1/decisions/{decision_id}/approve", orgRL(reviewerRole(http.HandlerFunc(h.HandleApprove))))
	mux.Handle("POST /v1/decisions/{decision_id}/reject", orgRL(reviewerRole(http.HandlerFunc(h.HandleReject))))
	mux.Handle("POST /v1/decisions/{decision_id}/escalate", orgRL(reviewerRole(http.HandlerFunc(h.HandleEscalate))))
	mux.Handle("POST /v1/decisions/{decision_id}/modify", orgRL(reviewerRole(http.HandlerFunc(h.HandleModify))))

	// Policy (dry-run for reviewer+, reload is admin-only).
	mux.Handle("POST /v1/policy/evaluate", reviewerRole(http.HandlerFunc(h.HandleEvaluatePolicy)))
	mux.Handle("POST /v1/policy/reload", requireRole(model.RoleAdmin)(http.HandlerFunc(h.HandleReloadPolicy)))

	// Subscription endpoint (reviewer+, no rate limit, long-lived connection).
	mux.Handle("GET /v1/subscribe", reviewerRole(http.HandlerFunc(h.HandleSubscribe)))

	// Health, metrics, and OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, cfg.Metrics, handler)
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
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// orgKeyFunc keys mutation rate limits by the authenticated org. Empty
// (unauthenticated) keys skip the limiter; auth rejects those requests.
func orgKeyFunc(r *http.Request) string {
	return OrgIDFromContext(r.Context())
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
