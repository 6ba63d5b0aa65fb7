// Package api serves the Luna session, balance and payment webhook endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/identity"
	"github.com/goodtune/lunameter/internal/ledger"
	"github.com/goodtune/lunameter/internal/notify"
	"github.com/goodtune/lunameter/internal/policy"
	"github.com/goodtune/lunameter/internal/session"
	"github.com/goodtune/lunameter/internal/topup"
)

// DefaultSignatureHeader carries the payment webhook signature.
const DefaultSignatureHeader = "Luna-Signature"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// TokenVerifier resolves a bearer token to the caller.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*identity.Identity, error)
}

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	AllowedOrigins  []string
	RateLimit       int
	RateLimitWindow time.Duration
	SignatureHeader string
}

// Deps are the services behind the API. Authorizer may be nil, in which
// case the operator routes are not served.
type Deps struct {
	Identity   TokenVerifier
	Ledger     *ledger.Ledger
	Sessions   *session.Manager
	Reconciler *topup.Reconciler
	Webhooks   *topup.Verifier
	Hub        *notify.Hub
	Authorizer *policy.Authorizer
}

// Server represents the API HTTP server.
type Server struct {
	config      Config
	deps        Deps
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	logger      zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 120
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}

	s := &Server{
		config:      cfg,
		deps:        deps,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware())
	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	}

	// Public routes
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/webhooks/payments", s.handlePaymentWebhook).Methods("POST")

	// Authenticated routes
	luna := s.router.PathPrefix("/api/luna").Subrouter()
	luna.Use(AuthMiddleware(s.deps.Identity))
	luna.Use(RateLimitMiddleware(s.rateLimiter))

	luna.HandleFunc("/session/start", s.handleStartSession).Methods("POST", "OPTIONS")
	luna.HandleFunc("/message", s.handleMessage).Methods("POST", "OPTIONS")
	luna.HandleFunc("/session/end", s.handleEndSession).Methods("POST", "OPTIONS")
	luna.HandleFunc("/session/{id}", s.handleGetSession).Methods("GET")
	luna.HandleFunc("/session/{id}/events", s.handleSessionEvents).Methods("GET")
	luna.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	luna.HandleFunc("/balance", s.handleBalance).Methods("GET")
	luna.HandleFunc("/transactions", s.handleTransactions).Methods("GET")
	luna.HandleFunc("/trial", s.handleTrial).Methods("POST", "OPTIONS")

	if s.deps.Authorizer == nil {
		return
	}

	// Operator routes
	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.Use(AuthMiddleware(s.deps.Identity))
	admin.Use(RateLimitMiddleware(s.rateLimiter))

	admin.Handle("/users/{id}/adjust", s.requireOperator("adjust_balance", s.handleAdjust)).Methods("POST")
	admin.Handle("/users/{id}/ledger", s.requireOperator("read_ledger", s.handleUserLedger)).Methods("GET")
	admin.Handle("/sessions", s.requireOperator("list_sessions", s.handleListOpenSessions)).Methods("GET")
	admin.Handle("/sessions/{id}/terminate", s.requireOperator("terminate_session", s.handleTerminateSession)).Methods("POST")
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")
	s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	open, err := s.deps.Sessions.ListOpen(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"open_sessions": len(open),
	})
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"internal_error","message":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: code, Message: message})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return false
	}
	return true
}
