// Package http exposes the study companion over a local JSON API: progress
// and plan operations, session login and sync control, health checks and
// Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eightweek/companion/internal/application/reconcile"
	"github.com/eightweek/companion/internal/application/tracker"
	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/internal/interface/http/handlers"
	"github.com/eightweek/companion/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "127.0.0.1").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	// ReadTimeout - maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout - maximum duration for writing the response.
	WriteTimeout time.Duration

	// IdleTimeout - maximum duration for idle connections.
	IdleTimeout time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// MaxBodyBytes - maximum size of request bodies.
	MaxBodyBytes int64

	// AllowedOrigins - allowed origins for CORS. Empty disables CORS.
	AllowedOrigins []string

	// EnableMetrics - serve the Prometheus endpoint.
	EnableMetrics bool

	// SyncRateLimit - token bucket for manual sync requests.
	SyncRateLimit handlers.RateLimiterConfig
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
		MaxBodyBytes:   64 << 10,
		AllowedOrigins: []string{"*"},
		EnableMetrics:  true,
		SyncRateLimit:  handlers.DefaultRateLimiterConfig(),
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// SyncController is the part of the reconciler the API drives.
type SyncController interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	Status() reconcile.Status
	SyncNow(ctx context.Context) (bool, error)
}

// TokenResolver maps a session token to a user id.
type TokenResolver interface {
	Resolve(raw string) (shared.UserID, error)
}

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	Session *tracker.Session

	// Sync is nil when no remote backend is configured.
	Sync SyncController

	// Tokens is nil when no JWT secret is configured; login is then
	// unavailable.
	Tokens TokenResolver

	HealthChecker handlers.HealthChecker

	// Metrics serves /metrics when EnableMetrics is set.
	Metrics http.Handler

	// Clock decides "today" for plan generation. Defaults to the system clock.
	Clock timeutil.Clock

	Logger  *slog.Logger
	Version string
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	httpServer *http.Server
	router     *http.ServeMux
	handler    http.Handler
	logger     *slog.Logger

	syncLimiter *handlers.RateLimiter

	// sessionMu serializes login and logout.
	sessionMu sync.Mutex

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock{}
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = handlers.NewCompositeHealthChecker(deps.Version)
	}

	s := &Server{
		config: config,
		deps:   deps,
		router: http.NewServeMux(),
		logger: deps.Logger.With("component", "http"),
	}

	limit := config.SyncRateLimit
	if limit.BurstSize <= 0 {
		limit = handlers.DefaultRateLimiterConfig()
	}
	if limit.Now == nil {
		limit.Now = deps.Clock.Now
	}
	s.syncLimiter = handlers.NewRateLimiter(limit)

	s.setupRoutes()
	s.handler = s.buildMiddlewareChain(s.router)

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /health/live", s.handleLive)
	s.router.HandleFunc("GET /health/ready", s.handleReady)
	s.router.HandleFunc("GET /{$}", s.handleRoot)

	// ─────────────────────────────────────────────────────────────────────────
	// API v1 - Progress
	// ─────────────────────────────────────────────────────────────────────────
	s.router.HandleFunc("GET /api/v1/state", s.handleGetState)
	s.router.HandleFunc("GET /api/v1/level", s.handleGetLevel)
	s.router.HandleFunc("GET /api/v1/badges", s.handleGetBadges)
	s.router.HandleFunc("PUT /api/v1/topics/{id}/status", s.handleSetStatus)
	s.router.HandleFunc("POST /api/v1/topics/{id}/notes", s.handleAddNote)
	s.router.HandleFunc("GET /api/v1/activity", s.handleGetActivity)

	// ─────────────────────────────────────────────────────────────────────────
	// API v1 - Plan
	// ─────────────────────────────────────────────────────────────────────────
	s.router.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	s.router.HandleFunc("POST /api/v1/plan", s.handleGeneratePlan)
	s.router.HandleFunc("POST /api/v1/tasks/{id}/toggle", s.handleToggleTask)

	// ─────────────────────────────────────────────────────────────────────────
	// API v1 - Session & Sync
	// ─────────────────────────────────────────────────────────────────────────
	s.router.HandleFunc("POST /api/v1/session", s.handleLogin)
	s.router.HandleFunc("DELETE /api/v1/session", s.handleLogout)
	s.router.Handle("POST /api/v1/sync",
		handlers.RateLimitMiddleware(s.syncLimiter)(http.HandlerFunc(s.handleSync)))
	s.router.HandleFunc("POST /api/v1/reset", s.handleReset)

	// ─────────────────────────────────────────────────────────────────────────
	// Metrics (if enabled)
	// ─────────────────────────────────────────────────────────────────────────
	if s.config.EnableMetrics && s.deps.Metrics != nil {
		s.router.Handle("GET /metrics", s.deps.Metrics)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE CHAIN
// ══════════════════════════════════════════════════════════════════════════════

// buildMiddlewareChain wraps the router with all middleware. The first
// entry is outermost.
func (s *Server) buildMiddlewareChain(handler http.Handler) http.Handler {
	chain := []handlers.MiddlewareFunc{
		s.requestIDMiddleware,
		s.loggingMiddleware,
		s.recoveryMiddleware,
	}
	if len(s.config.AllowedOrigins) > 0 {
		chain = append(chain, s.corsMiddleware)
	}
	chain = append(chain,
		handlers.SecurityHeadersMiddleware,
		handlers.RequestSizeLimitMiddleware(s.config.MaxBodyBytes),
		apiOnly(handlers.NoCacheMiddleware),
	)
	return handlers.ChainHandler(handler, chain...)
}

// apiOnly applies mw to /api/ paths only.
func apiOnly(mw handlers.MiddlewareFunc) handlers.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				wrapped.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestIDMiddleware adds a unique request ID to each request.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs all HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		level := slog.LevelInfo
		if rw.statusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.LogAttrs(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.statusCode),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("ip", getClientIP(r)),
			slog.String("request_id", getRequestID(r.Context())),
		)
	})
}

// recoveryMiddleware recovers from panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				s.logger.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"path", r.URL.Path,
					"request_id", getRequestID(r.Context()),
				)
				writeJSONError(w, r, http.StatusInternalServerError, "internal_server_error", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowed := false
		for _, o := range s.config.AllowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Listen binds the configured address. Port 0 picks a free port; Addr then
// reports it.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already listening")
	}
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address(), err)
	}
	s.listener = ln
	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address()
}

// StartAsync listens if needed and serves on a goroutine. The channel
// yields a listen or serve failure and is closed when serving ends.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)

		ln, err := s.boundListener()
		if err != nil {
			errCh <- err
			return
		}

		s.logger.Info("HTTP server listening", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()
	return errCh
}

func (s *Server) boundListener() (net.Listener, error) {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		return ln, nil
	}
	if err := s.Listen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener, nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// APIVersion is reported in every response envelope.
const APIVersion = "v1"

// JSONResponse is the envelope around every API response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// APIError carries a stable machine code and a readable message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResponseMeta is attached to every envelope. TotalCount is set for lists.
type ResponseMeta struct {
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version,omitempty"`
	TotalCount int       `json:"total_count,omitempty"`
}

func newEnvelope(r *http.Request, status int) JSONResponse {
	return JSONResponse{
		Success:   status >= 200 && status < 300,
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC(), Version: APIVersion},
		RequestID: getRequestID(r.Context()),
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	env := newEnvelope(r, status)
	env.Data = data
	writeEnvelope(w, status, env)
}

// writeList is writeJSON with the item count in meta.
func writeList(w http.ResponseWriter, r *http.Request, status int, items any, count int) {
	env := newEnvelope(r, status)
	env.Data = items
	env.Meta.TotalCount = count
	writeEnvelope(w, status, env)
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSONErrorWithDetails(w, r, status, code, message, "")
}

func writeJSONErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code, message, details string) {
	env := newEnvelope(r, status)
	env.Error = &APIError{Code: code, Message: message, Details: details}
	writeEnvelope(w, status, env)
}

func writeEnvelope(w http.ResponseWriter, status int, env JSONResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPER TYPES AND FUNCTIONS
// ══════════════════════════════════════════════════════════════════════════════

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getRequestID extracts the request ID from context.
func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// getQueryParamInt extracts an integer query parameter with a default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getQueryParamBool extracts a boolean query parameter.
func getQueryParamBool(r *http.Request, key string) bool {
	value := strings.ToLower(r.URL.Query().Get(key))
	return value == "true" || value == "1" || value == "yes"
}
