package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/MJE43/arena-rewards/internal/gameplay"
	"github.com/MJE43/arena-rewards/internal/ledger"
	"github.com/MJE43/arena-rewards/internal/pipeline"
	"github.com/MJE43/arena-rewards/internal/store"
)

// Endpoint is the session pipeline the server exposes.
type Endpoint interface {
	Ingest(ctx context.Context, player string, snap gameplay.Snapshot) (pipeline.Outcome, error)
	LastReport(ctx context.Context, player string) (store.StoredReport, bool, error)
	Standing(ctx context.Context, player string) (ledger.Standing, error)
	Mints(ctx context.Context, player string, limit, offset int) ([]store.Mint, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the server.
type Options struct {
	// IngestToken, when set, must be sent as X-Ingest-Token on ingest routes.
	IngestToken string
	// CORSOrigins lists allowed origins. Empty allows all.
	CORSOrigins []string
	// RequestTimeout bounds read-only routes. Ingest routes are bounded by
	// the pipeline's own stage timeouts.
	RequestTimeout time.Duration
	// MaxBodyBytes caps a snapshot body.
	MaxBodyBytes int64
}

const (
	defaultRequestTimeout = 60 * time.Second
	defaultMaxBodyBytes   = 1 << 20
)

// Server handles HTTP requests
type Server struct {
	endpoint     Endpoint
	db           Pinger
	opts         Options
	errorHandler *ErrorHandler
	logger       *zap.Logger
	startTime    time.Time
}

// NewServer creates a new API server. db may be nil.
func NewServer(endpoint Endpoint, db Pinger, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger = logger.Named("api")
	return &Server{
		endpoint:     endpoint,
		db:           db,
		opts:         opts,
		errorHandler: NewErrorHandler(logger),
		logger:       logger,
		startTime:    time.Now(),
	}
}

// Routes sets up the HTTP routes with proper middleware
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.RequestLoggingMiddleware)
	r.Use(s.errorHandler.RecoveryHandler)
	r.Use(s.CORSMiddleware)

	// Health endpoints
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
		r.Get("/health", s.handleHealthCheck)
		r.Get("/health/ready", s.handleReadiness)
		r.Get("/health/live", s.handleLiveness)
	})

	// API routes
	r.Route("/api/v1/players/{wallet}", func(r chi.Router) {
		r.With(s.IngestAuthMiddleware).Post("/snapshots", s.handleIngest)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
			r.Get("/report", s.handleReport)
			r.Get("/standing", s.handleStanding)
			r.Get("/mints", s.handleMints)
		})
	})

	r.With(s.IngestAuthMiddleware).Get("/ws/players/{wallet}", s.handleWebSocket)

	// Legacy routes (query-string wallet, as the original game client sends)
	r.With(s.IngestAuthMiddleware).Post("/getUserData", s.handleLegacyIngest)
	r.With(middleware.Timeout(s.opts.RequestTimeout)).Get("/getAIResponse", s.handleLegacyReport)

	return r
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}
