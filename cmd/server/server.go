package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/bottlerules/airlineengine"
	"github.com/liamcoop/bottlerules/internal/logger"
	"github.com/liamcoop/bottlerules/internal/metrics"
	"github.com/liamcoop/bottlerules/policystore"
	"github.com/liamcoop/bottlerules/returns"
)

const (
	maxBodyBytes   = 4 << 20
	maxBatchSize   = 10000
	requestTimeout = 60 * time.Second
)

// Dependencies are the storage backends a Server runs on.
// DB and Redis are optional and only used for health checks here.
type Dependencies struct {
	DB          *sql.DB
	Redis       *redis.Client
	PolicyStore policystore.PolicyStore
	ReturnStore returns.Store
	Registry    *prometheus.Registry
	Logger      *slog.Logger
}

type Server struct {
	db       *sql.DB
	redis    *redis.Client
	manager  *airlineengine.Manager
	returns  *returns.Service
	registry *prometheus.Registry
	logger   *slog.Logger
	router   *chi.Mux
}

// NewServer wires the engine manager and return service and loads every
// stored airline policy
func NewServer(ctx context.Context, deps Dependencies) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	m := metrics.New(deps.Registry)
	manager := airlineengine.NewManager(deps.PolicyStore,
		airlineengine.WithLogger(deps.Logger),
		airlineengine.WithMetrics(m),
	)

	deps.Logger.InfoContext(ctx, "loading airline policies")
	if err := manager.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("failed to load airline policies: %w", err)
	}

	s := &Server{
		db:       deps.DB,
		redis:    deps.Redis,
		manager:  manager,
		returns:  returns.NewService(manager, deps.ReturnStore, deps.Logger),
		registry: deps.Registry,
		logger:   deps.Logger,
	}

	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Stateless evaluation
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Route("/api/v1/airlines", func(r chi.Router) {
		r.Get("/", s.handleListAirlines)

		r.Route("/{airlineId}", func(r chi.Router) {
			// Policy management
			r.Get("/policy", s.handleGetPolicy)
			r.Put("/policy", s.handleUpdatePolicy)
			r.Delete("/policy", s.handleDeletePolicy)

			// Returns
			r.Post("/returns", s.handleRecordReturn)
			r.Get("/returns", s.handleListReturns)
			r.Get("/returns/{bottleId}", s.handleGetReturn)
			r.Post("/returns/{bottleId}/reevaluate", s.handleReevaluateReturn)

			r.Post("/batches", s.handleProcessBatch)
			r.Get("/summary", s.handleSummary)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}

	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	case status >= 400:
		logger.WarnHttp4xx(status)
	}

	respondJSON(w, status, response)
}

// respondServiceError maps domain errors onto HTTP statuses
func respondServiceError(w http.ResponseWriter, message string, err error) {
	var verr *airlineengine.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, airlineengine.ErrAirlineNotFound),
		errors.Is(err, policystore.ErrNotFound),
		errors.Is(err, returns.ErrNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, returns.ErrAggregated):
		respondError(w, http.StatusConflict, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}
