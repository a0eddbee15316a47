package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

// Default configuration values for the HTTP server, mirrored from the
// teacher's infrastructure/http.ServerConfig.
const (
	DefaultAddr         = ":8080"
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
)

// ServerConfig holds the Operator HTTP surface's tunables.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (cfg *ServerConfig) setDefaults() {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
}

// Server is the HTTP façade around a Service: GET /health, GET /status,
// POST /jobs, and GET /metrics for the Monitor's prometheus collectors.
type Server struct {
	http *http.Server
}

// NewServer builds the chi router and wraps it in a net/http.Server.
func NewServer(svc *Service, cfg ServerConfig) *Server {
	cfg.setDefaults()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler(svc))
	r.Get("/status", statusHandler(svc))
	r.Post("/jobs", submitJobHandler(svc))
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Start runs the HTTP server; it blocks until the server stops.
func (s *Server) Start() error {
	slog.Info("starting operator HTTP server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func healthHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := svc.HealthSnapshot()
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(r.Context(), w, status, h)
	}
}

func statusHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, http.StatusOK, svc.StatusSnapshot())
	}
}

func submitJobHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec domain.JobSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			writeJSON(r.Context(), w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		jobID, err := svc.SubmitJob(r.Context(), spec)
		if err != nil {
			slog.WarnContext(r.Context(), "job submission rejected", "error", err)
			writeJSON(r.Context(), w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(r.Context(), w, http.StatusCreated, map[string]string{"jobId": jobID})
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to write response body", "error", err)
	}
}
