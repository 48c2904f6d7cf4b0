package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/confirm"
	"github.com/mtAerohand/draw/internal/draw"
	"github.com/mtAerohand/draw/internal/metrics"
)

const defaultRequestTimeout = 10 * time.Second

// Drawer answers draw commands and catalog statistics.
type Drawer interface {
	Draw(ctx context.Context, filter string) (string, error)
	Stats(ctx context.Context) (draw.Stats, error)
}

// Confirmations lists and resolves pending drift confirmations.
type Confirmations interface {
	List() []confirm.Pending
	Answer(id, answer string) (bool, error)
}

// ReadyFunc reports whether downstream dependencies can serve requests.
type ReadyFunc func(ctx context.Context) error

// Config controls the HTTP surface.
type Config struct {
	// APIKey guards /v1 routes when set.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the draw service and confirmation registry.
type Server struct {
	router        chi.Router
	drawer        Drawer
	confirmations Confirmations
	ready         ReadyFunc
	timeout       time.Duration
	logger        *zap.Logger
}

// NewServer constructs a Server with middleware and routes. confirmations and
// ready may be nil.
func NewServer(
	drawer Drawer,
	confirmations Confirmations,
	ready ReadyFunc,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		drawer:        drawer,
		confirmations: confirmations,
		ready:         ready,
		timeout:       cfg.RequestTimeout,
		logger:        logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/draw", s.draw)
		r.Get("/catalog", s.catalog)
		r.Route("/confirmations", func(r chi.Router) {
			r.Get("/", s.listConfirmations)
			r.Post("/{confirmation_id}", s.answerConfirmation)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
