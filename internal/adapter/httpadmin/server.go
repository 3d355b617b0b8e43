// Package httpadmin is the operator-facing control channel: a small
// authenticated JSON API for task submission, inspection, and the
// protection overrides (circuit reset, drain).
package httpadmin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/scrapehub/internal/config"
	"github.com/fairyhunter13/scrapehub/internal/domain"
	"github.com/fairyhunter13/scrapehub/internal/observability"
)

// Control is the orchestrator surface the admin channel drives.
type Control interface {
	SubmitTask(task domain.Task) (domain.Task, error)
	Cancel(taskID string)
	TaskStatus(taskID string) (domain.Task, bool)
	Stats() map[string]any
	ResetCircuit(domainName string)
	Drain()
}

// Server holds the admin channel dependencies.
type Server struct {
	cfg  config.Config
	ctrl Control
}

// New builds the admin server around an orchestrator.
func New(cfg config.Config, ctrl Control) *Server {
	return &Server{cfg: cfg, ctrl: ctrl}
}

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// Router constructs the HTTP handler with all middlewares and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(s.cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(ar chi.Router) {
		ar.Use(httprate.LimitByIP(s.cfg.AdminRatePerMin, time.Minute))
		if s.cfg.AdminEnabled() {
			ar.Use(s.BasicAuthGuard())
		}
		ar.Get("/v1/stats", s.statsHandler)
		ar.Post("/v1/tasks", s.submitHandler)
		ar.Get("/v1/tasks/{id}", s.taskHandler)
		ar.Delete("/v1/tasks/{id}", s.cancelHandler)
		ar.Post("/v1/circuits/{domain}/reset", s.resetCircuitHandler)
		ar.Post("/v1/drain", s.drainHandler)
	})

	return securityHeaders(r)
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered", slog.Any("recover", rec))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	Source   domain.SourceKind `json:"source"`
	URL      string            `json:"url,omitempty"`
	Filters  domain.Filters    `json:"filters"`
	Priority int               `json:"priority,omitempty"`
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !domain.IsValidSourceKind(req.Source) {
		writeError(w, http.StatusBadRequest, "unknown source kind")
		return
	}
	if req.Priority < 0 || req.Priority > 10 {
		writeError(w, http.StatusBadRequest, "priority out of range")
		return
	}
	task, err := s.ctrl.SubmitTask(domain.Task{
		Source:   req.Source,
		URL:      req.URL,
		Filters:  req.Filters,
		Priority: req.Priority,
		Hybrid:   req.Filters.IncludeHiddenMarket && req.Source != domain.SourceMeteredAPI,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDraining) {
			writeError(w, http.StatusServiceUnavailable, "draining, not accepting tasks")
			return
		}
		writeError(w, http.StatusInternalServerError, "task submission failed")
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) taskHandler(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ctrl.TaskStatus(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.ctrl.TaskStatus(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.ctrl.Cancel(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) resetCircuitHandler(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")
	if domainName == "" {
		writeError(w, http.StatusBadRequest, "missing domain")
		return
	}
	s.ctrl.ResetCircuit(domainName)
	writeJSON(w, http.StatusOK, map[string]string{"domain": domainName, "state": "closed"})
}

func (s *Server) drainHandler(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Drain()
	writeJSON(w, http.StatusOK, map[string]bool{"draining": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
