package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/maintenance"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/memory"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/metrics"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/store"
)

const (
	maxBodyBytes       = 1 << 20 // 1 MB
	defaultHistorySize = 20
	maxHistorySize     = 500
)

// Maintainer triggers and cancels maintenance runs.
type Maintainer interface {
	Run(ctx context.Context, opts maintenance.RunOptions) (*models.MaintenanceRun, error)
	Cancel()
	Running() bool
}

// RunHistory lists recorded maintenance runs, newest first.
type RunHistory interface {
	List(ctx context.Context, limit int) ([]models.MaintenanceRun, error)
}

// HealthReporter produces health snapshots.
type HealthReporter interface {
	Snapshot(ctx context.Context) models.HealthStatus
}

// Server is an HTTP API server that exposes memory, maintenance and health operations.
type Server struct {
	memories  *memory.Service
	scheduler Maintainer
	history   RunHistory
	health    HealthReporter
	metrics   *metrics.Manager
	logger    *slog.Logger

	authToken   string // empty = no auth required
	metricsPath string
}

// NewServer creates a new Server with the given dependencies. history may be nil.
func NewServer(svc *memory.Service, sched Maintainer, history RunHistory, hr HealthReporter, m *metrics.Manager, logger *slog.Logger, authToken, metricsPath string) *Server {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &Server{
		memories:    svc,
		scheduler:   sched,
		history:     history,
		health:      hr,
		metrics:     m,
		logger:      logger,
		authToken:   authToken,
		metricsPath: metricsPath,
	}
}

// Handler returns an http.Handler with all routes registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Liveness and metrics: no auth required.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics.Enabled() {
		r.Handle(s.metricsPath, s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)

		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/", s.handleRunMaintenance)
			r.Post("/cancel", s.handleCancelMaintenance)
			r.Get("/runs", s.handleListRuns)
		})

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", s.handleRemember)
			r.Get("/", s.handleListMemories)
			r.Get("/{id}", s.handleGetMemory)
			r.Delete("/{id}", s.handleDeleteMemory)
		})

		r.Post("/search", s.handleSearch)
	})

	return r
}

// --- middleware ---

// auth wraps a handler with Bearer token authentication when authToken is set.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- health ---

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.health.Snapshot(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.memories.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, "get stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// --- maintenance ---

// maintenanceRequest is the optional body accepted by POST /v1/maintenance.
type maintenanceRequest struct {
	MaxDurationMinutes float64 `json:"max_duration_minutes"`
	DryRun             bool    `json:"dry_run"`
}

// maintenanceFailure is returned when a run finalizes with status failure.
type maintenanceFailure struct {
	Error string                 `json:"error"`
	Run   *models.MaintenanceRun `json:"run"`
}

func (s *Server) handleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MaxDurationMinutes < 0 {
		s.writeError(w, http.StatusBadRequest, "max_duration_minutes must not be negative")
		return
	}

	opts := maintenance.RunOptions{
		Trigger:     models.TriggerManual,
		MaxDuration: time.Duration(req.MaxDurationMinutes * float64(time.Minute)),
		DryRun:      req.DryRun,
	}

	// The run outlives a dropped client connection; it is bounded by its own budget.
	run, err := s.scheduler.Run(context.WithoutCancel(r.Context()), opts)
	switch {
	case errors.Is(err, maintenance.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, "already running")
	case err != nil:
		s.logger.Error("maintenance run failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, maintenanceFailure{Error: err.Error(), Run: run})
	default:
		s.writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleCancelMaintenance(w http.ResponseWriter, _ *http.Request) {
	running := s.scheduler.Running()
	s.scheduler.Cancel()
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"canceled": running})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, map[string][]models.MaintenanceRun{"runs": {}})
		return
	}
	limit, err := queryInt(r, "limit", defaultHistorySize)
	if err != nil || limit <= 0 || limit > maxHistorySize {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}

	runs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list maintenance runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list maintenance runs")
		return
	}
	if runs == nil {
		runs = []models.MaintenanceRun{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]models.MaintenanceRun{"runs": runs})
}

// --- memories ---

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req memory.RememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	mem, err := s.memories.Remember(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, "store memory", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, mem)
}

// listResponse is returned by GET /v1/memories.
type listResponse struct {
	Memories   []models.Memory `json:"memories"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	var filters *store.Filters
	if raw := r.URL.Query().Get("state"); raw != "" {
		st := models.LifecycleState(strings.ToUpper(raw))
		if !st.IsValid() {
			s.writeError(w, http.StatusBadRequest, "unknown lifecycle state")
			return
		}
		filters = store.StateFilter(st)
	}

	mems, next, err := s.memories.List(r.Context(), filters, uint64(limit), r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeServiceError(w, "list memories", err)
		return
	}
	if mems == nil {
		mems = []models.Memory{}
	}
	s.writeJSON(w, http.StatusOK, listResponse{Memories: mems, NextCursor: next})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mem, err := s.memories.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get memory", err)
		return
	}
	s.writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.memories.Forget(r.Context(), id); err != nil {
		s.writeServiceError(w, "delete memory", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// searchRequest is the body accepted by POST /v1/search.
type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// searchResponse is returned by POST /v1/search.
type searchResponse struct {
	Results []models.RankedResult `json:"results"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	results, err := s.memories.Search(r.Context(), req.Query, req.Limit)
	if err != nil {
		s.writeServiceError(w, "search memories", err)
		return
	}
	if results == nil {
		results = []models.RankedResult{}
	}
	s.writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

// --- helpers ---

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// writeServiceError maps service and store errors to status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, memory.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "memory not found")
	case errors.Is(err, store.ErrUnavailable):
		s.logger.Error("store unavailable", "action", action, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.logger.Error("request failed", "action", action, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(v); encErr != nil {
		s.logger.Error("failed to encode response", "error", encErr)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Shutdown gracefully shuts down an http.Server with the given timeout.
// This is a convenience helper used by the serve command.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
