// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yairfalse/vahti/providers"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// Checker is the live check surface. *checker.Checker implements it.
type Checker interface {
	Check(ctx context.Context, groupID string, candidate types.CandidateProfile) (types.Decision, error)
	Reset(groupID, userID string) bool
}

// Scanner is the batch scan surface. *scanner.Scanner implements it.
type Scanner interface {
	ScanAll(ctx context.Context, groupID string) ([]types.ScanResult, error)
	Preview(ctx context.Context, groupID string, candidate types.CandidateProfile) (types.ScanResult, error)
}

// Audit reads and clears audit history. *storage.AuditStore implements it.
type Audit interface {
	providers.AuditReader
	providers.AuditClearer
}

// Config wires the server. Metrics may be nil.
type Config struct {
	Checker Checker
	Scanner Scanner
	Audit   Audit
	Metrics http.Handler
	// ScanTimeout bounds a scan started over HTTP; zero means no bound
	ScanTimeout time.Duration
}

// Server routes HTTP requests to the engine.
type Server struct {
	router      chi.Router
	checker     Checker
	scanner     Scanner
	audit       Audit
	scanTimeout time.Duration
	logger      *telemetry.Logger
}

// New builds the router.
func New(cfg Config) *Server {
	s := &Server{
		checker:     cfg.Checker,
		scanner:     cfg.Scanner,
		audit:       cfg.Audit,
		scanTimeout: cfg.ScanTimeout,
		logger:      telemetry.NewLogger("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/groups/{groupID}/check", s.handleCheck)
		r.Post("/groups/{groupID}/preview", s.handlePreview)
		r.Post("/groups/{groupID}/scan", s.handleScan)
		r.Delete("/groups/{groupID}/members/{userID}/dedup", s.handleReset)
		r.Get("/audit", s.handleAuditList)
		r.Delete("/audit", s.handleAuditClear)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	candidate, ok := decodeCandidate(w, r)
	if !ok {
		return
	}

	decision, err := s.checker.Check(r.Context(), groupID, candidate)
	if err != nil {
		s.writeEngineError(w, r, "check", err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	candidate, ok := decodeCandidate(w, r)
	if !ok {
		return
	}

	result, err := s.scanner.Preview(r.Context(), groupID, candidate)
	if err != nil {
		s.writeEngineError(w, r, "preview", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	ctx := r.Context()
	if s.scanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.scanTimeout)
		defer cancel()
	}

	results, err := s.scanner.ScanAll(ctx, groupID)
	if err != nil {
		s.writeEngineError(w, r, "scan", err)
		return
	}
	if results == nil {
		results = []types.ScanResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	userID := chi.URLParam(r, "userID")

	if !s.checker.Reset(groupID, userID) {
		writeError(w, http.StatusNotFound, "not_found", "pair not processed in this session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.AuditFilter{
		GroupID: q.Get("groupId"),
		UserID:  q.Get("userId"),
		Module:  types.Module(q.Get("module")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		filter.Since = since
	}

	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		s.logger.LogStorageError(r.Context(), "audit_query", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if entries == nil {
		entries = []types.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditClear(w http.ResponseWriter, r *http.Request) {
	if err := s.audit.Clear(r.Context()); err != nil {
		s.logger.LogStorageError(r.Context(), "audit_clear", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	s.logger.WithContext(r.Context()).Warn().
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("audit history cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, providers.ErrNotAuthenticated) {
		writeError(w, http.StatusServiceUnavailable, "not_authenticated", "platform session is not authenticated")
		return
	}
	s.logger.WithContext(r.Context()).Error().Err(err).Str("op", op).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "")
}

func decodeCandidate(w http.ResponseWriter, r *http.Request) (types.CandidateProfile, bool) {
	var candidate types.CandidateProfile
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&candidate); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid candidate profile")
		return candidate, false
	}
	if candidate.ID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "candidate id is required")
		return candidate, false
	}
	return candidate, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}
