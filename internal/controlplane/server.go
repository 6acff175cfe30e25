package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/bridge"
	"github.com/fentz26/warden/internal/models"
	"go.uber.org/zap"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Server provides the HTTP API for Warden.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service: service,
		addr:    addr,
		logger:  logger.Named("http"),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)

	// Approval endpoints
	mux.HandleFunc("GET /approvals", s.handleListApprovals)
	mux.HandleFunc("GET /approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /approvals/{id}/reject", s.handleReject)

	// Audit endpoints
	mux.HandleFunc("GET /audit", s.handleQueryAudit)
	mux.HandleFunc("GET /audit/stats", s.handleAuditStats)
	mux.HandleFunc("POST /audit/prune", s.handlePruneAudit)

	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("PUT /config", s.handlePutConfig)
	mux.HandleFunc("GET /rules", s.handleRules)
	mux.HandleFunc("GET /workers", s.handleWorkers)
	mux.HandleFunc("/health", s.handleHealth)

	return s.logRequests(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	s.logger.Info("starting warden daemon", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// --- Response helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", zap.Int("status", status), zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrInvalidRequest, err)
	}
	return nil
}

// --- Chat ---

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req bridge.Request
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	report, err := s.service.Chat(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- Approval Handlers ---

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListApprovals(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.GetApproval(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type decisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// decodeDecision accepts an empty body.
func decodeDecision(r *http.Request) (decisionRequest, error) {
	var req decisionRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := decode(r, &req)
	return req, err
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDecision(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	report, err := s.service.Approve(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDecision(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	report, err := s.service.Reject(r.Context(), r.PathValue("id"), req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- Audit Handlers ---

// parseFilter reads since, until, type, outcome, session and limit. type
// and outcome may repeat or hold comma-separated values.
func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter

	for _, key := range []string{"since", "until"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%w: %s must be RFC3339", ErrInvalidRequest, key)
		}
		if key == "since" {
			f.Since = ts
		} else {
			f.Until = ts
		}
	}

	for _, t := range splitValues(q["type"]) {
		f.Types = append(f.Types, models.IntentType(t))
	}
	for _, o := range splitValues(q["outcome"]) {
		f.Outcomes = append(f.Outcomes, models.Outcome(o))
	}
	f.SessionID = q.Get("session")

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit must be a non-negative integer", ErrInvalidRequest)
		}
		f.Limit = n
	}
	return f, nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	entries, err := s.service.QueryAudit(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: days must be an integer", ErrInvalidRequest))
			return
		}
		days = n
	}

	stats, err := s.service.AuditStats(r.Context(), days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type pruneResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handlePruneAudit(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.PruneAudit(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pruneResponse{Removed: n})
}

// --- Config and Status Handlers ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Config())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	// Absent fields keep their current value.
	cfg := s.service.Config()
	if err := decode(r, &cfg); err != nil {
		s.writeError(w, err)
		return
	}

	updated, err := s.service.UpdateConfig(cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Rules(r.Context()))
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Workers())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h, err := s.service.Health(r.Context())
	if err != nil {
		if errors.Is(err, bridge.ErrNotInitialized) {
			s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}
