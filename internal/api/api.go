// Package api is the engine's Management API: a read-mostly HTTP surface
// for listing rules, inspecting state and history, and (admin-gated)
// manually triggering an evaluation or reloading the rule set.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vaultize/alert-engine/internal/alertmodel"
	"github.com/vaultize/alert-engine/internal/engine"
	"github.com/vaultize/alert-engine/internal/notify"
)

// scheduler is the narrow engine surface the API needs.
type scheduler interface {
	Ready() bool
	StoreHealthy() bool
	ListRules() []engine.RuleSummary
	RuleStatus(name string) (*alertmodel.Rule, *alertmodel.RuleState, bool)
	TriggerRule(ctx context.Context, name string) (*alertmodel.EvaluationResult, *alertmodel.RuleState, error)
	Reload() (engine.ReloadSummary, []error)
}

// historyStore is the narrow alertstate surface the history endpoint needs.
type historyStore interface {
	QueryHistory(ctx context.Context, ruleName string, since time.Time, limit int) ([]*alertmodel.AlertEvent, error)
}

// deadLetterLister is the narrow notify surface the deadletter endpoint needs.
type deadLetterLister interface {
	ListDeadLetters(limit int) ([]notify.DeadLetterEntry, error)
}

// Server wires an Engine, the state store's history query, and the
// delivery dead-letter log into the Management API's http.Handler.
type Server struct {
	engine      scheduler
	history     historyStore
	deadLetters deadLetterLister
	adminToken  string

	httpServer *http.Server
}

// Config configures a new Server.
type Config struct {
	Engine      scheduler
	History     historyStore
	DeadLetters deadLetterLister
	AdminToken  string
	ListenAddr  string
}

// New builds a Server and its underlying *http.Server, not yet listening.
func New(cfg Config) *Server {
	s := &Server{
		engine:      cfg.Engine,
		history:     cfg.History,
		deadLetters: cfg.DeadLetters,
		adminToken:  cfg.AdminToken,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/alerts/rules", s.handleListRules)
	mux.HandleFunc("GET /api/v1/alerts/rules/{name}/status", s.handleRuleStatus)
	mux.HandleFunc("POST /api/v1/alerts/rules/{name}/trigger", s.requireAdmin(s.handleTrigger))
	mux.HandleFunc("GET /api/v1/alerts/history", s.handleHistory)
	mux.HandleFunc("POST /api/v1/alerts/rules/reload", s.requireAdmin(s.handleReload))
	mux.HandleFunc("GET /api/v1/alerts/deadletter", s.handleDeadLetters)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine; errors other than a
// clean shutdown are logged.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("management API server failed")
		}
	}()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requireAdmin gates next behind a constant-time comparison of the
// Authorization bearer token against the configured admin token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "no admin token configured")
			return
		}
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed Authorization header")
			return
		}
		provided := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.engine.Ready() && s.engine.StoreHealthy()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ready": ready,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}
	writeSuccess(w, http.StatusOK, s.engine.ListRules())
}

func (s *Server) handleRuleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}
	name := r.PathValue("name")
	rule, state, ok := s.engine.RuleStatus(name)
	if !ok {
		writeError(w, http.StatusNotFound, "RULE_NOT_FOUND", "no rule named "+name)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"rule":  rule,
		"state": state,
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}
	name := r.PathValue("name")
	verdict, state, err := s.engine.TriggerRule(r.Context(), name)
	if err != nil {
		if errors.Is(err, engine.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "RULE_NOT_FOUND", "no rule named "+name)
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"verdict": verdict,
		"state":   state,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}
	q := r.URL.Query()
	ruleName := q.Get("rule")

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "since must be RFC3339, got "+raw)
			return
		}
		since = parsed
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "limit must be a non-negative integer, got "+raw)
			return
		}
		limit = parsed
	}

	events, err := s.history.QueryHistory(r.Context(), ruleName, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, events)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}
	summary, loadErrs := s.engine.Reload()
	messages := make([]string, 0, len(loadErrs))
	for _, e := range loadErrs {
		messages = append(messages, e.Error())
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"summary": summary,
		"errors":  messages,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		writeSuccess(w, http.StatusOK, []notify.DeadLetterEntry{})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "limit must be a non-negative integer, got "+raw)
			return
		}
		limit = parsed
	}
	entries, err := s.deadLetters.ListDeadLetters(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, entries)
}

func (s *Server) requireReady(w http.ResponseWriter) bool {
	if !s.engine.Ready() {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "scheduler has not completed startup")
		return false
	}
	return true
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "success",
		"data":   data,
	})
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "error",
		"error": map[string]string{
			"kind":    kind,
			"message": message,
		},
	})
}
