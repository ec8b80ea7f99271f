package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/liamcoop/txscreen/internal/httpapi"
	"github.com/liamcoop/txscreen/rules"
	"github.com/liamcoop/txscreen/screening"
	"github.com/liamcoop/txscreen/tracing"
)

// screener runs one screening workflow. *workflow.Orchestrator satisfies it.
type screener interface {
	Run(ctx context.Context, tx screening.Transaction) (*screening.WorkflowResult, error)
}

type pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	screener screener
	engine   *rules.Engine
	db       pinger
	metrics  http.Handler
	now      func() time.Time
	router   *chi.Mux
}

// NewServer builds the screening API. db and metrics may be nil.
func NewServer(sc screener, engine *rules.Engine, db pinger, metrics http.Handler, requestTimeout time.Duration) *Server {
	s := &Server{
		screener: sc,
		engine:   engine,
		db:       db,
		metrics:  metrics,
		now:      time.Now,
	}
	s.setupRoutes(requestTimeout)
	return s
}

func (s *Server) setupRoutes(timeout time.Duration) {
	r := httpapi.NewRouter(timeout)

	r.Get("/api/v1/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Post("/api/v1/screenings", s.handleScreen)

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Post("/", s.handleCreateRule)
		r.Get("/", s.handleListRules)
		r.Get("/{ruleId}", s.handleGetRule)
		r.Put("/{ruleId}", s.handleUpdateRule)
		r.Delete("/{ruleId}", s.handleDeleteRule)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			httpapi.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	active, _ := s.engine.ActiveRules()
	httpapi.RespondJSON(w, http.StatusOK, httpapi.Health(map[string]any{
		"operator_rules": len(active),
	}))
}

// handleScreen runs the workflow synchronously. Degraded and failed runs are
// still answered with 200; the result carries the outcome.
func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	var tx screening.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = s.now().UTC()
	}

	result, err := s.screener.Run(r.Context(), tx)
	var (
		verr *screening.ValidationError
		cerr *screening.ConsistencyError
	)
	switch {
	case errors.As(err, &verr):
		httpapi.RespondError(w, http.StatusBadRequest, "invalid transaction", err)
	case errors.Is(err, tracing.ErrDuplicateRun):
		httpapi.RespondError(w, http.StatusConflict, "transaction is already being screened", err)
	case errors.Is(err, tracing.ErrRegistryFull):
		httpapi.RespondError(w, http.StatusServiceUnavailable, "too many screenings in flight", err)
	case errors.As(err, &cerr):
		httpapi.RespondError(w, http.StatusInternalServerError, "screening aborted", err)
	case err != nil:
		httpapi.RespondError(w, http.StatusInternalServerError, "screening failed", err)
	default:
		httpapi.RespondJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := s.now().UTC()
	rule := &rules.Rule{
		ID:         req.ID,
		Name:       req.Name,
		Expression: req.Expression,
		Points:     req.Points,
		Position:   req.Position,
		Active:     req.Active == nil || *req.Active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.engine.AddRule(rule); err != nil {
		s.respondRuleError(w, "failed to create rule", err)
		return
	}
	httpapi.RespondJSON(w, http.StatusCreated, ruleResponse(rule))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	active, err := s.engine.ActiveRules()
	if err != nil {
		httpapi.RespondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	resp := RulesListResponse{Rules: make([]RuleResponse, 0, len(active))}
	for _, rule := range active {
		resp.Rules = append(resp.Rules, ruleResponse(rule))
	}
	httpapi.RespondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.Rule(chi.URLParam(r, "ruleId"))
	if err != nil {
		s.respondRuleError(w, "failed to get rule", err)
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, ruleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	existing, err := s.engine.Rule(chi.URLParam(r, "ruleId"))
	if err != nil {
		s.respondRuleError(w, "failed to get rule", err)
		return
	}

	rule := *existing
	if req.Name != "" {
		rule.Name = req.Name
	}
	if req.Expression != "" {
		rule.Expression = req.Expression
	}
	if req.Points != nil {
		rule.Points = *req.Points
	}
	if req.Position != nil {
		rule.Position = *req.Position
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	rule.UpdatedAt = s.now().UTC()

	if err := s.engine.UpdateRule(&rule); err != nil {
		s.respondRuleError(w, "failed to update rule", err)
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, ruleResponse(&rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteRule(chi.URLParam(r, "ruleId")); err != nil {
		s.respondRuleError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondRuleError maps rule engine errors onto status codes.
func (s *Server) respondRuleError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		httpapi.RespondError(w, http.StatusNotFound, "rule not found", err)
	case errors.Is(err, rules.ErrRuleExists):
		httpapi.RespondError(w, http.StatusConflict, "rule already exists", err)
	case errors.Is(err, rules.ErrInvalidRule):
		httpapi.RespondError(w, http.StatusBadRequest, message, err)
	default:
		httpapi.RespondError(w, http.StatusInternalServerError, message, err)
	}
}
