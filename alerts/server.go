package alerts

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/liamcoop/txscreen/internal/httpapi"
	"github.com/liamcoop/txscreen/screening"
)

// IdempotencyHeader carries "<transaction id>:<rule>" on create requests.
const IdempotencyHeader = "Idempotency-Key"

// Server exposes a Service over HTTP.
type Server struct {
	service *Service
	router  *chi.Mux
}

func NewServer(service *Service, requestTimeout time.Duration) *Server {
	s := &Server{service: service}
	s.setupRoutes(requestTimeout)
	return s
}

func (s *Server) setupRoutes(timeout time.Duration) {
	r := httpapi.NewRouter(timeout)

	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/alerts", func(r chi.Router) {
		r.Post("/", s.handleCreateAlert)
		r.Get("/", s.handleListAlerts)
		r.Get("/{alertId}", s.handleGetAlert)
		r.Patch("/{alertId}", s.handleUpdateAlert)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.RespondJSON(w, http.StatusOK, httpapi.Health(nil))
}

// handleCreateAlert answers 201 for a new alert and 200 for a replay.
func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req screening.FraudAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if key := r.Header.Get(IdempotencyHeader); key != "" && key != req.IdempotencyKey() {
		httpapi.RespondError(w, http.StatusBadRequest, "idempotency key does not match request", nil)
		return
	}

	rec, created, err := s.service.Create(r.Context(), req)
	if errors.Is(err, ErrInvalidRequest) {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid alert", err)
		return
	}
	if err != nil {
		httpapi.RespondError(w, http.StatusInternalServerError, "failed to create alert", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpapi.RespondJSON(w, status, rec)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	txID := r.URL.Query().Get("transaction_id")
	if txID == "" {
		httpapi.RespondError(w, http.StatusBadRequest, "transaction_id is required", nil)
		return
	}

	alerts, err := s.service.ListByTransaction(r.Context(), txID)
	if err != nil {
		httpapi.RespondError(w, http.StatusInternalServerError, "failed to list alerts", err)
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertId")

	rec, err := s.service.Get(r.Context(), alertID)
	if errors.Is(err, ErrAlertNotFound) {
		httpapi.RespondError(w, http.StatusNotFound, "alert not found", err)
		return
	}
	if err != nil {
		httpapi.RespondError(w, http.StatusInternalServerError, "failed to get alert", err)
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertId")

	var req struct {
		Status screening.AlertStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var (
		rec *screening.FraudAlertRecord
		err error
	)
	switch req.Status {
	case screening.AlertResolved:
		rec, err = s.service.Resolve(r.Context(), alertID)
	case screening.AlertDismissed:
		rec, err = s.service.Dismiss(r.Context(), alertID)
	default:
		httpapi.RespondError(w, http.StatusBadRequest, "status must be RESOLVED or DISMISSED", nil)
		return
	}

	switch {
	case errors.Is(err, ErrAlertNotFound):
		httpapi.RespondError(w, http.StatusNotFound, "alert not found", err)
	case errors.Is(err, ErrInvalidTransition):
		httpapi.RespondError(w, http.StatusConflict, "alert is not active", err)
	case err != nil:
		httpapi.RespondError(w, http.StatusInternalServerError, "failed to update alert", err)
	default:
		httpapi.RespondJSON(w, http.StatusOK, rec)
	}
}
