// Package httpserver exposes the admission service over HTTP. The API
// mirrors the library contracts: every gate returns accepted/ok plus a
// reason, never an error status for an ordinary rejection.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetgov/gatekeeper/internal/admission"
	"github.com/fleetgov/gatekeeper/internal/arbiter"
	"github.com/fleetgov/gatekeeper/internal/audit"
	"github.com/fleetgov/gatekeeper/internal/auth"
	"github.com/fleetgov/gatekeeper/internal/budget"
	"github.com/fleetgov/gatekeeper/internal/bus"
	"github.com/fleetgov/gatekeeper/internal/correlation"
)

// Server holds the HTTP dependencies.
type Server struct {
	service    *admission.Service
	decisions  audit.Store
	authSecret string
}

// New constructs a Server.
func New(service *admission.Service, decisions audit.Store, authSecret string) *Server {
	return &Server{service: service, decisions: decisions, authSecret: authSecret}
}

// Router wires the chi routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(correlation.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authSecret))

		r.Post("/v1/tasks", s.handleSubmit)
		r.Get("/v1/tasks/{id}", s.handleGetTask)
		r.Post("/v1/tasks/{id}/start", s.handleStart)
		r.Post("/v1/tasks/{id}/complete", s.handleComplete)

		r.Post("/v1/budget/allocations", s.handleCreateAllocation)
		r.Post("/v1/budget/reserve", s.handleReserve)
		r.Post("/v1/budget/commit", s.handleCommit)
		r.Post("/v1/budget/release", s.handleRelease)
		r.Get("/v1/budget/{actor}", s.handleBudgetUsage)
		r.Post("/v1/budget/{actor}/reset", s.handleBudgetReset)

		r.Get("/v1/circuits/{id}", s.handleCircuitGet)
		r.Post("/v1/circuits/{id}/check", s.handleCircuitCheck)
		r.Post("/v1/circuits/{id}/outcome", s.handleCircuitOutcome)
		r.Post("/v1/circuits/{id}/trip", s.handleCircuitTrip)
		r.Post("/v1/circuits/{id}/reset", s.handleCircuitReset)

		r.Post("/v1/events", s.handlePublish)
		r.Get("/v1/decisions/{id}", s.handleDecisionGet)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "ts": time.Now().UTC()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.decisions != nil {
		if err := s.decisions.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "decision store not ready")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitBody struct {
	Description    string            `json:"description"`
	Context        map[string]string `json:"context,omitempty"`
	ActorID        string            `json:"actorId"`
	Priority       string            `json:"priority,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	BudgetHint     float64           `json:"budgetHint,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ActorID == "" || body.Description == "" {
		respondError(w, http.StatusBadRequest, "actorId and description required")
		return
	}
	dec := s.service.SubmitTask(r.Context(), arbiter.TaskSubmission{
		Description:   body.Description,
		Context:       body.Context,
		ActorID:       body.ActorID,
		Priority:      arbiter.ParsePriority(body.Priority),
		CorrelationID: body.CorrelationID,
		BudgetHint:    body.BudgetHint,
		Timeout:       time.Duration(body.TimeoutSeconds) * time.Second,
	})
	status := http.StatusCreated
	if !dec.Accepted {
		// A rejection is a valid decision, not a server error.
		status = http.StatusOK
	}
	respondJSON(w, status, dec)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.service.GetTask(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ok := s.service.StartTask(chi.URLParam(r, "id"))
	respondJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

type completeBody struct {
	Result     string  `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	BudgetUsed float64 `json:"budgetUsed,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok := s.service.CompleteTask(r.Context(), chi.URLParam(r, "id"), body.Result, body.Error, body.BudgetUsed)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

type allocationBody struct {
	ActorID string `json:"actorId"`
	Limits  []struct {
		Dimension     string  `json:"dimension"`
		Ceiling       float64 `json:"ceiling"`
		PeriodSeconds int     `json:"periodSeconds,omitempty"`
		SoftThreshold float64 `json:"softThreshold,omitempty"`
	} `json:"limits"`
}

func (s *Server) handleCreateAllocation(w http.ResponseWriter, r *http.Request) {
	var body allocationBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limits := make([]budget.Limit, 0, len(body.Limits))
	for _, l := range body.Limits {
		limits = append(limits, budget.Limit{
			Dimension:     budget.Dimension(l.Dimension),
			Ceiling:       l.Ceiling,
			Period:        time.Duration(l.PeriodSeconds) * time.Second,
			SoftThreshold: l.SoftThreshold,
		})
	}
	if err := s.service.Budgets().CreateAllocation(body.ActorID, limits); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"actorId": body.ActorID})
}

type reserveBody struct {
	ActorID        string  `json:"actorId"`
	Dimension      string  `json:"dimension"`
	Amount         float64 `json:"amount"`
	ReservationID  string  `json:"reservationId"`
	ExpiresSeconds int     `json:"expiresSeconds,omitempty"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var body reserveBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	dim := budget.Dimension(body.Dimension)
	if !dim.Valid() {
		respondError(w, http.StatusBadRequest, "unknown dimension "+body.Dimension)
		return
	}
	ok, reason := s.service.ReserveBudget(r.Context(), body.ActorID, dim, body.Amount, body.ReservationID,
		time.Duration(body.ExpiresSeconds)*time.Second)
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": ok, "reason": reason})
}

type settleBody struct {
	ReservationID string   `json:"reservationId"`
	ActualAmount  *float64 `json:"actualAmount,omitempty"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var body settleBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	actual := -1.0
	if body.ActualAmount != nil {
		actual = *body.ActualAmount
	}
	ok := s.service.CommitBudget(body.ReservationID, actual)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body settleBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok := s.service.ReleaseBudget(body.ReservationID)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleBudgetUsage(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "actor")
	usage, ok := s.service.Budgets().UsageSnapshot(actor)
	if !ok {
		respondError(w, http.StatusNotFound, "no allocation for actor "+actor)
		return
	}
	if dim := r.URL.Query().Get("dimension"); dim != "" {
		remaining, ok := s.service.Budgets().Remaining(actor, budget.Dimension(dim))
		if !ok {
			respondError(w, http.StatusNotFound, "no limit for dimension "+dim)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"actorId": actor, "dimension": dim, "remaining": remaining})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"actorId": actor, "usage": usage})
}

func (s *Server) handleBudgetReset(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "actor")
	dim := budget.Dimension(r.URL.Query().Get("dimension"))
	ok := s.service.Budgets().Reset(actor, dim)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleCircuitGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.service.CircuitSnapshot(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "circuit not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCircuitCheck(w http.ResponseWriter, r *http.Request) {
	ok := s.service.CanProceed(chi.URLParam(r, "id"))
	respondJSON(w, http.StatusOK, map[string]bool{"canProceed": ok})
}

type outcomeBody struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleCircuitOutcome(w http.ResponseWriter, r *http.Request) {
	var body outcomeBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.service.ReportOutcome(chi.URLParam(r, "id"), body.Success, body.Reason)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCircuitTrip(w http.ResponseWriter, r *http.Request) {
	var body outcomeBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.service.TripCircuit(r.Context(), chi.URLParam(r, "id"), body.Reason)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	s.service.ResetCircuit(r.Context(), chi.URLParam(r, "id"))
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type eventBody struct {
	Type          string                 `json:"type"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Source        string                 `json:"source"`
	Target        string                 `json:"target,omitempty"`
	Priority      string                 `json:"priority,omitempty"`
	TTLSeconds    int                    `json:"ttlSeconds,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body eventBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Type == "" || body.Source == "" {
		respondError(w, http.StatusBadRequest, "type and source required")
		return
	}
	allowed, reason := s.service.PublishEvent(r.Context(), bus.Event{
		Type:          body.Type,
		CorrelationID: body.CorrelationID,
		Payload:       body.Payload,
		Source:        body.Source,
		Target:        body.Target,
		Priority:      body.Priority,
		TTL:           time.Duration(body.TTLSeconds) * time.Second,
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{"accepted": allowed, "reason": reason})
}

func (s *Server) handleDecisionGet(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		respondError(w, http.StatusNotFound, "decision log disabled")
		return
	}
	d, err := s.decisions.GetDecision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if err == audit.ErrNotFound {
			respondError(w, http.StatusNotFound, "not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
