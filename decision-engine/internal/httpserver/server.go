package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/adops/decision-engine/internal/approval"
	"github.com/ILLUVRSE/adops/decision-engine/internal/auth"
	"github.com/ILLUVRSE/adops/decision-engine/internal/jobs"
	"github.com/ILLUVRSE/adops/decision-engine/internal/metrics"
	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/orchestrator"
	"github.com/ILLUVRSE/adops/decision-engine/internal/store"
)

const (
	codeBadRequest = "DECISION_ENGINE_BAD_REQUEST"
	codeNotFound   = "DECISION_ENGINE_NOT_FOUND"
	codeConflict   = "DECISION_ENGINE_CONFLICT"
	codeInternal   = "DECISION_ENGINE_INTERNAL"

	maxBodyBytes  = 1 << 20
	maxBatchBytes = 8 << 20
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	orch     *orchestrator.Orchestrator
	db       Pinger
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(orch *orchestrator.Orchestrator, db Pinger, verifier *auth.Verifier, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{orch: orch, db: db, verifier: verifier, metrics: m, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Get("/policies", s.handleListPolicies)
		r.Post("/decisions/evaluate", s.handleEvaluate)
		r.Post("/decisions/batch", s.handleEvaluateBatch)

		r.Get("/operations", s.handleListOperations)
		r.Get("/operations/{id}", s.handleGetOperation)
		r.Post("/operations/{id}/approve", s.handleApprove)
		r.Post("/operations/{id}/reject", s.handleReject)
		r.Post("/operations/{id}/retry", s.handleRetryOperation)

		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.db.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"policies": s.orch.Policies()})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.EvaluateInput
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	dec, err := s.orch.Evaluate(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, dec)
}

type batchRequest struct {
	Items []orchestrator.EvaluateInput `json:"items"`
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req, maxBatchBytes); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	results, err := s.orch.EvaluateBatch(r.Context(), req.Items)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListOperationsFilter{
		EntityID: q.Get("entityId"),
		Status:   models.OperationStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "invalid offset")
		return
	}
	ops, err := s.orch.ListOperations(r.Context(), filter)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	op, err := s.orch.GetOperation(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	op, err := s.orch.Approve(r.Context(), id, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
			respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
	}
	op, err := s.orch.Reject(r.Context(), id, actor(r), req.Reason)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

func (s *Server) handleRetryOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	op, err := s.orch.RetryOperation(r.Context(), id, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, op)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitInput
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	job, created, err := s.orch.SubmitJob(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]interface{}{"job": job, "created": created})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.orch.GetJob)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.orch.CancelJob)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.orch.RetryJob)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (models.Job, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := fn(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// respondErr maps domain errors onto HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput),
		errors.Is(err, approval.ErrInvalidInput),
		errors.Is(err, jobs.ErrInvalidInput),
		errors.Is(err, jobs.ErrUnknownJobType):
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, codeNotFound, "not found")
	case errors.Is(err, approval.ErrInvalidTransition),
		errors.Is(err, jobs.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrEntityBusy),
		errors.Is(err, orchestrator.ErrGuardDenied),
		errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, codeConflict, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func actor(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok {
		return p.Subject
	}
	return ""
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid integer")
	}
	return v, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
