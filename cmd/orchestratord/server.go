package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/selfheal/controlplane/internal/errors"
	"github.com/selfheal/controlplane/pkg/auditlog"
	"github.com/selfheal/controlplane/pkg/conflict"
	"github.com/selfheal/controlplane/pkg/lockmgr"
	"github.com/selfheal/controlplane/pkg/orchestrator"
	"github.com/selfheal/controlplane/pkg/safety"
)

// api is the HTTP surface over one Orchestrator: operation execution and
// lifecycle control, plus read-only introspection of the audit log and the
// lock table (spec §6 "queryable", §4.2 "introspectable").
type api struct {
	orch   *orchestrator.Orchestrator
	locks  *lockmgr.Manager
	audit  *auditlog.Log
	logger logr.Logger
}

// newRouter builds the full chi.Mux for cmd/orchestratord: request ID and
// recovery middleware, a 60-second request timeout, permissive CORS for
// operator dashboards, and the Prometheus scrape endpoint alongside the API.
// No request-logging middleware is installed.
func newRouter(a *api) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/operations", a.executeOperation)
		r.Get("/operations/{operationID}", a.getOperationStatus)
		r.Post("/operations/{operationID}/resume", a.resumeOperation)
		r.Post("/operations/{operationID}/abort", a.abortOperation)

		r.Get("/audit", a.queryAudit)
		r.Get("/audit/verify", a.verifyAuditChain)

		r.Get("/locks", a.listLocks)
	})

	return r
}

type executeRequestBody struct {
	OperationType   conflict.OperationType `json:"operation_type"`
	ServiceName     string                 `json:"service_name"`
	Actor           string                 `json:"actor"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
	OperationData   map[string]any         `json:"operation_data,omitempty"`
	GateConfig      safety.GateConfig      `json:"gate_config"`
	LockTTLSeconds  int                    `json:"lock_ttl_seconds"`
	LockWaitSeconds int                    `json:"lock_wait_seconds"`
	ExpectedSeconds int                    `json:"expected_seconds,omitempty"`
}

func (a *api) executeOperation(w http.ResponseWriter, r *http.Request) {
	var body executeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.ServiceName == "" || body.OperationType == "" || body.Actor == "" {
		writeError(w, http.StatusBadRequest, apperrors.NewValidationError("operation_type, service_name, and actor are required"))
		return
	}

	req := orchestrator.ExecuteRequest{
		OperationType:   body.OperationType,
		ServiceName:     body.ServiceName,
		Actor:           body.Actor,
		CorrelationID:   body.CorrelationID,
		OperationData:   body.OperationData,
		GateConfig:      body.GateConfig,
		LockTTL:         time.Duration(body.LockTTLSeconds) * time.Second,
		LockWaitTimeout: time.Duration(body.LockWaitSeconds) * time.Second,
		ExpectedSeconds: body.ExpectedSeconds,
	}

	result, err := a.orch.Execute(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) getOperationStatus(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	result, ok := a.orch.Status(operationID)
	if !ok {
		writeError(w, http.StatusNotFound, apperrors.New(apperrors.ErrorTypeNotFound, "no paused operation "+operationID))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) resumeOperation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	result, err := a.orch.Resume(r.Context(), operationID)
	if err != nil {
		writeError(w, apperrors.GetStatusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type abortRequestBody struct {
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

func (a *api) abortOperation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	var body abortRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.orch.Abort(r.Context(), operationID, body.OperatorID, body.Reason)
	if err != nil {
		writeError(w, apperrors.GetStatusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := auditlog.Filter{
		Category:      auditlog.Category(q.Get("category")),
		Severity:      auditlog.Severity(q.Get("severity")),
		Actor:         q.Get("actor"),
		ResourceID:    q.Get("resource_id"),
		CorrelationID: q.Get("correlation_id"),
	}
	events, err := a.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *api) verifyAuditChain(w http.ResponseWriter, r *http.Request) {
	ok, failingEventID, err := a.audit.VerifyChain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chain_intact": ok, "failing_event_id": failingEventID})
}

func (a *api) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := a.locks.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": apperrors.SafeErrorMessage(err)})
}
