package frontend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/artifact"
	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/eventbus"
	"github.com/acto-org/acto/internal/llm"
	"github.com/acto-org/acto/internal/planner"
	"github.com/acto-org/acto/internal/runtime"
	"github.com/acto-org/acto/internal/service/frontend/sse"
	"github.com/acto-org/acto/internal/store"
)

// API implements the HTTP handlers over the store, the runtime manager, and
// the event bus.
type API struct {
	store      store.Store
	blobs      artifact.Store
	manager    *runtime.Manager
	planner    *planner.Planner
	models     *llm.Registry
	agents     *agent.Registry
	bus        *eventbus.Bus
	registry   *prometheus.Registry
	sseMetrics *sse.Metrics
	startedAt  time.Time
}

// NewAPI wires the handlers. registry may be nil to disable the metrics
// endpoint.
func NewAPI(st store.Store, blobs artifact.Store, mgr *runtime.Manager, pl *planner.Planner, models *llm.Registry, agents *agent.Registry, bus *eventbus.Bus, registry *prometheus.Registry) *API {
	var sseMetrics *sse.Metrics
	if registry != nil {
		sseMetrics = sse.NewMetrics(registry)
	}
	return &API{
		store:      st,
		blobs:      blobs,
		manager:    mgr,
		planner:    pl,
		models:     models,
		agents:     agents,
		bus:        bus,
		registry:   registry,
		sseMetrics: sseMetrics,
		startedAt:  time.Now(),
	}
}

// ConfigureRoutes mounts all API routes on r.
func (a *API) ConfigureRoutes(r chi.Router) {
	r.Post("/actions", a.createAction)
	r.Get("/actions", a.listActions)
	r.Get("/actions/{actionID}", a.getAction)
	r.Patch("/actions/{actionID}", a.updateAction)
	r.Delete("/actions/{actionID}", a.deleteAction)
	r.Post("/actions/{actionID}/run", a.runAction)
	r.Post("/actions/{actionID}/retry", a.retryAction)
	r.Post("/actions/{actionID}/abort", a.abortAction)
	r.Get("/actions/{actionID}/events", a.actionEvents)
	r.Post("/actions/{actionID}/tasks", a.createTask)

	r.Patch("/tasks/{taskID}", a.updateTask)
	r.Delete("/tasks/{taskID}", a.deleteTask)
	r.Post("/tasks/{taskID}/reset", a.resetTask)
	r.Get("/tasks/{taskID}/logs", a.taskLogs)
	r.Get("/tasks/{taskID}/output", a.taskOutput)

	r.Get("/artifacts/{artifactID}", a.getArtifact)
	r.Get("/artifacts/{artifactID}/content", a.artifactContent)

	r.Get("/models", a.listModels)
	r.Get("/agents", a.listAgents)
	r.Get("/health", a.health)

	if a.registry != nil {
		r.Get("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

// Error is an error with an associated HTTP status code.
type Error struct {
	// Code is the machine-readable error code to return.
	Code string
	// HTTPStatus is the HTTP status code to return.
	HTTPStatus int
	// Message is the human-readable error message to return.
	Message string
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badRequest(message string) *Error {
	return &Error{Code: "invalid_request", HTTPStatus: http.StatusBadRequest, Message: message}
}

func notFound(message string) *Error {
	return &Error{Code: "not_found", HTTPStatus: http.StatusNotFound, Message: message}
}

// handleError writes err as a JSON error response. Unexpected errors are
// logged and reported as opaque 500s.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := resolveError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		logger.Error(r.Context(), "Request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, apiErr.HTTPStatus, map[string]string{
		"code":    apiErr.Code,
		"message": apiErr.Message,
	})
}

// resolveError maps domain sentinels onto HTTP statuses.
func resolveError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: "not_found", HTTPStatus: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, artifact.ErrNotExist):
		return &Error{Code: "not_found", HTTPStatus: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, store.ErrHasDependents),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, runtime.ErrNotRetryable),
		errors.Is(err, runtime.ErrActiveRun):
		return &Error{Code: "conflict", HTTPStatus: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, store.ErrUnknownDependency),
		errors.Is(err, store.ErrCycle),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, runtime.ErrNoPendingTasks):
		return &Error{Code: "invalid_request", HTTPStatus: http.StatusBadRequest, Message: err.Error()}
	default:
		return &Error{Code: "internal_error", HTTPStatus: http.StatusInternalServerError, Message: "An unexpected error occurred"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
