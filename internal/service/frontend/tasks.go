package frontend

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/store"
)

type updateTaskRequest struct {
	Prompt       *string   `json:"prompt"`
	AgentType    *string   `json:"agent_type"`
	Model        *string   `json:"model"`
	Dependencies *[]string `json:"dependencies"`
}

// updateTask edits the task and invalidates everything downstream of it.
func (a *API) updateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")

	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		a.handleError(w, r, err)
		return
	}
	if req.Prompt != nil && *req.Prompt == "" {
		a.handleError(w, r, badRequest("prompt cannot be empty"))
		return
	}

	task, err := a.manager.EditTask(ctx, taskID, store.TaskPatch{
		Prompt:       req.Prompt,
		AgentType:    req.AgentType,
		Model:        req.Model,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// deleteTask removes a task nothing depends on.
func (a *API) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.DeleteTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resetTask returns the task to pending and invalidates its dependents.
func (a *API) resetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.manager.ResetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// taskLogs returns the task's log entries, oldest first.
func (a *API) taskLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")

	if _, err := a.store.GetTask(ctx, taskID); err != nil {
		a.handleError(w, r, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.handleError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	logs, err := a.store.ListLogs(ctx, taskID, limit)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*core.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// taskOutput returns the task's current output.
func (a *API) taskOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")

	if _, err := a.store.GetTask(ctx, taskID); err != nil {
		a.handleError(w, r, err)
		return
	}

	output, err := a.store.GetCurrentOutput(ctx, taskID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, output)
}
