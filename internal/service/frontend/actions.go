package frontend

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/planner"
	"github.com/acto-org/acto/internal/service/frontend/sse"
	"github.com/acto-org/acto/internal/store"
)

const defaultListLimit = 50

// actionDetail is the wire shape for a single action with its task graph.
type actionDetail struct {
	*core.Action
	Tasks []*core.Task `json:"tasks"`
}

// actionSummary is the list shape: the action plus a task count instead of
// the full graph.
type actionSummary struct {
	*core.Action
	TaskCount int `json:"task_count"`
}

type createActionRequest struct {
	RootPrompt string `json:"root_prompt"`
	Title      string `json:"title"`
}

type updateActionRequest struct {
	Title      *string `json:"title"`
	RootPrompt *string `json:"root_prompt"`
}

type createTaskRequest struct {
	Prompt       string   `json:"prompt"`
	AgentType    string   `json:"agent_type"`
	Model        string   `json:"model"`
	Dependencies []string `json:"dependencies"`
}

// detail loads the action and its tasks.
func (a *API) detail(ctx context.Context, actionID string) (*actionDetail, error) {
	action, err := a.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	tasks, err := a.store.ListTasks(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*core.Task{}
	}
	return &actionDetail{Action: action, Tasks: tasks}, nil
}

// createAction plans a fresh task graph for the prompt and returns the new
// action with its tasks.
func (a *API) createAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createActionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.handleError(w, r, err)
		return
	}
	if req.RootPrompt == "" {
		a.handleError(w, r, badRequest("root_prompt is required"))
		return
	}

	title := req.Title
	if title == "" {
		title = a.planner.GenerateTitle(ctx, req.RootPrompt)
	}

	action, err := a.store.CreateAction(ctx, store.ActionSpec{Title: title, RootPrompt: req.RootPrompt})
	if err != nil {
		a.handleError(w, r, err)
		return
	}

	plan, err := a.planner.Plan(ctx, req.RootPrompt, nil)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if _, err := a.store.CreateTasks(ctx, action.ID, planner.ToTaskSpecs(plan)); err != nil {
		a.handleError(w, r, err)
		return
	}

	detail, err := a.detail(ctx, action.ID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

// listActions returns recent actions, newest first, with task counts.
func (a *API) listActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := store.ActionFilter{Limit: defaultListLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			a.handleError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status, ok := core.ParseActionStatus(v)
		if !ok {
			a.handleError(w, r, badRequest(fmt.Sprintf("unknown status %q", v)))
			return
		}
		filter.Status = &status
	}

	actions, err := a.store.ListActions(ctx, filter)
	if err != nil {
		a.handleError(w, r, err)
		return
	}

	summaries := make([]actionSummary, 0, len(actions))
	for _, action := range actions {
		tasks, err := a.store.ListTasks(ctx, action.ID)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		summaries = append(summaries, actionSummary{Action: action, TaskCount: len(tasks)})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (a *API) getAction(w http.ResponseWriter, r *http.Request) {
	detail, err := a.detail(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// updateAction renames the action and, when the root prompt changed,
// replaces the pending task graph with a fresh plan.
func (a *API) updateAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actionID := chi.URLParam(r, "actionID")

	var req updateActionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.handleError(w, r, err)
		return
	}
	if req.RootPrompt != nil && *req.RootPrompt == "" {
		a.handleError(w, r, badRequest("root_prompt cannot be empty"))
		return
	}

	action, err := a.store.GetAction(ctx, actionID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}

	if req.Title != nil {
		if _, err := a.store.UpdateAction(ctx, actionID, store.ActionPatch{Title: req.Title}); err != nil {
			a.handleError(w, r, err)
			return
		}
	}
	if req.RootPrompt != nil && *req.RootPrompt != action.RootPrompt {
		if err := a.manager.Replan(ctx, actionID, *req.RootPrompt); err != nil {
			a.handleError(w, r, err)
			return
		}
	}

	detail, err := a.detail(ctx, actionID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// deleteAction aborts any active run and removes the action with all its
// tasks, outputs, logs, and artifact records.
func (a *API) deleteAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actionID := chi.URLParam(r, "actionID")

	if _, err := a.store.GetAction(ctx, actionID); err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.manager.Abort(ctx, actionID); err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.store.DeleteAction(ctx, actionID); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runAction starts executing the action's pending tasks. The work happens
// asynchronously; the response reflects the state at accept time.
func (a *API) runAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actionID := chi.URLParam(r, "actionID")

	if _, err := a.store.GetAction(ctx, actionID); err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.manager.Run(ctx, actionID); err != nil {
		a.handleError(w, r, err)
		return
	}

	detail, err := a.detail(ctx, actionID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, detail)
}

// retryAction asks the planner for a recovery plan and reruns the failed
// subtrees.
func (a *API) retryAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actionID := chi.URLParam(r, "actionID")

	if _, err := a.store.GetAction(ctx, actionID); err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.manager.Retry(ctx, actionID); err != nil {
		a.handleError(w, r, err)
		return
	}

	detail, err := a.detail(ctx, actionID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, detail)
}

// abortAction cancels the active run. In-flight tasks return to pending.
func (a *API) abortAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actionID := chi.URLParam(r, "actionID")

	if _, err := a.store.GetAction(ctx, actionID); err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.manager.Abort(ctx, actionID); err != nil {
		a.handleError(w, r, err)
		return
	}

	detail, err := a.detail(ctx, actionID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// actionEvents streams the action's event feed as server-sent events. The
// first frame is a full snapshot, then the live tail follows.
func (a *API) actionEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actionID := chi.URLParam(r, "actionID")

	if _, err := a.store.GetAction(ctx, actionID); err != nil {
		a.handleError(w, r, err)
		return
	}

	sub, err := a.bus.Subscribe(ctx, actionID)
	if err != nil {
		http.Error(w, "unable to subscribe to events", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	sse.SetSSEHeaders(w)

	client, err := sse.NewClient(w, a.sseMetrics)
	if err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	client.Pump(ctx, sub)
}

// createTask appends a task to the action's graph.
func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actionID := chi.URLParam(r, "actionID")

	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		a.handleError(w, r, err)
		return
	}
	if req.Prompt == "" {
		a.handleError(w, r, badRequest("prompt is required"))
		return
	}
	if req.AgentType == "" {
		req.AgentType = core.GeneralAgentType
	}

	task, err := a.manager.AddTask(ctx, actionID, store.TaskSpec{
		Prompt:       req.Prompt,
		AgentType:    req.AgentType,
		Model:        req.Model,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}
