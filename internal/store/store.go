package store

import (
	"context"
	"errors"

	"github.com/acto-org/acto/internal/core"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCycle is returned when an operation would make the task graph cyclic.
	ErrCycle = errors.New("dependency cycle")
	// ErrUnknownDependency is returned when a dependency references a task
	// that does not exist or belongs to another action.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrConflict is returned when a claim token no longer matches, i.e. the
	// task was invalidated or reclaimed since the claim was taken.
	ErrConflict = errors.New("claim conflict")
	// ErrInvalidTransition is returned when a status change violates the
	// transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrHasDependents is returned when deleting a task that other tasks
	// depend on.
	ErrHasDependents = errors.New("task has dependents")
)

// ActionSpec describes an action to create.
type ActionSpec struct {
	Title          string
	RootPrompt     string
	ParentActionID string
	ParentTaskID   string
	Depth          int
}

// TaskSpec describes a task to create. Dependencies are task ids within the
// same action.
type TaskSpec struct {
	// ID optionally fixes the new task's id so later specs in the same batch
	// can depend on it. Empty means a generated id.
	ID           string
	Prompt       string
	AgentType    string
	Model        string
	Dependencies []string
}

// TaskPatch mutates a task. Nil fields are left unchanged.
type TaskPatch struct {
	Prompt       *string
	AgentType    *string
	Model        *string
	Dependencies *[]string
}

// IsZero reports whether the patch changes nothing.
func (p TaskPatch) IsZero() bool {
	return p.Prompt == nil && p.AgentType == nil && p.Model == nil && p.Dependencies == nil
}

// ActionPatch mutates an action. Nil fields are left unchanged.
type ActionPatch struct {
	Title      *string
	RootPrompt *string
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	Status *core.ActionStatus
	// Limit caps the number of returned actions; 0 means no limit.
	Limit int
}

// OutputSpec is the result persisted when a task completes.
type OutputSpec struct {
	Summary     string
	Text        string
	ArtifactIDs []string
}

// Store is the sole writer of persistent orchestration state. Executors and
// the mutation engine change task state only through its transactional
// operations; every status change is checked against the transition table.
type Store interface {
	// CreateAction persists a new action in draft status.
	CreateAction(ctx context.Context, spec ActionSpec) (*core.Action, error)
	// GetAction returns the action or ErrNotFound.
	GetAction(ctx context.Context, id string) (*core.Action, error)
	// ListActions returns actions matching the filter, newest first.
	ListActions(ctx context.Context, filter ActionFilter) ([]*core.Action, error)
	// UpdateAction applies the patch and returns the updated action.
	UpdateAction(ctx context.Context, id string, patch ActionPatch) (*core.Action, error)
	// SetActionStatus records a new lifecycle phase for the action.
	SetActionStatus(ctx context.Context, id string, status core.ActionStatus) error
	// DeleteAction removes the action with its tasks, outputs, logs, and
	// artifact records.
	DeleteAction(ctx context.Context, id string) error

	// CreateTasks atomically adds tasks to an action. It rejects specs whose
	// dependencies are unknown, cross-action, or would introduce a cycle.
	CreateTasks(ctx context.Context, actionID string, specs []TaskSpec) ([]*core.Task, error)
	// GetTask returns the task or ErrNotFound.
	GetTask(ctx context.Context, id string) (*core.Task, error)
	// ListTasks returns the action's tasks in creation order.
	ListTasks(ctx context.Context, actionID string) ([]*core.Task, error)
	// UpdateTask applies the patch, revalidating the graph when dependencies
	// change.
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (*core.Task, error)
	// DeleteTask removes a task nothing depends on.
	DeleteTask(ctx context.Context, id string) error

	// ClaimTask atomically moves a pending task to running under the given
	// claim token. ErrInvalidTransition when the task is not pending.
	ClaimTask(ctx context.Context, id string, claimToken string) (*core.Task, error)
	// CompleteTask finishes a running task, replacing its current output.
	// ErrConflict when the claim token is stale: the caller's work was
	// invalidated and its output must be discarded.
	CompleteTask(ctx context.Context, id string, claimToken string, output OutputSpec) (*core.TaskOutput, error)
	// FailTask terminally fails a running task. Same token rules as
	// CompleteTask.
	FailTask(ctx context.Context, id string, claimToken string, errMsg string, retryCount int) error
	// FailPending fails a task that never ran, typically because one of its
	// dependencies failed. ErrInvalidTransition when the task is not pending.
	FailPending(ctx context.Context, id string, errMsg string) (*core.Task, error)
	// MarkTaskRetrying bumps the retry counter of a running task between
	// attempts. Same token rules as CompleteTask.
	MarkTaskRetrying(ctx context.Context, id string, claimToken string, retryCount int) error
	// ResetTasks atomically returns the tasks to pending, clears summaries
	// and errors, releases claims, and detaches (not deletes) current
	// outputs.
	ResetTasks(ctx context.Context, ids []string) error

	// GetCurrentOutput returns the task's current output or ErrNotFound.
	GetCurrentOutput(ctx context.Context, taskID string) (*core.TaskOutput, error)
	// ListOutputsByTasks returns current outputs keyed by task id; tasks
	// without one are absent.
	ListOutputsByTasks(ctx context.Context, taskIDs []string) (map[string]*core.TaskOutput, error)

	// PutArtifact persists an artifact record.
	PutArtifact(ctx context.Context, artifact *core.Artifact) error
	// GetArtifact returns the artifact record or ErrNotFound.
	GetArtifact(ctx context.Context, id string) (*core.Artifact, error)
	// ListArtifactsByTask returns the task's artifact records.
	ListArtifactsByTask(ctx context.Context, taskID string) ([]*core.Artifact, error)
	// ListOrphanArtifacts returns artifact records no current output
	// references.
	ListOrphanArtifacts(ctx context.Context) ([]*core.Artifact, error)
	// DeleteArtifact removes an artifact record.
	DeleteArtifact(ctx context.Context, id string) error

	// AppendLog adds a log entry and trims the task's log to the retention
	// limit.
	AppendLog(ctx context.Context, entry *core.LogEntry) error
	// ListLogs returns the task's log entries oldest first; limit 0 means
	// all retained entries.
	ListLogs(ctx context.Context, taskID string, limit int) ([]*core.LogEntry, error)
	// TrimLogs truncates every task's log to the retention limit, returning
	// the number of entries removed. Retention sweeps use it after the
	// configured limit shrinks below what past appends enforced.
	TrimLogs(ctx context.Context, retention int) (int, error)

	// Dependents returns ids of tasks that directly depend on the task.
	Dependents(ctx context.Context, taskID string) ([]string, error)
	// Ancestors returns ids of all tasks reachable through dependency edges.
	Ancestors(ctx context.Context, taskID string) ([]string, error)
	// TransitiveDependents returns ids of all tasks that directly or
	// indirectly depend on the task.
	TransitiveDependents(ctx context.Context, taskID string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}
