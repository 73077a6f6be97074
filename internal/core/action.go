package core

import "time"

// MaxActionDepth caps how deeply sub-actions may nest. An action spawned by
// a task of another action carries the parent references and a depth one
// greater than its parent's.
const MaxActionDepth = 3

// GeneralAgentType is the catch-all agent. Plans that name an unknown agent
// type fall back to it, as does the single-task plan used when planning
// fails.
const GeneralAgentType = "general"

// Action is a user-initiated workflow rooted in a natural-language prompt and
// materialised as a DAG of tasks. Deleting an action deletes its tasks,
// outputs, logs, and artifact records.
type Action struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	RootPrompt     string       `json:"root_prompt"`
	Status         ActionStatus `json:"status"`
	ParentActionID string       `json:"parent_action_id,omitempty"`
	ParentTaskID   string       `json:"parent_task_id,omitempty"`
	Depth          int          `json:"depth"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Task is a node in an action's DAG and the unit of agent execution.
// Dependencies reference tasks of the same action only; the induced graph is
// acyclic.
type Task struct {
	ID            string     `json:"id"`
	ActionID      string     `json:"action_id"`
	Prompt        string     `json:"prompt"`
	AgentType     string     `json:"agent_type"`
	Model         string     `json:"model,omitempty"`
	Status        TaskStatus `json:"status"`
	Dependencies  []string   `json:"dependencies"`
	OutputSummary string     `json:"output_summary,omitempty"`
	Error         string     `json:"error,omitempty"`
	RetryCount    int        `json:"retry_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     time.Time  `json:"started_at,omitzero"`
	CompletedAt   time.Time  `json:"completed_at,omitzero"`
}

// DependsOn reports whether the task lists the given id as a direct
// dependency.
func (t *Task) DependsOn(taskID string) bool {
	for _, dep := range t.Dependencies {
		if dep == taskID {
			return true
		}
	}
	return false
}

// ActionStatusOf derives the action status from its tasks per the lifecycle
// invariant: completed iff every task completed, failed iff at least one task
// failed and none is running or schedulable, running otherwise while work
// remains.
func ActionStatusOf(tasks []*Task) ActionStatus {
	if len(tasks) == 0 {
		return ActionDraft
	}
	var completed, failed, running int
	for _, t := range tasks {
		switch t.Status {
		case TaskCompleted:
			completed++
		case TaskFailed:
			failed++
		case TaskRunning:
			running++
		}
	}
	switch {
	case completed == len(tasks):
		return ActionCompleted
	case running > 0:
		return ActionRunning
	case failed > 0:
		return ActionFailed
	default:
		return ActionDraft
	}
}
