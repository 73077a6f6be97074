package core

import (
	"encoding/json"
	"fmt"
)

// ActionStatus represents the canonical lifecycle phases for an action.
type ActionStatus int

const (
	ActionDraft ActionStatus = iota
	ActionRunning
	ActionCompleted
	ActionFailed
)

// String returns the canonical lowercase token used across APIs, logs, and
// events.
func (s ActionStatus) String() string {
	switch s {
	case ActionDraft:
		return "draft"
	case ActionRunning:
		return "running"
	case ActionCompleted:
		return "completed"
	case ActionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsActive checks if the action is still making progress.
func (s ActionStatus) IsActive() bool {
	return s == ActionRunning
}

// IsTerminal checks if the action reached a final state.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionCompleted || s == ActionFailed
}

// ParseActionStatus maps a lowercase token back to its ActionStatus.
func ParseActionStatus(s string) (ActionStatus, bool) {
	switch s {
	case "draft":
		return ActionDraft, true
	case "running":
		return ActionRunning, true
	case "completed":
		return ActionCompleted, true
	case "failed":
		return ActionFailed, true
	default:
		return ActionDraft, false
	}
}

// MarshalJSON renders the status as its string token.
func (s ActionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a string token into the status.
func (s *ActionStatus) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	parsed, ok := ParseActionStatus(token)
	if !ok {
		return fmt.Errorf("unknown action status %q", token)
	}
	*s = parsed
	return nil
}

// TaskStatus represents the canonical lifecycle phases for an individual task.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskRunning
	TaskCompleted
	TaskFailed
)

// String returns the canonical lowercase token for the task lifecycle phase.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal checks if the task reached a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ParseTaskStatus maps a lowercase token back to its TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch s {
	case "pending":
		return TaskPending, true
	case "running":
		return TaskRunning, true
	case "completed":
		return TaskCompleted, true
	case "failed":
		return TaskFailed, true
	default:
		return TaskPending, false
	}
}

// MarshalJSON renders the status as its string token.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a string token into the status.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	parsed, ok := ParseTaskStatus(token)
	if !ok {
		return fmt.Errorf("unknown task status %q", token)
	}
	*s = parsed
	return nil
}

// CanTransition reports whether moving a task between two statuses is
// permitted. Claims move pending to running; agents finish running tasks;
// invalidation returns claimed or terminal tasks to pending. A pending task
// may fail directly when one of its dependencies fails before it ever ran.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskFailed
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed || to == TaskPending
	case TaskCompleted, TaskFailed:
		return to == TaskPending
	default:
		return false
	}
}
