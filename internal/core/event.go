package core

import "time"

// EventType names one kind of action stream event. The token doubles as the
// SSE event name on the wire.
type EventType string

const (
	EventSnapshot        EventType = "snapshot"
	EventActionStarted   EventType = "action.started"
	EventActionRetrying  EventType = "action.retrying"
	EventActionCompleted EventType = "action.completed"
	EventActionFailed    EventType = "action.failed"
	EventTaskStarted     EventType = "task.started"
	EventTaskCompleted   EventType = "task.completed"
	EventTaskFailed      EventType = "task.failed"
	EventTaskRetrying    EventType = "task.retrying"
	EventTaskRecovered   EventType = "task.recovered"
	EventLogAppend       EventType = "log.append"
	EventPing            EventType = "ping"
)

// Event is one entry in an action's ordered stream. Payload carries the
// type-specific body that is JSON-encoded on the wire.
type Event struct {
	Type     EventType `json:"type"`
	ActionID string    `json:"action_id"`
	At       time.Time `json:"ts"`
	Payload  any       `json:"payload,omitempty"`
}

// SnapshotPayload is the first delivery on every subscription: the current
// action, its tasks, and the derived status.
type SnapshotPayload struct {
	Action *Action `json:"action"`
	Tasks  []*Task `json:"tasks"`
	Status string  `json:"status"`
}

// TaskStartedPayload accompanies task.started.
type TaskStartedPayload struct {
	TaskID   string `json:"task_id"`
	ActionID string `json:"action_id"`
}

// TaskCompletedPayload accompanies task.completed.
type TaskCompletedPayload struct {
	TaskID        string   `json:"task_id"`
	OutputSummary string   `json:"output_summary"`
	ArtifactIDs   []string `json:"artifact_ids"`
}

// TaskFailedPayload accompanies task.failed.
type TaskFailedPayload struct {
	TaskID     string `json:"task_id"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
}

// TaskRetryingPayload accompanies task.retrying.
type TaskRetryingPayload struct {
	TaskID      string `json:"task_id"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

// TaskRecoveredPayload accompanies task.recovered; clients should refetch the
// task.
type TaskRecoveredPayload struct {
	TaskID string `json:"task_id"`
}

// LogAppendPayload accompanies log.append.
type LogAppendPayload struct {
	TaskID  string `json:"task_id"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ActionStartedPayload accompanies action.started.
type ActionStartedPayload struct {
	ActionID string `json:"action_id"`
}

// ActionRetryingPayload accompanies action.retrying.
type ActionRetryingPayload struct {
	ActionID string `json:"action_id"`
	Attempt  int    `json:"attempt"`
}

// ActionCompletedPayload accompanies action.completed.
type ActionCompletedPayload struct {
	ActionID string `json:"action_id"`
}

// ActionFailedPayload accompanies action.failed.
type ActionFailedPayload struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
}

// PingPayload accompanies keepalive pings.
type PingPayload struct {
	TS time.Time `json:"ts"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(typ EventType, actionID string, payload any) Event {
	return Event{Type: typ, ActionID: actionID, At: time.Now(), Payload: payload}
}

// NewTaskStarted builds a task.started event.
func NewTaskStarted(actionID, taskID string) Event {
	return NewEvent(EventTaskStarted, actionID, TaskStartedPayload{TaskID: taskID, ActionID: actionID})
}

// NewTaskCompleted builds a task.completed event.
func NewTaskCompleted(actionID, taskID, summary string, artifactIDs []string) Event {
	if artifactIDs == nil {
		artifactIDs = []string{}
	}
	return NewEvent(EventTaskCompleted, actionID, TaskCompletedPayload{
		TaskID: taskID, OutputSummary: summary, ArtifactIDs: artifactIDs,
	})
}

// NewTaskFailed builds a task.failed event.
func NewTaskFailed(actionID, taskID, errMsg string, retryCount int) Event {
	return NewEvent(EventTaskFailed, actionID, TaskFailedPayload{
		TaskID: taskID, Error: errMsg, RetryCount: retryCount,
	})
}

// NewTaskRetrying builds a task.retrying event.
func NewTaskRetrying(actionID, taskID string, attempt, maxAttempts int) Event {
	return NewEvent(EventTaskRetrying, actionID, TaskRetryingPayload{
		TaskID: taskID, Attempt: attempt, MaxAttempts: maxAttempts,
	})
}

// NewTaskRecovered builds a task.recovered event.
func NewTaskRecovered(actionID, taskID string) Event {
	return NewEvent(EventTaskRecovered, actionID, TaskRecoveredPayload{TaskID: taskID})
}

// NewLogAppend builds a log.append event.
func NewLogAppend(actionID, taskID string, level LogLevel, message string) Event {
	return NewEvent(EventLogAppend, actionID, LogAppendPayload{
		TaskID: taskID, Level: string(level), Message: message,
	})
}

// NewActionStarted builds an action.started event.
func NewActionStarted(actionID string) Event {
	return NewEvent(EventActionStarted, actionID, ActionStartedPayload{ActionID: actionID})
}

// NewActionRetrying builds an action.retrying event.
func NewActionRetrying(actionID string, attempt int) Event {
	return NewEvent(EventActionRetrying, actionID, ActionRetryingPayload{ActionID: actionID, Attempt: attempt})
}

// NewActionCompleted builds an action.completed event.
func NewActionCompleted(actionID string) Event {
	return NewEvent(EventActionCompleted, actionID, ActionCompletedPayload{ActionID: actionID})
}

// NewActionFailed builds an action.failed event.
func NewActionFailed(actionID, reason string) Event {
	return NewEvent(EventActionFailed, actionID, ActionFailedPayload{ActionID: actionID, Reason: reason})
}

// NewPing builds a keepalive ping event.
func NewPing(actionID string) Event {
	now := time.Now()
	return Event{Type: EventPing, ActionID: actionID, At: now, Payload: PingPayload{TS: now}}
}
