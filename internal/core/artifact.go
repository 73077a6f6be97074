package core

import "time"

// TaskOutput is the recorded result of a completed task: a short summary for
// downstream prompts, the full text, and references to any artifacts the
// agent produced. A task has at most one current output; re-running the task
// replaces it and invalidation detaches it.
type TaskOutput struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Summary     string    `json:"summary"`
	Text        string    `json:"text,omitempty"`
	ArtifactIDs []string  `json:"artifact_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArtifactType classifies what an artifact blob holds.
type ArtifactType string

const (
	ArtifactFile     ArtifactType = "file"
	ArtifactImage    ArtifactType = "image"
	ArtifactMarkdown ArtifactType = "markdown"
)

// Artifact is the record of a blob stored outside the relational store. The
// blob lives at StoragePath inside the configured artifact store; the record
// lives as long as the most recent TaskOutput that references it.
type Artifact struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	Name        string       `json:"name"`
	Type        ArtifactType `json:"type"`
	MimeType    string       `json:"mime_type"`
	StoragePath string       `json:"storage_path"`
	SizeBytes   int64        `json:"size_bytes"`
	CreatedAt   time.Time    `json:"created_at"`
}

// LogLevel is the severity of a task log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one append-only log line attached to a task. Retention is
// bounded per task; the store trims the oldest entries past the limit.
type LogEntry struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
