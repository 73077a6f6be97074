package runtime

import (
	"context"

	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
)

// taskSink persists agent log lines and forwards them to event subscribers.
type taskSink struct {
	m        *Manager
	actionID string
	taskID   string
}

func (s *taskSink) Log(ctx context.Context, level core.LogLevel, message string, fields map[string]any) {
	// Logs written right as an attempt is canceled should still land.
	ctx = context.WithoutCancel(ctx)
	entry := &core.LogEntry{
		TaskID:  s.taskID,
		Level:   level,
		Message: message,
		Fields:  fields,
	}
	if err := s.m.store.AppendLog(ctx, entry); err != nil {
		logger.Warn(ctx, "Failed to persist task log", "taskId", s.taskID, "err", err)
	}
	s.m.bus.Publish(s.actionID, core.NewLogAppend(s.actionID, s.taskID, level, message))
}
