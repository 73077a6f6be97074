package runtime

import (
	"context"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/eventbus"
	"github.com/acto-org/acto/internal/store"
)

// Snapshotter builds the bus snapshot function. Every new subscriber receives
// this event first: the action, its tasks, and the status derived from them.
func Snapshotter(st store.Store) eventbus.SnapshotFunc {
	return func(ctx context.Context, actionID string) (core.Event, error) {
		action, err := st.GetAction(ctx, actionID)
		if err != nil {
			return core.Event{}, err
		}
		tasks, err := st.ListTasks(ctx, actionID)
		if err != nil {
			return core.Event{}, err
		}
		return core.NewEvent(core.EventSnapshot, actionID, core.SnapshotPayload{
			Action: action,
			Tasks:  tasks,
			Status: core.ActionStatusOf(tasks).String(),
		}), nil
	}
}
