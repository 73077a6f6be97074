// Package runtime executes action task graphs. Each running action is driven
// by one scheduling loop that admits ready tasks under a concurrency bound,
// runs their agents with per-attempt timeouts and exponential-backoff
// retries, and propagates dependency failures. Live graph mutations cancel
// the invalidated work, reset it together with everything downstream, and the
// loop picks it up again.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/artifact"
	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/eventbus"
	"github.com/acto-org/acto/internal/metrics"
	"github.com/acto-org/acto/internal/otel"
	"github.com/acto-org/acto/internal/planner"
	"github.com/acto-org/acto/internal/store"
)

const (
	// DefaultMaxConcurrentTasks bounds parallel tasks within one action.
	DefaultMaxConcurrentTasks = 8
	// DefaultMaxAttempts is the per-task attempt budget, inclusive of the
	// first try.
	DefaultMaxAttempts = 3
	// DefaultBaseBackoff is the exponential base for retry waits.
	DefaultBaseBackoff = 500 * time.Millisecond
	// DefaultTaskTimeout is the per-attempt deadline.
	DefaultTaskTimeout = 5 * time.Minute
	// DefaultCancelGrace bounds how long a mutation waits for a canceled task
	// to let go before its claim is force-released.
	DefaultCancelGrace = 5 * time.Second
)

// ErrNoPendingTasks is returned by Run when the action holds no runnable
// work.
var ErrNoPendingTasks = errors.New("no pending tasks to run")

// ErrNotRetryable is returned by Retry for actions that are not failed.
var ErrNotRetryable = errors.New("only failed actions can be retried")

// ErrActiveRun is returned by Replan while the action is executing; the run
// must be aborted before the graph can be replaced.
var ErrActiveRun = errors.New("action run in progress")

// Config assembles a Manager. Store, Bus, and Agents are required. Planner
// enables recovery planning on action retries; Blobs is handed to agents for
// artifact storage; Tracer and Metrics may be nil. Zero tuning fields fall
// back to the defaults above.
type Config struct {
	Store   store.Store
	Bus     *eventbus.Bus
	Agents  *agent.Registry
	Blobs   artifact.Store
	Planner *planner.Planner
	Tracer  *otel.Tracer
	Metrics *metrics.Metrics

	MaxConcurrentTasks int
	MaxAttempts        int
	BaseBackoff        time.Duration
	TaskTimeout        time.Duration
	CancelGrace        time.Duration
}

// Manager owns the scheduling loops, one per running action, and applies
// graph mutations against them.
type Manager struct {
	store   store.Store
	bus     *eventbus.Bus
	agents  *agent.Registry
	blobs   artifact.Store
	planner *planner.Planner
	tracer  *otel.Tracer
	metrics *metrics.Metrics

	maxConcurrent int
	maxAttempts   int
	baseBackoff   time.Duration
	taskTimeout   time.Duration
	cancelGrace   time.Duration

	mu         sync.Mutex
	runs       map[string]*actionRun
	locks      map[string]*sync.Mutex // per-action mutation locks
	retries    map[string]int         // action id -> operator retries so far
	recoveries map[string]int         // task id -> recovery plans consumed
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.Tracer == nil {
		cfg.Tracer = &otel.Tracer{}
	}
	return &Manager{
		store:         cfg.Store,
		bus:           cfg.Bus,
		agents:        cfg.Agents,
		blobs:         cfg.Blobs,
		planner:       cfg.Planner,
		tracer:        cfg.Tracer,
		metrics:       cfg.Metrics,
		maxConcurrent: cfg.MaxConcurrentTasks,
		maxAttempts:   cfg.MaxAttempts,
		baseBackoff:   cfg.BaseBackoff,
		taskTimeout:   cfg.TaskTimeout,
		cancelGrace:   cfg.CancelGrace,
		runs:          make(map[string]*actionRun),
		locks:         make(map[string]*sync.Mutex),
		retries:       make(map[string]int),
		recoveries:    make(map[string]int),
	}
}

// Run starts the scheduling loop for the action and returns once it is
// launched. Calling Run while the action is already running is a no-op. The
// loop outlives ctx; only Abort or running out of work stops it.
// ErrNoPendingTasks when the graph holds nothing runnable.
func (m *Manager) Run(ctx context.Context, actionID string) error {
	// Serialize with mutations so the pending check and the status write
	// operate on a settled graph.
	unlock := m.lockAction(actionID)
	defer unlock()

	tasks, err := m.store.ListTasks(ctx, actionID)
	if err != nil {
		return err
	}
	pending := false
	for _, t := range tasks {
		if t.Status == core.TaskPending {
			pending = true
			break
		}
	}

	m.mu.Lock()
	if _, active := m.runs[actionID]; active {
		m.mu.Unlock()
		return nil
	}
	if !pending {
		m.mu.Unlock()
		return fmt.Errorf("action %s: %w", actionID, ErrNoPendingTasks)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &actionRun{
		m:        m,
		actionID: actionID,
		ctx:      runCtx,
		cancel:   cancel,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		inflight: make(map[string]*taskAttempt),
	}
	m.runs[actionID] = run
	m.mu.Unlock()

	if err := m.store.SetActionStatus(ctx, actionID, core.ActionRunning); err != nil {
		m.mu.Lock()
		delete(m.runs, actionID)
		m.mu.Unlock()
		cancel()
		close(run.done)
		return err
	}
	m.bus.Publish(actionID, core.NewActionStarted(actionID))
	m.metrics.ActionStarted()
	logger.Info(ctx, "Action run started", "actionId", actionID, "tasks", len(tasks))

	go run.loop()
	return nil
}

// Abort cancels the action's run and waits for the loop to wind down.
// In-flight tasks return to pending; completed work is kept. Aborting an
// action with no active run is a no-op.
func (m *Manager) Abort(ctx context.Context, actionID string) error {
	m.mu.Lock()
	run := m.runs[actionID]
	m.mu.Unlock()
	if run == nil {
		return nil
	}

	logger.Info(ctx, "Aborting action run", "actionId", actionID)
	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the action's active run finishes. Without an active run
// it returns immediately.
func (m *Manager) Wait(ctx context.Context, actionID string) error {
	m.mu.Lock()
	run := m.runs[actionID]
	m.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the action currently has an active run.
func (m *Manager) Running(actionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[actionID]
	return ok
}

// Shutdown aborts every active run and waits for the loops to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	runs := make([]*actionRun, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	m.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Restore returns tasks stranded in running by an earlier process to pending
// and re-derives action statuses. Call once at startup, before serving.
func (m *Manager) Restore(ctx context.Context) error {
	actions, err := m.store.ListActions(ctx, store.ActionFilter{})
	if err != nil {
		return err
	}
	for _, action := range actions {
		tasks, err := m.store.ListTasks(ctx, action.ID)
		if err != nil {
			return err
		}
		var stranded []string
		for _, t := range tasks {
			if t.Status == core.TaskRunning {
				stranded = append(stranded, t.ID)
				t.Status = core.TaskPending
			}
		}
		if len(stranded) > 0 {
			if err := m.store.ResetTasks(ctx, stranded); err != nil {
				return err
			}
			logger.Info(ctx, "Released stranded tasks", "actionId", action.ID, "tasks", len(stranded))
		}
		if derived := core.ActionStatusOf(tasks); derived != action.Status {
			if err := m.store.SetActionStatus(ctx, action.ID, derived); err != nil {
				return err
			}
		}
	}
	return nil
}

// lockFor returns the action's mutation lock, creating it on first use.
func (m *Manager) lockFor(actionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[actionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[actionID] = l
	}
	return l
}

// runFor returns the action's active run, or nil.
func (m *Manager) runFor(actionID string) *actionRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[actionID]
}
