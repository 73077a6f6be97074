package test

import (
	"context"
	"errors"
	"sync"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/core"
)

// Outcome scripts a single agent invocation.
type Outcome func(ctx context.Context, req *agent.Request) (*agent.Result, error)

// Succeed completes the call with a summary derived from the task id.
func Succeed() Outcome {
	return func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		return &agent.Result{Summary: "done " + req.Task.ID, Text: "output of " + req.Task.ID}, nil
	}
}

// FailTransient fails the call with a retryable error.
func FailTransient(msg string) Outcome {
	return func(context.Context, *agent.Request) (*agent.Result, error) {
		return nil, core.Transient(errors.New(msg))
	}
}

// FailPermanent fails the call with a terminal error.
func FailPermanent(msg string) Outcome {
	return func(context.Context, *agent.Request) (*agent.Result, error) {
		return nil, core.Permanent(errors.New(msg))
	}
}

// BlockUntilCanceled parks the call until its attempt is canceled.
func BlockUntilCanceled() Outcome {
	return func(ctx context.Context, _ *agent.Request) (*agent.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// MockAgent plays scripted outcomes per task, consumed one per invocation.
// Unscripted calls succeed.
type MockAgent struct {
	mu      sync.Mutex
	scripts map[string][]Outcome
	calls   map[string]int
}

func NewMockAgent() *MockAgent {
	return &MockAgent{
		scripts: make(map[string][]Outcome),
		calls:   make(map[string]int),
	}
}

// Script queues outcomes for a task.
func (a *MockAgent) Script(taskID string, outcomes ...Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[taskID] = append(a.scripts[taskID], outcomes...)
}

// Calls reports how many times the task has been invoked.
func (a *MockAgent) Calls(taskID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[taskID]
}

func (a *MockAgent) Type() string { return core.GeneralAgentType }

func (a *MockAgent) Description() string { return "scripted test agent" }

func (a *MockAgent) Run(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	a.mu.Lock()
	a.calls[req.Task.ID]++
	var next Outcome
	if queue := a.scripts[req.Task.ID]; len(queue) > 0 {
		next = queue[0]
		a.scripts[req.Task.ID] = queue[1:]
	}
	a.mu.Unlock()

	if next == nil {
		next = Succeed()
	}
	return next(ctx, req)
}
