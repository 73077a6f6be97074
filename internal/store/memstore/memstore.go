// Package memstore provides the in-memory graph store. It is the default
// backend for tests and single-process deployments; the SQL backend must
// match its behavior exactly.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/store"
)

// DefaultLogRetention caps retained log rows per task when no option is
// given.
const DefaultLogRetention = 1000

// Store keeps the whole orchestration state behind one mutex. All returned
// records are copies; callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	actions     map[string]*core.Action
	tasks       map[string]*core.Task
	actionTasks map[string][]string // task ids in creation order
	claims      map[string]string   // task id -> claim token while running
	outputs     map[string]*core.TaskOutput
	current     map[string]string // task id -> current output id
	artifacts   map[string]*core.Artifact
	logs        map[string][]*core.LogEntry

	logRetention int
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogRetention sets the maximum retained log rows per task.
func WithLogRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.logRetention = n
		}
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		actions:      make(map[string]*core.Action),
		tasks:        make(map[string]*core.Task),
		actionTasks:  make(map[string][]string),
		claims:       make(map[string]string),
		outputs:      make(map[string]*core.TaskOutput),
		current:      make(map[string]string),
		artifacts:    make(map[string]*core.Artifact),
		logs:         make(map[string][]*core.LogEntry),
		logRetention: DefaultLogRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAction implements store.Store.
func (s *Store) CreateAction(_ context.Context, spec store.ActionSpec) (*core.Action, error) {
	now := time.Now()
	action := &core.Action{
		ID:             uuid.NewString(),
		Title:          spec.Title,
		RootPrompt:     spec.RootPrompt,
		Status:         core.ActionDraft,
		ParentActionID: spec.ParentActionID,
		ParentTaskID:   spec.ParentTaskID,
		Depth:          spec.Depth,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action.ID] = action
	s.actionTasks[action.ID] = nil
	return cloneAction(action), nil
}

// GetAction implements store.Store.
func (s *Store) GetAction(_ context.Context, id string) (*core.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	action, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	return cloneAction(action), nil
}

// ListActions implements store.Store.
func (s *Store) ListActions(_ context.Context, filter store.ActionFilter) ([]*core.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actions := make([]*core.Action, 0, len(s.actions))
	for _, action := range s.actions {
		if filter.Status != nil && action.Status != *filter.Status {
			continue
		}
		actions = append(actions, cloneAction(action))
	}

	sort.Slice(actions, func(i, j int) bool {
		if actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].ID > actions[j].ID
		}
		return actions[i].CreatedAt.After(actions[j].CreatedAt)
	})

	if filter.Limit > 0 && len(actions) > filter.Limit {
		actions = actions[:filter.Limit]
	}
	return actions, nil
}

// UpdateAction implements store.Store.
func (s *Store) UpdateAction(_ context.Context, id string, patch store.ActionPatch) (*core.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	action, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	if patch.Title != nil {
		action.Title = *patch.Title
	}
	if patch.RootPrompt != nil {
		action.RootPrompt = *patch.RootPrompt
	}
	action.UpdatedAt = time.Now()
	return cloneAction(action), nil
}

// SetActionStatus implements store.Store.
func (s *Store) SetActionStatus(_ context.Context, id string, status core.ActionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	action, ok := s.actions[id]
	if !ok {
		return fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	action.Status = status
	action.UpdatedAt = time.Now()
	return nil
}

// DeleteAction implements store.Store.
func (s *Store) DeleteAction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[id]; !ok {
		return fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}

	for _, taskID := range s.actionTasks[id] {
		s.purgeTaskLocked(taskID)
	}
	delete(s.actionTasks, id)
	delete(s.actions, id)
	return nil
}

// CreateTasks implements store.Store.
func (s *Store) CreateTasks(_ context.Context, actionID string, specs []store.TaskSpec) ([]*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[actionID]; !ok {
		return nil, fmt.Errorf("action %s: %w", actionID, store.ErrNotFound)
	}

	// Assign ids up front so batch-internal dependencies resolve, then
	// validate the combined graph before touching state.
	ids := make([]string, len(specs))
	for i, spec := range specs {
		id := spec.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, exists := s.tasks[id]; exists {
			return nil, fmt.Errorf("task %s already exists: %w", id, store.ErrConflict)
		}
		ids[i] = id
	}

	graph := s.actionGraphLocked(actionID)
	for i, spec := range specs {
		graph[ids[i]] = spec.Dependencies
	}
	if err := store.ValidateDAG(graph); err != nil {
		return nil, err
	}

	now := time.Now()
	created := make([]*core.Task, 0, len(specs))
	for i, spec := range specs {
		task := &core.Task{
			ID:           ids[i],
			ActionID:     actionID,
			Prompt:       spec.Prompt,
			AgentType:    spec.AgentType,
			Model:        spec.Model,
			Status:       core.TaskPending,
			Dependencies: cloneStrings(spec.Dependencies),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.tasks[task.ID] = task
		s.actionTasks[actionID] = append(s.actionTasks[actionID], task.ID)
		created = append(created, cloneTask(task))
	}
	return created, nil
}

// GetTask implements store.Store.
func (s *Store) GetTask(_ context.Context, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return cloneTask(task), nil
}

// ListTasks implements store.Store.
func (s *Store) ListTasks(_ context.Context, actionID string) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.actions[actionID]; !ok {
		return nil, fmt.Errorf("action %s: %w", actionID, store.ErrNotFound)
	}
	ids := s.actionTasks[actionID]
	tasks := make([]*core.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, cloneTask(s.tasks[id]))
	}
	return tasks, nil
}

// UpdateTask implements store.Store.
func (s *Store) UpdateTask(_ context.Context, id string, patch store.TaskPatch) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}

	if patch.Dependencies != nil {
		graph := s.actionGraphLocked(task.ActionID)
		graph[id] = *patch.Dependencies
		if err := store.ValidateDAG(graph); err != nil {
			return nil, err
		}
		task.Dependencies = cloneStrings(*patch.Dependencies)
	}
	if patch.Prompt != nil {
		task.Prompt = *patch.Prompt
	}
	if patch.AgentType != nil {
		task.AgentType = *patch.AgentType
	}
	if patch.Model != nil {
		task.Model = *patch.Model
	}
	task.UpdatedAt = time.Now()
	return cloneTask(task), nil
}

// DeleteTask implements store.Store.
func (s *Store) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}

	for _, otherID := range s.actionTasks[task.ActionID] {
		if otherID == id {
			continue
		}
		if s.tasks[otherID].DependsOn(id) {
			return fmt.Errorf("task %s is required by %s: %w", id, otherID, store.ErrHasDependents)
		}
	}

	order := s.actionTasks[task.ActionID]
	for i, taskID := range order {
		if taskID == id {
			s.actionTasks[task.ActionID] = append(order[:i], order[i+1:]...)
			break
		}
	}
	s.purgeTaskLocked(id)
	return nil
}

// ClaimTask implements store.Store.
func (s *Store) ClaimTask(_ context.Context, id string, claimToken string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if !core.CanTransition(task.Status, core.TaskRunning) {
		return nil, fmt.Errorf("claim task %s in status %s: %w", id, task.Status, store.ErrInvalidTransition)
	}

	now := time.Now()
	task.Status = core.TaskRunning
	task.StartedAt = now
	task.CompletedAt = time.Time{}
	task.UpdatedAt = now
	s.claims[id] = claimToken
	return cloneTask(task), nil
}

// CompleteTask implements store.Store.
func (s *Store) CompleteTask(_ context.Context, id string, claimToken string, output store.OutputSpec) (*core.TaskOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err := s.checkClaimLocked(id, claimToken); err != nil {
		return nil, err
	}

	now := time.Now()
	record := &core.TaskOutput{
		ID:          uuid.NewString(),
		TaskID:      id,
		Summary:     output.Summary,
		Text:        output.Text,
		ArtifactIDs: cloneStrings(output.ArtifactIDs),
		CreatedAt:   now,
	}
	if record.ArtifactIDs == nil {
		record.ArtifactIDs = []string{}
	}

	s.outputs[record.ID] = record
	s.current[id] = record.ID

	task.Status = core.TaskCompleted
	task.OutputSummary = output.Summary
	task.Error = ""
	task.CompletedAt = now
	task.UpdatedAt = now
	delete(s.claims, id)

	return cloneOutput(record), nil
}

// FailTask implements store.Store.
func (s *Store) FailTask(_ context.Context, id string, claimToken string, errMsg string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err := s.checkClaimLocked(id, claimToken); err != nil {
		return err
	}

	now := time.Now()
	task.Status = core.TaskFailed
	task.Error = errMsg
	task.RetryCount = retryCount
	task.CompletedAt = now
	task.UpdatedAt = now
	delete(s.claims, id)
	return nil
}

// FailPending implements store.Store.
func (s *Store) FailPending(_ context.Context, id string, errMsg string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if task.Status != core.TaskPending {
		return nil, fmt.Errorf("fail task %s in status %s: %w", id, task.Status, store.ErrInvalidTransition)
	}

	now := time.Now()
	task.Status = core.TaskFailed
	task.Error = errMsg
	task.CompletedAt = now
	task.UpdatedAt = now
	return cloneTask(task), nil
}

// MarkTaskRetrying implements store.Store.
func (s *Store) MarkTaskRetrying(_ context.Context, id string, claimToken string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err := s.checkClaimLocked(id, claimToken); err != nil {
		return err
	}

	task.RetryCount = retryCount
	task.UpdatedAt = time.Now()
	return nil
}

// ResetTasks implements store.Store.
func (s *Store) ResetTasks(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.tasks[id]; !ok {
			return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
	}

	now := time.Now()
	for _, id := range ids {
		task := s.tasks[id]
		task.Status = core.TaskPending
		task.OutputSummary = ""
		task.Error = ""
		task.RetryCount = 0
		task.StartedAt = time.Time{}
		task.CompletedAt = time.Time{}
		task.UpdatedAt = now
		delete(s.claims, id)
		// The output record stays; its artifacts become orphans once no
		// current output references them.
		delete(s.current, id)
	}
	return nil
}

// GetCurrentOutput implements store.Store.
func (s *Store) GetCurrentOutput(_ context.Context, taskID string) (*core.TaskOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	outputID, ok := s.current[taskID]
	if !ok {
		return nil, fmt.Errorf("output for task %s: %w", taskID, store.ErrNotFound)
	}
	return cloneOutput(s.outputs[outputID]), nil
}

// ListOutputsByTasks implements store.Store.
func (s *Store) ListOutputsByTasks(_ context.Context, taskIDs []string) (map[string]*core.TaskOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	outputs := make(map[string]*core.TaskOutput, len(taskIDs))
	for _, taskID := range taskIDs {
		if outputID, ok := s.current[taskID]; ok {
			outputs[taskID] = cloneOutput(s.outputs[outputID])
		}
	}
	return outputs, nil
}

// PutArtifact implements store.Store.
func (s *Store) PutArtifact(_ context.Context, artifact *core.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[artifact.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", artifact.TaskID, store.ErrNotFound)
	}

	record := cloneArtifact(artifact)
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	s.artifacts[record.ID] = record
	artifact.ID = record.ID
	artifact.CreatedAt = record.CreatedAt
	return nil
}

// GetArtifact implements store.Store.
func (s *Store) GetArtifact(_ context.Context, id string) (*core.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifact, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, store.ErrNotFound)
	}
	return cloneArtifact(artifact), nil
}

// ListArtifactsByTask implements store.Store.
func (s *Store) ListArtifactsByTask(_ context.Context, taskID string) ([]*core.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var artifacts []*core.Artifact
	for _, artifact := range s.artifacts {
		if artifact.TaskID == taskID {
			artifacts = append(artifacts, cloneArtifact(artifact))
		}
	}
	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].ID < artifacts[j].ID
		}
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

// ListOrphanArtifacts implements store.Store.
func (s *Store) ListOrphanArtifacts(_ context.Context) ([]*core.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	referenced := make(map[string]struct{})
	for _, outputID := range s.current {
		for _, artifactID := range s.outputs[outputID].ArtifactIDs {
			referenced[artifactID] = struct{}{}
		}
	}

	var orphans []*core.Artifact
	for id, artifact := range s.artifacts {
		if _, ok := referenced[id]; !ok {
			orphans = append(orphans, cloneArtifact(artifact))
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].ID < orphans[j].ID
	})
	return orphans, nil
}

// DeleteArtifact implements store.Store.
func (s *Store) DeleteArtifact(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[id]; !ok {
		return fmt.Errorf("artifact %s: %w", id, store.ErrNotFound)
	}
	delete(s.artifacts, id)
	return nil
}

// AppendLog implements store.Store.
func (s *Store) AppendLog(_ context.Context, entry *core.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[entry.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", entry.TaskID, store.ErrNotFound)
	}

	record := cloneLog(entry)
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	entries := append(s.logs[entry.TaskID], record)
	if excess := len(entries) - s.logRetention; excess > 0 {
		entries = entries[excess:]
	}
	s.logs[entry.TaskID] = entries
	return nil
}

// ListLogs implements store.Store.
func (s *Store) ListLogs(_ context.Context, taskID string, limit int) ([]*core.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[taskID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*core.LogEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, cloneLog(entry))
	}
	return out, nil
}

// TrimLogs implements store.Store.
func (s *Store) TrimLogs(_ context.Context, retention int) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for taskID, entries := range s.logs {
		if excess := len(entries) - retention; excess > 0 {
			s.logs[taskID] = entries[excess:]
			removed += excess
		}
	}
	return removed, nil
}

// Dependents implements store.Store.
func (s *Store) Dependents(_ context.Context, taskID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return s.dependentsLocked(task.ActionID, taskID), nil
}

// Ancestors implements store.Store.
func (s *Store) Ancestors(_ context.Context, taskID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}

	seen := make(map[string]struct{})
	var order []string
	queue := cloneStrings(task.Dependencies)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		order = append(order, id)
		queue = append(queue, s.tasks[id].Dependencies...)
	}
	return order, nil
}

// TransitiveDependents implements store.Store.
func (s *Store) TransitiveDependents(_ context.Context, taskID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}

	seen := make(map[string]struct{})
	var order []string
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, depID := range s.dependentsLocked(task.ActionID, id) {
			if _, ok := seen[depID]; ok {
				continue
			}
			seen[depID] = struct{}{}
			order = append(order, depID)
			queue = append(queue, depID)
		}
	}
	return order, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

// checkClaimLocked verifies the caller still holds the task's claim.
func (s *Store) checkClaimLocked(taskID, claimToken string) error {
	token, ok := s.claims[taskID]
	if !ok || token != claimToken {
		return fmt.Errorf("task %s: %w", taskID, store.ErrConflict)
	}
	return nil
}

// actionGraphLocked snapshots the action's dependency graph for validation.
func (s *Store) actionGraphLocked(actionID string) map[string][]string {
	graph := make(map[string][]string)
	for _, id := range s.actionTasks[actionID] {
		graph[id] = s.tasks[id].Dependencies
	}
	return graph
}

// dependentsLocked returns direct dependents in creation order.
func (s *Store) dependentsLocked(actionID, taskID string) []string {
	var ids []string
	for _, id := range s.actionTasks[actionID] {
		if id != taskID && s.tasks[id].DependsOn(taskID) {
			ids = append(ids, id)
		}
	}
	return ids
}

// purgeTaskLocked drops the task with its claims, outputs, logs, and
// artifact records.
func (s *Store) purgeTaskLocked(taskID string) {
	delete(s.claims, taskID)
	delete(s.current, taskID)
	for id, output := range s.outputs {
		if output.TaskID == taskID {
			delete(s.outputs, id)
		}
	}
	for id, artifact := range s.artifacts {
		if artifact.TaskID == taskID {
			delete(s.artifacts, id)
		}
	}
	delete(s.logs, taskID)
	delete(s.tasks, taskID)
}

func cloneAction(a *core.Action) *core.Action {
	c := *a
	return &c
}

func cloneTask(t *core.Task) *core.Task {
	c := *t
	c.Dependencies = cloneStrings(t.Dependencies)
	return &c
}

func cloneOutput(o *core.TaskOutput) *core.TaskOutput {
	c := *o
	c.ArtifactIDs = cloneStrings(o.ArtifactIDs)
	return &c
}

func cloneArtifact(a *core.Artifact) *core.Artifact {
	c := *a
	return &c
}

func cloneLog(e *core.LogEntry) *core.LogEntry {
	c := *e
	if e.Fields != nil {
		c.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
