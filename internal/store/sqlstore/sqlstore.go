// Package sqlstore provides the SQL-backed graph store. SQLite covers
// single-node deployments; PostgreSQL covers shared ones. Behavior matches
// the in-memory store.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/store"
)

// DefaultLogRetention caps retained log rows per task when no option is
// given.
const DefaultLogRetention = 1000

// Store implements store.Store on top of database/sql.
type Store struct {
	db           *sql.DB
	driver       Driver
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

// New opens the database for the named driver, verifies connectivity, and
// applies pending migrations.
func New(ctx context.Context, driverName, dsn string, opts ...Option) (*Store, error) {
	driver, ok := GetDriver(driverName)
	if !ok {
		return nil, fmt.Errorf("unknown database driver %q", driverName)
	}

	db, err := driver.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", driverName, err)
	}
	if err := migrate(ctx, db, driver.Dialect()); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:           db,
		driver:       driver,
		logRetention: DefaultLogRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q rewrites ? placeholders for the active driver.
func (s *Store) q(query string) string {
	return s.driver.Rebind(query)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CreateAction implements store.Store.
func (s *Store) CreateAction(ctx context.Context, spec store.ActionSpec) (*core.Action, error) {
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
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO actions (id, title, root_prompt, status, parent_action_id, parent_task_id, depth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		action.ID, action.Title, action.RootPrompt, action.Status.String(),
		action.ParentActionID, action.ParentTaskID, action.Depth,
		action.CreatedAt, action.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert action: %w", err)
	}
	return action, nil
}

const actionColumns = `id, title, root_prompt, status, parent_action_id, parent_task_id, depth, created_at, updated_at`

func scanAction(row interface{ Scan(...any) error }) (*core.Action, error) {
	var (
		action core.Action
		status string
	)
	err := row.Scan(&action.ID, &action.Title, &action.RootPrompt, &status,
		&action.ParentActionID, &action.ParentTaskID, &action.Depth,
		&action.CreatedAt, &action.UpdatedAt)
	if err != nil {
		return nil, err
	}
	parsed, ok := core.ParseActionStatus(status)
	if !ok {
		return nil, fmt.Errorf("unknown action status %q", status)
	}
	action.Status = parsed
	return &action, nil
}

// GetAction implements store.Store.
func (s *Store) GetAction(ctx context.Context, id string) (*core.Action, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+actionColumns+` FROM actions WHERE id = ?`), id)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load action: %w", err)
	}
	return action, nil
}

// ListActions implements store.Store.
func (s *Store) ListActions(ctx context.Context, filter store.ActionFilter) ([]*core.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, filter.Status.String())
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []*core.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// UpdateAction implements store.Store.
func (s *Store) UpdateAction(ctx context.Context, id string, patch store.ActionPatch) (*core.Action, error) {
	var updated *core.Action
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+actionColumns+` FROM actions WHERE id = ?`), id)
		action, err := scanAction(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("action %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load action: %w", err)
		}
		if patch.Title != nil {
			action.Title = *patch.Title
		}
		if patch.RootPrompt != nil {
			action.RootPrompt = *patch.RootPrompt
		}
		action.UpdatedAt = time.Now()
		_, err = tx.ExecContext(ctx, s.q(`UPDATE actions SET title = ?, root_prompt = ?, updated_at = ? WHERE id = ?`),
			action.Title, action.RootPrompt, action.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("failed to update action: %w", err)
		}
		updated = action
		return nil
	})
	return updated, err
}

// SetActionStatus implements store.Store.
func (s *Store) SetActionStatus(ctx context.Context, id string, status core.ActionStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE actions SET status = ?, updated_at = ? WHERE id = ?`),
		status.String(), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update action status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// DeleteAction implements store.Store. Child rows cascade.
func (s *Store) DeleteAction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM actions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// CreateTasks implements store.Store.
func (s *Store) CreateTasks(ctx context.Context, actionID string, specs []store.TaskSpec) ([]*core.Task, error) {
	var created []*core.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM actions WHERE id = ?`), actionID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check action: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("action %s: %w", actionID, store.ErrNotFound)
		}

		ids := make([]string, len(specs))
		for i, spec := range specs {
			id := spec.ID
			if id == "" {
				id = uuid.NewString()
			}
			var taken int
			if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM tasks WHERE id = ?`), id).Scan(&taken); err != nil {
				return fmt.Errorf("failed to check task id: %w", err)
			}
			if taken > 0 {
				return fmt.Errorf("task %s already exists: %w", id, store.ErrConflict)
			}
			ids[i] = id
		}

		graph, err := s.actionGraph(ctx, tx, actionID)
		if err != nil {
			return err
		}
		for i, spec := range specs {
			graph[ids[i]] = spec.Dependencies
		}
		if err := store.ValidateDAG(graph); err != nil {
			return err
		}

		var maxSeq int
		err = tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM tasks WHERE action_id = ?`), actionID).Scan(&maxSeq)
		if err != nil {
			return fmt.Errorf("failed to read task sequence: %w", err)
		}

		now := time.Now()
		for i, spec := range specs {
			task := &core.Task{
				ID:           ids[i],
				ActionID:     actionID,
				Prompt:       spec.Prompt,
				AgentType:    spec.AgentType,
				Model:        spec.Model,
				Status:       core.TaskPending,
				Dependencies: append([]string(nil), spec.Dependencies...),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO tasks (id, action_id, prompt, agent_type, model, status, output_summary, error, retry_count, claim_token, seq, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, '', '', 0, '', ?, ?, ?)`),
				task.ID, actionID, task.Prompt, task.AgentType, task.Model,
				task.Status.String(), maxSeq+i+1, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert task: %w", err)
			}
			for ord, dep := range spec.Dependencies {
				_, err := tx.ExecContext(ctx, s.q(`
					INSERT INTO task_dependencies (task_id, depends_on, ord) VALUES (?, ?, ?)`),
					task.ID, dep, ord)
				if err != nil {
					return fmt.Errorf("failed to insert dependency: %w", err)
				}
			}
			created = append(created, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

const taskColumns = `id, action_id, prompt, agent_type, model, status, output_summary, error, retry_count, created_at, updated_at, started_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*core.Task, error) {
	var (
		task                   core.Task
		status                 string
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(&task.ID, &task.ActionID, &task.Prompt, &task.AgentType, &task.Model,
		&status, &task.OutputSummary, &task.Error, &task.RetryCount,
		&task.CreatedAt, &task.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	parsed, ok := core.ParseTaskStatus(status)
	if !ok {
		return nil, fmt.Errorf("unknown task status %q", status)
	}
	task.Status = parsed
	if startedAt.Valid {
		task.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = completedAt.Time
	}
	return &task, nil
}

// loadTask reads one task with its dependencies.
func (s *Store) loadTask(ctx context.Context, q querier, id string) (*core.Task, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	rows, err := q.QueryContext(ctx, s.q(`SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY ord`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		task.Dependencies = append(task.Dependencies, dep)
	}
	return task, rows.Err()
}

// GetTask implements store.Store.
func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	return s.loadTask(ctx, s.db, id)
}

// ListTasks implements store.Store.
func (s *Store) ListTasks(ctx context.Context, actionID string) ([]*core.Task, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM actions WHERE id = ?`), actionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check action: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("action %s: %w", actionID, store.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE action_id = ? ORDER BY seq`), actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*core.Task
	byID := make(map[string]*core.Task)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	depRows, err := s.db.QueryContext(ctx, s.q(`
		SELECT d.task_id, d.depends_on
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.action_id = ?
		ORDER BY d.task_id, d.ord`), actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependencies: %w", err)
	}
	defer func() { _ = depRows.Close() }()
	for depRows.Next() {
		var taskID, dep string
		if err := depRows.Scan(&taskID, &dep); err != nil {
			return nil, err
		}
		byID[taskID].Dependencies = append(byID[taskID].Dependencies, dep)
	}
	return tasks, depRows.Err()
}

// UpdateTask implements store.Store.
func (s *Store) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (*core.Task, error) {
	var updated *core.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := s.loadTask(ctx, tx, id)
		if err != nil {
			return err
		}

		if patch.Dependencies != nil {
			graph, err := s.actionGraph(ctx, tx, task.ActionID)
			if err != nil {
				return err
			}
			graph[id] = *patch.Dependencies
			if err := store.ValidateDAG(graph); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM task_dependencies WHERE task_id = ?`), id); err != nil {
				return fmt.Errorf("failed to clear dependencies: %w", err)
			}
			for ord, dep := range *patch.Dependencies {
				_, err := tx.ExecContext(ctx, s.q(`
					INSERT INTO task_dependencies (task_id, depends_on, ord) VALUES (?, ?, ?)`),
					id, dep, ord)
				if err != nil {
					return fmt.Errorf("failed to insert dependency: %w", err)
				}
			}
			task.Dependencies = append([]string(nil), *patch.Dependencies...)
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

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE tasks SET prompt = ?, agent_type = ?, model = ?, updated_at = ? WHERE id = ?`),
			task.Prompt, task.AgentType, task.Model, task.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		updated = task
		return nil
	})
	return updated, err
}

// DeleteTask implements store.Store.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.loadTask(ctx, tx, id); err != nil {
			return err
		}

		var dependent string
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT d.task_id FROM task_dependencies d
			JOIN tasks t ON t.id = d.task_id
			WHERE d.depends_on = ? ORDER BY t.seq LIMIT 1`), id).Scan(&dependent)
		switch {
		case err == nil:
			return fmt.Errorf("task %s is required by %s: %w", id, dependent, store.ErrHasDependents)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check dependents: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return nil
	})
}

// ClaimTask implements store.Store.
func (s *Store) ClaimTask(ctx context.Context, id string, claimToken string) (*core.Task, error) {
	var claimed *core.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE tasks SET status = ?, claim_token = ?, started_at = ?, completed_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?`),
			core.TaskRunning.String(), claimToken, now, now, id, core.TaskPending.String())
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			task, err := s.loadTask(ctx, tx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("claim task %s in status %s: %w", id, task.Status, store.ErrInvalidTransition)
		}
		claimed, err = s.loadTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// checkClaim reports why a token-guarded update matched no rows.
func (s *Store) checkClaim(ctx context.Context, q querier, id string) error {
	var exists int
	if err := q.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM tasks WHERE id = ?`), id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("task %s: %w", id, store.ErrConflict)
}

// CompleteTask implements store.Store.
func (s *Store) CompleteTask(ctx context.Context, id string, claimToken string, output store.OutputSpec) (*core.TaskOutput, error) {
	if claimToken == "" {
		return nil, fmt.Errorf("task %s: empty claim token: %w", id, store.ErrConflict)
	}
	var record *core.TaskOutput
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE tasks SET status = ?, output_summary = ?, error = '', claim_token = '', completed_at = ?, updated_at = ?
			WHERE id = ? AND claim_token = ? AND status = ?`),
			core.TaskCompleted.String(), output.Summary, now, now, id, claimToken, core.TaskRunning.String())
		if err != nil {
			return fmt.Errorf("failed to complete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.checkClaim(ctx, tx, id)
		}

		if _, err := tx.ExecContext(ctx, s.q(`UPDATE task_outputs SET is_current = 0 WHERE task_id = ? AND is_current = 1`), id); err != nil {
			return fmt.Errorf("failed to detach previous output: %w", err)
		}

		record = &core.TaskOutput{
			ID:          uuid.NewString(),
			TaskID:      id,
			Summary:     output.Summary,
			Text:        output.Text,
			ArtifactIDs: append([]string{}, output.ArtifactIDs...),
			CreatedAt:   now,
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO task_outputs (id, task_id, summary, body, is_current, created_at)
			VALUES (?, ?, ?, ?, 1, ?)`),
			record.ID, id, record.Summary, record.Text, now)
		if err != nil {
			return fmt.Errorf("failed to insert output: %w", err)
		}
		for ord, artifactID := range record.ArtifactIDs {
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO output_artifacts (output_id, artifact_id, ord) VALUES (?, ?, ?)`),
				record.ID, artifactID, ord)
			if err != nil {
				return fmt.Errorf("failed to insert output artifact: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// FailTask implements store.Store.
func (s *Store) FailTask(ctx context.Context, id string, claimToken string, errMsg string, retryCount int) error {
	if claimToken == "" {
		return fmt.Errorf("task %s: empty claim token: %w", id, store.ErrConflict)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE tasks SET status = ?, error = ?, retry_count = ?, claim_token = '', completed_at = ?, updated_at = ?
			WHERE id = ? AND claim_token = ? AND status = ?`),
			core.TaskFailed.String(), errMsg, retryCount, now, now, id, claimToken, core.TaskRunning.String())
		if err != nil {
			return fmt.Errorf("failed to fail task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.checkClaim(ctx, tx, id)
		}
		return nil
	})
}

// FailPending implements store.Store.
func (s *Store) FailPending(ctx context.Context, id string, errMsg string) (*core.Task, error) {
	var failed *core.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE tasks SET status = ?, error = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			core.TaskFailed.String(), errMsg, now, now, id, core.TaskPending.String())
		if err != nil {
			return fmt.Errorf("failed to fail pending task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			task, err := s.loadTask(ctx, tx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("fail task %s in status %s: %w", id, task.Status, store.ErrInvalidTransition)
		}
		failed, err = s.loadTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// MarkTaskRetrying implements store.Store.
func (s *Store) MarkTaskRetrying(ctx context.Context, id string, claimToken string, retryCount int) error {
	if claimToken == "" {
		return fmt.Errorf("task %s: empty claim token: %w", id, store.ErrConflict)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE tasks SET retry_count = ?, updated_at = ?
			WHERE id = ? AND claim_token = ? AND status = ?`),
			retryCount, time.Now(), id, claimToken, core.TaskRunning.String())
		if err != nil {
			return fmt.Errorf("failed to mark task retrying: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.checkClaim(ctx, tx, id)
		}
		return nil
	})
}

// ResetTasks implements store.Store.
func (s *Store) ResetTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		placeholders := inPlaceholders(len(ids))
		args := idArgs(ids)

		var count int
		err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM tasks WHERE id IN (`+placeholders+`)`), args...).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check tasks: %w", err)
		}
		if count != len(uniqueIDs(ids)) {
			return fmt.Errorf("reset tasks: %w", store.ErrNotFound)
		}

		resetArgs := append([]any{core.TaskPending.String(), time.Now()}, args...)
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE tasks SET status = ?, output_summary = '', error = '', retry_count = 0,
				claim_token = '', started_at = NULL, completed_at = NULL, updated_at = ?
			WHERE id IN (`+placeholders+`)`), resetArgs...)
		if err != nil {
			return fmt.Errorf("failed to reset tasks: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE task_outputs SET is_current = 0 WHERE is_current = 1 AND task_id IN (`+placeholders+`)`), args...)
		if err != nil {
			return fmt.Errorf("failed to detach outputs: %w", err)
		}
		return nil
	})
}

const outputColumns = `id, task_id, summary, body, created_at`

func (s *Store) scanOutputRow(ctx context.Context, q querier, row interface{ Scan(...any) error }) (*core.TaskOutput, error) {
	var output core.TaskOutput
	err := row.Scan(&output.ID, &output.TaskID, &output.Summary, &output.Text, &output.CreatedAt)
	if err != nil {
		return nil, err
	}
	output.ArtifactIDs = []string{}

	rows, err := q.QueryContext(ctx, s.q(`SELECT artifact_id FROM output_artifacts WHERE output_id = ? ORDER BY ord`), output.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load output artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var artifactID string
		if err := rows.Scan(&artifactID); err != nil {
			return nil, err
		}
		output.ArtifactIDs = append(output.ArtifactIDs, artifactID)
	}
	return &output, rows.Err()
}

// GetCurrentOutput implements store.Store.
func (s *Store) GetCurrentOutput(ctx context.Context, taskID string) (*core.TaskOutput, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+outputColumns+` FROM task_outputs WHERE task_id = ? AND is_current = 1`), taskID)
	output, err := s.scanOutputRow(ctx, s.db, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("output for task %s: %w", taskID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load output: %w", err)
	}
	return output, nil
}

// ListOutputsByTasks implements store.Store.
func (s *Store) ListOutputsByTasks(ctx context.Context, taskIDs []string) (map[string]*core.TaskOutput, error) {
	outputs := make(map[string]*core.TaskOutput, len(taskIDs))
	if len(taskIDs) == 0 {
		return outputs, nil
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+outputColumns+` FROM task_outputs
		WHERE is_current = 1 AND task_id IN (`+inPlaceholders(len(taskIDs))+`)`), idArgs(taskIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var loaded []*core.TaskOutput
	for rows.Next() {
		var output core.TaskOutput
		if err := rows.Scan(&output.ID, &output.TaskID, &output.Summary, &output.Text, &output.CreatedAt); err != nil {
			return nil, err
		}
		output.ArtifactIDs = []string{}
		loaded = append(loaded, &output)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, output := range loaded {
		refs, err := s.db.QueryContext(ctx, s.q(`SELECT artifact_id FROM output_artifacts WHERE output_id = ? ORDER BY ord`), output.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load output artifacts: %w", err)
		}
		for refs.Next() {
			var artifactID string
			if err := refs.Scan(&artifactID); err != nil {
				_ = refs.Close()
				return nil, err
			}
			output.ArtifactIDs = append(output.ArtifactIDs, artifactID)
		}
		if err := refs.Err(); err != nil {
			_ = refs.Close()
			return nil, err
		}
		_ = refs.Close()
		outputs[output.TaskID] = output
	}
	return outputs, nil
}

// PutArtifact implements store.Store.
func (s *Store) PutArtifact(ctx context.Context, artifact *core.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO artifacts (id, task_id, name, type, mime_type, storage_path, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		artifact.ID, artifact.TaskID, artifact.Name, string(artifact.Type),
		artifact.MimeType, artifact.StoragePath, artifact.SizeBytes, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

const artifactColumns = `id, task_id, name, type, mime_type, storage_path, size_bytes, created_at`

func scanArtifact(row interface{ Scan(...any) error }) (*core.Artifact, error) {
	var (
		artifact core.Artifact
		typ      string
	)
	err := row.Scan(&artifact.ID, &artifact.TaskID, &artifact.Name, &typ,
		&artifact.MimeType, &artifact.StoragePath, &artifact.SizeBytes, &artifact.CreatedAt)
	if err != nil {
		return nil, err
	}
	artifact.Type = core.ArtifactType(typ)
	return &artifact, nil
}

// GetArtifact implements store.Store.
func (s *Store) GetArtifact(ctx context.Context, id string) (*core.Artifact, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`), id)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	return artifact, nil
}

// ListArtifactsByTask implements store.Store.
func (s *Store) ListArtifactsByTask(ctx context.Context, taskID string) ([]*core.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+artifactColumns+` FROM artifacts WHERE task_id = ? ORDER BY created_at, id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*core.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// ListOrphanArtifacts implements store.Store.
func (s *Store) ListOrphanArtifacts(ctx context.Context) ([]*core.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+artifactColumns+` FROM artifacts a
		WHERE NOT EXISTS (
			SELECT 1 FROM output_artifacts r
			JOIN task_outputs o ON o.id = r.output_id AND o.is_current = 1
			WHERE r.artifact_id = a.id
		)
		ORDER BY a.id`))
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orphans []*core.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		orphans = append(orphans, artifact)
	}
	return orphans, rows.Err()
}

// DeleteArtifact implements store.Store.
func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM artifacts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("artifact %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// AppendLog implements store.Store.
func (s *Store) AppendLog(ctx context.Context, entry *core.LogEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM tasks WHERE id = ?`), entry.TaskID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check task: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("task %s: %w", entry.TaskID, store.ErrNotFound)
		}

		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		fields := "{}"
		if entry.Fields != nil {
			encoded, err := json.Marshal(entry.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode log fields: %w", err)
			}
			fields = string(encoded)
		}

		var maxSeq int64
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM task_logs WHERE task_id = ?`), entry.TaskID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("failed to read log sequence: %w", err)
		}

		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO task_logs (id, task_id, level, message, fields, seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			entry.ID, entry.TaskID, string(entry.Level), entry.Message, fields, maxSeq+1, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert log: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`
			DELETE FROM task_logs WHERE task_id = ? AND id NOT IN (
				SELECT id FROM task_logs WHERE task_id = ? ORDER BY seq DESC LIMIT ?
			)`), entry.TaskID, entry.TaskID, s.logRetention)
		if err != nil {
			return fmt.Errorf("failed to trim logs: %w", err)
		}
		return nil
	})
}

// ListLogs implements store.Store.
func (s *Store) ListLogs(ctx context.Context, taskID string, limit int) ([]*core.LogEntry, error) {
	query := `SELECT id, task_id, level, message, fields, created_at FROM task_logs WHERE task_id = ? ORDER BY seq`
	args := []any{taskID}
	if limit > 0 {
		query = `SELECT id, task_id, level, message, fields, created_at FROM (
			SELECT id, task_id, level, message, fields, seq, created_at FROM task_logs
			WHERE task_id = ? ORDER BY seq DESC LIMIT ?
		) tail ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*core.LogEntry
	for rows.Next() {
		var (
			entry  core.LogEntry
			level  string
			fields string
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &level, &entry.Message, &fields, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Level = core.LogLevel(level)
		if fields != "" && fields != "{}" {
			if err := json.Unmarshal([]byte(fields), &entry.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode log fields: %w", err)
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// TrimLogs implements store.Store.
func (s *Store) TrimLogs(ctx context.Context, retention int) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM task_logs WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY seq DESC) AS rn
				FROM task_logs
			) ranked
			WHERE rn > ?
		)`), retention)
	if err != nil {
		return 0, fmt.Errorf("failed to trim logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Dependents implements store.Store.
func (s *Store) Dependents(ctx context.Context, taskID string) ([]string, error) {
	if _, err := s.loadTask(ctx, s.db, taskID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT d.task_id FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE d.depends_on = ? ORDER BY t.seq`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ancestors implements store.Store.
func (s *Store) Ancestors(ctx context.Context, taskID string) ([]string, error) {
	task, err := s.loadTask(ctx, s.db, taskID)
	if err != nil {
		return nil, err
	}
	graph, err := s.actionGraph(ctx, s.db, task.ActionID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var order []string
	queue := append([]string(nil), graph[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		order = append(order, id)
		queue = append(queue, graph[id]...)
	}
	return order, nil
}

// TransitiveDependents implements store.Store.
func (s *Store) TransitiveDependents(ctx context.Context, taskID string) ([]string, error) {
	task, err := s.loadTask(ctx, s.db, taskID)
	if err != nil {
		return nil, err
	}
	graph, err := s.actionGraph(ctx, s.db, task.ActionID)
	if err != nil {
		return nil, err
	}

	reverse := make(map[string][]string, len(graph))
	for id, deps := range graph {
		for _, dep := range deps {
			reverse[dep] = append(reverse[dep], id)
		}
	}

	seen := make(map[string]struct{})
	var order []string
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, depID := range reverse[id] {
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
	return s.db.Close()
}

// actionGraph snapshots the action's dependency graph for validation and
// traversal.
func (s *Store) actionGraph(ctx context.Context, q querier, actionID string) (map[string][]string, error) {
	graph := make(map[string][]string)

	rows, err := q.QueryContext(ctx, s.q(`SELECT id FROM tasks WHERE action_id = ?`), actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load action graph: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		graph[id] = nil
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	depRows, err := q.QueryContext(ctx, s.q(`
		SELECT d.task_id, d.depends_on FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.action_id = ? ORDER BY d.task_id, d.ord`), actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency edges: %w", err)
	}
	defer func() { _ = depRows.Close() }()
	for depRows.Next() {
		var taskID, dep string
		if err := depRows.Scan(&taskID, &dep); err != nil {
			return nil, err
		}
		graph[taskID] = append(graph[taskID], dep)
	}
	return graph, depRows.Err()
}

func inPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
