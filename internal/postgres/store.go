package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
)

// Store abstracts all database access for workflows, tasks and their audit
// trail. The task row is the unit of mutual exclusion: every mutation of a
// task goes through Transition, never a bare update.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *domain.Workflow) error
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*domain.Task, error)
	ListTasksByState(ctx context.Context, state domain.TaskState, limit int) ([]*domain.Task, error)
	ListEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error)

	// ListStuck returns Running tasks whose started_at predates now() minus
	// the task's own timeout_seconds, falling back to defaultTimeout when the
	// task carries none.
	ListStuck(ctx context.Context, defaultTimeout time.Duration, limit int) ([]*domain.Task, error)

	// Transition performs one guarded state change atomically with its audit
	// event. Zero matched rows yield *domain.StaleTransitionError; an edge
	// missing from the transition table yields *domain.IllegalTransitionError
	// before any SQL runs.
	Transition(ctx context.Context, tr domain.Transition) (*domain.Task, error)

	// SyncWorkflow recomputes the workflow's coarse state from its tasks.
	// Best-effort aggregation; never drives task transitions.
	SyncWorkflow(ctx context.Context, workflowID string) error
}

type store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a pgxpool with the Store interface.
func NewStore(pool *pgxpool.Pool) Store {
	return &store{pool: pool}
}

// NewPool creates a pgxpool, verifies connectivity and applies pending
// migrations.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

const taskColumns = `id, workflow_id, name, type, state, retry_count, max_retries,
	timeout_seconds, created_at, updated_at, started_at, completed_at,
	parameters, result, error`

func (s *store) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.State == "" {
		wf.State = domain.StateQueued
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflows (id, name, state, created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, wf.ID, wf.Name, string(wf.State), wf.CreatedAt, wf.UpdatedAt, wf.StartedAt, wf.CompletedAt)
	if err != nil {
		return fmt.Errorf("create workflow %s: %w", wf.ID, err)
	}
	return nil
}

// CreateTask inserts the task in Queued together with its CREATED audit event
// in one transaction. From this point on the engine owns all mutable fields.
func (s *store) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.State == "" {
		task.State = domain.StateQueued
	}
	if len(task.Parameters) == 0 {
		task.Parameters = json.RawMessage(`{}`)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create task: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks
			(id, workflow_id, name, type, state, retry_count, max_retries,
			 timeout_seconds, created_at, updated_at, parameters)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		task.ID, task.WorkflowID, task.Name, task.Type, string(task.State),
		task.RetryCount, task.MaxRetries, task.TimeoutSeconds,
		task.CreatedAt, task.UpdatedAt, task.Parameters,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO task_events (id, task_id, workflow_id, event_type, previous_state, new_state, timestamp)
		VALUES ($1, $2, $3, $4, NULL, $5, $6)
	`, uuid.New().String(), task.ID, task.WorkflowID, domain.EventCreated, string(task.State), now)
	if err != nil {
		return fmt.Errorf("record created event for task %s: %w", task.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create task %s: %w", task.ID, err)
	}
	return nil
}

func (s *store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (s *store) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	var wf domain.Workflow
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, state, created_at, updated_at, started_at, completed_at
		FROM workflows WHERE id = $1
	`, id).Scan(&wf.ID, &wf.Name, &state, &wf.CreatedAt, &wf.UpdatedAt, &wf.StartedAt, &wf.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.WorkflowNotFoundError{WorkflowID: id}
		}
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	wf.State = domain.TaskState(state)
	return &wf, nil
}

func (s *store) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE workflow_id = $1
		ORDER BY created_at
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for workflow %s: %w", workflowID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *store) ListTasksByState(ctx context.Context, state domain.TaskState, limit int) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by state %s: %w", state, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *store) ListEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, workflow_id, event_type, previous_state, new_state, timestamp, metadata
		FROM task_events
		WHERE task_id = $1
		ORDER BY timestamp, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []*domain.TaskEvent
	for rows.Next() {
		var ev domain.TaskEvent
		var prev *string
		var newState string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.WorkflowID, &ev.EventType,
			&prev, &newState, &ev.Timestamp, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if prev != nil {
			st := domain.TaskState(*prev)
			ev.PreviousState = &st
		}
		ev.NewState = domain.TaskState(newState)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *store) ListStuck(ctx context.Context, defaultTimeout time.Duration, limit int) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = $1
		  AND started_at IS NOT NULL
		  AND started_at < NOW() - make_interval(secs =>
				CASE WHEN timeout_seconds > 0 THEN timeout_seconds::double precision ELSE $2 END)
		ORDER BY started_at
		LIMIT $3
	`, string(domain.StateRunning), defaultTimeout.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Transition is the claim-and-transition protocol: a single transaction
// holding a conditional update on the task row plus one task_events append.
// The compare-and-swap on state serializes all transitions for a task, so
// concurrent callers racing on the same (task, expected) pair converge to
// exactly one commit; the rest observe StaleTransitionError.
func (s *store) Transition(ctx context.Context, tr domain.Transition) (*domain.Task, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Retry bookkeeping, started_at/completed_at stamping and result/error
	// assignment all ride on the same conditional update so they commit (or
	// vanish) together with the state change. completed_at is computed from
	// the row's own counters after the RETRYING increment, keeping the
	// "terminal iff completed_at set" invariant race-free. A RETRYING hop on
	// an exhausted budget matches nothing, so retry_count can never outgrow
	// max_retries no matter what callers attempt.
	row := tx.QueryRow(ctx, `
		UPDATE tasks SET
			state       = $3,
			updated_at  = NOW(),
			retry_count = retry_count + CASE WHEN $3 = 'RETRYING' THEN 1 ELSE 0 END,
			started_at  = CASE WHEN $4 AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE
				WHEN $3 IN ('COMPLETED', 'CANCELLED') THEN NOW()
				WHEN $3 IN ('FAILED', 'TIMED_OUT') AND retry_count >= max_retries THEN NOW()
				ELSE completed_at
			END,
			result = CASE WHEN $3 = 'COMPLETED' THEN $5 ELSE result END,
			error  = CASE
				WHEN $3 = 'COMPLETED' THEN NULL
				WHEN $6 <> '' THEN $6
				ELSE error
			END
		WHERE id = $1 AND state = $2
		  AND ($3 <> 'RETRYING' OR retry_count < max_retries)
		RETURNING `+taskColumns,
		tr.TaskID, string(tr.From), string(tr.To), tr.SetStartedAt, tr.Result, tr.Error,
	)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Another caller already transitioned, or the task is gone.
			// Expected under at-least-once delivery.
			return nil, &domain.StaleTransitionError{TaskID: tr.TaskID, Expected: tr.From, Target: tr.To}
		}
		return nil, fmt.Errorf("transition task %s %s->%s: %w", tr.TaskID, tr.From, tr.To, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO task_events (id, task_id, workflow_id, event_type, previous_state, new_state, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)
	`, uuid.New().String(), task.ID, task.WorkflowID, domain.EventStateChange,
		string(tr.From), string(tr.To), tr.Metadata)
	if err != nil {
		return nil, fmt.Errorf("record transition event for task %s: %w", tr.TaskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition for task %s: %w", tr.TaskID, err)
	}
	return task, nil
}

func (s *store) SyncWorkflow(ctx context.Context, workflowID string) error {
	var total, running, claimable, completed, cancelled, failed, timedOut, open int
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = 'RUNNING'),
			COUNT(*) FILTER (WHERE state IN ('QUEUED', 'RETRYING')),
			COUNT(*) FILTER (WHERE state = 'COMPLETED'),
			COUNT(*) FILTER (WHERE state = 'CANCELLED'),
			COUNT(*) FILTER (WHERE state = 'FAILED' AND retry_count >= max_retries),
			COUNT(*) FILTER (WHERE state = 'TIMED_OUT' AND retry_count >= max_retries),
			COUNT(*) FILTER (WHERE state IN ('FAILED', 'TIMED_OUT') AND retry_count < max_retries)
		FROM tasks WHERE workflow_id = $1
	`, workflowID).Scan(&total, &running, &claimable, &completed, &cancelled, &failed, &timedOut, &open)
	if err != nil {
		return fmt.Errorf("aggregate workflow %s: %w", workflowID, err)
	}
	if total == 0 {
		return nil
	}

	var state domain.TaskState
	done := running+claimable+open == 0
	switch {
	case !done:
		state = domain.StateRunning
		if running == 0 && completed+cancelled+failed+timedOut == 0 {
			state = domain.StateQueued
		}
	case failed > 0:
		state = domain.StateFailed
	case timedOut > 0:
		state = domain.StateTimedOut
	case completed == 0 && cancelled > 0:
		state = domain.StateCancelled
	default:
		state = domain.StateCompleted
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE workflows SET
			state = $2,
			updated_at = NOW(),
			started_at = CASE WHEN started_at IS NULL AND $2 <> 'QUEUED' THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $3 THEN COALESCE(completed_at, NOW()) ELSE NULL END
		WHERE id = $1
	`, workflowID, string(state), done)
	if err != nil {
		return fmt.Errorf("sync workflow %s: %w", workflowID, err)
	}
	return nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var state string
	var errText *string
	err := row.Scan(
		&task.ID, &task.WorkflowID, &task.Name, &task.Type, &state,
		&task.RetryCount, &task.MaxRetries, &task.TimeoutSeconds,
		&task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.CompletedAt,
		&task.Parameters, &task.Result, &errText,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.State = domain.TaskState(state)
	if errText != nil {
		task.Error = *errText
	}
	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
