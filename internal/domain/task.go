package domain

import (
	"encoding/json"
	"time"
)

// TaskState is the closed set of states a task moves through.
type TaskState string

const (
	StateQueued    TaskState = "QUEUED"
	StateRunning   TaskState = "RUNNING"
	StateCompleted TaskState = "COMPLETED"
	StateFailed    TaskState = "FAILED"
	StateRetrying  TaskState = "RETRYING"
	StateCancelled TaskState = "CANCELLED"
	StateTimedOut  TaskState = "TIMED_OUT"
)

// Valid reports whether s is one of the known states.
func (s TaskState) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateCompleted, StateFailed,
		StateRetrying, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Claimable reports whether a task in this state may be claimed for execution.
func (s TaskState) Claimable() bool {
	return s == StateQueued || s == StateRetrying
}

// AlwaysTerminal reports whether the state is terminal regardless of retry
// counters. Failed and TimedOut are terminal only once retries are exhausted,
// which is a per-task question — see Task.Terminal.
func (s TaskState) AlwaysTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Task is a unit of work belonging to a workflow. The engine is the exclusive
// mutator of state, retry_count, started_at, completed_at, result and error;
// everything else is fixed at creation.
type Task struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	State          TaskState       `json:"state"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Parameters     json.RawMessage `json:"parameters"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Terminal reports whether no further transition is legal for the task:
// Completed and Cancelled unconditionally, Failed and TimedOut once the
// retry budget is spent.
func (t *Task) Terminal() bool {
	if t.State.AlwaysTerminal() {
		return true
	}
	if t.State == StateFailed || t.State == StateTimedOut {
		return !t.CanRetry()
	}
	return false
}

// CanRetry reports whether the task has retry budget left.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// Timeout returns the per-task execution deadline, or fallback when the task
// does not carry one.
func (t *Task) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Workflow groups tasks under a shared name and coarse state. The workflow
// state is aggregated from its tasks, never the other way around.
type Workflow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	State       TaskState  `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event types recorded in task_events.
const (
	EventCreated     = "CREATED"
	EventStateChange = "STATE_CHANGE"
)

// TaskEvent is one append-only audit record. Events are never mutated or
// deleted; together with the task row they are the recovery source of truth.
type TaskEvent struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	WorkflowID    string          `json:"workflow_id"`
	EventType     string          `json:"event_type"`
	PreviousState *TaskState      `json:"previous_state,omitempty"`
	NewState      TaskState       `json:"new_state"`
	Timestamp     time.Time       `json:"timestamp"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}
