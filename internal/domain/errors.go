package domain

import (
	"errors"
	"fmt"
)

// StaleTransitionError is returned when a conditional update matched zero
// rows: another caller already moved the task, or it no longer exists. Under
// at-least-once delivery this is the expected outcome of a duplicate signal,
// not a failure.
type StaleTransitionError struct {
	TaskID   string
	Expected TaskState
	Target   TaskState
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("stale transition for task %s: expected %s, wanted %s", e.TaskID, e.Expected, e.Target)
}

// IsStale reports whether err is (or wraps) a StaleTransitionError.
func IsStale(err error) bool {
	var stale *StaleTransitionError
	return errors.As(err, &stale)
}

// IllegalTransitionError is returned when the requested edge is not in the
// transition table. It indicates a programming defect in the caller and is
// raised before any database access.
type IllegalTransitionError struct {
	TaskID string
	From   TaskState
	To     TaskState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for task %s", e.From, e.To, e.TaskID)
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// WorkflowNotFoundError is returned when a workflow ID does not exist.
type WorkflowNotFoundError struct {
	WorkflowID string
}

func (e *WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("workflow not found: %s", e.WorkflowID)
}

// UnknownTaskTypeError is returned when no executor is registered for a
// task's type tag.
type UnknownTaskTypeError struct {
	TaskType string
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("no executor registered for task type %q", e.TaskType)
}
