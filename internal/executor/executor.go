package executor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
)

// Executor performs the type-specific work of a task. The engine only
// sequences and records execution: given the task's parameters an Executor
// returns a result payload or an error, and is expected to honor ctx, which
// carries the task's timeout_seconds deadline.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error)
	TaskType() string
}

// Registry maps task type tags to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Safe to call concurrently.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.TaskType()] = e
}

// Get returns the executor for the given task type, or UnknownTaskTypeError.
func (r *Registry) Get(taskType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[taskType]
	if !ok {
		return nil, &domain.UnknownTaskTypeError{TaskType: taskType}
	}
	return e, nil
}
