package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
)

// waitParams is the expected JSON structure in task.Parameters.
type waitParams struct {
	Duration string `json:"duration"`
}

// WaitExecutor sleeps for a configured duration and returns. It exists for
// smoke-testing pipelines end to end: it exercises claiming, timeouts and
// cancellation without external side effects.
type WaitExecutor struct{}

// NewWaitExecutor creates a WaitExecutor.
func NewWaitExecutor() *WaitExecutor { return &WaitExecutor{} }

func (e *WaitExecutor) TaskType() string { return "wait" }

func (e *WaitExecutor) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	var p waitParams
	if err := json.Unmarshal(task.Parameters, &p); err != nil {
		return nil, fmt.Errorf("invalid wait parameters: %w", err)
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid wait duration %q: %w", p.Duration, err)
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, fmt.Errorf("wait interrupted after deadline: %w", ctx.Err())
	}

	return json.Marshal(map[string]string{"waited": d.String()})
}
