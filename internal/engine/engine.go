package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
	"github.com/nutcas3/chronos-monorepo/internal/executor"
	"github.com/nutcas3/chronos-monorepo/internal/kafka"
	"github.com/nutcas3/chronos-monorepo/internal/postgres"
	redisstore "github.com/nutcas3/chronos-monorepo/internal/redis"
	"github.com/nutcas3/chronos-monorepo/pkg/retry"
	"github.com/nutcas3/chronos-monorepo/pkg/telemetry"
)

// errBusy makes the consumer skip the offset commit so the signal is
// redelivered once local capacity frees up.
var errBusy = errors.New("engine at claim capacity")

// Engine bridges the work queue to the transition protocol. Every task
// mutation it performs goes through the store's guarded Transition; the
// engine itself holds no authoritative state.
type Engine struct {
	store    postgres.Store
	producer kafka.Producer
	cache    redisstore.StateCache // nil disables the read cache
	registry *executor.Registry
	logger   *slog.Logger

	defaultTimeout time.Duration
	storeAttempts  int
	storeBackoff   time.Duration

	claims *claimSet
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithDefaultTimeout sets the execution deadline for tasks that carry no
// timeout_seconds of their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithStateCache attaches the best-effort Redis state mirror.
func WithStateCache(c redisstore.StateCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithClaimCapacity bounds concurrent in-process executions. Zero means
// unbounded.
func WithClaimCapacity(n int) Option { return func(e *Engine) { e.claims = newClaimSet(n) } }

// WithStoreRetry tunes the backoff applied to transient store failures.
func WithStoreRetry(attempts int, base time.Duration) Option {
	return func(e *Engine) {
		e.storeAttempts = attempts
		e.storeBackoff = base
	}
}

// New constructs an Engine.
func New(store postgres.Store, producer kafka.Producer, registry *executor.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		producer:       producer,
		registry:       registry,
		logger:         slog.Default(),
		defaultTimeout: time.Hour,
		storeAttempts:  3,
		storeBackoff:   250 * time.Millisecond,
		claims:         newClaimSet(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consumes task-ready signals until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, consumer kafka.Consumer) error {
	return consumer.Subscribe(ctx, e.Process)
}

// Wait blocks until all in-flight executions finish. Call after Run returns.
func (e *Engine) Wait() { e.wg.Wait() }

// InFlight returns the size of the local claim set (observability only).
func (e *Engine) InFlight() int { return e.claims.len() }

// Process handles one task-ready signal: claim Queued→Running, execute, land
// on a terminal or retryable state. Returning nil commits the queue offset;
// a duplicate or late signal converges to a stale claim and is dropped
// silently, which is what makes redelivery harmless.
func (e *Engine) Process(ctx context.Context, signal kafka.Signal) error {
	ctx, span := otel.Tracer("engine").Start(ctx, "engine.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", signal.TaskID),
		attribute.String("workflow.id", signal.WorkflowID),
	)

	log := e.logger.With(
		slog.String("task_id", signal.TaskID),
		slog.String("workflow_id", signal.WorkflowID),
	)

	claimed, atCapacity := e.claims.tryAdd(signal.TaskID)
	if !claimed {
		if atCapacity {
			return errBusy
		}
		// Already executing in this process; the duplicate signal carries no
		// new information.
		log.Debug("task already claimed locally, dropping duplicate signal")
		return nil
	}
	defer e.claims.remove(signal.TaskID)

	task, err := e.transition(ctx, domain.Transition{
		TaskID:       signal.TaskID,
		From:         domain.StateQueued,
		To:           domain.StateRunning,
		SetStartedAt: true,
	})
	if err != nil {
		if domain.IsStale(err) {
			telemetry.EngineStaleTotal.Inc()
			log.Debug("claim lost or duplicate signal, dropping", slog.String("detail", err.Error()))
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return fmt.Errorf("claim task %s: %w", signal.TaskID, err)
	}
	telemetry.EngineTransitionsTotal.WithLabelValues(string(domain.StateRunning)).Inc()
	e.cacheState(ctx, task.ID, domain.StateRunning)

	e.wg.Add(1)
	telemetry.EngineTasksInFlight.Inc()
	defer func() {
		telemetry.EngineTasksInFlight.Dec()
		e.wg.Done()
	}()

	exec, err := e.registry.Get(task.Type)
	if err != nil {
		// No executor will ever appear for this type on redelivery; fail the
		// task so the retry policy (and ultimately the audit trail) owns it.
		log.Error("no executor for task type", slog.String("task_type", task.Type))
		span.RecordError(err)
		e.finishFailure(ctx, log, task, domain.StateFailed, err.Error())
		return nil
	}

	start := time.Now()
	result, execErr := e.execute(span, exec, task)
	outcome := "completed"

	switch {
	case execErr == nil:
		e.finishSuccess(ctx, log, task, result)
	case errors.Is(execErr, context.DeadlineExceeded):
		outcome = "timed_out"
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "execution timed out")
		e.finishFailure(ctx, log, task,
			domain.StateTimedOut,
			fmt.Sprintf("execution exceeded %s deadline", task.Timeout(e.defaultTimeout)))
	default:
		outcome = "failed"
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "execution failed")
		e.finishFailure(ctx, log, task, domain.StateFailed, execErr.Error())
	}

	telemetry.EngineTaskDurationSeconds.
		WithLabelValues(task.Type, outcome).
		Observe(time.Since(start).Seconds())
	return nil
}

// execute invokes the collaborator under the task's own deadline. The
// execution context is detached from the consumer context so a broker
// rebalance does not abort work mid-flight, but the span stays parented.
func (e *Engine) execute(span trace.Span, exec executor.Executor, task *domain.Task) (json.RawMessage, error) {
	execCtx, cancel := context.WithTimeout(
		trace.ContextWithSpan(context.Background(), span),
		task.Timeout(e.defaultTimeout),
	)
	defer cancel()
	result, err := exec.Execute(execCtx, task)
	if err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return result, err
}

func (e *Engine) finishSuccess(ctx context.Context, log *slog.Logger, task *domain.Task, result json.RawMessage) {
	done, err := e.transition(ctx, domain.Transition{
		TaskID: task.ID,
		From:   domain.StateRunning,
		To:     domain.StateCompleted,
		Result: result,
	})
	if err != nil {
		if domain.IsStale(err) {
			// Cancelled (or reconciled) while executing. The result is
			// discarded; cooperative cancellation makes no promise about
			// side effects already issued.
			telemetry.EngineStaleTotal.Inc()
			log.Info("task moved on during execution, result dropped")
			return
		}
		log.Error("failed to record completion", slog.String("error", err.Error()))
		return
	}
	telemetry.EngineTransitionsTotal.WithLabelValues(string(domain.StateCompleted)).Inc()
	e.cacheState(ctx, done.ID, done.State)
	e.syncWorkflow(ctx, log, done.WorkflowID)
	log.Info("task completed", slog.Int("retry_count", done.RetryCount))
}

// finishFailure lands the task on failState and routes it back through
// Retrying→Queued while retry budget remains.
func (e *Engine) finishFailure(ctx context.Context, log *slog.Logger, task *domain.Task, failState domain.TaskState, errText string) {
	failed, err := e.transition(ctx, domain.Transition{
		TaskID: task.ID,
		From:   domain.StateRunning,
		To:     failState,
		Error:  errText,
	})
	if err != nil {
		if domain.IsStale(err) {
			telemetry.EngineStaleTotal.Inc()
			log.Info("task moved on during execution, failure outcome dropped")
			return
		}
		log.Error("failed to record failure", slog.String("error", err.Error()))
		return
	}
	telemetry.EngineTransitionsTotal.WithLabelValues(string(failState)).Inc()
	e.cacheState(ctx, failed.ID, failed.State)

	if !failed.CanRetry() {
		log.Error("task terminal after exhausting retries",
			slog.String("state", string(failed.State)),
			slog.Int("retry_count", failed.RetryCount),
			slog.String("error", errText),
		)
		e.syncWorkflow(ctx, log, failed.WorkflowID)
		return
	}

	log.Warn("task failed, routing for retry",
		slog.Int("retry_count", failed.RetryCount),
		slog.Int("max_retries", failed.MaxRetries),
		slog.String("error", errText),
	)
	e.Requeue(ctx, failed)
}

// Requeue drives a retryable Failed/TimedOut task through Retrying back to
// Queued and republishes its signal. Each hop is guarded, so a racing caller
// doing the same work costs nothing but a stale outcome.
func (e *Engine) Requeue(ctx context.Context, task *domain.Task) {
	log := e.logger.With(slog.String("task_id", task.ID))

	retrying, err := e.transition(ctx, domain.Transition{
		TaskID: task.ID,
		From:   task.State,
		To:     domain.StateRetrying,
	})
	if err != nil {
		if domain.IsStale(err) {
			telemetry.EngineStaleTotal.Inc()
			return
		}
		log.Error("failed to enter RETRYING", slog.String("error", err.Error()))
		return
	}
	telemetry.EngineRetriesTotal.Inc()
	telemetry.EngineTransitionsTotal.WithLabelValues(string(domain.StateRetrying)).Inc()

	queued, err := e.transition(ctx, domain.Transition{
		TaskID: retrying.ID,
		From:   domain.StateRetrying,
		To:     domain.StateQueued,
	})
	if err != nil {
		if domain.IsStale(err) {
			telemetry.EngineStaleTotal.Inc()
			return
		}
		// The task sits in RETRYING; the reconciliation sweep will not see it
		// (only Running is swept) but a competing Requeue from the duplicate
		// signal path will finish the cascade.
		log.Error("failed to requeue from RETRYING", slog.String("error", err.Error()))
		return
	}
	telemetry.EngineTransitionsTotal.WithLabelValues(string(domain.StateQueued)).Inc()
	e.cacheState(ctx, queued.ID, queued.State)

	if err := e.producer.Publish(ctx, kafka.TopicTasks, kafka.Signal{
		TaskID:     queued.ID,
		WorkflowID: queued.WorkflowID,
	}); err != nil {
		// The row is durably Queued; a lost signal is repaired the next time
		// anything republishes, and the audit trail shows where it stopped.
		log.Error("failed to republish signal", slog.String("error", err.Error()))
	}
}

// Cancel requests cooperative cancellation through the guarded protocol:
// Queued→Cancelled first, falling back to Running→Cancelled. An in-flight
// execution is not interrupted; it observes the Cancelled row when it tries
// to record its outcome.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := e.transition(ctx, domain.Transition{
		TaskID: taskID,
		From:   domain.StateQueued,
		To:     domain.StateCancelled,
	})
	if domain.IsStale(err) {
		task, err = e.transition(ctx, domain.Transition{
			TaskID: taskID,
			From:   domain.StateRunning,
			To:     domain.StateCancelled,
		})
	}
	if err != nil {
		return nil, err
	}
	telemetry.EngineTransitionsTotal.WithLabelValues(string(domain.StateCancelled)).Inc()
	e.cacheState(ctx, task.ID, task.State)
	e.syncWorkflow(ctx, e.logger.With(slog.String("task_id", taskID)), task.WorkflowID)
	return task, nil
}

// Read accessors consumed by the API layer. Plain reads; no invariants
// beyond the data model.

func (e *Engine) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return e.store.GetTask(ctx, id)
}

func (e *Engine) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

func (e *Engine) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*domain.Task, error) {
	return e.store.ListTasksByWorkflow(ctx, workflowID)
}

func (e *Engine) ListEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error) {
	return e.store.ListEvents(ctx, taskID)
}

// WarmCache primes the Redis state mirror from the store on startup. Purely
// an optimization for API reads; failures are logged and ignored.
func (e *Engine) WarmCache(ctx context.Context, limit int) {
	if e.cache == nil {
		return
	}
	tasks, err := e.store.ListTasksByState(ctx, domain.StateRunning, limit)
	if err != nil {
		e.logger.Warn("cache warm-up skipped", slog.String("error", err.Error()))
		return
	}
	for _, t := range tasks {
		e.cacheState(ctx, t.ID, t.State)
	}
}

// transition applies one guarded transition, retrying only transient store
// failures. Stale and illegal outcomes pass straight through: retrying a
// lost race would just lose it again.
func (e *Engine) transition(ctx context.Context, tr domain.Transition) (*domain.Task, error) {
	var task *domain.Task
	var protoErr error
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: e.storeAttempts,
		BaseDelay:   e.storeBackoff,
		MaxDelay:    5 * time.Second,
		OnRetry: func(attempt int, err error) {
			e.logger.Warn("store unavailable, retrying transition",
				slog.String("task_id", tr.TaskID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		t, err := e.store.Transition(ctx, tr)
		if err != nil {
			var illegal *domain.IllegalTransitionError
			if domain.IsStale(err) || errors.As(err, &illegal) {
				protoErr = err
				return nil
			}
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if protoErr != nil {
		return nil, protoErr
	}
	return task, nil
}

func (e *Engine) cacheState(ctx context.Context, taskID string, state domain.TaskState) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetState(ctx, taskID, state); err != nil {
		e.logger.Debug("state cache write failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

func (e *Engine) syncWorkflow(ctx context.Context, log *slog.Logger, workflowID string) {
	if err := e.store.SyncWorkflow(ctx, workflowID); err != nil {
		log.Warn("workflow aggregation failed", slog.String("error", err.Error()))
	}
}
