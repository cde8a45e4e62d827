package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
	"github.com/nutcas3/chronos-monorepo/internal/kafka"
	"github.com/nutcas3/chronos-monorepo/internal/postgres"
	"github.com/nutcas3/chronos-monorepo/pkg/telemetry"
)

var reconcileMetadata = json.RawMessage(`{"reason":"timeout_recovery"}`)

// Reconciler periodically repairs tasks stuck in Running past their deadline:
// the owning process crashed or stalled after claiming them. It relies only
// on durable state, and every instance runs one independently — the guarded
// transition makes concurrent sweeps converge without a distributed lock.
//
// This sweep is the system's sole mechanism for forward progress after a
// crash. A Running task always carries a deadline the sweep will enforce, so
// no task is ever lost while the store is intact.
type Reconciler struct {
	store    postgres.Store
	producer kafka.Producer
	logger   *slog.Logger

	interval       time.Duration
	defaultTimeout time.Duration
	batchSize      int
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithSweepInterval sets the pause between sweeps.
func WithSweepInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.interval = d }
}

// WithStuckFallback sets the deadline applied to tasks with no
// timeout_seconds of their own.
func WithStuckFallback(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.defaultTimeout = d }
}

// WithSweepBatchSize caps candidates fetched per sweep.
func WithSweepBatchSize(n int) ReconcilerOption {
	return func(r *Reconciler) { r.batchSize = n }
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler constructs a Reconciler with a 60s interval and a one-hour
// fallback window for tasks that carry no timeout.
func NewReconciler(store postgres.Store, producer kafka.Producer, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:          store,
		producer:       producer,
		logger:         slog.Default(),
		interval:       time.Minute,
		defaultTimeout: time.Hour,
		batchSize:      100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps on a fixed interval until ctx is cancelled. The first sweep
// fires immediately so a restarted instance repairs its own casualties
// without waiting a full interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Reconciler) sweepAndLog(ctx context.Context) {
	recovered, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("reconciliation sweep failed", slog.String("error", err.Error()))
		return
	}
	if recovered > 0 {
		r.logger.Info("reconciliation sweep repaired stuck tasks", slog.Int("recovered", recovered))
	}
}

// Sweep runs exactly one reconciliation pass and returns how many stuck
// tasks this instance repaired. Exposed separately so tests (and operators)
// can drive a deterministic sweep instead of waiting on the timer.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	telemetry.ReconcilerSweepsTotal.Inc()

	stuck, err := r.store.ListStuck(ctx, r.defaultTimeout, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("scan for stuck tasks: %w", err)
	}

	recovered := 0
	for _, task := range stuck {
		if r.recover(ctx, task) {
			recovered++
		}
	}
	return recovered, nil
}

// recover repairs one stuck task. With retry budget left it routes
// Running→Retrying→Queued and republishes the signal; exhausted tasks land
// terminally on TimedOut. Both paths ride the state guard, so of N
// reconcilers racing on the same task exactly one applies each hop and the
// rest observe stale and move on.
func (r *Reconciler) recover(ctx context.Context, task *domain.Task) bool {
	log := r.logger.With(
		slog.String("task_id", task.ID),
		slog.String("workflow_id", task.WorkflowID),
		slog.Int("retry_count", task.RetryCount),
	)
	log.Warn("found stuck task", slog.Time("started_at", deref(task.StartedAt)))

	if !task.CanRetry() {
		_, err := r.store.Transition(ctx, domain.Transition{
			TaskID:   task.ID,
			From:     domain.StateRunning,
			To:       domain.StateTimedOut,
			Error:    fmt.Sprintf("timed out after %s; retries exhausted", task.Timeout(r.defaultTimeout)),
			Metadata: reconcileMetadata,
		})
		if err != nil {
			if domain.IsStale(err) {
				return false // another reconciler got there first
			}
			log.Error("failed to time out stuck task", slog.String("error", err.Error()))
			return false
		}
		telemetry.ReconcilerRecoveredTotal.WithLabelValues("timed_out").Inc()
		if err := r.store.SyncWorkflow(ctx, task.WorkflowID); err != nil {
			log.Warn("workflow aggregation failed", slog.String("error", err.Error()))
		}
		log.Error("stuck task terminal, retries exhausted")
		return true
	}

	retrying, err := r.store.Transition(ctx, domain.Transition{
		TaskID:   task.ID,
		From:     domain.StateRunning,
		To:       domain.StateRetrying,
		Error:    fmt.Sprintf("timed out after %s; recovered for retry", task.Timeout(r.defaultTimeout)),
		Metadata: reconcileMetadata,
	})
	if err != nil {
		if domain.IsStale(err) {
			return false
		}
		log.Error("failed to recover stuck task", slog.String("error", err.Error()))
		return false
	}

	queued, err := r.store.Transition(ctx, domain.Transition{
		TaskID:   retrying.ID,
		From:     domain.StateRetrying,
		To:       domain.StateQueued,
		Metadata: reconcileMetadata,
	})
	if err != nil {
		if domain.IsStale(err) {
			return false
		}
		log.Error("failed to requeue recovered task", slog.String("error", err.Error()))
		return false
	}
	telemetry.ReconcilerRecoveredTotal.WithLabelValues("requeued").Inc()

	if err := r.producer.Publish(ctx, kafka.TopicTasks, kafka.Signal{
		TaskID:     queued.ID,
		WorkflowID: queued.WorkflowID,
	}); err != nil {
		// Row is durably Queued; the audit trail shows where it stopped and
		// an operator (or startWorkflow) can republish the signal.
		log.Error("failed to publish recovery signal", slog.String("error", err.Error()))
	}
	log.Info("stuck task requeued", slog.Int("retry_count", queued.RetryCount))
	return true
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
