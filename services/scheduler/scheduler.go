package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
	"github.com/nutcas3/chronos-monorepo/internal/kafka"
	"github.com/nutcas3/chronos-monorepo/internal/postgres"
	redisstore "github.com/nutcas3/chronos-monorepo/internal/redis"
	"github.com/nutcas3/chronos-monorepo/pkg/telemetry"
)

const checkInterval = 15 * time.Second

// Schedule mirrors the scheduled_workflows DB table: a cron expression that
// fires a fresh single-task workflow each time it comes due.
type Schedule struct {
	ID             string
	Name           string
	CronExpr       string
	WorkflowName   string
	TaskName       string
	TaskType       string
	Parameters     json.RawMessage
	MaxRetries     int
	TimeoutSeconds int
	Enabled        bool
	LastRunAt      *time.Time
	NextRunAt      *time.Time
}

// Scheduler fires cron schedules with Redis leader election. Firing is
// create-then-signal: the workflow and its task are durably Queued before the
// signal goes out, so a crash between the two leaves a row the start endpoint
// can re-signal rather than a signal with no row behind it.
type Scheduler struct {
	pool     *pgxpool.Pool
	store    postgres.Store
	producer kafka.Producer
	leader   *redisstore.LeaderLock
	logger   *slog.Logger
}

func NewScheduler(
	pool *pgxpool.Pool,
	store postgres.Store,
	producer kafka.Producer,
	leader *redisstore.LeaderLock,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		pool:     pool,
		store:    store,
		producer: producer,
		leader:   leader,
		logger:   logger,
	}
}

// Run is the main polling loop: renew leadership, then fire due schedules.
// Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			if err := s.leader.Release(context.Background()); err != nil {
				s.logger.Warn("leader release failed", slog.String("error", err.Error()))
			}
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	isLeader, err := s.leader.AcquireOrRenew(ctx)
	if err != nil {
		s.logger.Error("leader election failed", slog.String("error", err.Error()))
		return
	}
	if !isLeader {
		return
	}
	if err := s.fireDue(ctx); err != nil {
		s.logger.Error("firing due schedules failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) fireDue(ctx context.Context) error {
	schedules, err := s.loadDue(ctx)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if err := s.fire(ctx, sched); err != nil {
			s.logger.Error("schedule fire failed",
				slog.String("schedule", sched.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *Scheduler) loadDue(ctx context.Context) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, cron_expr, workflow_name, task_name, task_type,
		       parameters, max_retries, timeout_secs, enabled, last_run_at, next_run_at
		FROM scheduled_workflows
		WHERE enabled = TRUE AND (next_run_at IS NULL OR next_run_at <= NOW())
		ORDER BY next_run_at ASC NULLS FIRST
	`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled_workflows: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(
			&sc.ID, &sc.Name, &sc.CronExpr, &sc.WorkflowName, &sc.TaskName, &sc.TaskType,
			&sc.Parameters, &sc.MaxRetries, &sc.TimeoutSeconds, &sc.Enabled, &sc.LastRunAt, &sc.NextRunAt,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled_workflow: %w", err)
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func (s *Scheduler) fire(ctx context.Context, sched Schedule) error {
	// Compute next_run_at first; an unparseable expression must not create
	// rows it can never stop creating.
	schedule, err := cron.ParseStandard(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for schedule %q: %w", sched.CronExpr, sched.Name, err)
	}
	now := time.Now().UTC()
	nextRun := schedule.Next(now)

	wf := &domain.Workflow{Name: sched.WorkflowName}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("create workflow for schedule %q: %w", sched.Name, err)
	}

	task := &domain.Task{
		WorkflowID:     wf.ID,
		Name:           sched.TaskName,
		Type:           sched.TaskType,
		MaxRetries:     sched.MaxRetries,
		TimeoutSeconds: sched.TimeoutSeconds,
		Parameters:     sched.Parameters,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task for schedule %q: %w", sched.Name, err)
	}

	if err := s.producer.Publish(ctx, kafka.TopicTasks, kafka.Signal{
		TaskID:     task.ID,
		WorkflowID: wf.ID,
	}); err != nil {
		return fmt.Errorf("publish signal for schedule %q: %w", sched.Name, err)
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE scheduled_workflows
		SET last_run_at = $1, next_run_at = $2
		WHERE id = $3
	`, now, nextRun, sched.ID); err != nil {
		return fmt.Errorf("update schedule %q: %w", sched.Name, err)
	}

	telemetry.SchedulerFiredTotal.Inc()
	s.logger.Info("schedule fired",
		slog.String("schedule", sched.Name),
		slog.String("workflow_id", wf.ID),
		slog.String("task_id", task.ID),
		slog.String("task_type", sched.TaskType),
		slog.Time("next_run", nextRun),
	)
	return nil
}
