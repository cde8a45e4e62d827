package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
	"github.com/nutcas3/chronos-monorepo/internal/executor"
	"github.com/nutcas3/chronos-monorepo/internal/kafka"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedTask(t *testing.T, store *fakeStore, mutate func(*domain.Task)) *domain.Task {
	t.Helper()
	wf := &domain.Workflow{Name: "order-fulfillment"}
	require.NoError(t, store.CreateWorkflow(context.Background(), wf))
	task := &domain.Task{
		WorkflowID: wf.ID,
		Name:       "charge-card",
		Type:       "test",
		MaxRetries: 3,
		Parameters: json.RawMessage(`{"amount":100}`),
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func newTestEngine(store *fakeStore, producer *fakeProducer, exec *fakeExecutor, opts ...Option) *Engine {
	reg := executor.NewRegistry()
	if exec != nil {
		reg.Register(exec)
	}
	opts = append([]Option{WithLogger(quietLogger()), WithStoreRetry(3, time.Millisecond)}, opts...)
	return New(store, producer, reg, opts...)
}

func signalFor(task *domain.Task) kafka.Signal {
	return kafka.Signal{TaskID: task.ID, WorkflowID: task.WorkflowID}
}

func TestProcessSuccess(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	exec := &fakeExecutor{taskType: "test", result: json.RawMessage(`{"receipt":"r-1"}`)}
	e := newTestEngine(store, producer, exec)

	task := seedTask(t, store, nil)
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	e.Wait()

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, 1, exec.callCount())
	assert.JSONEq(t, `{"receipt":"r-1"}`, string(got.Result))
	assert.Empty(t, got.Error)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.After(*got.StartedAt))
	assert.Equal(t, []string{task.WorkflowID}, store.synced)

	events, err := store.ListEvents(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventCreated, events[0].EventType)
	assert.Equal(t, domain.StateRunning, events[1].NewState)
	assert.Equal(t, domain.StateQueued, *events[1].PreviousState)
	assert.Equal(t, domain.StateCompleted, events[2].NewState)
	assert.Equal(t, domain.StateRunning, *events[2].PreviousState)
}

func TestProcessDuplicateSignalIsIdempotent(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	exec := &fakeExecutor{taskType: "test"}
	e := newTestEngine(store, producer, exec)

	task := seedTask(t, store, nil)
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	e.Wait()

	// Redelivery after completion: the claim is stale, the signal is dropped,
	// and nothing about the row or audit trail changes.
	before, err := store.ListEvents(context.Background(), task.ID)
	require.NoError(t, err)
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	e.Wait()

	after, err := store.ListEvents(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
	assert.Equal(t, 1, exec.callCount())

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
}

func TestProcessConcurrentEnginesClaimOnce(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	exec := &fakeExecutor{taskType: "test"}

	// Two engine instances share the store, as two pods would. The local claim
	// set cannot dedupe across processes, so only the guarded Queued→Running
	// transition decides the winner.
	engines := []*Engine{
		newTestEngine(store, producer, exec),
		newTestEngine(store, producer, exec),
	}
	task := seedTask(t, store, nil)

	var wg sync.WaitGroup
	for _, e := range engines {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(e *Engine) {
				defer wg.Done()
				assert.NoError(t, e.Process(context.Background(), signalFor(task)))
			}(e)
		}
	}
	wg.Wait()
	for _, e := range engines {
		e.Wait()
	}

	assert.Equal(t, 1, exec.callCount())
	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)

	events, err := store.ListEvents(context.Background(), task.ID)
	require.NoError(t, err)
	// CREATED, Queued→Running, Running→Completed — exactly one claim committed
	// no matter how many racers there were.
	assert.Len(t, events, 3)
}

func TestProcessFailureRoutesRetry(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	exec := &fakeExecutor{taskType: "test", errs: []error{errors.New("upstream 503")}}
	e := newTestEngine(store, producer, exec)

	task := seedTask(t, store, nil)
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	e.Wait()

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "upstream 503", got.Error)
	assert.Nil(t, got.CompletedAt)

	signals := producer.published()
	require.Len(t, signals, 1)
	assert.Equal(t, task.ID, signals[0].TaskID)
	assert.Equal(t, []string{kafka.TopicTasks}, producer.topics)

	// Audit trail: CREATED, →Running, →Failed, →Retrying, →Queued.
	events, err := store.ListEvents(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, domain.StateFailed, events[2].NewState)
	assert.Equal(t, domain.StateRetrying, events[3].NewState)
	assert.Equal(t, domain.StateQueued, events[4].NewState)
}

func TestProcessFailureExhaustedIsTerminal(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	exec := &fakeExecutor{taskType: "test", errs: []error{errors.New("bad payload")}}
	e := newTestEngine(store, producer, exec)

	task := seedTask(t, store, func(task *domain.Task) { task.MaxRetries = 0 })
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	e.Wait()

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.True(t, got.Terminal())
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, producer.published())
	assert.Equal(t, []string{task.WorkflowID}, store.synced)
}

func TestProcessExecutionTimeout(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	exec := &fakeExecutor{taskType: "test", block: make(chan struct{})}
	e := newTestEngine(store, producer, exec, WithDefaultTimeout(20*time.Millisecond))

	task := seedTask(t, store, func(task *domain.Task) { task.MaxRetries = 0 })
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	e.Wait()

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTimedOut, got.State)
	assert.True(t, got.Terminal())
	assert.Contains(t, got.Error, "deadline")
}

func TestProcessUnknownTaskType(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	e := newTestEngine(store, producer, nil)

	task := seedTask(t, store, func(task *domain.Task) {
		task.Type = "teleport"
		task.MaxRetries = 0
	})
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	e.Wait()

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Contains(t, got.Error, "teleport")
}

func TestProcessClaimCapacity(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	block := make(chan struct{})
	exec := &fakeExecutor{taskType: "test", block: block}
	e := newTestEngine(store, producer, exec, WithClaimCapacity(1))

	first := seedTask(t, store, nil)
	second := seedTask(t, store, nil)

	done := make(chan error, 1)
	go func() { done <- e.Process(context.Background(), signalFor(first)) }()

	require.Eventually(t, func() bool { return e.InFlight() == 1 }, time.Second, time.Millisecond)

	// At capacity the signal is refused, not dropped: the error keeps the
	// offset uncommitted so the broker redelivers.
	err := e.Process(context.Background(), signalFor(second))
	assert.ErrorIs(t, err, errBusy)

	close(block)
	require.NoError(t, <-done)
	e.Wait()

	require.NoError(t, e.Process(context.Background(), signalFor(second)))
	e.Wait()
	got, err := store.GetTask(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
}

func TestProcessCapacityRejectionIsNeverSilent(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	exec := &fakeExecutor{taskType: "test"}
	e := newTestEngine(store, producer, exec, WithClaimCapacity(1))

	task := seedTask(t, store, nil)

	// Another task holds the only slot. Even if it releases between the
	// rejection and the return, the rejection must stay errBusy: a nil here
	// would commit the offset with the row still Queued and nobody left to
	// re-signal it.
	claimed, _ := e.claims.tryAdd("other-task")
	require.True(t, claimed)

	err := e.Process(context.Background(), signalFor(task))
	require.ErrorIs(t, err, errBusy)
	assert.Equal(t, 0, exec.callCount())

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)

	// Redelivery after the slot frees completes the task.
	e.claims.remove("other-task")
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	e.Wait()

	got, err = store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
}

func TestProcessRetriesTransientStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.transientErrs = 2
	producer := &fakeProducer{}
	exec := &fakeExecutor{taskType: "test"}
	e := newTestEngine(store, producer, exec)

	task := seedTask(t, store, nil)
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	e.Wait()

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
}

func TestProcessStoreDownSurfacesError(t *testing.T) {
	store := newFakeStore()
	store.transientErrs = 10
	producer := &fakeProducer{}
	exec := &fakeExecutor{taskType: "test"}
	e := newTestEngine(store, producer, exec)

	task := seedTask(t, store, nil)
	err := e.Process(context.Background(), signalFor(task))
	require.Error(t, err)
	assert.Equal(t, 0, exec.callCount())

	// The claim never committed, so the row is untouched and the redelivered
	// signal can succeed once the store is back.
	got, gerr := store.GetTask(context.Background(), task.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.StateQueued, got.State)
}

func TestCancelQueuedTask(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, &fakeProducer{}, nil)

	task := seedTask(t, store, nil)
	cancelled, err := e.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, cancelled.State)
	require.NotNil(t, cancelled.CompletedAt)

	// A claim arriving after cancellation observes the stale guard and drops.
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
}

func TestCancelRunningTaskDropsResult(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	block := make(chan struct{})
	exec := &fakeExecutor{taskType: "test", result: json.RawMessage(`{"late":true}`), block: block}
	e := newTestEngine(store, producer, exec)

	task := seedTask(t, store, nil)
	done := make(chan error, 1)
	go func() { done <- e.Process(context.Background(), signalFor(task)) }()

	require.Eventually(t, func() bool {
		got, err := store.GetTask(context.Background(), task.ID)
		return err == nil && got.State == domain.StateRunning
	}, time.Second, time.Millisecond)

	cancelled, err := e.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, cancelled.State)

	// Execution finishes after the cancel; its completion transition is stale
	// and the result is discarded.
	close(block)
	require.NoError(t, <-done)
	e.Wait()

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
	assert.Nil(t, got.Result)

	events, err := store.ListEvents(context.Background(), task.ID)
	require.NoError(t, err)
	// CREATED, →Running, →Cancelled. No Completed event ever committed.
	require.Len(t, events, 3)
	assert.Equal(t, domain.StateCancelled, events[2].NewState)
}

func TestCancelTerminalTaskFails(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutor{taskType: "test"}
	e := newTestEngine(store, &fakeProducer{}, exec)

	task := seedTask(t, store, nil)
	require.NoError(t, e.Process(context.Background(), signalFor(task)))
	e.Wait()

	_, err := e.Cancel(context.Background(), task.ID)
	require.Error(t, err)
	assert.True(t, domain.IsStale(err))
}

func TestWarmCache(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{states: make(map[string]domain.TaskState)}
	e := newTestEngine(store, &fakeProducer{}, nil, WithStateCache(cache))

	running := seedTask(t, store, nil)
	_, err := store.Transition(context.Background(), domain.Transition{
		TaskID:       running.ID,
		From:         domain.StateQueued,
		To:           domain.StateRunning,
		SetStartedAt: true,
	})
	require.NoError(t, err)
	seedTask(t, store, nil) // stays Queued, must not be warmed

	e.WarmCache(context.Background(), 100)

	state, ok := cache.get(running.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateRunning, state)
	assert.Equal(t, 1, cache.size())
}

type fakeCache struct {
	mu     sync.Mutex
	states map[string]domain.TaskState
}

func (c *fakeCache) SetState(_ context.Context, taskID string, state domain.TaskState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[taskID] = state
	return nil
}

func (c *fakeCache) GetState(_ context.Context, taskID string) (domain.TaskState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[taskID]
	if !ok {
		return "", &domain.TaskNotFoundError{TaskID: taskID}
	}
	return s, nil
}

func (c *fakeCache) Forget(_ context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, taskID)
	return nil
}

func (c *fakeCache) get(id string) (domain.TaskState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[id]
	return s, ok
}

func (c *fakeCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}
