package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
	"github.com/nutcas3/chronos-monorepo/internal/kafka"
	"github.com/nutcas3/chronos-monorepo/internal/postgres"
)

// fakeStore mirrors the Postgres store's conditional-update semantics in
// memory: transitions compare-and-swap on state under one lock, retry
// bookkeeping and timestamp stamping ride the same critical section, and
// every commit appends an event with a strictly increasing timestamp.
type fakeStore struct {
	mu        sync.Mutex
	tasks     map[string]*domain.Task
	workflows map[string]*domain.Workflow
	events    []*domain.TaskEvent
	clock     time.Time
	synced    []string

	transientErrs int // Transition failures to inject before succeeding
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:     make(map[string]*domain.Task),
		workflows: make(map[string]*domain.Workflow),
		clock:     time.Now().UTC(),
	}
}

// tick returns a strictly increasing timestamp per committed write.
func (s *fakeStore) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *fakeStore) CreateWorkflow(_ context.Context, wf *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.State == "" {
		wf.State = domain.StateQueued
	}
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *fakeStore) CreateTask(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.State == "" {
		task.State = domain.StateQueued
	}
	now := s.tick()
	task.CreatedAt = now
	task.UpdatedAt = now
	cp := *task
	s.tasks[task.ID] = &cp
	state := task.State
	s.events = append(s.events, &domain.TaskEvent{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		WorkflowID: task.WorkflowID,
		EventType:  domain.EventCreated,
		NewState:   state,
		Timestamp:  now,
	})
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) GetWorkflow(_ context.Context, id string) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, &domain.WorkflowNotFoundError{WorkflowID: id}
	}
	cp := *wf
	return &cp, nil
}

func (s *fakeStore) ListTasksByWorkflow(_ context.Context, workflowID string) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.WorkflowID == workflowID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ListTasksByState(_ context.Context, state domain.TaskState, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.State == state && len(out) < limit {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ListEvents(_ context.Context, taskID string) ([]*domain.TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TaskEvent
	for _, ev := range s.events {
		if ev.TaskID == taskID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ListStuck(_ context.Context, defaultTimeout time.Duration, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.State != domain.StateRunning || t.StartedAt == nil || len(out) >= limit {
			continue
		}
		if t.StartedAt.Before(now.Add(-t.Timeout(defaultTimeout))) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) Transition(_ context.Context, tr domain.Transition) (*domain.Task, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transientErrs > 0 {
		s.transientErrs--
		return nil, errStoreDown
	}

	t, ok := s.tasks[tr.TaskID]
	if !ok || t.State != tr.From {
		return nil, &domain.StaleTransitionError{TaskID: tr.TaskID, Expected: tr.From, Target: tr.To}
	}
	// Mirrors the store's budget guard: an exhausted task cannot re-enter
	// RETRYING even when the state matches.
	if tr.To == domain.StateRetrying && t.RetryCount >= t.MaxRetries {
		return nil, &domain.StaleTransitionError{TaskID: tr.TaskID, Expected: tr.From, Target: tr.To}
	}

	now := s.tick()
	t.State = tr.To
	t.UpdatedAt = now
	if tr.To == domain.StateRetrying {
		t.RetryCount++
	}
	if tr.SetStartedAt && t.StartedAt == nil {
		ts := now
		t.StartedAt = &ts
	}
	terminal := tr.To.AlwaysTerminal() ||
		((tr.To == domain.StateFailed || tr.To == domain.StateTimedOut) && t.RetryCount >= t.MaxRetries)
	if terminal {
		ts := now
		t.CompletedAt = &ts
	}
	if tr.To == domain.StateCompleted {
		t.Result = tr.Result
		t.Error = ""
	} else if tr.Error != "" {
		t.Error = tr.Error
	}

	prev := tr.From
	s.events = append(s.events, &domain.TaskEvent{
		ID:            uuid.New().String(),
		TaskID:        t.ID,
		WorkflowID:    t.WorkflowID,
		EventType:     domain.EventStateChange,
		PreviousState: &prev,
		NewState:      tr.To,
		Timestamp:     now,
		Metadata:      tr.Metadata,
	})

	cp := *t
	return &cp, nil
}

func (s *fakeStore) SyncWorkflow(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, workflowID)
	return nil
}

var _ postgres.Store = (*fakeStore)(nil)

var errStoreDown = &storeDownError{}

type storeDownError struct{}

func (*storeDownError) Error() string { return "connection refused" }

// fakeProducer records published signals.
type fakeProducer struct {
	mu      sync.Mutex
	signals []kafka.Signal
	topics  []string
}

func (p *fakeProducer) Publish(_ context.Context, topic string, signal kafka.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.signals = append(p.signals, signal)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) published() []kafka.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Signal(nil), p.signals...)
}

// fakeExecutor counts calls and returns scripted outcomes.
type fakeExecutor struct {
	mu       sync.Mutex
	taskType string
	errs     []error // per call; nil entry = success
	calls    int
	result   json.RawMessage
	block    chan struct{} // when set, Execute waits for it (or ctx)
}

func (f *fakeExecutor) TaskType() string { return f.taskType }

func (f *fakeExecutor) Execute(ctx context.Context, _ *domain.Task) (json.RawMessage, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	if f.result != nil {
		return f.result, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
