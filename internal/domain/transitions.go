package domain

import "encoding/json"

// legalEdges is the explicit transition table. A missing entry means the edge
// is rejected before the database is ever touched.
var legalEdges = map[TaskState]map[TaskState]bool{
	StateQueued: {
		StateRunning:   true,
		StateCancelled: true,
	},
	StateRunning: {
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
		StateTimedOut:  true,
	},
	// Failed and TimedOut may route back through Retrying while the retry
	// budget lasts; the budget check is data-dependent and enforced by the
	// caller via Task.CanRetry.
	StateFailed: {
		StateRetrying: true,
	},
	StateTimedOut: {
		StateRetrying: true,
	},
	StateRetrying: {
		StateQueued: true,
	},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to TaskState) bool {
	return legalEdges[from][to]
}

// Transition describes one guarded state change: compare-and-swap on From,
// land on To, with optional field updates applied in the same atomic commit.
type Transition struct {
	TaskID string
	From   TaskState
	To     TaskState

	// SetStartedAt stamps started_at=now() if it is still null. Used by the
	// Queued→Running claim.
	SetStartedAt bool

	// Result is persisted on Running→Completed. Mutually exclusive with Error.
	Result json.RawMessage

	// Error is persisted on failure/timeout transitions.
	Error string

	// Metadata is copied onto the audit event, not the task row.
	Metadata json.RawMessage
}

// Validate rejects structurally-illegal transitions. It does not consult the
// task row; stale detection happens inside the store's conditional update.
func (tr Transition) Validate() error {
	if !tr.From.Valid() || !tr.To.Valid() {
		return &IllegalTransitionError{TaskID: tr.TaskID, From: tr.From, To: tr.To}
	}
	if !CanTransition(tr.From, tr.To) {
		return &IllegalTransitionError{TaskID: tr.TaskID, From: tr.From, To: tr.To}
	}
	return nil
}
