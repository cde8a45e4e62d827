package kafka

import "encoding/json"

// TopicTasks is the single partitioned channel carrying "task ready" signals.
// Messages are keyed by task id so every signal for one task lands on the
// same partition.
const TopicTasks = "chronos.tasks"

// Signal is the queue payload: a pointer to a task, not the task itself. The
// durable store stays the source of truth; redelivered or duplicate signals
// are resolved by the engine's guarded claim.
type Signal struct {
	TaskID     string `json:"task_id"`
	WorkflowID string `json:"workflow_id"`
}

// Encode marshals the signal for publishing.
func (s Signal) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSignal parses a queue message payload.
func DecodeSignal(raw []byte) (Signal, error) {
	var s Signal
	err := json.Unmarshal(raw, &s)
	return s, err
}
