package agent

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the deadline given to tasks created without one.
const DefaultTimeout = 300 * time.Second

// Task is a unit of work addressed to a capability, not to a specific worker.
// It is never mutated after submission.
type Task struct {
	ID           string         `json:"id"`
	TaskType     string         `json:"task_type"`
	Input        map[string]any `json:"input"`
	Requirements map[string]any `json:"requirements,omitempty"`
	Timeout      time.Duration  `json:"timeout"`
	Priority     int            `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewTask builds a task with a fresh id and the default timeout.
func NewTask(taskType string, input map[string]any) *Task {
	if input == nil {
		input = make(map[string]any)
	}
	return &Task{
		ID:        uuid.New().String(),
		TaskType:  taskType,
		Input:     input,
		Timeout:   DefaultTimeout,
		Priority:  1,
		CreatedAt: time.Now(),
	}
}

// Result is what a worker produced for a task. Exactly one Result exists per
// completed task.
type Result struct {
	TaskID   string         `json:"task_id"`
	WorkerID string         `json:"worker_id"`
	Success  bool           `json:"success"`
	Payload  any            `json:"payload"`
	Error    string         `json:"error,omitempty"`
	Elapsed  time.Duration  `json:"elapsed"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Succeeded is a convenience constructor for worker implementations.
func Succeeded(payload any) *Result {
	return &Result{Success: true, Payload: payload}
}

// Failed is a convenience constructor for worker implementations.
func Failed(msg string) *Result {
	return &Result{Success: false, Error: msg}
}
