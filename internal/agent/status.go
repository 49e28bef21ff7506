package agent

import (
	"time"
)

// State represents a worker's execution state.
type State string

const (
	StateIdle      State = "idle"
	StateWorking   State = "working"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimeout   State = "timeout"
)

// Status is a point-in-time snapshot of a worker.
type Status struct {
	ID             string        `json:"agent_id"`
	Type           string        `json:"agent_type"`
	State          State         `json:"status"`
	LastOutcome    State         `json:"last_outcome,omitempty"`
	Capabilities   []string      `json:"capabilities"`
	CurrentTask    string        `json:"current_task,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActive     time.Time     `json:"last_active"`
	Uptime         time.Duration `json:"uptime"`
	TasksProcessed int           `json:"tasks_processed"`
	Unresponsive   bool          `json:"unresponsive"`
}
