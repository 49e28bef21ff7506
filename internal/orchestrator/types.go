package orchestrator

import (
	"time"
)

// WorkflowStatus tracks a workflow through its lifecycle.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// FailurePolicy decides what a failed step does to its workflow.
type FailurePolicy string

const (
	// FailContinue completes the step with its failed Result and keeps
	// scheduling dependents.
	FailContinue FailurePolicy = "continue"
	// FailAbort marks the workflow failed as soon as any step fails.
	FailAbort FailurePolicy = "abort"
)

// WorkflowReport is the queryable view of a workflow.
type WorkflowReport struct {
	ID             string         `json:"workflow_id"`
	Name           string         `json:"name"`
	Status         WorkflowStatus `json:"status"`
	FailurePolicy  FailurePolicy  `json:"failure_policy"`
	StepsCompleted int            `json:"steps_completed"`
	TotalSteps     int            `json:"total_steps"`
	StartTime      *time.Time     `json:"start_time,omitempty"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	Results        map[string]any `json:"results"`
	Steps          []StepReport   `json:"steps"`
	Error          string         `json:"error,omitempty"`
}

// StepReport summarizes one workflow step.
type StepReport struct {
	ID           string   `json:"step_id"`
	TaskType     string   `json:"task_type"`
	Dependencies []string `json:"dependencies,omitempty"`
	TaskID       string   `json:"task_id,omitempty"`
	Completed    bool     `json:"completed"`
	Success      *bool    `json:"success,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Stats is a snapshot of orchestrator counters.
type Stats struct {
	TotalWorkers        int            `json:"total_workers"`
	WorkersByType       map[string]int `json:"workers_by_type"`
	InFlight            int            `json:"in_flight"`
	Queued              int            `json:"queued"`
	Completed           int            `json:"completed"`
	ActiveWorkflows     int            `json:"active_workflows"`
	CompletedWorkflows  int            `json:"completed_workflows"`
	FailedWorkflows     int            `json:"failed_workflows"`
	CancelledWorkflows  int            `json:"cancelled_workflows"`
	TotalTasksProcessed int            `json:"total_tasks_processed"`
	AverageTaskTime     time.Duration  `json:"average_task_time"`
	IsRunning           bool           `json:"is_running"`
}
