package orchestrator

import (
	"errors"
	"strings"
)

var (
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidWorker     = errors.New("invalid agent")
	ErrInvalidWorkflow   = errors.New("invalid workflow")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateStep     = errors.New("duplicate step")
	ErrQueueFull         = errors.New("task queue full")
	ErrWorkerExists      = errors.New("agent already registered")
	ErrWorkerNotFound    = errors.New("agent not found")
	ErrWorkerBusy        = errors.New("agent is busy")
	ErrWorkflowExists    = errors.New("workflow already submitted")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrWorkflowFinished  = errors.New("workflow already finished")
)

// CycleError lists the steps that could not be ordered.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return "cyclic dependency among steps: " + strings.Join(e.Steps, ", ")
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }
