package orchestrator

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/storyloom/internal/agent"
)

// WorkflowTaskPriority is the priority given to tasks spawned by workflow steps.
const WorkflowTaskPriority = 5

// WorkflowStep is a node in a workflow DAG. InputMapping maps task input keys
// to workflow variable names.
type WorkflowStep struct {
	ID           string            `json:"step_id"`
	AgentType    string            `json:"agent_type,omitempty"`
	TaskType     string            `json:"task_type"`
	InputMapping map[string]string `json:"input_mapping"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	Priority     int               `json:"priority,omitempty"`

	Completed   bool          `json:"completed"`
	TaskID      string        `json:"task_id,omitempty"`
	Result      *agent.Result `json:"result,omitempty"`
	EnqueuedAt  time.Time     `json:"enqueued_at,omitzero"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
}

// NewStep is shorthand for a step with the given mapping and dependencies.
func NewStep(id, taskType string, mapping map[string]string, deps ...string) *WorkflowStep {
	if mapping == nil {
		mapping = make(map[string]string)
	}
	return &WorkflowStep{
		ID:           id,
		TaskType:     taskType,
		InputMapping: mapping,
		Dependencies: deps,
	}
}

// Workflow is a named DAG of steps sharing a variable map. Results holds the
// initial variables plus each completed step's payload under its step id.
type Workflow struct {
	ID             string
	Name           string
	Steps          map[string]*WorkflowStep
	ExecutionOrder []string
	Status         WorkflowStatus
	FailurePolicy  FailurePolicy
	Results        map[string]any
	StartTime      time.Time
	EndTime        time.Time
	Error          string

	declared []string
}

// WorkflowOption customizes a workflow at construction.
type WorkflowOption func(*Workflow)

// WithVariables seeds the workflow variable map.
func WithVariables(vars map[string]any) WorkflowOption {
	return func(w *Workflow) {
		maps.Copy(w.Results, vars)
	}
}

// WithFailurePolicy overrides the default FailContinue policy.
func WithFailurePolicy(p FailurePolicy) WorkflowOption {
	return func(w *Workflow) {
		if p == FailAbort {
			w.FailurePolicy = FailAbort
		}
	}
}

// NewWorkflow validates the steps and computes the execution order. An empty
// id gets a generated one. Cycles, unknown dependencies and duplicate step
// ids are rejected.
func NewWorkflow(id, name string, steps []*WorkflowStep, opts ...WorkflowOption) (*Workflow, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: workflow %q has no steps", ErrInvalidWorkflow, name)
	}

	w := &Workflow{
		ID:            id,
		Name:          name,
		Steps:         make(map[string]*WorkflowStep, len(steps)),
		Status:        WorkflowPending,
		FailurePolicy: FailContinue,
		Results:       make(map[string]any),
	}
	for _, s := range steps {
		if s == nil || s.ID == "" {
			return nil, fmt.Errorf("%w: step without id", ErrInvalidWorkflow)
		}
		if s.TaskType == "" {
			return nil, fmt.Errorf("%w: step %q has no task type", ErrInvalidWorkflow, s.ID)
		}
		if _, dup := w.Steps[s.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, s.ID)
		}
		w.Steps[s.ID] = s
		w.declared = append(w.declared, s.ID)
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if _, ok := w.Steps[dep]; !ok {
				return nil, fmt.Errorf("%w: step %q depends on %q", ErrUnknownDependency, s.ID, dep)
			}
		}
	}

	order, err := w.executionOrder()
	if err != nil {
		return nil, err
	}
	w.ExecutionOrder = order

	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// executionOrder repeatedly extracts the steps whose dependencies are all
// already ordered. A pass without progress means the remainder is cyclic.
func (w *Workflow) executionOrder() ([]string, error) {
	order := make([]string, 0, len(w.declared))
	placed := make(map[string]bool, len(w.declared))

	for len(order) < len(w.declared) {
		progress := false
		for _, id := range w.declared {
			if placed[id] {
				continue
			}
			if !w.dependenciesIn(id, placed) {
				continue
			}
			order = append(order, id)
			placed[id] = true
			progress = true
		}
		if !progress {
			var remaining []string
			for _, id := range w.declared {
				if !placed[id] {
					remaining = append(remaining, id)
				}
			}
			return nil, &CycleError{Steps: remaining}
		}
	}
	return order, nil
}

func (w *Workflow) dependenciesIn(id string, set map[string]bool) bool {
	for _, dep := range w.Steps[id].Dependencies {
		if !set[dep] {
			return false
		}
	}
	return true
}

// ready reports whether a step can be turned into a task now.
func (w *Workflow) ready(s *WorkflowStep) bool {
	if s.Completed || s.TaskID != "" {
		return false
	}
	for _, dep := range s.Dependencies {
		if !w.Steps[dep].Completed {
			return false
		}
	}
	return true
}

func (w *Workflow) allCompleted() bool {
	for _, s := range w.Steps {
		if !s.Completed {
			return false
		}
	}
	return true
}

// firstFailure returns the first completed step, in execution order, whose
// Result is unsuccessful.
func (w *Workflow) firstFailure() *WorkflowStep {
	for _, id := range w.ExecutionOrder {
		s := w.Steps[id]
		if s.Completed && s.Result != nil && !s.Result.Success {
			return s
		}
	}
	return nil
}

// buildInput copies every mapped variable present in Results into the task
// input. Missing variables are omitted.
func (w *Workflow) buildInput(s *WorkflowStep) map[string]any {
	input := make(map[string]any, len(s.InputMapping))
	for key, variable := range s.InputMapping {
		if v, ok := w.Results[variable]; ok {
			input[key] = v
		}
	}
	return input
}

// newStepTask builds the task for a ready step.
func (w *Workflow) newStepTask(s *WorkflowStep, defaultTimeout time.Duration) *agent.Task {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	priority := s.Priority
	if priority == 0 {
		priority = WorkflowTaskPriority
	}
	return &agent.Task{
		ID:           fmt.Sprintf("%s_%s_%s", w.ID, s.ID, uuid.New().String()[:8]),
		TaskType:     s.TaskType,
		Input:        w.buildInput(s),
		Timeout:      timeout,
		Priority:     priority,
		Dependencies: w.dependencyTaskIDs(s),
		Requirements: map[string]any{"workflow_id": w.ID, "step_id": s.ID},
		CreatedAt:    time.Now(),
	}
}

func (w *Workflow) dependencyTaskIDs(s *WorkflowStep) []string {
	if len(s.Dependencies) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		ids = append(ids, w.Steps[dep].TaskID)
	}
	return ids
}

func (w *Workflow) stepsCompleted() int {
	n := 0
	for _, s := range w.Steps {
		if s.Completed {
			n++
		}
	}
	return n
}

// Report returns a copy safe to hand out of the orchestrator lock.
func (w *Workflow) Report() *WorkflowReport {
	r := &WorkflowReport{
		ID:             w.ID,
		Name:           w.Name,
		Status:         w.Status,
		FailurePolicy:  w.FailurePolicy,
		StepsCompleted: w.stepsCompleted(),
		TotalSteps:     len(w.Steps),
		Results:        maps.Clone(w.Results),
		Error:          w.Error,
	}
	if !w.StartTime.IsZero() {
		t := w.StartTime
		r.StartTime = &t
	}
	if !w.EndTime.IsZero() {
		t := w.EndTime
		r.EndTime = &t
	}
	for _, id := range w.ExecutionOrder {
		s := w.Steps[id]
		sr := StepReport{
			ID:           s.ID,
			TaskType:     s.TaskType,
			Dependencies: slices.Clone(s.Dependencies),
			TaskID:       s.TaskID,
			Completed:    s.Completed,
		}
		if s.Result != nil {
			ok := s.Result.Success
			sr.Success = &ok
			sr.Error = s.Result.Error
		}
		r.Steps = append(r.Steps, sr)
	}
	return r
}
