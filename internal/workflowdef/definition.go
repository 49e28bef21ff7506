// Package workflowdef loads workflow definitions from YAML or JSON documents
// and turns them into orchestrator workflows.
package workflowdef

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nidhogg/storyloom/internal/orchestrator"
	"gopkg.in/yaml.v3"
)

// Definition is the document form of a workflow.
type Definition struct {
	Name          string         `yaml:"name" json:"name" validate:"required"`
	Description   string         `yaml:"description,omitempty" json:"description,omitempty"`
	FailurePolicy string         `yaml:"failure_policy,omitempty" json:"failure_policy,omitempty" validate:"omitempty,oneof=continue abort"`
	Variables     map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps         []Step         `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// Step is one node of a Definition. Input maps task input keys to workflow
// variable names; a step's own id is the variable holding its result.
type Step struct {
	ID        string            `yaml:"id" json:"id" validate:"required"`
	AgentType string            `yaml:"agent_type,omitempty" json:"agent_type,omitempty"`
	TaskType  string            `yaml:"task_type" json:"task_type" validate:"required"`
	Input     map[string]string `yaml:"input,omitempty" json:"input,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Timeout   string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Priority  int               `yaml:"priority,omitempty" json:"priority,omitempty" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes a YAML or JSON document.
func Parse(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Load reads and parses a definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Validate checks field-level constraints. Graph checks (cycles, unknown
// dependencies) happen in Build.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", orchestrator.ErrInvalidWorkflow, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", orchestrator.ErrInvalidWorkflow, err)
	}
	for _, s := range d.Steps {
		if s.Timeout == "" {
			continue
		}
		if _, err := time.ParseDuration(s.Timeout); err != nil {
			return fmt.Errorf("%w: step %q timeout: %v", orchestrator.ErrInvalidWorkflow, s.ID, err)
		}
	}
	return nil
}

// Build creates a fresh workflow from the definition. vars override the
// definition's own variables.
func (d *Definition) Build(vars map[string]any) (*orchestrator.Workflow, error) {
	steps := make([]*orchestrator.WorkflowStep, 0, len(d.Steps))
	for _, s := range d.Steps {
		step := orchestrator.NewStep(s.ID, s.TaskType, maps.Clone(s.Input), s.DependsOn...)
		step.AgentType = s.AgentType
		step.Priority = s.Priority
		if s.Timeout != "" {
			timeout, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, fmt.Errorf("%w: step %q timeout: %v", orchestrator.ErrInvalidWorkflow, s.ID, err)
			}
			step.Timeout = timeout
		}
		steps = append(steps, step)
	}

	merged := make(map[string]any, len(d.Variables)+len(vars))
	maps.Copy(merged, d.Variables)
	maps.Copy(merged, vars)

	return orchestrator.NewWorkflow("", d.Name, steps,
		orchestrator.WithVariables(merged),
		orchestrator.WithFailurePolicy(orchestrator.FailurePolicy(d.FailurePolicy)))
}
