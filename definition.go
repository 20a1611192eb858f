package durable

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StepDefinition describes one step of a workflow definition.
type StepDefinition struct {
	Name       string        `json:"name" yaml:"name"`
	Agent      string        `json:"agent,omitempty" yaml:"agent,omitempty"`
	AgentRole  string        `json:"agent_role,omitempty" yaml:"agent_role,omitempty"`
	DependsOn  []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Input      any           `json:"input,omitempty" yaml:"input,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Definition is the declarative description of a workflow: an ordered list of
// steps and their dependencies. Declaration order is the tie-breaker for
// sequential scheduling.
type Definition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []*StepDefinition `json:"steps" yaml:"steps"`
	OutputStep  string            `json:"output_step,omitempty" yaml:"output_step,omitempty"`
}

// Validate checks the definition is well formed. Every dependency name must
// refer to a step in the same definition. Cycles are not rejected here; they
// surface as a deadlock when the workflow executes.
func (d *Definition) Validate() error {
	if d == nil {
		return NewError(ErrorCodeValidation, "workflow definition required")
	}
	if d.Name == "" {
		return NewError(ErrorCodeValidation, "workflow name required")
	}
	if len(d.Steps) == 0 {
		return NewError(ErrorCodeValidation, "workflow must have at least one step")
	}
	names := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step == nil || step.Name == "" {
			return Errorf(ErrorCodeValidation, "step %d: name cannot be empty", i).
				WithDetail("index", i)
		}
		if names[step.Name] {
			return Errorf(ErrorCodeValidation, "duplicate step name %q", step.Name).
				WithDetail("step", step.Name)
		}
		if step.MaxRetries < 0 {
			return Errorf(ErrorCodeValidation, "step %q: max_retries cannot be negative", step.Name).
				WithDetail("step", step.Name)
		}
		if step.Timeout < 0 {
			return Errorf(ErrorCodeValidation, "step %q: timeout cannot be negative", step.Name).
				WithDetail("step", step.Name)
		}
		names[step.Name] = true
	}
	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if !names[dep] {
				return Errorf(ErrorCodeValidation, "step %q depends on unknown step %q", step.Name, dep).
					WithDetail("step", step.Name).
					WithDetail("dependency", dep)
			}
		}
	}
	if d.OutputStep != "" && !names[d.OutputStep] {
		return Errorf(ErrorCodeValidation, "output step %q not found", d.OutputStep).
			WithDetail("step", d.OutputStep)
	}
	return nil
}

// LoadDefinitionFile loads a workflow definition from a YAML file
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadDefinitionString(string(data))
}

// LoadDefinitionString loads a workflow definition from a YAML string
func LoadDefinitionString(data string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// CreateOptions configures a new workflow instance.
type CreateOptions struct {
	// Input is the opaque workflow input, exposed to every step.
	Input any

	// ContextID groups related workflows. A new one is generated when empty.
	ContextID string

	Metadata Metadata
}

// buildWorkflow instantiates a validated definition as a pending workflow.
func buildWorkflow(def *Definition, opts CreateOptions, now time.Time) (*Workflow, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	contextID := opts.ContextID
	if contextID == "" {
		contextID = NewContextID()
	}
	wf := &Workflow{
		ID:          NewWorkflowID(),
		ContextID:   contextID,
		Name:        def.Name,
		Description: def.Description,
		Status:      StatusPending,
		OutputStep:  def.OutputStep,
		Input:       opts.Input,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		Steps:       make([]*Step, 0, len(def.Steps)),
	}
	for _, sd := range def.Steps {
		wf.Steps = append(wf.Steps, &Step{
			ID:         NewStepID(),
			Name:       sd.Name,
			Agent:      sd.Agent,
			AgentRole:  sd.AgentRole,
			Status:     StepPending,
			Input:      sd.Input,
			DependsOn:  append([]string(nil), sd.DependsOn...),
			MaxRetries: sd.MaxRetries,
			Timeout:    sd.Timeout,
			UpdatedAt:  now,
		})
	}
	return wf, nil
}
