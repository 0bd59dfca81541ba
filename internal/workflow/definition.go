// Package workflow defines and executes workflow documents: ordered
// steps over promoted registry tools, with conditions, foreach loops
// and nested sub-workflows, evaluated against a shared execution
// context.
package workflow

import (
	"fmt"
	"strings"
)

// Workflow is the declarative wire format: it round-trips losslessly
// through YAML and JSON.
type Workflow struct {
	Name   string   `yaml:"name" json:"name"`
	Inputs []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps  []Step   `yaml:"steps" json:"steps"`
}

// Step is one unit of work. Exactly one of Tool, Workflow or
// WorkflowRef names its body.
type Step struct {
	ID string `yaml:"id" json:"id"`

	// Tool references a registry entry by name or pinned entry id.
	Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`

	// Args bind the tool's inputs: literals, or $-references resolved
	// against the execution context.
	Args map[string]interface{} `yaml:"args,omitempty" json:"args,omitempty"`

	// Condition gates execution; a falsy resolved value skips the step.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Foreach iterates the step body over a sequence-valued reference,
	// binding each element to As (default "item").
	Foreach string `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	As      string `yaml:"as,omitempty" json:"as,omitempty"`

	// Workflow is an inline nested body; WorkflowRef includes one from
	// a file, resolved at load time.
	Workflow    *Workflow `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	WorkflowRef string    `yaml:"workflow_ref,omitempty" json:"workflow_ref,omitempty"`
}

// LoopVar returns the loop variable name for a foreach step.
func (s Step) LoopVar() string {
	if s.As != "" {
		return s.As
	}
	return "item"
}

// Validate checks structural rules: non-empty unique step ids, exactly
// one body per step, loop and reference syntax. Nested workflows are
// validated recursively.
func (w *Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", w.Name)
	}

	seen := make(map[string]struct{}, len(w.Steps))
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("workflow %q: step %d has no id", w.Name, i)
		}
		if strings.ContainsAny(step.ID, "$. ") {
			return fmt.Errorf("workflow %q: step id %q contains reserved characters", w.Name, step.ID)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("workflow %q: duplicate step id %q", w.Name, step.ID)
		}
		seen[step.ID] = struct{}{}

		bodies := 0
		if step.Tool != "" {
			bodies++
		}
		if step.Workflow != nil {
			bodies++
		}
		if step.WorkflowRef != "" {
			bodies++
		}
		if bodies != 1 {
			return fmt.Errorf("workflow %q: step %q must name exactly one of tool, workflow or workflow_ref", w.Name, step.ID)
		}

		if step.Foreach != "" && !strings.HasPrefix(step.Foreach, "$") {
			return fmt.Errorf("workflow %q: step %q foreach must be a $-reference", w.Name, step.ID)
		}
		if step.As != "" && step.Foreach == "" {
			return fmt.Errorf("workflow %q: step %q declares 'as' without foreach", w.Name, step.ID)
		}

		if step.Workflow != nil {
			if err := step.Workflow.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}
