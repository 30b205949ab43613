package domain

import (
	"strings"
)

// InputSourceCaller marks a step input resolved from the caller-supplied
// starting context rather than a prior step's output.
const InputSourceCaller = "caller"

// PlaybookDefinition is an immutable, named investigative strategy: an
// ordered sequence of steps whose declared order must be a valid topological
// order of their input dependencies.
type PlaybookDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Title       string           `json:"title" yaml:"title"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	// StartingPoint documents what the caller context must describe
	// (disease, drug, target, ...).
	StartingPoint string           `json:"starting_point,omitempty" yaml:"starting_point,omitempty"`
	Steps         []StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition declares one unit of work: the inputs it resolves, the
// adapter capabilities it may invoke, and the output fields it produces.
type StepDefinition struct {
	ID          string               `json:"id" yaml:"id"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      map[string]InputSpec `json:"inputs" yaml:"inputs"`
	Outputs     []OutputField        `json:"outputs" yaml:"outputs"`
	ToolRefs    []ToolRef            `json:"tool_refs" yaml:"tool_refs"`
}

// InputSpec binds one step parameter to the caller context or to a named
// field of an earlier step's output.
type InputSpec struct {
	Source   string `json:"source" yaml:"source"`
	Field    string `json:"field,omitempty" yaml:"field,omitempty"`
	Required bool   `json:"required" yaml:"required"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
}

// FromCaller reports whether the input reads from the starting context.
func (s InputSpec) FromCaller() bool {
	return strings.TrimSpace(s.Source) == InputSourceCaller
}

// OutputField names one field a step contributes to its output mapping.
type OutputField struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ToolRef declares one adapter capability invocation within a step.
//
// Param values are literals unless prefixed:
//   - "input.<name>" resolves a declared step input;
//   - "ref.<capability>.<field>" resolves an output field of an earlier
//     ToolRef in the same step, forcing sequential execution after it.
type ToolRef struct {
	Capability string            `json:"capability" yaml:"capability"`
	Params     map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	// Into lists the step output fields this ref populates. An empty list
	// merges every record field under the capability's own names.
	Into []string `json:"into,omitempty" yaml:"into,omitempty"`
}

const (
	paramInputPrefix = "input."
	paramRefPrefix   = "ref."
)

// InputRef extracts the step input name a param value references, if any.
func InputRef(value string) (string, bool) {
	if strings.HasPrefix(value, paramInputPrefix) {
		return strings.TrimPrefix(value, paramInputPrefix), true
	}
	return "", false
}

// RefRef extracts the (capability, field) pair a param value references
// within the same step, if any.
func RefRef(value string) (capability, field string, ok bool) {
	if !strings.HasPrefix(value, paramRefPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(value, paramRefPrefix)
	idx := strings.Index(rest, ".")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// StepIDSet returns the set of step ids declared in the playbook.
func (p PlaybookDefinition) StepIDSet() map[string]struct{} {
	ids := make(map[string]struct{}, len(p.Steps))
	for _, step := range p.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			continue
		}
		ids[id] = struct{}{}
	}
	return ids
}

// Step returns the definition of one step by id.
func (p PlaybookDefinition) Step(stepID string) (StepDefinition, bool) {
	for _, step := range p.Steps {
		if step.ID == stepID {
			return step, true
		}
	}
	return StepDefinition{}, false
}

// DependsOn reports whether step a's inputs reference step b's outputs.
func (a StepDefinition) DependsOn(stepID string) bool {
	for _, in := range a.Inputs {
		if !in.FromCaller() && strings.TrimSpace(in.Source) == stepID {
			return true
		}
	}
	return false
}
