package catalog

import (
	"fmt"
	"strings"

	"github.com/converge-bio/converge-go/internal/domain"
)

// ValidatePlaybook performs strict static validation of one playbook:
// unique step ids, step-sourced inputs referencing only earlier steps and
// fields those steps declare, and intra-step ref params referencing only
// earlier tool refs. Runs at catalog load time so a missing or mistyped
// reference is caught before any run starts.
func ValidatePlaybook(pb domain.PlaybookDefinition) error {
	issues := &ValidationError{}

	if strings.TrimSpace(pb.ID) == "" {
		issues.Add("playbook id is required")
	}
	if strings.TrimSpace(pb.Title) == "" {
		issues.Add(fmt.Sprintf("playbook %q title is required", pb.ID))
	}
	if len(pb.Steps) == 0 {
		issues.Add(fmt.Sprintf("playbook %q must declare at least one step", pb.ID))
		return issues.OrNil()
	}

	// Outputs declared by steps earlier in the sequence, keyed by step id.
	earlierOutputs := make(map[string]map[string]struct{}, len(pb.Steps))
	seen := make(map[string]struct{}, len(pb.Steps))

	for i, step := range pb.Steps {
		stepID := strings.TrimSpace(step.ID)
		if stepID == "" {
			issues.Add(fmt.Sprintf("playbook %q step[%d] id is required", pb.ID, i))
			continue
		}
		if _, dup := seen[stepID]; dup {
			issues.Add(fmt.Sprintf("playbook %q duplicate step id %q", pb.ID, stepID))
		}
		seen[stepID] = struct{}{}

		if len(step.ToolRefs) == 0 {
			issues.Add(fmt.Sprintf("step %q must declare at least one tool ref", stepID))
		}
		if len(step.Outputs) == 0 {
			issues.Add(fmt.Sprintf("step %q must declare at least one output field", stepID))
		}

		outputs := make(map[string]struct{}, len(step.Outputs))
		for _, field := range step.Outputs {
			name := strings.TrimSpace(field.Name)
			if name == "" {
				issues.Add(fmt.Sprintf("step %q has an unnamed output field", stepID))
				continue
			}
			if _, dup := outputs[name]; dup {
				issues.Add(fmt.Sprintf("step %q duplicate output field %q", stepID, name))
			}
			outputs[name] = struct{}{}
		}

		validateInputs(issues, pb.ID, step, earlierOutputs)
		validateToolRefs(issues, step)

		earlierOutputs[stepID] = outputs
	}

	return issues.OrNil()
}

func validateInputs(issues *ValidationError, playbookID string, step domain.StepDefinition, earlierOutputs map[string]map[string]struct{}) {
	for name, in := range step.Inputs {
		if strings.TrimSpace(name) == "" {
			issues.Add(fmt.Sprintf("step %q has an unnamed input", step.ID))
			continue
		}
		source := strings.TrimSpace(in.Source)
		if source == "" {
			issues.Add(fmt.Sprintf("step %q input %q source is required", step.ID, name))
			continue
		}
		if in.FromCaller() {
			continue
		}
		if source == step.ID {
			issues.Add(fmt.Sprintf("step %q input %q references itself", step.ID, name))
			continue
		}
		fields, ok := earlierOutputs[source]
		if !ok {
			issues.Add(fmt.Sprintf("step %q input %q references step %q which is not an earlier step of playbook %q", step.ID, name, source, playbookID))
			continue
		}
		field := strings.TrimSpace(in.Field)
		if field == "" {
			field = name
		}
		if _, ok := fields[field]; !ok {
			issues.Add(fmt.Sprintf("step %q input %q references field %q which step %q does not declare", step.ID, name, field, source))
		}
	}
}

func validateToolRefs(issues *ValidationError, step domain.StepDefinition) {
	earlierRefs := make(map[string]struct{}, len(step.ToolRefs))
	for i, ref := range step.ToolRefs {
		capability := strings.TrimSpace(ref.Capability)
		if capability == "" {
			issues.Add(fmt.Sprintf("step %q tool_refs[%d] capability is required", step.ID, i))
			continue
		}
		if _, dup := earlierRefs[capability]; dup {
			issues.Add(fmt.Sprintf("step %q duplicate tool ref %q", step.ID, capability))
		}
		for param, value := range ref.Params {
			if input, ok := domain.InputRef(value); ok {
				if _, declared := step.Inputs[input]; !declared {
					issues.Add(fmt.Sprintf("step %q ref %q param %q references undeclared input %q", step.ID, capability, param, input))
				}
				continue
			}
			if refCap, _, ok := domain.RefRef(value); ok {
				if refCap == capability {
					issues.Add(fmt.Sprintf("step %q ref %q param %q references itself", step.ID, capability, param))
					continue
				}
				if _, earlier := earlierRefs[refCap]; !earlier {
					issues.Add(fmt.Sprintf("step %q ref %q param %q references ref %q which is not an earlier ref", step.ID, capability, param, refCap))
				}
			}
		}
		earlierRefs[capability] = struct{}{}
	}
}
