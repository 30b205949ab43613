// Package stepexec runs a single playbook step: it resolves declared inputs
// from the caller context and prior step outputs, invokes the step's tool
// refs through the rate governor, and folds the normalized results into the
// step's declared output fields. Adapter failures stop here; they are
// recorded on the StepResult and never propagate as Go errors.
package stepexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/converge-bio/converge-go/internal/domain"
	"github.com/converge-bio/converge-go/internal/governor"
	"github.com/converge-bio/converge-go/internal/source"
)

// ErrKindDependency marks a step error caused by an unsatisfied input or an
// intra-step ref dependency, as opposed to an upstream adapter failure.
const ErrKindDependency = "dependency_unsatisfied"

type Executor struct {
	registry *source.Registry
	governor *governor.Governor
	now      func() time.Time
}

func New(registry *source.Registry, gov *governor.Governor) *Executor {
	if registry == nil || gov == nil {
		return nil
	}
	return &Executor{
		registry: registry,
		governor: gov,
		now:      time.Now,
	}
}

// Execute runs one step. A missing required input fails fast: the step is
// returned as skipped without any adapter calls.
func (e *Executor) Execute(ctx context.Context, step domain.StepDefinition, callerCtx domain.Metadata, prior map[string]domain.StepResult) domain.StepResult {
	start := e.now()
	result := domain.StepResult{
		StepID:   step.ID,
		Output:   domain.Metadata{},
		Attempts: map[string]int{},
	}

	inputs, missing := resolveInputs(step, callerCtx, prior)
	if len(missing) > 0 {
		result.Status = domain.StepStatusSkipped
		result.Output = nil
		for _, reason := range missing {
			result.Errors = append(result.Errors, domain.StepError{
				Source:  "stepexec",
				Kind:    ErrKindDependency,
				Message: reason,
			})
		}
		result.Duration = e.now().Sub(start)
		return result
	}

	refOutputs := e.invokeRefs(ctx, step, inputs, &result)
	mergeOutputs(step, refOutputs, &result)

	succeeded := len(step.ToolRefs) - failedRefs(result.Errors, step)
	switch {
	case len(result.Errors) == 0:
		result.Status = domain.StepStatusSuccess
	case succeeded > 0:
		result.Status = domain.StepStatusPartial
	default:
		result.Status = domain.StepStatusFailed
		result.Output = domain.Metadata{}
	}
	result.Duration = e.now().Sub(start)
	return result
}

// resolveInputs reads each declared input from the caller context or a prior
// step's output. It returns the resolved values and, for any required input
// that cannot be satisfied, a descriptive reason.
func resolveInputs(step domain.StepDefinition, callerCtx domain.Metadata, prior map[string]domain.StepResult) (map[string]any, []string) {
	inputs := make(map[string]any, len(step.Inputs))
	var missing []string

	for name, spec := range step.Inputs {
		if spec.FromCaller() {
			value, ok := callerCtx[name]
			if !ok {
				if spec.Required {
					missing = append(missing, fmt.Sprintf("required input %q not supplied by caller", name))
				}
				continue
			}
			inputs[name] = value
			continue
		}

		upstream, ok := prior[spec.Source]
		if !ok || upstream.Status == domain.StepStatusFailed || upstream.Status == domain.StepStatusSkipped {
			if spec.Required {
				missing = append(missing, fmt.Sprintf("required input %q depends on step %q which did not produce output", name, spec.Source))
			}
			continue
		}
		field := strings.TrimSpace(spec.Field)
		if field == "" {
			field = name
		}
		value, ok := upstream.Output[field]
		if !ok {
			if spec.Required {
				missing = append(missing, fmt.Sprintf("required input %q: step %q output has no field %q", name, spec.Source, field))
			}
			continue
		}
		inputs[name] = value
	}
	return inputs, missing
}

type refResult struct {
	records domain.Records
	failed  bool
}

// invokeRefs executes the step's tool refs: refs without intra-step "ref."
// params fan out concurrently; refs that read another ref's output run
// afterwards, in declared order. The step blocks until every call settles.
func (e *Executor) invokeRefs(ctx context.Context, step domain.StepDefinition, inputs map[string]any, result *domain.StepResult) map[string]refResult {
	results := make(map[string]refResult, len(step.ToolRefs))

	var independent, dependent []domain.ToolRef
	for _, ref := range step.ToolRefs {
		if hasRefParams(ref) {
			dependent = append(dependent, ref)
		} else {
			independent = append(independent, ref)
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ref := range independent {
		wg.Add(1)
		go func(ref domain.ToolRef) {
			defer wg.Done()
			records, errs, attempts := e.callRef(ctx, ref, inputs, nil)
			mu.Lock()
			defer mu.Unlock()
			recordRef(results, result, ref, records, errs, attempts)
		}(ref)
	}
	wg.Wait()

	for _, ref := range dependent {
		records, errs, attempts := e.callRef(ctx, ref, inputs, results)
		recordRef(results, result, ref, records, errs, attempts)
	}
	return results
}

func recordRef(results map[string]refResult, result *domain.StepResult, ref domain.ToolRef, records domain.Records, errs []domain.StepError, attempts map[string]int) {
	results[ref.Capability] = refResult{records: records, failed: len(errs) > 0}
	result.Errors = append(result.Errors, errs...)
	for sourceName, n := range attempts {
		result.Attempts[sourceName] += n
	}
}

// callRef builds the params for one ref and dispatches it through the
// governor. A ref whose intra-step dependency failed is recorded as failed
// without issuing a call.
func (e *Executor) callRef(ctx context.Context, ref domain.ToolRef, inputs map[string]any, earlier map[string]refResult) (domain.Records, []domain.StepError, map[string]int) {
	adapter, err := e.registry.Resolve(ref.Capability)
	if err != nil {
		ae, _ := domain.AsAdapterError(err)
		return nil, []domain.StepError{stepError(ae)}, nil
	}

	params := make(map[string]any, len(ref.Params))
	for name, value := range ref.Params {
		if input, ok := domain.InputRef(value); ok {
			if v, present := inputs[input]; present {
				params[name] = v
			}
			continue
		}
		if capability, field, ok := domain.RefRef(value); ok {
			upstream, present := earlier[capability]
			if !present || upstream.failed {
				return nil, []domain.StepError{{
					Source:  adapter.Source(),
					Kind:    ErrKindDependency,
					Message: fmt.Sprintf("ref %q param %q depends on failed ref %q", ref.Capability, name, capability),
				}}, nil
			}
			if v, has := upstream.records[field]; has {
				params[name] = v
			}
			continue
		}
		params[name] = value
	}

	attempts := map[string]int{}
	records, n, err := e.governor.Execute(ctx, adapter.Source(), ref.Capability, func(ctx context.Context) (domain.Records, error) {
		return adapter.Call(ctx, ref.Capability, params)
	})
	attempts[adapter.Source()] = n
	if err != nil {
		ae, ok := domain.AsAdapterError(err)
		if !ok {
			ae = domain.NewAdapterError(adapter.Source(), domain.AdapterErrUpstream, err.Error())
		}
		return nil, []domain.StepError{stepError(ae)}, attempts
	}
	return records, nil, attempts
}

// mergeOutputs folds successful ref records into the step's declared output
// fields: Into restricts which record fields a ref contributes; the merged
// mapping is then filtered to the declared output spec.
func mergeOutputs(step domain.StepDefinition, refs map[string]refResult, result *domain.StepResult) {
	merged := domain.Metadata{}
	for _, ref := range step.ToolRefs {
		res, ok := refs[ref.Capability]
		if !ok || res.failed {
			continue
		}
		if len(ref.Into) == 0 {
			for field, value := range res.records {
				merged[field] = value
			}
			continue
		}
		for _, field := range ref.Into {
			if value, has := res.records[field]; has {
				merged[field] = value
			}
		}
	}

	for _, field := range step.Outputs {
		if value, ok := merged[field.Name]; ok {
			result.Output[field.Name] = value
		}
	}
}

func hasRefParams(ref domain.ToolRef) bool {
	for _, value := range ref.Params {
		if _, _, ok := domain.RefRef(value); ok {
			return true
		}
	}
	return false
}

func failedRefs(errs []domain.StepError, step domain.StepDefinition) int {
	// Each ref contributes at most one error entry.
	if len(errs) > len(step.ToolRefs) {
		return len(step.ToolRefs)
	}
	return len(errs)
}

func stepError(ae *domain.AdapterError) domain.StepError {
	return domain.StepError{
		Source:  ae.Source,
		Kind:    string(ae.Kind),
		Message: ae.Message,
	}
}
