// Package engine drives playbook runs: it walks a playbook's steps in
// declared order, threads prior step outputs into later steps, and always
// returns a RunRecord describing exactly what happened. Ordinary upstream
// failures never surface as Go errors; they degrade the run to partial (or
// failed, when nothing downstream remains reachable).
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/converge-bio/converge-go/internal/catalog"
	"github.com/converge-bio/converge-go/internal/domain"
)

var (
	ErrUnknownPlaybook = errors.New("unknown playbook")
	ErrUnknownStep     = errors.New("unknown step")
)

// StepRunner executes one step. Satisfied by *stepexec.Executor.
type StepRunner interface {
	Execute(ctx context.Context, step domain.StepDefinition, callerCtx domain.Metadata, prior map[string]domain.StepResult) domain.StepResult
}

// Options tune one run.
type Options struct {
	// Deadline bounds the whole run; zero means no overall deadline
	// (per-call timeouts still apply).
	Deadline time.Duration
}

type Engine struct {
	catalog *catalog.Catalog
	exec    StepRunner
	now     func() time.Time
	newID   func() string
}

func New(cat *catalog.Catalog, exec StepRunner) *Engine {
	if cat == nil || exec == nil {
		return nil
	}
	return &Engine{
		catalog: cat,
		exec:    exec,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Playbooks lists known playbook ids.
func (e *Engine) Playbooks() []string { return e.catalog.Playbooks() }

// Playbook returns one playbook's full step definitions for introspection.
func (e *Engine) Playbook(id string) (domain.PlaybookDefinition, error) {
	pb, ok := e.catalog.Playbook(id)
	if !ok {
		return domain.PlaybookDefinition{}, fmt.Errorf("%w: %q", ErrUnknownPlaybook, id)
	}
	return pb, nil
}

// Step returns a single step definition without executing it.
func (e *Engine) Step(playbookID, stepID string) (domain.StepDefinition, error) {
	if _, ok := e.catalog.Playbook(playbookID); !ok {
		return domain.StepDefinition{}, fmt.Errorf("%w: %q", ErrUnknownPlaybook, playbookID)
	}
	step, ok := e.catalog.Step(playbookID, stepID)
	if !ok {
		return domain.StepDefinition{}, fmt.Errorf("%w: %q", ErrUnknownStep, stepID)
	}
	return step, nil
}

// Run executes one playbook against a caller context. The returned record
// always describes every step; an error is returned only for an unknown
// playbook id.
func (e *Engine) Run(ctx context.Context, playbookID string, callerCtx domain.Metadata, opts Options) (*domain.RunRecord, error) {
	pb, ok := e.catalog.Playbook(playbookID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlaybook, playbookID)
	}

	record := &domain.RunRecord{
		ID:         e.newID(),
		PlaybookID: pb.ID,
		Context:    callerCtx.Clone(),
		Status:     domain.RunStatusRunning,
		StartedAt:  e.now().UTC(),
	}
	e.execute(ctx, pb, record, 0, opts)
	return record, nil
}

// Resume re-executes a prior run from fromStepID onward. Earlier step
// results are reused verbatim; patch is merged over the original caller
// context so a corrected argument reaches the re-executed steps.
func (e *Engine) Resume(ctx context.Context, prior *domain.RunRecord, fromStepID string, patch domain.Metadata, opts Options) (*domain.RunRecord, error) {
	if prior == nil {
		return nil, errors.New("prior run record is required")
	}
	pb, ok := e.catalog.Playbook(prior.PlaybookID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlaybook, prior.PlaybookID)
	}
	fromIdx := -1
	for i, step := range pb.Steps {
		if step.ID == strings.TrimSpace(fromStepID) {
			fromIdx = i
			break
		}
	}
	if fromIdx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, fromStepID)
	}

	callerCtx := prior.Context.Clone()
	for k, v := range patch {
		callerCtx[k] = v
	}

	record := &domain.RunRecord{
		ID:         e.newID(),
		PlaybookID: pb.ID,
		Context:    callerCtx,
		Status:     domain.RunStatusRunning,
		StartedAt:  e.now().UTC(),
	}
	for i := 0; i < fromIdx; i++ {
		reused, ok := prior.StepResultByID(pb.Steps[i].ID)
		if !ok {
			return nil, fmt.Errorf("prior run has no result for step %q", pb.Steps[i].ID)
		}
		record.Steps = append(record.Steps, reused)
	}
	e.execute(ctx, pb, record, fromIdx, opts)
	return record, nil
}

func (e *Engine) execute(ctx context.Context, pb domain.PlaybookDefinition, record *domain.RunRecord, fromIdx int, opts Options) {
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	prior := make(map[string]domain.StepResult, len(record.Steps))
	for _, step := range record.Steps {
		prior[step.StepID] = step
	}

	aborted := false
	for i := fromIdx; i < len(pb.Steps); i++ {
		if ctx.Err() != nil {
			e.cancelRemaining(pb, record, i)
			e.finish(record, domain.RunStatusCancelled)
			return
		}

		step := pb.Steps[i]
		result := e.exec.Execute(ctx, step, record.Context, prior)
		record.Steps = append(record.Steps, result)
		prior[step.ID] = result

		if result.Status == domain.StepStatusFailed && e.allRemainingUnreachable(pb, prior, i+1) {
			e.skipRemaining(pb, record, prior, i+1)
			aborted = true
			break
		}
	}

	// A cancel that lands while the final step is in flight still finalizes
	// the run as cancelled once that call settles.
	if !aborted && ctx.Err() != nil {
		e.finish(record, domain.RunStatusCancelled)
		return
	}

	e.finish(record, deriveStatus(record.Steps, aborted))
}

// allRemainingUnreachable reports whether every not-yet-run step transitively
// requires output from a step that has already failed or been skipped. Only
// then is the rest of the run aborted; a partial blast radius degrades the
// run instead, maximizing what the caller gets back.
func (e *Engine) allRemainingUnreachable(pb domain.PlaybookDefinition, prior map[string]domain.StepResult, nextIdx int) bool {
	if nextIdx >= len(pb.Steps) {
		return false
	}
	doomed := make(map[string]bool, len(pb.Steps))
	for id, result := range prior {
		doomed[id] = result.Status == domain.StepStatusFailed || result.Status == domain.StepStatusSkipped
	}
	for i := nextIdx; i < len(pb.Steps); i++ {
		step := pb.Steps[i]
		stepDoomed := false
		for _, in := range step.Inputs {
			if !in.Required || in.FromCaller() {
				continue
			}
			if doomed[in.Source] {
				stepDoomed = true
				break
			}
		}
		doomed[step.ID] = stepDoomed
		if !stepDoomed {
			return false
		}
	}
	return true
}

func (e *Engine) skipRemaining(pb domain.PlaybookDefinition, record *domain.RunRecord, prior map[string]domain.StepResult, fromIdx int) {
	for i := fromIdx; i < len(pb.Steps); i++ {
		step := pb.Steps[i]
		result := domain.StepResult{
			StepID: step.ID,
			Status: domain.StepStatusSkipped,
			Errors: []domain.StepError{{
				Source:  "engine",
				Kind:    "dependency_unsatisfied",
				Message: "unreachable: every remaining step depends on a failed step",
			}},
		}
		record.Steps = append(record.Steps, result)
		prior[step.ID] = result
	}
}

func (e *Engine) cancelRemaining(pb domain.PlaybookDefinition, record *domain.RunRecord, fromIdx int) {
	for i := fromIdx; i < len(pb.Steps); i++ {
		record.Steps = append(record.Steps, domain.StepResult{
			StepID: pb.Steps[i].ID,
			Status: domain.StepStatusSkipped,
			Errors: []domain.StepError{{
				Source:  "engine",
				Kind:    "run_cancelled",
				Message: "run cancelled before step started",
			}},
		})
	}
}

func (e *Engine) finish(record *domain.RunRecord, status domain.RunStatus) {
	finished := e.now().UTC()
	record.Status = status
	record.FinishedAt = &finished
}

func deriveStatus(steps []domain.StepResult, aborted bool) domain.RunStatus {
	if aborted {
		return domain.RunStatusFailed
	}
	for _, step := range steps {
		if step.Status != domain.StepStatusSuccess {
			return domain.RunStatusPartial
		}
	}
	return domain.RunStatusCompleted
}
