package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"testing/fstest"
	"time"

	"github.com/converge-bio/converge-go/internal/catalog"
	"github.com/converge-bio/converge-go/internal/domain"
)

const threeStepYAML = `id: genetic-first
title: Genetic-first repurposing
starting_point: disease
steps:
  - id: find-associations
    inputs:
      disease:
        source: caller
        required: true
    outputs:
      - name: genes
    tool_refs:
      - capability: gwas_search_associations
        params:
          trait: input.disease
  - id: map-pathways
    inputs:
      genes:
        source: find-associations
        required: true
    outputs:
      - name: pathways
    tool_refs:
      - capability: reactome_query_pathways
        params:
          query: input.genes
  - id: find-compounds
    inputs:
      pathways:
        source: map-pathways
        required: true
    outputs:
      - name: compounds
    tool_refs:
      - capability: chembl_find_compounds
        params:
          pathways: input.pathways
`

// branchingYAML has two independent branches off the first step, so one
// branch failing must not abort the other.
const branchingYAML = `id: branching
title: Branching playbook
steps:
  - id: root
    inputs:
      disease:
        source: caller
        required: true
    outputs:
      - name: genes
    tool_refs:
      - capability: gwas_search_associations
        params:
          trait: input.disease
  - id: left
    inputs:
      genes:
        source: root
        required: true
    outputs:
      - name: pathways
    tool_refs:
      - capability: reactome_query_pathways
        params:
          query: input.genes
  - id: right
    inputs:
      genes:
        source: root
        required: true
    outputs:
      - name: variants
    tool_refs:
      - capability: gwas_variant_details
        params:
          genes: input.genes
`

// scriptedRunner returns canned results per step id and records the caller
// context and prior results each step observed.
type scriptedRunner struct {
	results  map[string]domain.StepResult
	observed []observedCall
	delay    time.Duration
	cancelFn func(stepID string)
}

type observedCall struct {
	stepID    string
	callerCtx domain.Metadata
	priorIDs  []string
}

func (r *scriptedRunner) Execute(_ context.Context, step domain.StepDefinition, callerCtx domain.Metadata, prior map[string]domain.StepResult) domain.StepResult {
	ids := make([]string, 0, len(prior))
	for id := range prior {
		ids = append(ids, id)
	}
	r.observed = append(r.observed, observedCall{stepID: step.ID, callerCtx: callerCtx.Clone(), priorIDs: ids})
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.cancelFn != nil {
		r.cancelFn(step.ID)
	}
	if res, ok := r.results[step.ID]; ok {
		return res
	}
	return domain.StepResult{
		StepID: step.ID,
		Status: domain.StepStatusSuccess,
		Output: domain.Metadata{"ok": true},
	}
}

func loadCatalog(t *testing.T, docs ...string) *catalog.Catalog {
	t.Helper()
	fsys := fstest.MapFS{}
	for i, doc := range docs {
		fsys[string(rune('a'+i))+".yaml"] = &fstest.MapFile{Data: []byte(doc)}
	}
	cat, err := catalog.Load(fsys)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return cat
}

func newTestEngine(t *testing.T, runner StepRunner, docs ...string) *Engine {
	t.Helper()
	e := New(loadCatalog(t, docs...), runner)
	if e == nil {
		t.Fatalf("engine constructor returned nil")
	}
	n := 0
	e.newID = func() string {
		n++
		return "run-" + string(rune('0'+n))
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }
	return e
}

func TestRunCompletedWhenEveryStepSucceeds(t *testing.T) {
	runner := &scriptedRunner{}
	e := newTestEngine(t, runner, threeStepYAML)

	record, err := e.Run(context.Background(), "genetic-first", domain.Metadata{"disease": "parkinson"}, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if record.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", record.Status)
	}
	if len(record.Steps) != 3 {
		t.Fatalf("expected 3 step results, got %d", len(record.Steps))
	}
	if record.FinishedAt == nil {
		t.Fatalf("expected FinishedAt to be set")
	}
	want := []string{"find-associations", "map-pathways", "find-compounds"}
	for i, step := range record.Steps {
		if step.StepID != want[i] {
			t.Fatalf("step %d: expected %s, got %s", i, want[i], step.StepID)
		}
	}
}

func TestRunPartialWhenBranchFailsButSiblingSurvives(t *testing.T) {
	runner := &scriptedRunner{
		results: map[string]domain.StepResult{
			"left": {StepID: "left", Status: domain.StepStatusFailed, Errors: []domain.StepError{{Source: "reactome", Kind: "upstream_error", Message: "503"}}},
		},
	}
	e := newTestEngine(t, runner, branchingYAML)

	record, err := e.Run(context.Background(), "branching", domain.Metadata{"disease": "parkinson"}, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if record.Status != domain.RunStatusPartial {
		t.Fatalf("expected partial, got %s", record.Status)
	}
	// The right branch does not depend on the failed left branch, so it
	// still runs.
	var ranRight bool
	for _, call := range runner.observed {
		if call.stepID == "right" {
			ranRight = true
		}
	}
	if !ranRight {
		t.Fatalf("independent sibling step should still execute")
	}
}

func TestRunAbortsWhenEveryRemainingStepIsUnreachable(t *testing.T) {
	runner := &scriptedRunner{
		results: map[string]domain.StepResult{
			"find-associations": {StepID: "find-associations", Status: domain.StepStatusFailed, Errors: []domain.StepError{{Source: "gwas", Kind: "upstream_error", Message: "503"}}},
		},
	}
	e := newTestEngine(t, runner, threeStepYAML)

	record, err := e.Run(context.Background(), "genetic-first", domain.Metadata{"disease": "parkinson"}, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if record.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed, got %s", record.Status)
	}
	if len(runner.observed) != 1 {
		t.Fatalf("expected only the first step to execute, got %d", len(runner.observed))
	}
	if len(record.Steps) != 3 {
		t.Fatalf("expected all 3 steps recorded, got %d", len(record.Steps))
	}
	for _, step := range record.Steps[1:] {
		if step.Status != domain.StepStatusSkipped {
			t.Fatalf("expected remaining steps skipped, got %s for %s", step.Status, step.StepID)
		}
	}
}

func TestRunFinalStepFailureIsPartialNotFailed(t *testing.T) {
	runner := &scriptedRunner{
		results: map[string]domain.StepResult{
			"find-compounds": {StepID: "find-compounds", Status: domain.StepStatusFailed, Errors: []domain.StepError{{Source: "chembl", Kind: "timeout", Message: "deadline"}}},
		},
	}
	e := newTestEngine(t, runner, threeStepYAML)

	record, err := e.Run(context.Background(), "genetic-first", domain.Metadata{"disease": "parkinson"}, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if record.Status != domain.RunStatusPartial {
		t.Fatalf("a failed final step degrades the run, got %s", record.Status)
	}
}

func TestRunUnknownPlaybook(t *testing.T) {
	e := newTestEngine(t, &scriptedRunner{}, threeStepYAML)
	if _, err := e.Run(context.Background(), "nope", nil, Options{}); !errors.Is(err, ErrUnknownPlaybook) {
		t.Fatalf("expected ErrUnknownPlaybook, got %v", err)
	}
}

func TestRunCancellationSkipsRemainingSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{}
	runner.cancelFn = func(stepID string) {
		if stepID == "find-associations" {
			cancel()
		}
	}
	e := newTestEngine(t, runner, threeStepYAML)

	record, err := e.Run(ctx, "genetic-first", domain.Metadata{"disease": "parkinson"}, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if record.Status != domain.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", record.Status)
	}
	if len(runner.observed) != 1 {
		t.Fatalf("no new step should start after cancellation, got %d", len(runner.observed))
	}
	if len(record.Steps) != 3 {
		t.Fatalf("expected every step recorded, got %d", len(record.Steps))
	}
	for _, step := range record.Steps[1:] {
		if step.Status != domain.StepStatusSkipped || step.Errors[0].Kind != "run_cancelled" {
			t.Fatalf("expected run_cancelled skip, got %+v", step)
		}
	}
}

func TestRunCancellationDuringFinalStepFinalizesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{}
	runner.cancelFn = func(stepID string) {
		if stepID == "find-compounds" {
			cancel()
		}
	}
	e := newTestEngine(t, runner, threeStepYAML)

	record, err := e.Run(ctx, "genetic-first", domain.Metadata{"disease": "parkinson"}, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if record.Status != domain.RunStatusCancelled {
		t.Fatalf("cancel during the final step must finalize as cancelled, got %s", record.Status)
	}
	if len(runner.observed) != 3 {
		t.Fatalf("the in-flight final step must finish, got %d executed", len(runner.observed))
	}
	if len(record.Steps) != 3 {
		t.Fatalf("expected every step recorded, got %d", len(record.Steps))
	}
	for _, step := range record.Steps {
		if step.Status != domain.StepStatusSuccess {
			t.Fatalf("executed steps keep their own outcome, got %+v", step)
		}
	}
	if record.FinishedAt == nil {
		t.Fatalf("cancelled run must still be finalized")
	}
}

func TestResumeReusesEarlierStepsVerbatim(t *testing.T) {
	runner := &scriptedRunner{
		results: map[string]domain.StepResult{
			"find-compounds": {StepID: "find-compounds", Status: domain.StepStatusFailed, Errors: []domain.StepError{{Source: "chembl", Kind: "timeout", Message: "deadline"}}},
		},
	}
	e := newTestEngine(t, runner, threeStepYAML)

	first, err := e.Run(context.Background(), "genetic-first", domain.Metadata{"disease": "parkinson"}, Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Second pass: the last step now succeeds.
	runner.results = nil
	resumed, err := e.Resume(context.Background(), first, "find-compounds", nil, Options{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID == first.ID {
		t.Fatalf("resumed run must get a fresh id")
	}
	if !reflect.DeepEqual(resumed.Steps[:2], first.Steps[:2]) {
		t.Fatalf("steps before the resume point must be reused verbatim:\n%+v\nvs\n%+v", resumed.Steps[:2], first.Steps[:2])
	}
	if resumed.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", resumed.Status)
	}
	// Only the resumed step re-executed in the second pass.
	reexecuted := runner.observed[len(runner.observed)-1]
	if reexecuted.stepID != "find-compounds" {
		t.Fatalf("expected only find-compounds to re-execute, got %s", reexecuted.stepID)
	}
	if len(reexecuted.priorIDs) != 2 {
		t.Fatalf("resumed step should see both prior results, got %v", reexecuted.priorIDs)
	}
}

func TestResumeAppliesContextPatch(t *testing.T) {
	runner := &scriptedRunner{}
	e := newTestEngine(t, runner, threeStepYAML)

	first, err := e.Run(context.Background(), "genetic-first", domain.Metadata{"disease": "parkinsn"}, Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	resumed, err := e.Resume(context.Background(), first, "map-pathways", domain.Metadata{"disease": "parkinson"}, Options{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Context["disease"] != "parkinson" {
		t.Fatalf("patch should override the prior context, got %v", resumed.Context)
	}
	if first.Context["disease"] != "parkinsn" {
		t.Fatalf("the prior record's context must not be mutated")
	}
	last := runner.observed[len(runner.observed)-1]
	if last.callerCtx["disease"] != "parkinson" {
		t.Fatalf("re-executed steps should see the patched context, got %v", last.callerCtx)
	}
}

func TestResumeUnknownStep(t *testing.T) {
	e := newTestEngine(t, &scriptedRunner{}, threeStepYAML)
	first, err := e.Run(context.Background(), "genetic-first", domain.Metadata{"disease": "parkinson"}, Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := e.Resume(context.Background(), first, "nope", nil, Options{}); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}

func TestStepIntrospection(t *testing.T) {
	e := newTestEngine(t, &scriptedRunner{}, threeStepYAML)
	step, err := e.Step("genetic-first", "map-pathways")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if step.ID != "map-pathways" {
		t.Fatalf("unexpected step: %+v", step)
	}
	if _, err := e.Step("nope", "map-pathways"); !errors.Is(err, ErrUnknownPlaybook) {
		t.Fatalf("expected ErrUnknownPlaybook, got %v", err)
	}
}
