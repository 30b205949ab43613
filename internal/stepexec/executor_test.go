package stepexec

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/converge-bio/converge-go/internal/domain"
	"github.com/converge-bio/converge-go/internal/governor"
	"github.com/converge-bio/converge-go/internal/source"
)

type fakeAdapter struct {
	source       string
	capabilities []string

	mu    sync.Mutex
	calls []map[string]any
	fn    func(capability string, params map[string]any) (domain.Records, error)
}

func (a *fakeAdapter) Source() string         { return a.source }
func (a *fakeAdapter) Capabilities() []string { return a.capabilities }
func (a *fakeAdapter) Call(_ context.Context, capability string, params map[string]any) (domain.Records, error) {
	a.mu.Lock()
	a.calls = append(a.calls, params)
	a.mu.Unlock()
	return a.fn(capability, params)
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func newTestExecutor(t *testing.T, adapters ...*fakeAdapter) *Executor {
	t.Helper()
	registry := source.NewRegistry()
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.source, err)
		}
	}
	cfg := governor.Config{
		DefaultLimit: governor.SourceLimit{PerSecond: 1000, Burst: 1000},
		Retry: governor.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
			Multiplier:  2,
		},
		CallTimeout: time.Second,
	}
	gov, err := governor.New(cfg, nil)
	if err != nil {
		t.Fatalf("governor: %v", err)
	}
	return New(registry, gov)
}

func twoRefStep() domain.StepDefinition {
	return domain.StepDefinition{
		ID: "gather-evidence",
		Inputs: map[string]domain.InputSpec{
			"gene": {Source: domain.InputSourceCaller, Required: true},
		},
		Outputs: []domain.OutputField{
			{Name: "pathways"},
			{Name: "variants"},
		},
		ToolRefs: []domain.ToolRef{
			{Capability: "reactome_query_pathways", Params: map[string]string{"query": "input.gene"}, Into: []string{"pathways"}},
			{Capability: "gwas_search_associations", Params: map[string]string{"gene": "input.gene"}, Into: []string{"variants"}},
		},
	}
}

func TestExecuteSuccessMergesDeclaredOutputs(t *testing.T) {
	reactome := &fakeAdapter{
		source:       "reactome",
		capabilities: []string{"reactome_query_pathways"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return domain.Records{"pathways": []string{"R-HSA-1"}, "undeclared": true}, nil
		},
	}
	gwas := &fakeAdapter{
		source:       "gwas",
		capabilities: []string{"gwas_search_associations"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return domain.Records{"variants": []string{"rs123"}}, nil
		},
	}
	exec := newTestExecutor(t, reactome, gwas)

	result := exec.Execute(context.Background(), twoRefStep(), domain.Metadata{"gene": "LRRK2"}, nil)
	if result.Status != domain.StepStatusSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Status, result.Errors)
	}
	if _, ok := result.Output["pathways"]; !ok {
		t.Fatalf("expected pathways in output, got %v", result.Output)
	}
	if _, ok := result.Output["undeclared"]; ok {
		t.Fatalf("output must be filtered to declared fields, got %v", result.Output)
	}
	if result.Attempts["reactome"] != 1 || result.Attempts["gwas"] != 1 {
		t.Fatalf("unexpected attempts: %v", result.Attempts)
	}
}

func TestExecuteMissingRequiredInputSkipsWithoutCalls(t *testing.T) {
	reactome := &fakeAdapter{
		source:       "reactome",
		capabilities: []string{"reactome_query_pathways"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return domain.Records{}, nil
		},
	}
	gwas := &fakeAdapter{
		source:       "gwas",
		capabilities: []string{"gwas_search_associations"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return domain.Records{}, nil
		},
	}
	exec := newTestExecutor(t, reactome, gwas)

	result := exec.Execute(context.Background(), twoRefStep(), domain.Metadata{}, nil)
	if result.Status != domain.StepStatusSkipped {
		t.Fatalf("expected skipped, got %s", result.Status)
	}
	if reactome.callCount()+gwas.callCount() != 0 {
		t.Fatalf("skipped step must not issue adapter calls")
	}
	if len(result.Errors) != 1 || result.Errors[0].Kind != ErrKindDependency {
		t.Fatalf("expected one dependency error, got %v", result.Errors)
	}
}

func TestExecuteSkipsWhenUpstreamStepFailed(t *testing.T) {
	chembl := &fakeAdapter{
		source:       "chembl",
		capabilities: []string{"chembl_find_compounds"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return domain.Records{}, nil
		},
	}
	exec := newTestExecutor(t, chembl)

	step := domain.StepDefinition{
		ID: "find-compounds",
		Inputs: map[string]domain.InputSpec{
			"targets": {Source: "map-targets", Required: true},
		},
		Outputs:  []domain.OutputField{{Name: "compounds"}},
		ToolRefs: []domain.ToolRef{{Capability: "chembl_find_compounds", Params: map[string]string{"targets": "input.targets"}}},
	}
	prior := map[string]domain.StepResult{
		"map-targets": {StepID: "map-targets", Status: domain.StepStatusFailed},
	}

	result := exec.Execute(context.Background(), step, domain.Metadata{}, prior)
	if result.Status != domain.StepStatusSkipped {
		t.Fatalf("expected skipped, got %s", result.Status)
	}
	if chembl.callCount() != 0 {
		t.Fatalf("expected no adapter calls, got %d", chembl.callCount())
	}
	if !strings.Contains(result.Errors[0].Message, "map-targets") {
		t.Fatalf("error should name the failed upstream step: %v", result.Errors)
	}
}

func TestExecutePartialWhenOneRefFails(t *testing.T) {
	reactome := &fakeAdapter{
		source:       "reactome",
		capabilities: []string{"reactome_query_pathways"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return domain.Records{"pathways": []string{"R-HSA-1"}}, nil
		},
	}
	gwas := &fakeAdapter{
		source:       "gwas",
		capabilities: []string{"gwas_search_associations"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return nil, domain.NewAdapterError("gwas", domain.AdapterErrNotFound, "no associations")
		},
	}
	exec := newTestExecutor(t, reactome, gwas)

	result := exec.Execute(context.Background(), twoRefStep(), domain.Metadata{"gene": "LRRK2"}, nil)
	if result.Status != domain.StepStatusPartial {
		t.Fatalf("expected partial, got %s (%v)", result.Status, result.Errors)
	}
	if _, ok := result.Output["pathways"]; !ok {
		t.Fatalf("successful ref output must survive a sibling failure: %v", result.Output)
	}
	if len(result.Errors) != 1 || result.Errors[0].Source != "gwas" {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
}

func TestExecuteFailedWhenAllRefsFail(t *testing.T) {
	reactome := &fakeAdapter{
		source:       "reactome",
		capabilities: []string{"reactome_query_pathways"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return nil, domain.NewAdapterError("reactome", domain.AdapterErrInvalidRequest, "bad query")
		},
	}
	gwas := &fakeAdapter{
		source:       "gwas",
		capabilities: []string{"gwas_search_associations"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return nil, domain.NewAdapterError("gwas", domain.AdapterErrNotFound, "no associations")
		},
	}
	exec := newTestExecutor(t, reactome, gwas)

	result := exec.Execute(context.Background(), twoRefStep(), domain.Metadata{"gene": "LRRK2"}, nil)
	if result.Status != domain.StepStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if len(result.Output) != 0 {
		t.Fatalf("failed step must not expose output, got %v", result.Output)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("expected both ref errors recorded, got %v", result.Errors)
	}
}

func TestExecuteDependentRefReadsEarlierRefOutput(t *testing.T) {
	uniprot := &fakeAdapter{
		source:       "uniprot",
		capabilities: []string{"uniprot_lookup"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return domain.Records{"accession": "Q5S007"}, nil
		},
	}
	reactome := &fakeAdapter{
		source:       "reactome",
		capabilities: []string{"reactome_query_pathways"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return domain.Records{"pathways": []string{"R-HSA-1"}}, nil
		},
	}
	exec := newTestExecutor(t, uniprot, reactome)

	step := domain.StepDefinition{
		ID: "resolve-then-map",
		Inputs: map[string]domain.InputSpec{
			"gene": {Source: domain.InputSourceCaller, Required: true},
		},
		Outputs: []domain.OutputField{{Name: "pathways"}},
		ToolRefs: []domain.ToolRef{
			{Capability: "uniprot_lookup", Params: map[string]string{"gene": "input.gene"}},
			{Capability: "reactome_query_pathways", Params: map[string]string{"protein": "ref.uniprot_lookup.accession"}, Into: []string{"pathways"}},
		},
	}

	result := exec.Execute(context.Background(), step, domain.Metadata{"gene": "LRRK2"}, nil)
	if result.Status != domain.StepStatusSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Status, result.Errors)
	}
	reactome.mu.Lock()
	params := reactome.calls[0]
	reactome.mu.Unlock()
	if params["protein"] != "Q5S007" {
		t.Fatalf("dependent ref should receive the earlier ref's field, got %v", params)
	}
}

func TestExecuteDependentRefFailsWithoutCallWhenUpstreamRefFailed(t *testing.T) {
	uniprot := &fakeAdapter{
		source:       "uniprot",
		capabilities: []string{"uniprot_lookup"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return nil, domain.NewAdapterError("uniprot", domain.AdapterErrNotFound, "unknown gene")
		},
	}
	reactome := &fakeAdapter{
		source:       "reactome",
		capabilities: []string{"reactome_query_pathways"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return domain.Records{}, nil
		},
	}
	exec := newTestExecutor(t, uniprot, reactome)

	step := domain.StepDefinition{
		ID: "resolve-then-map",
		Inputs: map[string]domain.InputSpec{
			"gene": {Source: domain.InputSourceCaller, Required: true},
		},
		Outputs: []domain.OutputField{{Name: "pathways"}},
		ToolRefs: []domain.ToolRef{
			{Capability: "uniprot_lookup", Params: map[string]string{"gene": "input.gene"}},
			{Capability: "reactome_query_pathways", Params: map[string]string{"protein": "ref.uniprot_lookup.accession"}},
		},
	}

	result := exec.Execute(context.Background(), step, domain.Metadata{"gene": "XYZ"}, nil)
	if result.Status != domain.StepStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if reactome.callCount() != 0 {
		t.Fatalf("dependent ref must not call when its upstream ref failed")
	}
	var sawDependency bool
	for _, e := range result.Errors {
		if e.Kind == ErrKindDependency {
			sawDependency = true
		}
	}
	if !sawDependency {
		t.Fatalf("expected a dependency error for the dependent ref, got %v", result.Errors)
	}
}

func TestExecuteAccumulatesRetryAttempts(t *testing.T) {
	var n int
	var mu sync.Mutex
	gwas := &fakeAdapter{
		source:       "gwas",
		capabilities: []string{"gwas_search_associations"},
	}
	gwas.fn = func(string, map[string]any) (domain.Records, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == 1 {
			return nil, domain.NewAdapterError("gwas", domain.AdapterErrRateLimited, "429")
		}
		return domain.Records{"variants": []string{"rs123"}}, nil
	}
	exec := newTestExecutor(t, gwas)

	step := domain.StepDefinition{
		ID:       "find-associations",
		Outputs:  []domain.OutputField{{Name: "variants"}},
		ToolRefs: []domain.ToolRef{{Capability: "gwas_search_associations", Params: map[string]string{"trait": "parkinson"}}},
	}
	result := exec.Execute(context.Background(), step, nil, nil)
	if result.Status != domain.StepStatusSuccess {
		t.Fatalf("expected success after retry, got %s (%v)", result.Status, result.Errors)
	}
	if result.Attempts["gwas"] != 2 {
		t.Fatalf("expected 2 attempts against gwas, got %v", result.Attempts)
	}
}

func TestExecuteUnknownCapabilityRecordedAsRefFailure(t *testing.T) {
	reactome := &fakeAdapter{
		source:       "reactome",
		capabilities: []string{"reactome_query_pathways"},
		fn: func(string, map[string]any) (domain.Records, error) {
			return domain.Records{"pathways": []string{"R-HSA-1"}}, nil
		},
	}
	exec := newTestExecutor(t, reactome)

	step := twoRefStep()
	result := exec.Execute(context.Background(), step, domain.Metadata{"gene": "LRRK2"}, nil)
	if result.Status != domain.StepStatusPartial {
		t.Fatalf("expected partial when one capability is unregistered, got %s", result.Status)
	}
	if len(result.Errors) != 1 || result.Errors[0].Kind != string(domain.AdapterErrInvalidRequest) {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
}
