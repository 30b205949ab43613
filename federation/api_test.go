package main

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/converge-bio/converge-go/internal/catalog"
	"github.com/converge-bio/converge-go/internal/domain"
	"github.com/converge-bio/converge-go/internal/engine"
	"github.com/converge-bio/converge-go/internal/repo"
)

type fakeRunRepo struct {
	mu   sync.Mutex
	byID map[string]domain.RunRecord
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{byID: map[string]domain.RunRecord{}}
}

func (r *fakeRunRepo) CreateRun(ctx context.Context, record domain.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[record.ID] = record
	return nil
}

func (r *fakeRunRepo) GetRun(ctx context.Context, id string) (domain.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.byID[id]
	if !ok {
		return domain.RunRecord{}, repo.ErrNotFound
	}
	return record, nil
}

func (r *fakeRunRepo) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RunRecord, 0, len(r.byID))
	for _, record := range r.byID {
		if filter.PlaybookID != "" && record.PlaybookID != filter.PlaybookID {
			continue
		}
		if filter.Status != "" && string(record.Status) != filter.Status {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

// scriptedRunner succeeds every step with canned outputs keyed by step id.
type scriptedRunner struct {
	outputs map[string]domain.Metadata
}

func (s *scriptedRunner) Execute(ctx context.Context, step domain.StepDefinition, callerCtx domain.Metadata, prior map[string]domain.StepResult) domain.StepResult {
	return domain.StepResult{
		StepID:   step.ID,
		Status:   domain.StepStatusSuccess,
		Output:   s.outputs[step.ID].Clone(),
		Attempts: map[string]int{"gwas": 1},
	}
}

func newTestAPI(t *testing.T, runs repo.RunRecordRepository) *federationAPI {
	t.Helper()
	playbookFS, err := fs.Sub(playbookFiles, "playbooks")
	if err != nil {
		t.Fatalf("sub fs: %v", err)
	}
	cat, err := catalog.Load(playbookFS)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	runner := &scriptedRunner{outputs: map[string]domain.Metadata{
		"find-associations": {"genes": []string{"LRRK2"}, "associations": []any{}},
		"map-pathways":      {"pathways": []any{}, "count": "0"},
		"find-compounds":    {"compounds": []any{}, "compound_ids": []string{"CHEMBL25"}},
		"find-trials":       {"trials": []any{}, "count": 0},
	}}
	eng := engine.New(cat, runner)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return newFederationAPI(logger, eng, runs, nil, time.Minute)
}

func serve(t *testing.T, api *federationAPI, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	api.register(mux)
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://federation.test"+target, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestEmbeddedPlaybooksLoad(t *testing.T) {
	playbookFS, err := fs.Sub(playbookFiles, "playbooks")
	if err != nil {
		t.Fatalf("sub fs: %v", err)
	}
	cat, err := catalog.Load(playbookFS)
	if err != nil {
		t.Fatalf("embedded playbooks must validate: %v", err)
	}
	want := []string{"drug-centric", "genetic-first", "mechanism-first"}
	got := cat.Playbooks()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestListPlaybooks(t *testing.T) {
	api := newTestAPI(t, newFakeRunRepo())
	rec := serve(t, api, http.MethodGet, "/playbooks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["source"] != "playbooks" {
		t.Fatalf("expected playbooks envelope, got %v", body["source"])
	}
	data := body["data"].(map[string]any)
	if data["count"].(float64) != 3 {
		t.Fatalf("expected 3 playbooks, got %v", data["count"])
	}
}

func TestGetPlaybookNotFound(t *testing.T) {
	api := newTestAPI(t, newFakeRunRepo())
	rec := serve(t, api, http.MethodGet, "/playbooks/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "playbook_not_found" {
		t.Fatalf("unexpected error code: %v", body["error"])
	}
}

func TestGetStep(t *testing.T) {
	api := newTestAPI(t, newFakeRunRepo())
	rec := serve(t, api, http.MethodGet, "/playbooks/genetic-first/steps/map-pathways", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	data := decodeBody(t, rec)["data"].(map[string]any)
	if data["id"] != "map-pathways" {
		t.Fatalf("unexpected step: %v", data["id"])
	}

	rec = serve(t, api, http.MethodGet, "/playbooks/genetic-first/steps/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRunPlaybookPersistsAndEnvelopes(t *testing.T) {
	runs := newFakeRunRepo()
	api := newTestAPI(t, runs)

	rec := serve(t, api, http.MethodPost, "/playbooks/genetic-first:run", `{"context":{"disease":"parkinson disease"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["source"] != "runs" {
		t.Fatalf("expected runs envelope, got %v", body["source"])
	}
	data := body["data"].(map[string]any)
	if data["status"] != string(domain.RunStatusCompleted) {
		t.Fatalf("expected completed run, got %v", data["status"])
	}
	meta := body["metadata"].(map[string]any)
	attempts := meta["attempt_counts_per_source"].(map[string]any)
	if attempts["gwas"].(float64) != 4 {
		t.Fatalf("expected 4 attempts across 4 steps, got %v", attempts)
	}

	runID := data["id"].(string)
	if _, err := runs.GetRun(context.Background(), runID); err != nil {
		t.Fatalf("run must be persisted: %v", err)
	}
}

func TestRunUnknownPlaybookAndAction(t *testing.T) {
	api := newTestAPI(t, newFakeRunRepo())

	rec := serve(t, api, http.MethodPost, "/playbooks/nope:run", `{"context":{}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = serve(t, api, http.MethodPost, "/playbooks/genetic-first:launch", `{"context":{}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "unknown_action" {
		t.Fatalf("unexpected error code: %v", body["error"])
	}
}

func TestRunRejectsInvalidDeadline(t *testing.T) {
	api := newTestAPI(t, newFakeRunRepo())
	rec := serve(t, api, http.MethodPost, "/playbooks/genetic-first:run", `{"context":{},"deadline":"4h"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("deadlines above the server cap must be rejected, got %d", rec.Code)
	}
}

func TestResumeRun(t *testing.T) {
	runs := newFakeRunRepo()
	api := newTestAPI(t, runs)

	rec := serve(t, api, http.MethodPost, "/playbooks/genetic-first:run", `{"context":{"disease":"parkinson disease"}}`)
	priorID := decodeBody(t, rec)["data"].(map[string]any)["id"].(string)

	rec = serve(t, api, http.MethodPost, "/runs/"+priorID+":resume",
		`{"from_step_id":"find-compounds","context_patch":{"disease":"parkinsonism"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	data := decodeBody(t, rec)["data"].(map[string]any)
	if data["id"] == priorID {
		t.Fatalf("resume must mint a fresh run id")
	}
	resumedCtx := data["context"].(map[string]any)
	if resumedCtx["disease"] != "parkinsonism" {
		t.Fatalf("context patch not applied: %v", resumedCtx)
	}
}

func TestResumeUnknownRunAndStep(t *testing.T) {
	runs := newFakeRunRepo()
	api := newTestAPI(t, runs)

	rec := serve(t, api, http.MethodPost, "/runs/ghost:resume", `{"from_step_id":"find-compounds"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "run_not_found" {
		t.Fatalf("unexpected error code: %v", body["error"])
	}

	run := serve(t, api, http.MethodPost, "/playbooks/genetic-first:run", `{"context":{"disease":"pd"}}`)
	priorID := decodeBody(t, run)["data"].(map[string]any)["id"].(string)
	rec = serve(t, api, http.MethodPost, "/runs/"+priorID+":resume", `{"from_step_id":"nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "step_not_found" {
		t.Fatalf("unexpected error code: %v", body["error"])
	}
}

func TestAnalyzeConvergence(t *testing.T) {
	runs := newFakeRunRepo()
	api := newTestAPI(t, runs)

	seed := func(id, playbookID string, tags []string) {
		_ = runs.CreateRun(context.Background(), domain.RunRecord{
			ID:         id,
			PlaybookID: playbookID,
			Context:    domain.Metadata{"evidence_tags": tags},
			Status:     domain.RunStatusCompleted,
			StartedAt:  time.Now(),
			Steps: []domain.StepResult{{
				StepID: "find-compounds",
				Status: domain.StepStatusSuccess,
				Output: domain.Metadata{"compound_ids": []any{"CHEMBL25"}},
			}},
		})
	}
	seed("run-1", "genetic-first", []string{"gwas-associated"})
	seed("run-2", "mechanism-first", []string{"pathway-member"})

	rec := serve(t, api, http.MethodPost, "/convergence:analyze", `{"run_ids":["run-1","run-2"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["source"] != "convergence" {
		t.Fatalf("expected convergence envelope, got %v", body["source"])
	}
	data := body["data"].(map[string]any)
	candidates := data["candidates"].([]any)
	if len(candidates) != 1 {
		t.Fatalf("expected one candidate, got %v", data)
	}
	first := candidates[0].(map[string]any)
	if first["candidate_key"] != "CHEMBL25" || first["confidence_tier"] != string(domain.TierHigh) {
		t.Fatalf("genetic+mechanistic support across two playbooks must be high tier, got %v", first)
	}
}

func TestAnalyzeUnknownRun(t *testing.T) {
	api := newTestAPI(t, newFakeRunRepo())
	rec := serve(t, api, http.MethodPost, "/convergence:analyze", `{"run_ids":["ghost"]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	details := body["details"].(map[string]any)
	if details["run_id"] != "ghost" {
		t.Fatalf("missing run id must be named: %v", body)
	}
}

func TestListRunsRejectsBadFilters(t *testing.T) {
	api := newTestAPI(t, newFakeRunRepo())
	rec := serve(t, api, http.MethodGet, "/runs?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = serve(t, api, http.MethodGet, "/runs?limit=0", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStepOutputExtractorSkipsFailedSteps(t *testing.T) {
	extract := stepOutputExtractor("", "")
	record := &domain.RunRecord{
		PlaybookID: "genetic-first",
		Context:    domain.Metadata{"evidence_tags": []any{"gwas-associated"}},
		Steps: []domain.StepResult{
			{
				StepID: "find-compounds",
				Status: domain.StepStatusSuccess,
				Output: domain.Metadata{"compound_ids": []any{"CHEMBL25", "CHEMBL941"}},
			},
			{
				StepID: "find-more",
				Status: domain.StepStatusFailed,
				Output: domain.Metadata{"compound_ids": []any{"CHEMBL0"}},
			},
		},
	}
	candidates := extract(record)
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates from successful steps only, got %v", candidates)
	}
	if candidates[0].Key != "CHEMBL25" || len(candidates[0].Tags) != 1 || candidates[0].Tags[0] != "gwas-associated" {
		t.Fatalf("unexpected candidate: %+v", candidates[0])
	}
}

func TestDecodeJSONRejectsExtraValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://federation.test/", strings.NewReader(`{"run_ids":[]} {"run_ids":[]}`))
	var dst analyzeRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeJSONDisallowUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://federation.test/", strings.NewReader(`{"run_ids":[],"extra":1}`))
	var dst analyzeRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}
