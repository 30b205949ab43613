package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/converge-bio/converge-go/internal/archive"
	"github.com/converge-bio/converge-go/internal/converge"
	"github.com/converge-bio/converge-go/internal/domain"
	"github.com/converge-bio/converge-go/internal/engine"
	"github.com/converge-bio/converge-go/internal/platform/httpserver"
	"github.com/converge-bio/converge-go/internal/repo"
)

type federationAPI struct {
	logger       *slog.Logger
	engine       *engine.Engine
	runs         repo.RunRecordRepository
	archiver     *archive.Archiver
	runDeadline  time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

func newFederationAPI(logger *slog.Logger, eng *engine.Engine, runs repo.RunRecordRepository, archiver *archive.Archiver, runDeadline time.Duration) *federationAPI {
	if runDeadline <= 0 {
		runDeadline = 10 * time.Minute
	}
	return &federationAPI{
		logger:       logger,
		engine:       eng,
		runs:         runs,
		archiver:     archiver,
		runDeadline:  runDeadline,
		storeTimeout: 5 * time.Second,
		now:          time.Now,
	}
}

func (api *federationAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /playbooks", api.handleListPlaybooks)
	mux.HandleFunc("GET /playbooks/{playbook_id}", api.handleGetPlaybook)
	mux.HandleFunc("GET /playbooks/{playbook_id}/steps/{step_id}", api.handleGetStep)

	// ServeMux wildcards span whole segments, so "pd-genetic:run" arrives
	// as one path value and the action is split off the trailing colon.
	mux.HandleFunc("POST /playbooks/{playbook_action}", api.handlePlaybookAction)
	mux.HandleFunc("POST /runs/{run_action}", api.handleRunAction)
	mux.HandleFunc("POST /convergence:analyze", api.handleAnalyze)

	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
}

// Every success payload carries the same envelope so agents can treat all
// federation responses uniformly.
type envelope struct {
	Source   string           `json:"source"`
	Data     any              `json:"data"`
	Metadata envelopeMetadata `json:"metadata"`
}

type envelopeMetadata struct {
	Timestamp     time.Time      `json:"timestamp"`
	AttemptCounts map[string]int `json:"attempt_counts_per_source,omitempty"`
}

type playbookSummary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	StartingPoint string `json:"starting_point,omitempty"`
	StepCount     int    `json:"step_count"`
}

func (api *federationAPI) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	ids := api.engine.Playbooks()
	summaries := make([]playbookSummary, 0, len(ids))
	for _, id := range ids {
		pb, err := api.engine.Playbook(id)
		if err != nil {
			continue
		}
		summaries = append(summaries, playbookSummary{
			ID:            pb.ID,
			Title:         pb.Title,
			Description:   pb.Description,
			StartingPoint: pb.StartingPoint,
			StepCount:     len(pb.Steps),
		})
	}
	api.writeEnvelope(w, http.StatusOK, "playbooks", map[string]any{
		"playbooks": summaries,
		"count":     len(summaries),
	}, nil)
}

func (api *federationAPI) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	pb, err := api.engine.Playbook(r.PathValue("playbook_id"))
	if err != nil {
		api.writeError(w, r, http.StatusNotFound, "playbook_not_found")
		return
	}
	api.writeEnvelope(w, http.StatusOK, "playbooks", pb, nil)
}

func (api *federationAPI) handleGetStep(w http.ResponseWriter, r *http.Request) {
	step, err := api.engine.Step(r.PathValue("playbook_id"), r.PathValue("step_id"))
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownPlaybook):
			api.writeError(w, r, http.StatusNotFound, "playbook_not_found")
		default:
			api.writeError(w, r, http.StatusNotFound, "step_not_found")
		}
		return
	}
	api.writeEnvelope(w, http.StatusOK, "playbooks", step, nil)
}

type runRequest struct {
	Context  map[string]any `json:"context"`
	Deadline string         `json:"deadline,omitempty"`
}

func (api *federationAPI) handlePlaybookAction(w http.ResponseWriter, r *http.Request) {
	playbookID, action, ok := splitAction(r.PathValue("playbook_action"))
	if !ok || action != "run" {
		api.writeError(w, r, http.StatusNotFound, "unknown_action")
		return
	}

	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	opts, err := api.runOptions(req.Deadline)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_deadline")
		return
	}

	record, err := api.engine.Run(r.Context(), playbookID, domain.Metadata(req.Context), opts)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownPlaybook) {
			api.writeError(w, r, http.StatusNotFound, "playbook_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.persistRun(r.Context(), record)
	api.writeEnvelope(w, http.StatusOK, "runs", record, record.AttemptTotals())
}

type resumeRequest struct {
	FromStepID   string         `json:"from_step_id"`
	ContextPatch map[string]any `json:"context_patch,omitempty"`
	Deadline     string         `json:"deadline,omitempty"`
}

func (api *federationAPI) handleRunAction(w http.ResponseWriter, r *http.Request) {
	runID, action, ok := splitAction(r.PathValue("run_action"))
	if !ok || action != "resume" {
		api.writeError(w, r, http.StatusNotFound, "unknown_action")
		return
	}

	var req resumeRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.FromStepID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "from_step_id_required")
		return
	}
	opts, err := api.runOptions(req.Deadline)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_deadline")
		return
	}

	prior, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	record, err := api.engine.Resume(r.Context(), &prior, req.FromStepID, domain.Metadata(req.ContextPatch), opts)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownPlaybook):
			api.writeError(w, r, http.StatusNotFound, "playbook_not_found")
		case errors.Is(err, engine.ErrUnknownStep):
			api.writeError(w, r, http.StatusNotFound, "step_not_found")
		default:
			api.writeError(w, r, http.StatusBadRequest, "resume_rejected")
		}
		return
	}

	api.persistRun(r.Context(), record)
	api.writeEnvelope(w, http.StatusOK, "runs", record, record.AttemptTotals())
}

type analyzeRequest struct {
	RunIDs         []string `json:"run_ids"`
	CandidateField string   `json:"candidate_field,omitempty"`
	TagField       string   `json:"tag_field,omitempty"`
}

func (api *federationAPI) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.RunIDs) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "run_ids_required")
		return
	}

	records := make([]*domain.RunRecord, 0, len(req.RunIDs))
	for _, id := range req.RunIDs {
		record, err := api.runs.GetRun(r.Context(), id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				api.writeErrorWithDetails(w, r, http.StatusNotFound, "run_not_found", map[string]any{"run_id": id})
				return
			}
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		records = append(records, &record)
	}

	candidates := converge.Analyze(records, stepOutputExtractor(req.CandidateField, req.TagField))
	api.writeEnvelope(w, http.StatusOK, "convergence", map[string]any{
		"candidates":    candidates,
		"count":         len(candidates),
		"runs_analyzed": len(records),
	}, nil)
}

func (api *federationAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	record, err := api.runs.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeEnvelope(w, http.StatusOK, "runs", record, record.AttemptTotals())
}

func (api *federationAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		PlaybookID: strings.TrimSpace(r.URL.Query().Get("playbook_id")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.NormalizeRunStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = string(status)
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = limit
	}

	records, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeEnvelope(w, http.StatusOK, "runs", map[string]any{
		"runs":  records,
		"count": len(records),
	}, nil)
}

// persistRun stores a settled run. Best effort: the caller already holds
// the full record, so storage failures are logged, not surfaced.
func (api *federationAPI) persistRun(ctx context.Context, record *domain.RunRecord) {
	if record == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), api.storeTimeout)
	defer cancel()

	if api.runs != nil {
		if err := api.runs.CreateRun(storeCtx, *record); err != nil {
			api.logger.Error("persist run failed", "run_id", record.ID, "error", err)
		}
	}
	if api.archiver != nil {
		if _, err := api.archiver.Put(storeCtx, *record); err != nil {
			api.logger.Error("archive run failed", "run_id", record.ID, "error", err)
		}
	}
}

func (api *federationAPI) runOptions(deadline string) (engine.Options, error) {
	opts := engine.Options{Deadline: api.runDeadline}
	if strings.TrimSpace(deadline) == "" {
		return opts, nil
	}
	d, err := time.ParseDuration(deadline)
	if err != nil || d <= 0 || d > api.runDeadline {
		return engine.Options{}, errors.New("invalid deadline")
	}
	opts.Deadline = d
	return opts, nil
}

// stepOutputExtractor reads candidates out of a run's step outputs: the
// candidate field holds candidate keys, the tag field holds the qualitative
// evidence tags that run contributes for them.
func stepOutputExtractor(candidateField, tagField string) converge.CandidateExtractor {
	if strings.TrimSpace(candidateField) == "" {
		candidateField = "compound_ids"
	}
	if strings.TrimSpace(tagField) == "" {
		tagField = "evidence_tags"
	}
	return func(record *domain.RunRecord) []converge.Candidate {
		tags := stringList(record.Context[tagField])
		var out []converge.Candidate
		for _, step := range record.Steps {
			if step.Status != domain.StepStatusSuccess && step.Status != domain.StepStatusPartial {
				continue
			}
			stepTags := append(append([]string(nil), stringList(step.Output[tagField])...), tags...)
			for _, key := range stringList(step.Output[candidateField]) {
				out = append(out, converge.Candidate{Key: key, Tags: stepTags})
			}
		}
		return out
	}
}

// stringList coerces a JSON-decoded value into a list of strings.
func stringList(value any) []string {
	switch typed := value.(type) {
	case nil:
		return nil
	case []string:
		return typed
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil
		}
		return []string{typed}
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func splitAction(raw string) (id, action string, ok bool) {
	id, action, ok = strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(action) == "" {
		return "", "", false
	}
	return id, action, true
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *federationAPI) writeEnvelope(w http.ResponseWriter, status int, source string, data any, attempts map[string]int) {
	httpserver.WriteJSON(w, status, envelope{
		Source: source,
		Data:   data,
		Metadata: envelopeMetadata{
			Timestamp:     api.now().UTC(),
			AttemptCounts: attempts,
		},
	})
}

func (api *federationAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	httpserver.WriteJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID,
	})
}

func (api *federationAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	httpserver.WriteJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID,
		"details":    details,
	})
}
