package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the overall state of one playbook execution.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a final run outcome.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// StepStatus is the outcome of one executed step.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusPartial StepStatus = "partial"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusCompleted):
		return RunStatusCompleted
	case string(RunStatusPartial):
		return RunStatusPartial
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusCancelled):
		return RunStatusCancelled
	default:
		return ""
	}
}

// StepError records one adapter-level failure inside a step.
type StepError struct {
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StepResult is the recorded outcome of one step within a run.
type StepResult struct {
	StepID   string         `json:"step_id"`
	Status   StepStatus     `json:"status"`
	Output   Metadata       `json:"output,omitempty"`
	Errors   []StepError    `json:"errors,omitempty"`
	Attempts map[string]int `json:"attempts,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// RunRecord is the full account of one playbook execution. It is mutated
// only by the engine while the run is in flight; once finished it is
// read-only from this core's perspective.
type RunRecord struct {
	ID         string       `json:"id"`
	PlaybookID string       `json:"playbook_id"`
	Context    Metadata     `json:"context"`
	Steps      []StepResult `json:"steps"`
	Status     RunStatus    `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

func (r RunRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.PlaybookID) == "" {
		return errors.New("playbook id is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if r.StartedAt.IsZero() {
		return errors.New("started at is required")
	}
	return nil
}

// StepResultByID returns the recorded result for one step, if present.
func (r RunRecord) StepResultByID(stepID string) (StepResult, bool) {
	for _, step := range r.Steps {
		if step.StepID == stepID {
			return step, true
		}
	}
	return StepResult{}, false
}

// AttemptTotals sums adapter attempts per source across all steps.
func (r RunRecord) AttemptTotals() map[string]int {
	totals := make(map[string]int)
	for _, step := range r.Steps {
		for source, attempts := range step.Attempts {
			totals[source] += attempts
		}
	}
	return totals
}
