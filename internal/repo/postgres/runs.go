package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/converge-bio/converge-go/internal/domain"
	"github.com/converge-bio/converge-go/internal/repo"
)

const selectRunColumns = `run_id, playbook_id, status, context, steps, started_at, finished_at`

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, record domain.RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := record.Validate(); err != nil {
		return err
	}
	contextJSON, err := encodeMetadata(record.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	stepsJSON, err := encodeSteps(record.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	startedAt := normalizeTime(record.StartedAt)
	var finishedAt sql.NullTime
	if record.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: record.FinishedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO playbook_runs (
			run_id,
			playbook_id,
			status,
			context,
			steps,
			started_at,
			finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(record.ID),
		strings.TrimSpace(record.PlaybookID),
		string(record.Status),
		contextJSON,
		stepsJSON,
		startedAt,
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return domain.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.RunRecord{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectRunColumns+` FROM playbook_runs WHERE run_id = $1`,
		id,
	)
	record, err := scanRun(row.Scan)
	if err != nil {
		return domain.RunRecord{}, handleNotFound(err)
	}
	return record, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if strings.TrimSpace(filter.PlaybookID) != "" {
		args = append(args, strings.TrimSpace(filter.PlaybookID))
		clauses = append(clauses, fmt.Sprintf("playbook_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Status) != "" {
		args = append(args, strings.TrimSpace(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + selectRunColumns + ` FROM playbook_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	records := make([]domain.RunRecord, 0)
	for rows.Next() {
		record, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return records, nil
}

func scanRun(scan func(dest ...any) error) (domain.RunRecord, error) {
	var record domain.RunRecord
	var status string
	var contextJSON []byte
	var stepsJSON []byte
	var finishedAt sql.NullTime
	if err := scan(&record.ID, &record.PlaybookID, &status, &contextJSON, &stepsJSON, &record.StartedAt, &finishedAt); err != nil {
		return domain.RunRecord{}, err
	}
	record.Status = domain.RunStatus(status)
	if finishedAt.Valid {
		finished := finishedAt.Time.UTC()
		record.FinishedAt = &finished
	}
	callerCtx, err := decodeMetadata(contextJSON)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode context: %w", err)
	}
	steps, err := decodeSteps(stepsJSON)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode steps: %w", err)
	}
	record.Context = callerCtx
	record.Steps = steps
	return record, nil
}
