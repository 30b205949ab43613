// Package calllog appends one row per upstream adapter call attempt. The
// log is append-only: rows carry an integrity hash and are never updated,
// so per-source quota audits can trust what they read back.
package calllog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Event struct {
	OccurredAt time.Time
	Source     string
	Capability string
	Attempt    int
	Outcome    string
	ErrorKind  string
	ElapsedMS  int64
	RequestID  string
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Source) == "" {
		return errors.New("Source is required")
	}
	if strings.TrimSpace(e.Capability) == "" {
		return errors.New("Capability is required")
	}
	if e.Attempt < 1 {
		return errors.New("Attempt must be >= 1")
	}
	if strings.TrimSpace(e.Outcome) == "" {
		return errors.New("Outcome is required")
	}
	return nil
}

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	integrity, err := ComputeIntegritySHA256(event)
	if err != nil {
		return 0, err
	}

	var errorKind sql.NullString
	if strings.TrimSpace(event.ErrorKind) != "" {
		errorKind = sql.NullString{String: strings.TrimSpace(event.ErrorKind), Valid: true}
	}
	var requestID sql.NullString
	if strings.TrimSpace(event.RequestID) != "" {
		requestID = sql.NullString{String: strings.TrimSpace(event.RequestID), Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		`INSERT INTO source_call_events (
			occurred_at,
			source,
			capability,
			attempt,
			outcome,
			error_kind,
			elapsed_ms,
			request_id,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING event_id`,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Source),
		strings.TrimSpace(event.Capability),
		event.Attempt,
		strings.TrimSpace(event.Outcome),
		errorKind,
		event.ElapsedMS,
		requestID,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert call event: %w", err)
	}
	return id, nil
}

func ComputeIntegritySHA256(event Event) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time `json:"occurred_at"`
		Source     string    `json:"source"`
		Capability string    `json:"capability"`
		Attempt    int       `json:"attempt"`
		Outcome    string    `json:"outcome"`
		ErrorKind  string    `json:"error_kind,omitempty"`
		ElapsedMS  int64     `json:"elapsed_ms"`
		RequestID  string    `json:"request_id,omitempty"`
	}

	in := integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		Source:     strings.TrimSpace(event.Source),
		Capability: strings.TrimSpace(event.Capability),
		Attempt:    event.Attempt,
		Outcome:    strings.TrimSpace(event.Outcome),
		ErrorKind:  strings.TrimSpace(event.ErrorKind),
		ElapsedMS:  event.ElapsedMS,
		RequestID:  strings.TrimSpace(event.RequestID),
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
