package repo

import (
	"context"
	"errors"

	"github.com/converge-bio/converge-go/internal/domain"
)

var ErrNotFound = errors.New("not found")

type RunFilter struct {
	PlaybookID string
	Status     string
	Limit      int
}

// RunRecordRepository persists completed run records. Records are written
// once, after the run settles; they are never updated in place.
type RunRecordRepository interface {
	CreateRun(ctx context.Context, record domain.RunRecord) error
	GetRun(ctx context.Context, id string) (domain.RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.RunRecord, error)
}
