// Package store defines the Job Record Store contract for test runs.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/testrun-service/internal/domain"
)

// Store persists test run records. Each status write is atomic on its own;
// transitions only ever move forward.
type Store interface {
	// CreateRun inserts a new record. The caller assigns the id and sets status QUEUED.
	CreateRun(ctx context.Context, run *domain.TestRun) error

	// GetRun returns the record or domain.ErrRunNotFound.
	GetRun(ctx context.Context, id string) (*domain.TestRun, error)

	// ListRuns returns runs newest first, one more than PageSize when more exist.
	ListRuns(ctx context.Context, filter ListFilter) ([]domain.TestRun, error)

	// MarkRunning moves a QUEUED or RUNNING record to RUNNING and refreshes updated_at.
	// Terminal records yield domain.ErrInvalidTransition.
	MarkRunning(ctx context.Context, id string) (*domain.TestRun, error)

	// FinishRun writes the terminal status and result of a RUNNING record.
	FinishRun(ctx context.Context, id string, status domain.Status, result *domain.Result) error

	// ListByStatus returns records with the given status created before olderThan.
	// A zero olderThan matches every record with that status.
	ListByStatus(ctx context.Context, status domain.Status, olderThan time.Time) ([]domain.TestRun, error)
}

// ListFilter narrows and pages ListRuns
type ListFilter struct {
	Status   domain.Status
	PageSize int
	Cursor   *Cursor
}

// Cursor is the keyset position of the last row of a page
type Cursor struct {
	CreatedAt time.Time
	ID        string
}
