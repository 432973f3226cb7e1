// Package postgres implements store.Store on PostgreSQL using sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/store"
	"github.com/jmoiron/sqlx"
)

var _ store.Store = (*Store)(nil)

const runColumns = `id, url, prompt, credentials, status, result, created_at, updated_at`

// Store handles all test_runs table operations
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

type runRow struct {
	ID          string    `db:"id"`
	URL         string    `db:"url"`
	Prompt      string    `db:"prompt"`
	Credentials []byte    `db:"credentials"`
	Status      string    `db:"status"`
	Result      []byte    `db:"result"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *runRow) toDomain() (*domain.TestRun, error) {
	run := &domain.TestRun{
		ID:        r.ID,
		URL:       r.URL,
		Prompt:    r.Prompt,
		Status:    domain.Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Credentials) > 0 && string(r.Credentials) != "null" {
		run.Credentials = json.RawMessage(r.Credentials)
	}
	if len(r.Result) > 0 {
		var result domain.Result
		if err := json.Unmarshal(r.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to decode result of run %s: %w", r.ID, err)
		}
		run.Result = &result
	}
	return run, nil
}

// jsonbArg turns raw JSON into a text parameter; lib/pq sends []byte as bytea.
func jsonbArg(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// CreateRun inserts a new test run record. Zero timestamps are set to now.
func (s *Store) CreateRun(ctx context.Context, run *domain.TestRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}

	query := `
		INSERT INTO test_runs (
			id, url, prompt, credentials, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.URL,
		run.Prompt,
		jsonbArg(run.Credentials),
		string(run.Status),
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to create test run: %w", err))
	}

	return nil
}

// GetRun retrieves a test run by its ID
func (s *Store) GetRun(ctx context.Context, id string) (*domain.TestRun, error) {
	query := `SELECT ` + runColumns + ` FROM test_runs WHERE id = $1`

	var row runRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to get test run: %w", err))
	}

	return row.toDomain()
}

// ListRuns lists runs newest first using keyset pagination on (created_at, id)
func (s *Store) ListRuns(ctx context.Context, filter store.ListFilter) ([]domain.TestRun, error) {
	query := `SELECT ` + runColumns + ` FROM test_runs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to list test runs: %w", err))
	}

	return toDomainSlice(rows)
}

// MarkRunning moves a QUEUED or RUNNING record to RUNNING
func (s *Store) MarkRunning(ctx context.Context, id string) (*domain.TestRun, error) {
	query := `
		UPDATE test_runs
		SET status = $1,
		    updated_at = NOW()
		WHERE id = $2
		  AND status IN ($3, $4)
		RETURNING ` + runColumns

	var row runRow
	err := s.db.GetContext(ctx, &row, query,
		string(domain.StatusRunning), id, string(domain.StatusQueued), string(domain.StatusRunning))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.explainMiss(ctx, id, domain.StatusRunning)
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to mark test run running: %w", err))
	}

	return row.toDomain()
}

// FinishRun writes the terminal status and result of a RUNNING record
func (s *Store) FinishRun(ctx context.Context, id string, status domain.Status, result *domain.Result) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, status)
	}

	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	query := `
		UPDATE test_runs
		SET status = $1,
		    result = $2,
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, string(status), jsonbArg(resultJSON), id, string(domain.StatusRunning))
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to finish test run: %w", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.explainMiss(ctx, id, status)
	}

	s.logger.Info("Test run finished",
		slog.String("run_id", id),
		slog.String("status", string(status)),
	)

	return nil
}

// ListByStatus returns records with the given status created before olderThan
func (s *Store) ListByStatus(ctx context.Context, status domain.Status, olderThan time.Time) ([]domain.TestRun, error) {
	query := `SELECT ` + runColumns + ` FROM test_runs WHERE status = $1`
	args := []interface{}{string(status)}

	if !olderThan.IsZero() {
		query += " AND created_at < $2"
		args = append(args, olderThan)
	}
	query += " ORDER BY created_at ASC"

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to list test runs by status: %w", err))
	}

	return toDomainSlice(rows)
}

// explainMiss distinguishes a missing record from a refused transition
func (s *Store) explainMiss(ctx context.Context, id string, target domain.Status) error {
	var current string
	err := s.db.GetContext(ctx, &current, `SELECT status FROM test_runs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrRunNotFound
		}
		return domain.NewRetryableError(fmt.Errorf("failed to read test run status: %w", err))
	}

	s.logger.Warn("Refused test run status transition",
		slog.String("run_id", id),
		slog.String("from", current),
		slog.String("to", string(target)),
	)
	return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, current, target)
}

func toDomainSlice(rows []runRow) ([]domain.TestRun, error) {
	runs := make([]domain.TestRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}
