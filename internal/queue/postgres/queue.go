// Package postgres implements queue.Queue on a PostgreSQL lease table.
// Leasing claims rows with SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers never block on, or share, the same entry.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

const entryColumns = `job_id, payload, state, attempts, lease_owner, enqueued_at, lock_until, finished_at`

// Queue handles all run_queue table operations
type Queue struct {
	db     *sqlx.DB
	opts   queue.Options
	logger *slog.Logger
}

// NewQueue creates a new Postgres-backed queue
func NewQueue(db *sqlx.DB, opts queue.Options, logger *slog.Logger) *Queue {
	return &Queue{
		db:     db,
		opts:   opts.WithDefaults(),
		logger: logger,
	}
}

type entryRow struct {
	JobID      string         `db:"job_id"`
	Payload    []byte         `db:"payload"`
	State      string         `db:"state"`
	Attempts   int            `db:"attempts"`
	LeaseOwner sql.NullString `db:"lease_owner"`
	EnqueuedAt time.Time      `db:"enqueued_at"`
	LockUntil  sql.NullTime   `db:"lock_until"`
	FinishedAt sql.NullTime   `db:"finished_at"`
}

func (r *entryRow) toDomain() (*domain.QueueEntry, error) {
	entry := &domain.QueueEntry{
		JobID:      r.JobID,
		State:      domain.EntryState(r.State),
		Attempts:   r.Attempts,
		LeaseOwner: r.LeaseOwner.String,
		EnqueuedAt: r.EnqueuedAt,
		LockUntil:  r.LockUntil.Time,
		FinishedAt: r.FinishedAt.Time,
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of job %s: %w", r.JobID, err)
		}
	}
	return entry, nil
}

// Enqueue inserts a pending entry, or resets one that is finished or exhausted
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload domain.Payload) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO run_queue (job_id, payload, state, attempts, enqueued_at)
		VALUES ($1, $2, 'pending', 0, $3)
		ON CONFLICT (job_id) DO UPDATE
		SET payload = EXCLUDED.payload,
		    state = 'pending',
		    attempts = 0,
		    lease_owner = NULL,
		    enqueued_at = EXCLUDED.enqueued_at,
		    lock_until = NULL,
		    finished_at = NULL
		WHERE run_queue.state IN ('completed', 'failed')
		   OR (run_queue.state = 'leased' AND run_queue.lock_until <= $3 AND run_queue.attempts > $4)
	`

	res, err := q.db.ExecContext(ctx, query, jobID, string(data), q.opts.Clock(), q.opts.MaxLeaseRetries)
	if err != nil {
		return false, domain.NewRetryableError(fmt.Errorf("failed to enqueue job %s: %w", jobID, err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Lease claims the oldest available entry in a single transaction
func (q *Queue) Lease(ctx context.Context, workerID string) (*domain.QueueEntry, error) {
	now := q.opts.Clock()

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to begin lease transaction: %w", err))
	}
	defer tx.Rollback()

	// Dead-letter expired leases that used up their redelivery budget
	res, err := tx.ExecContext(ctx, `
		UPDATE run_queue
		SET state = 'failed',
		    lease_owner = NULL,
		    finished_at = $1
		WHERE state = 'leased'
		  AND lock_until <= $1
		  AND attempts > $2
	`, now, q.opts.MaxLeaseRetries)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to expire exhausted leases: %w", err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Warn("Queue entries exceeded max lease retries",
			slog.Int64("count", n),
			slog.Int("max_lease_retries", q.opts.MaxLeaseRetries),
		)
	}

	query := `
		UPDATE run_queue
		SET state = 'leased',
		    lease_owner = $1,
		    lock_until = $2,
		    attempts = attempts + 1
		WHERE job_id = (
			SELECT job_id
			FROM run_queue
			WHERE state = 'pending'
			   OR (state = 'leased' AND lock_until <= $3)
			ORDER BY enqueued_at ASC, job_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns

	var row entryRow
	err = tx.GetContext(ctx, &row, query, workerID, now.Add(q.opts.LeaseDuration), now)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to lease job: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to commit lease: %w", err))
	}

	if row.JobID == "" {
		return nil, nil
	}
	return row.toDomain()
}

// Renew extends the lease held by workerID
func (q *Queue) Renew(ctx context.Context, jobID, workerID string) error {
	now := q.opts.Clock()
	query := `
		UPDATE run_queue
		SET lock_until = $1
		WHERE job_id = $2
		  AND state = 'leased'
		  AND lease_owner = $3
		  AND lock_until > $4
	`
	return q.settle(ctx, "renew", query, now.Add(q.opts.LeaseDuration), jobID, workerID, now)
}

// Complete marks the entry completed
func (q *Queue) Complete(ctx context.Context, jobID, workerID string) error {
	query := `
		UPDATE run_queue
		SET state = 'completed',
		    lease_owner = NULL,
		    finished_at = $1
		WHERE job_id = $2
		  AND state = 'leased'
		  AND lease_owner = $3
		  AND lock_until > $1
	`
	return q.settle(ctx, "complete", query, q.opts.Clock(), jobID, workerID)
}

// Fail returns the entry to pending when retryable with budget left, otherwise marks it failed
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, retryable bool) error {
	query := `
		UPDATE run_queue
		SET state = CASE WHEN $1::boolean AND attempts <= $2::int THEN 'pending' ELSE 'failed' END,
		    finished_at = CASE WHEN $1::boolean AND attempts <= $2::int THEN NULL ELSE $3::timestamptz END,
		    lease_owner = NULL,
		    lock_until = NULL
		WHERE job_id = $4
		  AND state = 'leased'
		  AND lease_owner = $5
		  AND lock_until > $3::timestamptz
	`
	return q.settle(ctx, "fail", query, retryable, q.opts.MaxLeaseRetries, q.opts.Clock(), jobID, workerID)
}

func (q *Queue) settle(ctx context.Context, action, query string, args ...interface{}) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to %s job: %w", action, err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Get returns the entry for jobID
func (q *Queue) Get(ctx context.Context, jobID string) (*domain.QueueEntry, error) {
	var row entryRow
	err := q.db.GetContext(ctx, &row, `SELECT `+entryColumns+` FROM run_queue WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to get job %s: %w", jobID, err))
	}
	return row.toDomain()
}

// Clean deletes up to limit finished entries older than the retention window
func (q *Queue) Clean(ctx context.Context, state domain.EntryState, olderThan time.Duration, limit int) (int, error) {
	if state != domain.EntryCompleted && state != domain.EntryFailed {
		return 0, fmt.Errorf("failed to clean queue: state %q is not finished", state)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		DELETE FROM run_queue
		WHERE job_id IN (
			SELECT job_id
			FROM run_queue
			WHERE state = $1
			  AND finished_at < $2
			ORDER BY finished_at ASC
			LIMIT $3
		)
		  AND state = $1
	`

	res, err := q.db.ExecContext(ctx, query, string(state), q.opts.Clock().Add(-olderThan), limit)
	if err != nil {
		return 0, domain.NewRetryableError(fmt.Errorf("failed to clean %s jobs: %w", state, err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}
