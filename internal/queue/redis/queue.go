// Package redis implements queue.Queue on Redis. Entries are Hashes; pending,
// leased and finished ids are tracked in Sorted Sets, and every state change
// runs inside a Lua script so lease ownership is a single atomic check.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

// Option configures the Queue
type Option func(*Queue)

// WithPrefix overrides the key prefix
func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.keys = keys{prefix: prefix} }
}

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// Queue is a Redis-backed lease queue. The caller owns the client lifecycle.
type Queue struct {
	client redis.Cmdable
	keys   keys
	opts   queue.Options
	logger *slog.Logger
}

// New creates a Redis-backed queue
func New(client redis.Cmdable, opts queue.Options, options ...Option) *Queue {
	q := &Queue{
		client: client,
		keys:   keys{prefix: defaultPrefix},
		opts:   opts.WithDefaults(),
		logger: slog.Default(),
	}
	for _, o := range options {
		o(q)
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, jobID string, payload domain.Payload) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	created, err := enqueueScript.Run(ctx, q.client, q.keys.all(jobID),
		jobID, string(data), millis(q.opts.Clock()), q.opts.MaxLeaseRetries,
	).Int()
	if err != nil {
		return false, domain.NewRetryableError(fmt.Errorf("failed to enqueue job %s: %w", jobID, err))
	}

	if created == 1 {
		q.logger.Debug("Job enqueued", slog.String("job_id", jobID))
	}
	return created == 1, nil
}

func (q *Queue) Lease(ctx context.Context, workerID string) (*domain.QueueEntry, error) {
	now := q.opts.Clock()
	res, err := leaseScript.Run(ctx, q.client,
		[]string{q.keys.pending(), q.keys.leased(), q.keys.finished(string(domain.EntryFailed))},
		q.keys.entryPrefix(), millis(now), millis(now.Add(q.opts.LeaseDuration)), q.opts.MaxLeaseRetries, workerID,
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to lease job: %w", err))
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[fmt.Sprint(res[i])] = fmt.Sprint(res[i+1])
	}
	return toEntry(fields)
}

func (q *Queue) Renew(ctx context.Context, jobID, workerID string) error {
	return q.settle(ctx, jobID, workerID, "renew")
}

func (q *Queue) Complete(ctx context.Context, jobID, workerID string) error {
	return q.settle(ctx, jobID, workerID, "complete")
}

func (q *Queue) Fail(ctx context.Context, jobID, workerID string, retryable bool) error {
	action := "fail"
	if retryable {
		action = "retry"
	}
	return q.settle(ctx, jobID, workerID, action)
}

func (q *Queue) settle(ctx context.Context, jobID, workerID, action string) error {
	now := q.opts.Clock()
	ok, err := settleScript.Run(ctx, q.client, q.keys.all(jobID),
		jobID, workerID, millis(now), action, millis(now.Add(q.opts.LeaseDuration)), q.opts.MaxLeaseRetries,
	).Int()
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to %s job %s: %w", action, jobID, err))
	}
	if ok == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, jobID string) (*domain.QueueEntry, error) {
	fields, err := q.client.HGetAll(ctx, q.keys.entry(jobID)).Result()
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to get job %s: %w", jobID, err))
	}
	if len(fields) == 0 {
		return nil, domain.ErrEntryNotFound
	}
	return toEntry(fields)
}

func (q *Queue) Clean(ctx context.Context, state domain.EntryState, olderThan time.Duration, limit int) (int, error) {
	if state != domain.EntryCompleted && state != domain.EntryFailed {
		return 0, fmt.Errorf("failed to clean queue: state %q is not finished", state)
	}
	if limit <= 0 {
		limit = 100
	}

	cutoff := q.opts.Clock().Add(-olderThan)
	removed, err := cleanScript.Run(ctx, q.client, []string{q.keys.finished(string(state))},
		q.keys.entryPrefix(), millis(cutoff), limit, string(state),
	).Int()
	if err != nil {
		return 0, domain.NewRetryableError(fmt.Errorf("failed to clean %s jobs: %w", state, err))
	}
	return removed, nil
}

func toEntry(fields map[string]string) (*domain.QueueEntry, error) {
	entry := &domain.QueueEntry{
		JobID:      fields["job_id"],
		State:      domain.EntryState(fields["state"]),
		LeaseOwner: fields["owner"],
		EnqueuedAt: fromMillis(fields["enqueued_at"]),
		LockUntil:  fromMillis(fields["lock_until"]),
		FinishedAt: fromMillis(fields["finished_at"]),
	}
	entry.Attempts, _ = strconv.Atoi(fields["attempts"])

	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of job %s: %w", entry.JobID, err)
		}
	}
	return entry, nil
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
