// Package recovery reconciles the record store against the queue after a
// restart. There is no transaction spanning the two, so this pass is the only
// thing that repairs records left behind by a crash or a torn write.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/metrics"
	"github.com/cuongbtq/testrun-service/internal/queue"
	"github.com/cuongbtq/testrun-service/internal/store"
)

// LostExecutionReason is written to result.error for RUNNING records without a live entry
const LostExecutionReason = "execution lost on restart"

// Defaults applied by New
const (
	DefaultStaleThreshold = 5 * time.Minute
	DefaultConcurrency    = 4
	DefaultCleanupLimit   = 100
)

// Config holds coordinator configuration
type Config struct {
	Logger          *slog.Logger
	Store           store.Store
	Queue           queue.Queue
	StaleThreshold  time.Duration
	MaxLeaseRetries int
	Concurrency     int
	Clock           func() time.Time
}

// Coordinator runs the reconciliation pass
type Coordinator struct {
	logger          *slog.Logger
	store           store.Store
	queue           queue.Queue
	staleThreshold  time.Duration
	maxLeaseRetries int
	concurrency     int
	clock           func() time.Time
}

// Report summarises one pass
type Report struct {
	Running   int // RUNNING records inspected
	Queued    int // stale QUEUED records inspected
	Recovered int // RUNNING records left for redelivery
	Requeued  int // stale QUEUED records enqueued again
	Failed    int // RUNNING records marked FAILED
	Errors    int // records that could not be repaired this pass
}

// New creates a Coordinator
func New(cfg *Config) *Coordinator {
	c := &Coordinator{
		logger:          cfg.Logger,
		store:           cfg.Store,
		queue:           cfg.Queue,
		staleThreshold:  cfg.StaleThreshold,
		maxLeaseRetries: cfg.MaxLeaseRetries,
		concurrency:     cfg.Concurrency,
		clock:           cfg.Clock,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.staleThreshold <= 0 {
		c.staleThreshold = DefaultStaleThreshold
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// Run performs one bounded pass. It never fails: a record that cannot be
// repaired is logged and counted, and the pass moves on.
func (c *Coordinator) Run(ctx context.Context) Report {
	c.logger.Info("Starting recovery pass",
		slog.Duration("stale_threshold", c.staleThreshold),
		slog.Int("max_lease_retries", c.maxLeaseRetries),
	)

	var (
		mu     sync.Mutex
		report Report
	)
	record := func(fn func(r *Report)) {
		mu.Lock()
		fn(&report)
		mu.Unlock()
	}

	wp := workerpool.New(c.concurrency)

	// Step 1: RUNNING records must still have a live entry
	running, err := c.store.ListByStatus(ctx, domain.StatusRunning, time.Time{})
	if err != nil {
		c.logger.Error("Failed to list running records", slog.Any("error", err))
		record(func(r *Report) { r.Errors++ })
	}
	record(func(r *Report) { r.Running = len(running) })

	for i := range running {
		run := running[i]
		wp.Submit(func() {
			outcome, err := c.repairRunning(ctx, &run)
			record(func(r *Report) {
				switch {
				case err != nil:
					r.Errors++
				case outcome == outcomeFailed:
					r.Failed++
				case outcome == outcomeRecovered:
					r.Recovered++
				}
			})
			if err != nil {
				c.logger.Error("Failed to repair running record",
					slog.String("job_id", run.ID),
					slog.Any("error", err),
				)
			}
		})
	}

	// Step 2: stale QUEUED records whose enqueue may never have happened
	cutoff := c.clock().Add(-c.staleThreshold)
	queued, err := c.store.ListByStatus(ctx, domain.StatusQueued, cutoff)
	if err != nil {
		c.logger.Error("Failed to list stale queued records", slog.Any("error", err))
		record(func(r *Report) { r.Errors++ })
	}
	record(func(r *Report) { r.Queued = len(queued) })

	for i := range queued {
		run := queued[i]
		wp.Submit(func() {
			requeued, err := c.repairQueued(ctx, &run)
			record(func(r *Report) {
				if err != nil {
					r.Errors++
				} else if requeued {
					r.Requeued++
				}
			})
			if err != nil {
				c.logger.Error("Failed to requeue stale record",
					slog.String("job_id", run.ID),
					slog.Any("error", err),
				)
			}
		})
	}

	wp.StopWait()

	metrics.RecordRecovery("failed", report.Failed)
	metrics.RecordRecovery("recovered", report.Recovered)
	metrics.RecordRecovery("requeued", report.Requeued)
	metrics.RecordRecovery("error", report.Errors)

	c.logger.Info("Recovery pass complete",
		slog.Int("running", report.Running),
		slog.Int("stale_queued", report.Queued),
		slog.Int("recovered", report.Recovered),
		slog.Int("requeued", report.Requeued),
		slog.Int("failed", report.Failed),
		slog.Int("errors", report.Errors),
	)
	return report
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeRecovered
	outcomeFailed
)

// repairRunning fails a RUNNING record whose entry is gone or can no longer be redelivered
func (c *Coordinator) repairRunning(ctx context.Context, run *domain.TestRun) (o outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while repairing record: %v", r)
		}
	}()

	now := c.clock()
	live, err := queue.IsLive(ctx, c.queue, run.ID, now, c.maxLeaseRetries)
	if err != nil {
		return outcomeNone, fmt.Errorf("failed to check queue entry: %w", err)
	}
	if live {
		c.logger.Info("Running record has a live entry, leaving it for redelivery",
			slog.String("job_id", run.ID),
		)
		return outcomeRecovered, nil
	}

	result := &domain.Result{
		Success:     false,
		Error:       LostExecutionReason,
		RecoveredAt: &now,
	}
	if run.Result != nil {
		result.TestCode = run.Result.TestCode
	}

	err = c.store.FinishRun(ctx, run.ID, domain.StatusFailed, result)
	if errors.Is(err, domain.ErrInvalidTransition) {
		// A worker finished it between the list and the write
		return outcomeNone, nil
	}
	if err != nil {
		return outcomeNone, fmt.Errorf("failed to mark record failed: %w", err)
	}

	c.logger.Warn("Marked orphaned running record failed",
		slog.String("job_id", run.ID),
		slog.String("reason", LostExecutionReason),
	)
	return outcomeFailed, nil
}

// repairQueued re-enqueues a stale QUEUED record that has no live entry
func (c *Coordinator) repairQueued(ctx context.Context, run *domain.TestRun) (requeued bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while requeueing record: %v", r)
		}
	}()

	live, err := queue.IsLive(ctx, c.queue, run.ID, c.clock(), c.maxLeaseRetries)
	if err != nil {
		return false, fmt.Errorf("failed to check queue entry: %w", err)
	}
	if live {
		return false, nil
	}

	created, err := c.queue.Enqueue(ctx, run.ID, run.Payload())
	if err != nil {
		return false, fmt.Errorf("failed to enqueue: %w", err)
	}
	if created {
		c.logger.Info("Requeued stale record", slog.String("job_id", run.ID))
	}
	return created, nil
}

// CleanupPolicy bounds how long finished queue entries are kept
type CleanupPolicy struct {
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	Limit              int
}

// Cleanup removes finished queue entries past their retention. Records are never touched.
func (c *Coordinator) Cleanup(ctx context.Context, policy CleanupPolicy) int {
	if policy.Limit <= 0 {
		policy.Limit = DefaultCleanupLimit
	}

	total := 0
	for _, target := range []struct {
		state     domain.EntryState
		retention time.Duration
	}{
		{domain.EntryCompleted, policy.CompletedRetention},
		{domain.EntryFailed, policy.FailedRetention},
	} {
		if target.retention <= 0 {
			continue
		}
		n, err := c.queue.Clean(ctx, target.state, target.retention, policy.Limit)
		if err != nil {
			c.logger.Error("Failed to clean queue entries",
				slog.String("state", string(target.state)),
				slog.Any("error", err),
			)
			continue
		}
		metrics.RecordCleanup(string(target.state), n)
		total += n
	}

	if total > 0 {
		c.logger.Info("Cleaned up old queue entries", slog.Int("removed", total))
	}
	return total
}
