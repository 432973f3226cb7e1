package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/metrics"
)

// processEntry drives one leased entry: RUNNING, generate, execute, terminal write, release.
// Nothing here returns an error; every outcome settles the record, the entry, or both.
func (w *Worker) processEntry(ctx context.Context, s *Slot, entry *domain.QueueEntry) {
	started := time.Now()
	logger := w.logger.With(
		slog.String("job_id", entry.JobID),
		slog.String("slot", s.name),
		slog.Int("attempt", entry.Attempts),
	)
	logger.Info("Processing job")

	// Step 1: QUEUED|RUNNING -> RUNNING
	if _, err := w.store.MarkRunning(ctx, entry.JobID); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			// Already terminal; this delivery is a duplicate
			logger.Warn("Job already finished, dropping delivery", slog.Any("error", err))
			w.releaseEntry(ctx, s, entry, true, false)
		case errors.Is(err, domain.ErrRunNotFound):
			logger.Error("Job has no record, failing entry")
			w.releaseEntry(ctx, s, entry, false, false)
		default:
			logger.Error("Failed to mark job running", slog.Any("error", err))
			w.releaseEntry(context.WithoutCancel(ctx), s, entry, false, true)
		}
		return
	}
	s.set(SlotExecuting)

	// Step 2: execute under a renewed lease
	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if w.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var leaseLost bool
	var hb sync.WaitGroup
	heartbeatDone := make(chan struct{})
	hb.Add(1)
	go func() {
		defer hb.Done()
		if !w.renewLease(jobCtx, s, entry.JobID, heartbeatDone) {
			leaseLost = true
			cancel()
		}
	}()

	result := w.execute(jobCtx, entry, logger)

	close(heartbeatDone)
	hb.Wait()

	if leaseLost {
		// Another slot may already own the entry; writing now could race it
		logger.Warn("Lease lost during execution, abandoning result")
		return
	}

	if ctx.Err() != nil {
		// Shutting down: hand the entry back so another worker re-runs it
		logger.Warn("Worker stopping mid-job, returning entry to queue")
		w.releaseEntry(context.WithoutCancel(ctx), s, entry, false, true)
		return
	}

	// Step 3: terminal write
	s.set(SlotFinalizing)
	status := domain.StatusFailed
	if result.Success {
		status = domain.StatusCompleted
	}

	finalizeCtx, cancelFinalize := context.WithTimeout(context.WithoutCancel(ctx), w.finalizeTimeout)
	defer cancelFinalize()

	err := w.store.FinishRun(finalizeCtx, entry.JobID, status, result)
	switch {
	case err == nil:
		metrics.RecordRunFinished(string(status), w.workerID, time.Since(started).Seconds())
		logger.Info("Job finished",
			slog.String("status", string(status)),
			slog.Duration("duration", time.Since(started)),
		)
		w.releaseEntry(finalizeCtx, s, entry, status == domain.StatusCompleted, false)

	case errors.Is(err, domain.ErrInvalidTransition):
		// Recovery or a previous holder already settled the record
		logger.Warn("Job already terminal, discarding result", slog.Any("error", err))
		w.releaseEntry(finalizeCtx, s, entry, true, false)

	case errors.Is(err, domain.ErrRunNotFound):
		logger.Error("Job record vanished before terminal write")
		w.releaseEntry(finalizeCtx, s, entry, false, false)

	default:
		// Record stays RUNNING; redelivery re-runs the job
		logger.Error("Failed to write terminal status", slog.Any("error", err))
		w.releaseEntry(finalizeCtx, s, entry, false, true)
	}
}

// execute calls the generator and executor, converting errors and panics into a failed result
func (w *Worker) execute(ctx context.Context, entry *domain.QueueEntry, logger *slog.Logger) (result *domain.Result) {
	result = &domain.Result{}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", slog.Any("panic", r))
			result.Success = false
			result.Error = fmt.Sprintf("panic during execution: %v", r)
		}
	}()

	source, err := w.generator.Generate(ctx, entry.Payload)
	if err != nil {
		logger.Error("Failed to generate test", slog.Any("error", err))
		result.Error = fmt.Sprintf("failed to generate test: %v", err)
		return result
	}
	result.TestCode = source

	out := w.executor.Execute(ctx, entry.JobID, source)
	result.Success = out.Success
	result.Output = out.Output
	result.Error = out.Error
	result.Artifacts = out.Artifacts

	if !out.Success && result.Error == "" {
		result.Error = "test execution failed"
	}
	if ctx.Err() != nil && !out.Success {
		result.Error = fmt.Sprintf("%s: %v", result.Error, ctx.Err())
	}
	return result
}

// renewLease extends the lease every renewInterval until done is closed.
// It returns false once the lease is lost.
func (w *Worker) renewLease(ctx context.Context, s *Slot, jobID string, done <-chan struct{}) bool {
	ticker := time.NewTicker(w.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return true
		case <-ctx.Done():
			return true
		case <-ticker.C:
			err := w.queue.Renew(ctx, jobID, s.name)
			switch {
			case err == nil:
				w.logger.Debug("Lease renewed", slog.String("job_id", jobID))
			case errors.Is(err, domain.ErrLeaseLost):
				metrics.RecordRenewFailure("lease_lost")
				w.logger.Error("Lease lost",
					slog.String("job_id", jobID),
					slog.String("slot", s.name),
				)
				return false
			default:
				// Transient; the next tick retries while the lease is still valid
				metrics.RecordRenewFailure("error")
				w.logger.Warn("Failed to renew lease",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
