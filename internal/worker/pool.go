package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/metrics"
)

// SlotState is where a slot is in its lease cycle
type SlotState int32

// Slot states
const (
	SlotIdle SlotState = iota
	SlotLeased
	SlotExecuting
	SlotFinalizing
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "IDLE"
	case SlotLeased:
		return "LEASED"
	case SlotExecuting:
		return "EXECUTING"
	case SlotFinalizing:
		return "FINALIZING"
	default:
		return "UNKNOWN"
	}
}

// Slot executes at most one job at a time under its own lease owner id
type Slot struct {
	name  string
	state atomic.Int32
	job   atomic.Value // string
}

func newSlot(name string) *Slot {
	s := &Slot{name: name}
	s.job.Store("")
	return s
}

// Name is the lease owner id of the slot
func (s *Slot) Name() string { return s.name }

// State returns the current slot state
func (s *Slot) State() SlotState { return SlotState(s.state.Load()) }

// JobID returns the job held by the slot, empty when idle
func (s *Slot) JobID() string { return s.job.Load().(string) }

func (s *Slot) set(state SlotState) { s.state.Store(int32(state)) }

// spawnSlots starts one loop goroutine per slot
func (w *Worker) spawnSlots(ctx context.Context) {
	w.logger.Info("Spawning worker slots",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for _, s := range w.slots {
		w.wg.Add(1)
		go w.slotLoop(ctx, s)
	}
}

// slotLoop leases and processes entries, backing off while the queue is empty
func (w *Worker) slotLoop(ctx context.Context, s *Slot) {
	defer w.wg.Done()

	w.logger.Debug("Worker slot started", slog.String("slot", s.name))

	backoff := w.pollInterval

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker slot stopping - stopChan closed", slog.String("slot", s.name))
			return
		case <-ctx.Done():
			w.logger.Debug("Worker slot stopping - context canceled", slog.String("slot", s.name))
			return
		default:
		}

		processed, err := w.RunOnce(ctx, s)
		if err != nil {
			w.logger.Error("Failed to lease job",
				slog.String("slot", s.name),
				slog.Any("error", err),
			)
		}
		if processed {
			backoff = w.pollInterval
			continue
		}

		timer := time.NewTimer(backoff)
		select {
		case <-w.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
			backoff = w.pollInterval
		case <-timer.C:
			backoff *= 2
			if backoff > w.maxPollBackoff {
				backoff = w.maxPollBackoff
			}
		}
	}
}

// RunOnce leases at most one entry for the slot and processes it to completion.
// It reports whether an entry was leased.
func (w *Worker) RunOnce(ctx context.Context, s *Slot) (bool, error) {
	entry, err := w.queue.Lease(ctx, s.name)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	s.job.Store(entry.JobID)
	s.set(SlotLeased)
	metrics.SlotsBusy.WithLabelValues(w.workerID).Inc()
	defer func() {
		metrics.SlotsBusy.WithLabelValues(w.workerID).Dec()
		s.job.Store("")
		s.set(SlotIdle)
	}()

	w.processEntry(ctx, s, entry)
	return true, nil
}

// releaseEntry hands the entry back to the queue after the record is settled
func (w *Worker) releaseEntry(ctx context.Context, s *Slot, entry *domain.QueueEntry, complete, retryable bool) {
	var err error
	if complete {
		err = w.queue.Complete(ctx, entry.JobID, s.name)
	} else {
		err = w.queue.Fail(ctx, entry.JobID, s.name, retryable)
	}

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLeaseLost):
		w.logger.Warn("Lease lost before release",
			slog.String("job_id", entry.JobID),
			slog.String("slot", s.name),
		)
	default:
		// The lease will expire and the entry is redelivered
		w.logger.Error("Failed to release queue entry",
			slog.String("job_id", entry.JobID),
			slog.String("slot", s.name),
			slog.Bool("complete", complete),
			slog.Any("error", err),
		)
	}
}
