// Package memory implements queue.Queue in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

// Queue is a mutex-guarded lease queue
type Queue struct {
	mu      sync.Mutex
	entries map[string]*domain.QueueEntry
	opts    queue.Options
}

// New creates an empty queue with the given lease policy
func New(opts queue.Options) *Queue {
	return &Queue{
		entries: make(map[string]*domain.QueueEntry),
		opts:    opts.WithDefaults(),
	}
}

func (q *Queue) Enqueue(_ context.Context, jobID string, payload domain.Payload) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock()
	if existing, ok := q.entries[jobID]; ok && existing.Live(now, q.opts.MaxLeaseRetries) {
		return false, nil
	}

	q.entries[jobID] = &domain.QueueEntry{
		JobID:      jobID,
		Payload:    payload,
		State:      domain.EntryPending,
		EnqueuedAt: now,
	}
	return true, nil
}

func (q *Queue) Lease(_ context.Context, workerID string) (*domain.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock()
	var candidates []*domain.QueueEntry
	for _, e := range q.entries {
		switch {
		case e.Exhausted(now, q.opts.MaxLeaseRetries):
			e.State = domain.EntryFailed
			e.LeaseOwner = ""
			e.FinishedAt = now
		case e.State == domain.EntryPending,
			e.State == domain.EntryLeased && !now.Before(e.LockUntil):
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].EnqueuedAt.Equal(candidates[j].EnqueuedAt) {
			return candidates[i].JobID < candidates[j].JobID
		}
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})

	e := candidates[0]
	e.State = domain.EntryLeased
	e.LeaseOwner = workerID
	e.LockUntil = now.Add(q.opts.LeaseDuration)
	e.Attempts++

	out := *e
	return &out, nil
}

func (q *Queue) Renew(_ context.Context, jobID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.owned(jobID, workerID)
	if err != nil {
		return err
	}
	e.LockUntil = q.opts.Clock().Add(q.opts.LeaseDuration)
	return nil
}

func (q *Queue) Complete(_ context.Context, jobID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.owned(jobID, workerID)
	if err != nil {
		return err
	}
	e.State = domain.EntryCompleted
	e.LeaseOwner = ""
	e.FinishedAt = q.opts.Clock()
	return nil
}

func (q *Queue) Fail(_ context.Context, jobID, workerID string, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.owned(jobID, workerID)
	if err != nil {
		return err
	}

	e.LeaseOwner = ""
	if retryable && e.Attempts <= q.opts.MaxLeaseRetries {
		e.State = domain.EntryPending
		e.LockUntil = time.Time{}
		return nil
	}
	e.State = domain.EntryFailed
	e.FinishedAt = q.opts.Clock()
	return nil
}

func (q *Queue) Get(_ context.Context, jobID string) (*domain.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobID]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	out := *e
	return &out, nil
}

func (q *Queue) Clean(_ context.Context, state domain.EntryState, olderThan time.Duration, limit int) (int, error) {
	if state != domain.EntryCompleted && state != domain.EntryFailed {
		return 0, fmt.Errorf("failed to clean queue: state %q is not finished", state)
	}

	if limit <= 0 {
		limit = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.opts.Clock().Add(-olderThan)
	removed := 0
	for id, e := range q.entries {
		if removed >= limit {
			break
		}
		if e.State == state && e.FinishedAt.Before(cutoff) {
			delete(q.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries of any state
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) owned(jobID, workerID string) (*domain.QueueEntry, error) {
	e, ok := q.entries[jobID]
	if !ok {
		return nil, domain.ErrLeaseLost
	}
	if e.State != domain.EntryLeased || e.LeaseOwner != workerID || !q.opts.Clock().Before(e.LockUntil) {
		return nil, domain.ErrLeaseLost
	}
	return e, nil
}
