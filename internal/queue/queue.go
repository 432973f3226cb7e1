// Package queue defines the Job Queue contract: a durable, at-least-once
// queue keyed by job id whose entries are borrowed under renewable leases.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/testrun-service/internal/domain"
)

// Default lease policy
const (
	DefaultLeaseDuration   = 2 * time.Minute
	DefaultMaxLeaseRetries = 2
)

// Queue is implemented by every durable queue backend.
//
// Lease ownership is a compare-and-set on (owner, lockUntil): Renew, Complete
// and Fail succeed only for the worker currently holding an unexpired lease,
// and return domain.ErrLeaseLost otherwise, including when the entry is gone.
type Queue interface {
	// Enqueue adds an entry for jobID. It is a no-op returning false while a
	// live entry exists; finished or exhausted entries are reset to pending.
	Enqueue(ctx context.Context, jobID string, payload domain.Payload) (bool, error)

	// Lease hands the oldest pending or lease-expired entry to workerID.
	// It returns nil, nil when nothing is available. Expired leases that have
	// used up their redelivery budget are marked failed instead.
	Lease(ctx context.Context, workerID string) (*domain.QueueEntry, error)

	// Renew extends the lease held by workerID by the lease duration.
	Renew(ctx context.Context, jobID, workerID string) error

	// Complete marks the entry completed.
	Complete(ctx context.Context, jobID, workerID string) error

	// Fail releases the entry. Retryable failures return it to pending while
	// redelivery budget remains; everything else marks it failed.
	Fail(ctx context.Context, jobID, workerID string, retryable bool) error

	// Get returns the entry or domain.ErrEntryNotFound.
	Get(ctx context.Context, jobID string) (*domain.QueueEntry, error)

	// Clean removes up to limit entries in state finished more than olderThan ago.
	Clean(ctx context.Context, state domain.EntryState, olderThan time.Duration, limit int) (int, error)
}

// Options holds the lease policy shared by all backends
type Options struct {
	LeaseDuration   time.Duration
	MaxLeaseRetries int
	Clock           func() time.Time
}

// WithDefaults fills unset fields
func (o Options) WithDefaults() Options {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.MaxLeaseRetries < 0 {
		o.MaxLeaseRetries = 0
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// IsLive reports whether jobID has an entry that will still be executed
func IsLive(ctx context.Context, q Queue, jobID string, now time.Time, maxLeaseRetries int) (bool, error) {
	entry, err := q.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	return entry.Live(now, maxLeaseRetries), nil
}
