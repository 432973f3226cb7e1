package domain

import (
	"encoding/json"
	"time"
)

// EntryState is the queue-side state of an entry, independent of the record status
type EntryState string

// Queue entry states
const (
	EntryPending   EntryState = "pending"
	EntryLeased    EntryState = "leased"
	EntryCompleted EntryState = "completed"
	EntryFailed    EntryState = "failed"
)

// Payload is the immutable input copied into the queue at enqueue time
type Payload struct {
	URL         string          `json:"url"`
	Prompt      string          `json:"prompt"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

// QueueEntry is a job as seen by the queue. A worker borrows it for the
// duration of one execution under a renewable lease.
type QueueEntry struct {
	JobID      string
	Payload    Payload
	State      EntryState
	Attempts   int
	LeaseOwner string
	EnqueuedAt time.Time
	LockUntil  time.Time
	FinishedAt time.Time
}

// Live reports whether the entry will still be executed: it is pending, its
// lease is held, or its lease expired with redelivery budget left.
func (e *QueueEntry) Live(now time.Time, maxLeaseRetries int) bool {
	switch e.State {
	case EntryPending:
		return true
	case EntryLeased:
		if now.Before(e.LockUntil) {
			return true
		}
		return e.Attempts <= maxLeaseRetries
	default:
		return false
	}
}

// Exhausted reports whether an expired lease has used up its redelivery budget
func (e *QueueEntry) Exhausted(now time.Time, maxLeaseRetries int) bool {
	return e.State == EntryLeased && !now.Before(e.LockUntil) && e.Attempts > maxLeaseRetries
}

// Wakeup is the broker hint published after an entry is enqueued
type Wakeup struct {
	JobID string `json:"job_id"`
}
