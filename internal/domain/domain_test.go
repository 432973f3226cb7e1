package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusQueued, false},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusQueued, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s to %s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestQueueEntry_Live(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		entry QueueEntry
		want  bool
	}{
		{"pending", QueueEntry{State: EntryPending}, true},
		{"leased and fresh", QueueEntry{State: EntryLeased, Attempts: 5, LockUntil: now.Add(time.Second)}, true},
		{"leased expired with budget", QueueEntry{State: EntryLeased, Attempts: 2, LockUntil: now.Add(-time.Second)}, true},
		{"leased expired without budget", QueueEntry{State: EntryLeased, Attempts: 3, LockUntil: now.Add(-time.Second)}, false},
		{"completed", QueueEntry{State: EntryCompleted}, false},
		{"failed", QueueEntry{State: EntryFailed}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Live(now, 2))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	base := errors.New("connection refused")

	assert.True(t, IsRetryable(NewRetryableError(base)))
	assert.True(t, IsRetryable(fmt.Errorf("enqueue: %w", NewRetryableError(base))))
	assert.False(t, IsRetryable(base))
	assert.False(t, IsRetryable(nil))
	assert.ErrorIs(t, NewRetryableError(base), base)
}
