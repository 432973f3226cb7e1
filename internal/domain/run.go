package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a test run record
type Status string

// Test run status constants
const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are permitted from s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a forward transition.
// RUNNING -> RUNNING is allowed so a redelivered entry can re-enter execution.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusRunning || next.IsTerminal()
	default:
		return false
	}
}

// Artifact kinds collected from an execution
const (
	ArtifactScreenshot = "screenshot"
	ArtifactVideo      = "video"
	ArtifactTrace      = "trace"
)

// Result is the payload written once at the terminal transition
type Result struct {
	Success     bool              `json:"success"`
	Output      string            `json:"output,omitempty"`
	TestCode    string            `json:"test_code,omitempty"`
	Error       string            `json:"error,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	RecoveredAt *time.Time        `json:"recovered_at,omitempty"`
}

// TestRun is the job record: inputs, status and the optional terminal result
type TestRun struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Prompt      string          `json:"prompt"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Status      Status          `json:"status"`
	Result      *Result         `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Payload returns the queue payload carried for this run
func (r *TestRun) Payload() Payload {
	return Payload{
		URL:         r.URL,
		Prompt:      r.Prompt,
		Credentials: r.Credentials,
	}
}

// ExecutionResult is what an executor reports for one generated test
type ExecutionResult struct {
	Success   bool
	Output    string
	Error     string
	Artifacts map[string]string
}
