package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/testrun-service/internal/domain"
)

type CreateRunRequest struct {
	URL         string          `json:"url" binding:"required"`
	Prompt      string          `json:"prompt"`
	Credentials json.RawMessage `json:"credentials"`
}

type ListRunsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListRunsResponse struct {
	Runs       []RunDTO `json:"runs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// RunDTO is a test run as returned by the API. Credentials are never echoed back.
type RunDTO struct {
	ID        string         `json:"id"`
	URL       string         `json:"url"`
	Prompt    string         `json:"prompt"`
	Status    string         `json:"status"`
	Result    *domain.Result `json:"result,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// FromRun converts a record to its API shape
func FromRun(run *domain.TestRun) RunDTO {
	return RunDTO{
		ID:        run.ID,
		URL:       run.URL,
		Prompt:    run.Prompt,
		Status:    string(run.Status),
		Result:    run.Result,
		CreatedAt: run.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: run.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
