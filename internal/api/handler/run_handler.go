package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/testrun-service/internal/api/dto"
	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/notifier"
	"github.com/cuongbtq/testrun-service/internal/store"
	"github.com/cuongbtq/testrun-service/internal/submission"
)

// CreateRun handles POST /api/v1/runs
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req dto.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	run, err := h.runs.Submit(c.Request.Context(), submission.Request{
		URL:         req.URL,
		Prompt:      req.Prompt,
		Credentials: req.Credentials,
	})
	if err != nil {
		h.respondError(c, err, "Failed to create test run")
		return
	}

	c.JSON(http.StatusCreated, dto.FromRun(run))
}

// GetRun handles GET /api/v1/runs/:run_id
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		h.respondError(c, err, "Failed to get test run")
		return
	}

	c.JSON(http.StatusOK, dto.FromRun(run))
}

// ListRuns handles GET /api/v1/runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	var req dto.ListRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	cursor, err := DecodeRunCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("cursor", req.Cursor), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	runs, next, err := h.runs.List(c.Request.Context(), store.ListFilter{
		Status:   domain.Status(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err, "Failed to list test runs")
		return
	}

	resp := dto.ListRunsResponse{
		Runs:       make([]dto.RunDTO, 0, len(runs)),
		NextCursor: EncodeRunCursor(next),
	}
	for i := range runs {
		resp.Runs = append(resp.Runs, dto.FromRun(&runs[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// StreamRun handles GET /api/v1/runs/:run_id/stream as server-sent events.
// The subscription is closed before the handler returns on every path.
func (h *RunHandler) StreamRun(c *gin.Context) {
	runID := c.Param("run_id")

	sub, err := h.notifier.Subscribe(c.Request.Context(), runID)
	if err != nil {
		h.respondError(c, err, "Failed to open status stream")
		return
	}
	defer sub.Close()

	h.logger.Debug("Status stream opened", slog.String("job_id", runID))

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-sub.Events()
		if !ok {
			return false
		}
		c.SSEvent(string(ev.Type), eventData(ev))
		return true
	})

	h.logger.Debug("Status stream closed", slog.String("job_id", runID))
}

func eventData(ev notifier.Event) any {
	if ev.Type == notifier.EventError {
		return dto.ErrorResponse{Error: ev.Error}
	}
	return dto.FromRun(ev.Run)
}
