package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/testrun-service/internal/api/dto"
	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/notifier"
	"github.com/cuongbtq/testrun-service/internal/store"
	"github.com/cuongbtq/testrun-service/internal/submission"
)

// RunService is what the handlers need from the submission service
type RunService interface {
	Submit(ctx context.Context, req submission.Request) (*domain.TestRun, error)
	Get(ctx context.Context, id string) (*domain.TestRun, error)
	List(ctx context.Context, filter store.ListFilter) ([]domain.TestRun, *store.Cursor, error)
}

// StatusStreamer opens status subscriptions
type StatusStreamer interface {
	Subscribe(ctx context.Context, runID string) (*notifier.Subscription, error)
}

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Runs         RunService
	Notifier     StatusStreamer
	HealthChecks map[string]HealthCheck
	ServiceName  string

	SubmitRateLimit float64
	SubmitBurst     int
	MetricsPath     string
}

// RunHandler handles test run HTTP requests
type RunHandler struct {
	logger   *slog.Logger
	runs     RunService
	notifier StatusStreamer
}

// NewRunHandler creates a new RunHandler instance
func NewRunHandler(deps *Dependencies) *RunHandler {
	return &RunHandler{
		logger:   deps.Logger,
		runs:     deps.Runs,
		notifier: deps.Notifier,
	}
}

// respondError maps service errors onto status codes
func (h *RunHandler) respondError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: unwrapInput(err)})
		return
	case errors.Is(err, domain.ErrRunNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Run not found"})
		return
	case domain.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}

	h.logger.Error(msg,
		slog.String("path", c.Request.URL.Path),
		slog.Any("error", err),
	)
	c.JSON(status, dto.ErrorResponse{Error: msg})
}

// unwrapInput returns the message of an input error without the sentinel prefix
func unwrapInput(err error) string {
	if msg, ok := strings.CutPrefix(err.Error(), domain.ErrInvalidInput.Error()+": "); ok {
		return msg
	}
	return err.Error()
}
