// Package submission accepts new test runs and serves reads of existing ones.
package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/metrics"
	"github.com/cuongbtq/testrun-service/internal/queue"
	"github.com/cuongbtq/testrun-service/internal/store"
)

// Page size limits for List
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Publisher sends the wake-up hint after an entry is enqueued
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Config holds service dependencies. Publisher is optional.
type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Queue     queue.Queue
	Publisher Publisher
	NewID     func() string
	Clock     func() time.Time
}

// Service implements Submit, Get and List
type Service struct {
	logger    *slog.Logger
	store     store.Store
	queue     queue.Queue
	publisher Publisher
	newID     func() string
	clock     func() time.Time
}

// Request is a validated-on-submit test run request
type Request struct {
	URL         string
	Prompt      string
	Credentials json.RawMessage
}

// New creates a Service
func New(cfg *Config) *Service {
	s := &Service{
		logger:    cfg.Logger,
		store:     cfg.Store,
		queue:     cfg.Queue,
		publisher: cfg.Publisher,
		newID:     cfg.NewID,
		clock:     cfg.Clock,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// Submit persists a QUEUED record and enqueues it. The record is the durable
// half: when the enqueue fails the record is still returned, and the stale
// sweep in recovery enqueues it later.
func (s *Service) Submit(ctx context.Context, req Request) (*domain.TestRun, error) {
	if err := validate(&req); err != nil {
		metrics.RecordSubmission(false)
		return nil, err
	}

	now := s.clock().UTC()
	run := &domain.TestRun{
		ID:          s.newID(),
		URL:         req.URL,
		Prompt:      req.Prompt,
		Credentials: req.Credentials,
		Status:      domain.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		metrics.RecordSubmission(false)
		return nil, fmt.Errorf("failed to create test run: %w", err)
	}

	logger := s.logger.With(slog.String("job_id", run.ID))

	if _, err := s.queue.Enqueue(ctx, run.ID, run.Payload()); err != nil {
		logger.Warn("Failed to enqueue test run, leaving it for the stale sweep",
			slog.Any("error", err),
		)
	} else {
		s.wake(ctx, logger, run.ID)
	}

	metrics.RecordSubmission(true)
	logger.Info("Test run submitted", slog.String("url", run.URL))

	created, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		// the insert succeeded, so hand back what we wrote
		return run, nil
	}
	return created, nil
}

func (s *Service) wake(ctx context.Context, logger *slog.Logger, jobID string) {
	if s.publisher == nil {
		return
	}
	body, err := json.Marshal(domain.Wakeup{JobID: jobID})
	if err != nil {
		logger.Warn("Failed to encode wake-up", slog.Any("error", err))
		return
	}
	if err := s.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		logger.Warn("Failed to publish wake-up, workers will pick the run up on their next poll",
			slog.Any("error", err),
		)
	}
}

// Get returns a run or domain.ErrRunNotFound
func (s *Service) Get(ctx context.Context, id string) (*domain.TestRun, error) {
	return s.store.GetRun(ctx, id)
}

// List returns one page of runs, newest first, and the cursor of the next
// page or nil when this is the last one.
func (s *Service) List(ctx context.Context, filter store.ListFilter) ([]domain.TestRun, *store.Cursor, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = DefaultPageSize
	}
	if filter.PageSize > MaxPageSize {
		filter.PageSize = MaxPageSize
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, filter.Status)
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list test runs: %w", err)
	}

	if len(runs) <= filter.PageSize {
		return runs, nil, nil
	}

	runs = runs[:filter.PageSize]
	last := runs[len(runs)-1]
	return runs, &store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}

func validate(req *Request) error {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return fmt.Errorf("%w: url is required", domain.ErrInvalidInput)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("%w: url is malformed", domain.ErrInvalidInput)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url must use http or https", domain.ErrInvalidInput)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url must include a host", domain.ErrInvalidInput)
	}

	if len(req.Credentials) > 0 {
		if !json.Valid(req.Credentials) {
			return fmt.Errorf("%w: credentials must be valid JSON", domain.ErrInvalidInput)
		}
		if string(req.Credentials) == "null" {
			req.Credentials = nil
		}
	}
	return nil
}
