// Package memory implements store.Store in process memory.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps records in a map guarded by a mutex
type Store struct {
	mu    sync.RWMutex
	runs  map[string]*domain.TestRun
	clock func() time.Time
}

// Option configures the Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates an empty in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		runs:  make(map[string]*domain.TestRun),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CreateRun(_ context.Context, run *domain.TestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("failed to create test run: duplicate id %s", run.ID)
	}

	stored := cloneRun(run)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.runs[run.ID] = stored
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*domain.TestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *Store) ListRuns(_ context.Context, filter store.ListFilter) ([]domain.TestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]domain.TestRun, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil && !before(run, c) {
			continue
		}
		runs = append(runs, *cloneRun(run))
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if filter.PageSize > 0 && len(runs) > filter.PageSize+1 {
		runs = runs[:filter.PageSize+1]
	}
	return runs, nil
}

func (s *Store) MarkRunning(_ context.Context, id string) (*domain.TestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	if !run.Status.CanTransitionTo(domain.StatusRunning) {
		return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, run.Status, domain.StatusRunning)
	}

	run.Status = domain.StatusRunning
	run.UpdatedAt = s.clock()
	return cloneRun(run), nil
}

func (s *Store) FinishRun(_ context.Context, id string, status domain.Status, result *domain.Result) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	if run.Status != domain.StatusRunning {
		return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, run.Status, status)
	}

	run.Status = status
	run.Result = cloneResult(result)
	run.UpdatedAt = s.clock()
	return nil
}

func (s *Store) ListByStatus(_ context.Context, status domain.Status, olderThan time.Time) ([]domain.TestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []domain.TestRun
	for _, run := range s.runs {
		if run.Status != status {
			continue
		}
		if !olderThan.IsZero() && !run.CreatedAt.Before(olderThan) {
			continue
		}
		runs = append(runs, *cloneRun(run))
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

// Put overwrites a record as-is. Tests use it to stage crash leftovers.
func (s *Store) Put(run *domain.TestRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
}

func before(run *domain.TestRun, c *store.Cursor) bool {
	if run.CreatedAt.Equal(c.CreatedAt) {
		return run.ID < c.ID
	}
	return run.CreatedAt.Before(c.CreatedAt)
}

func cloneRun(run *domain.TestRun) *domain.TestRun {
	out := *run
	if run.Credentials != nil {
		out.Credentials = append(json.RawMessage(nil), run.Credentials...)
	}
	out.Result = cloneResult(run.Result)
	return &out
}

func cloneResult(result *domain.Result) *domain.Result {
	if result == nil {
		return nil
	}
	out := *result
	if result.Artifacts != nil {
		out.Artifacts = make(map[string]string, len(result.Artifacts))
		for k, v := range result.Artifacts {
			out.Artifacts[k] = v
		}
	}
	return &out
}
