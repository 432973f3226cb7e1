// Package notifier streams status changes of a single test run to a
// subscriber. Each subscription polls the record store on its own ticker and
// owns that ticker for its whole life.
package notifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/metrics"
)

// Defaults applied by New
const (
	DefaultPollInterval = time.Second
	DefaultMaxPolls     = 300
)

// EventType names the SSE event a subscriber receives
type EventType string

// Event types
const (
	EventUpdate   EventType = "update"
	EventComplete EventType = "complete"
	EventTimeout  EventType = "timeout"
	EventError    EventType = "error"
)

// Event is one message on a subscription
type Event struct {
	Type  EventType
	Run   *domain.TestRun
	Error string
}

// RunReader is the part of the record store a subscription polls
type RunReader interface {
	GetRun(ctx context.Context, id string) (*domain.TestRun, error)
}

// Config holds notifier configuration
type Config struct {
	Logger       *slog.Logger
	Store        RunReader
	PollInterval time.Duration
	MaxPolls     int
}

// Notifier hands out subscriptions
type Notifier struct {
	logger       *slog.Logger
	store        RunReader
	pollInterval time.Duration
	maxPolls     int
	active       atomic.Int64
}

// New creates a Notifier
func New(cfg *Config) *Notifier {
	n := &Notifier{
		logger:       cfg.Logger,
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		maxPolls:     cfg.MaxPolls,
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.pollInterval <= 0 {
		n.pollInterval = DefaultPollInterval
	}
	if n.maxPolls <= 0 {
		n.maxPolls = DefaultMaxPolls
	}
	return n
}

// Active returns the number of open subscriptions
func (n *Notifier) Active() int {
	return int(n.active.Load())
}

// Subscription is a cancellable status stream for one run
type Subscription struct {
	runID     string
	events    chan Event
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Events is closed once the subscription ends
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed after the poll loop has exited and released its ticker
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops polling and waits for the loop to exit. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

// Subscribe opens a stream for runID. It returns domain.ErrRunNotFound
// without starting anything when the run does not exist. The subscription
// ends when ctx is done, when Close is called, when the run reaches a
// terminal status or when the poll budget runs out.
func (n *Notifier) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	run, err := n.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		runID:  runID,
		events: make(chan Event, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	n.active.Add(1)
	metrics.ActiveSubscriptions.Inc()

	go n.poll(subCtx, sub, run)

	return sub, nil
}

// poll emits an update for every observed status change. The first fetch made
// by Subscribe counts as poll one.
func (n *Notifier) poll(ctx context.Context, sub *Subscription, first *domain.TestRun) {
	ticker := time.NewTicker(n.pollInterval)
	defer func() {
		ticker.Stop()
		sub.closeOnce.Do(sub.cancel)
		close(sub.events)
		n.active.Add(-1)
		metrics.ActiveSubscriptions.Dec()
		close(sub.done)
	}()

	logger := n.logger.With(slog.String("job_id", sub.runID))

	var lastStatus domain.Status
	last := first
	polls := 1

	// observe reports whether the subscription should end after run
	observe := func(run *domain.TestRun) bool {
		last = run
		// A terminal status is reported once, by the complete event
		if run.Status.IsTerminal() {
			send(ctx, sub, Event{Type: EventComplete, Run: run})
			return true
		}
		if run.Status != lastStatus {
			lastStatus = run.Status
			if !send(ctx, sub, Event{Type: EventUpdate, Run: run}) {
				return true
			}
		}
		if polls >= n.maxPolls {
			logger.Debug("Subscription poll budget exhausted", slog.Int("polls", polls))
			send(ctx, sub, Event{Type: EventTimeout, Run: last})
			return true
		}
		return false
	}

	if observe(first) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		polls++
		run, err := n.store.GetRun(ctx, sub.runID)
		switch {
		case err == nil:
			if observe(run) {
				return
			}
		case errors.Is(err, domain.ErrRunNotFound):
			send(ctx, sub, Event{Type: EventError, Error: "test run not found"})
			return
		case ctx.Err() != nil:
			return
		case domain.IsRetryable(err):
			logger.Warn("Failed to poll test run, will retry", slog.Any("error", err))
			if polls >= n.maxPolls {
				send(ctx, sub, Event{Type: EventTimeout, Run: last})
				return
			}
		default:
			logger.Error("Failed to poll test run", slog.Any("error", err))
			send(ctx, sub, Event{Type: EventError, Error: "failed to read test run"})
			return
		}
	}
}

// send delivers ev unless the subscriber has gone away
func send(ctx context.Context, sub *Subscription, ev Event) bool {
	select {
	case sub.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
