// Package worker implements the Worker Loop: lease slots that take entries
// from the queue, drive the record through RUNNING to a terminal status, and
// hand the entry back.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/queue"
	"github.com/cuongbtq/testrun-service/internal/store"
)

// Defaults applied by NewWorker
const (
	DefaultPollInterval    = time.Second
	DefaultMaxPollBackoff  = 30 * time.Second
	DefaultFinalizeTimeout = 10 * time.Second
)

// Generator produces test source text for a payload
type Generator interface {
	Generate(ctx context.Context, payload domain.Payload) (string, error)
}

// Executor runs generated source text. Failures are reported in the result.
type Executor interface {
	Execute(ctx context.Context, jobID, source string) domain.ExecutionResult
}

// WakeupSource delivers hints that new entries were enqueued
type WakeupSource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger          *slog.Logger
	WorkerID        string
	Queue           queue.Queue
	Store           store.Store
	Generator       Generator
	Executor        Executor
	Wakeups         WakeupSource
	Concurrency     int
	PollInterval    time.Duration
	MaxPollBackoff  time.Duration
	RenewInterval   time.Duration
	LeaseDuration   time.Duration
	JobTimeout      time.Duration
	FinalizeTimeout time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger          *slog.Logger
	workerID        string
	queue           queue.Queue
	store           store.Store
	generator       Generator
	executor        Executor
	wakeups         WakeupSource
	concurrency     int
	pollInterval    time.Duration
	maxPollBackoff  time.Duration
	renewInterval   time.Duration
	jobTimeout      time.Duration
	finalizeTimeout time.Duration

	slots    []*Slot
	wake     chan struct{}
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:          cfg.Logger,
		workerID:        cfg.WorkerID,
		queue:           cfg.Queue,
		store:           cfg.Store,
		generator:       cfg.Generator,
		executor:        cfg.Executor,
		wakeups:         cfg.Wakeups,
		concurrency:     cfg.Concurrency,
		pollInterval:    cfg.PollInterval,
		maxPollBackoff:  cfg.MaxPollBackoff,
		renewInterval:   cfg.RenewInterval,
		jobTimeout:      cfg.JobTimeout,
		finalizeTimeout: cfg.FinalizeTimeout,
		stopChan:        make(chan struct{}),
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()[:8]
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.maxPollBackoff < w.pollInterval {
		w.maxPollBackoff = DefaultMaxPollBackoff
	}
	if w.renewInterval <= 0 {
		// Renew well inside the lease so one missed tick does not lose it
		lease := cfg.LeaseDuration
		if lease <= 0 {
			lease = queue.DefaultLeaseDuration
		}
		w.renewInterval = lease / 3
	}
	if w.finalizeTimeout <= 0 {
		w.finalizeTimeout = DefaultFinalizeTimeout
	}

	w.wake = make(chan struct{}, w.concurrency)
	w.slots = make([]*Slot, w.concurrency)
	for i := range w.slots {
		w.slots[i] = newSlot(fmt.Sprintf("%s-%d", w.workerID, i))
	}

	return w
}

// ID returns the worker identity used as lease owner prefix
func (w *Worker) ID() string {
	return w.workerID
}

// Slots returns the worker's lease slots
func (w *Worker) Slots() []*Slot {
	return w.slots
}

// Start runs the lease slots until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("renew_interval", w.renewInterval),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	if w.wakeups != nil {
		deliveries, err := w.wakeups.Consume(w.workerID)
		if err != nil {
			// Polling still finds every entry; wake-ups only cut latency
			w.logger.Warn("Wake-up consumer unavailable, relying on polling",
				slog.Any("error", err),
			)
		} else {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.dispatchWakeups(ctx, deliveries)
			}()
		}
	}

	w.spawnSlots(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	w.wg.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return nil
}

// Stop signals the slots to finish their current job and exit
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}

// Wake nudges one idle slot to lease immediately
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
