package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/testrun-service/internal/domain"
	storememory "github.com/cuongbtq/testrun-service/internal/store/memory"
	"github.com/cuongbtq/testrun-service/shared/logger"
)

const waitFor = 2 * time.Second

func newNotifier(reader RunReader, maxPolls int) *Notifier {
	return New(&Config{
		Logger:       logger.Discard(),
		Store:        reader,
		PollInterval: 2 * time.Millisecond,
		MaxPolls:     maxPolls,
	})
}

func createRun(t *testing.T, s *storememory.Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateRun(context.Background(), &domain.TestRun{
		ID:     id,
		URL:    "https://example.com",
		Prompt: "check title",
		Status: domain.StatusQueued,
	}))
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed early")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// drain collects events until the subscription closes
func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for subscription to close")
			return events
		}
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription did not finish")
	}
}

func TestSubscribe_NotFound(t *testing.T) {
	n := newNotifier(storememory.New(), 10)

	sub, err := n.Subscribe(context.Background(), "missing")

	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	assert.Nil(t, sub)
	assert.Equal(t, 0, n.Active())
}

func TestSubscribe_FollowsLifecycle(t *testing.T) {
	ctx := context.Background()
	s := storememory.New()
	createRun(t, s, "run-1")
	n := newNotifier(s, 10_000)

	sub, err := n.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n.Active())

	ev := next(t, sub)
	assert.Equal(t, EventUpdate, ev.Type)
	assert.Equal(t, domain.StatusQueued, ev.Run.Status)

	_, err = s.MarkRunning(ctx, "run-1")
	require.NoError(t, err)

	ev = next(t, sub)
	assert.Equal(t, EventUpdate, ev.Type)
	assert.Equal(t, domain.StatusRunning, ev.Run.Status)

	require.NoError(t, s.FinishRun(ctx, "run-1", domain.StatusCompleted, &domain.Result{Success: true, Output: "1 passed"}))

	events := drain(t, sub)
	require.Equal(t, []EventType{EventComplete}, types(events))
	assert.Equal(t, domain.StatusCompleted, events[0].Run.Status)
	assert.Equal(t, "1 passed", events[0].Run.Result.Output)

	waitDone(t, sub)
	assert.Equal(t, 0, n.Active())
}

func TestSubscribe_TerminalRunClosesImmediately(t *testing.T) {
	ctx := context.Background()
	s := storememory.New()
	createRun(t, s, "run-1")
	_, err := s.MarkRunning(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, "run-1", domain.StatusFailed, &domain.Result{Error: "boom"}))

	sub, err := newNotifier(s, 10).Subscribe(ctx, "run-1")
	require.NoError(t, err)

	events := drain(t, sub)
	require.Equal(t, []EventType{EventComplete}, types(events))
	assert.Equal(t, domain.StatusFailed, events[0].Run.Status)
}

func TestSubscribe_UnchangedStatusEmitsOnceThenTimesOut(t *testing.T) {
	s := storememory.New()
	createRun(t, s, "run-1")
	n := newNotifier(s, 5)

	sub, err := n.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)

	events := drain(t, sub)
	require.Equal(t, []EventType{EventUpdate, EventTimeout}, types(events))
	assert.Equal(t, domain.StatusQueued, events[1].Run.Status)

	waitDone(t, sub)
	assert.Equal(t, 0, n.Active())
}

func TestSubscribe_ContextCancelReleasesSubscription(t *testing.T) {
	s := storememory.New()
	createRun(t, s, "run-1")
	n := newNotifier(s, 10_000)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := n.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	next(t, sub)

	cancel()

	waitDone(t, sub)
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, n.Active())
}

func TestSubscription_CloseIsSynchronousAndIdempotent(t *testing.T) {
	s := storememory.New()
	n := newNotifier(s, 10_000)

	subs := make([]*Subscription, 0, 5)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		createRun(t, s, id)
		sub, err := n.Subscribe(context.Background(), id)
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	assert.Equal(t, 5, n.Active())

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(2)
		go func(sub *Subscription) {
			defer wg.Done()
			sub.Close()
		}(sub)
		go func(sub *Subscription) {
			defer wg.Done()
			sub.Close()
		}(sub)
	}
	wg.Wait()

	// Close returned, so every loop has already exited
	assert.Equal(t, 0, n.Active())
	for _, sub := range subs {
		select {
		case <-sub.Done():
		default:
			t.Fatal("Close returned before the poll loop exited")
		}
	}
}

func TestSubscription_CloseWithUnreadEvents(t *testing.T) {
	ctx := context.Background()
	s := storememory.New()
	createRun(t, s, "run-1")
	n := newNotifier(s, 10_000)

	sub, err := n.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	_, err = s.MarkRunning(ctx, "run-1")
	require.NoError(t, err)

	// nobody reads; the loop is blocked on send and must still exit
	time.Sleep(20 * time.Millisecond)
	sub.Close()

	assert.Equal(t, 0, n.Active())
}

// scriptedReader returns one response per call, repeating the last one
type scriptedReader struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

type response struct {
	run *domain.TestRun
	err error
}

func (r *scriptedReader) GetRun(context.Context, string) (*domain.TestRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	if i >= len(r.responses) {
		i = len(r.responses) - 1
	}
	r.calls++
	resp := r.responses[i]
	if resp.run != nil {
		run := *resp.run
		return &run, resp.err
	}
	return nil, resp.err
}

func TestSubscribe_ReadErrors(t *testing.T) {
	queued := &domain.TestRun{ID: "run-1", Status: domain.StatusQueued}
	running := &domain.TestRun{ID: "run-1", Status: domain.StatusRunning}
	completed := &domain.TestRun{ID: "run-1", Status: domain.StatusCompleted}

	tests := []struct {
		name      string
		responses []response
		maxPolls  int
		want      []EventType
		wantError string
	}{
		{
			name: "record disappears",
			responses: []response{
				{run: queued},
				{err: domain.ErrRunNotFound},
			},
			maxPolls:  100,
			want:      []EventType{EventUpdate, EventError},
			wantError: "test run not found",
		},
		{
			name: "permanent read failure",
			responses: []response{
				{run: queued},
				{err: errors.New("syntax error")},
			},
			maxPolls:  100,
			want:      []EventType{EventUpdate, EventError},
			wantError: "failed to read test run",
		},
		{
			name: "transient failure is retried",
			responses: []response{
				{run: queued},
				{err: domain.NewRetryableError(errors.New("connection refused"))},
				{run: running},
				{run: completed},
			},
			maxPolls: 100,
			want:     []EventType{EventUpdate, EventUpdate, EventComplete},
		},
		{
			name: "transient failures still spend the budget",
			responses: []response{
				{run: queued},
				{err: domain.NewRetryableError(errors.New("connection refused"))},
			},
			maxPolls: 3,
			want:     []EventType{EventUpdate, EventTimeout},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNotifier(&scriptedReader{responses: tt.responses}, tt.maxPolls)

			sub, err := n.Subscribe(context.Background(), "run-1")
			require.NoError(t, err)

			events := drain(t, sub)
			require.Equal(t, tt.want, types(events))
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, events[len(events)-1].Error)
			}
			waitDone(t, sub)
			assert.Equal(t, 0, n.Active())
		})
	}
}

func TestSubscribe_NeverRepeatsStatus(t *testing.T) {
	queued := &domain.TestRun{ID: "run-1", Status: domain.StatusQueued}
	running := &domain.TestRun{ID: "run-1", Status: domain.StatusRunning}
	completed := &domain.TestRun{ID: "run-1", Status: domain.StatusCompleted}
	reader := &scriptedReader{responses: []response{
		{run: queued}, {run: queued}, {run: running}, {run: running}, {run: running}, {run: completed},
	}}

	sub, err := newNotifier(reader, 100).Subscribe(context.Background(), "run-1")
	require.NoError(t, err)

	events := drain(t, sub)
	require.Equal(t, []EventType{EventUpdate, EventUpdate, EventComplete}, types(events))
	for i := 1; i < len(events); i++ {
		assert.NotEqual(t, events[i-1].Run.Status, events[i].Run.Status, "events %d and %d", i-1, i)
	}
}
