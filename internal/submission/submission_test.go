package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/queue"
	queuememory "github.com/cuongbtq/testrun-service/internal/queue/memory"
	"github.com/cuongbtq/testrun-service/internal/store"
	storememory "github.com/cuongbtq/testrun-service/internal/store/memory"
	storepostgres "github.com/cuongbtq/testrun-service/internal/store/postgres"
	"github.com/cuongbtq/testrun-service/shared/logger"
)

type fakePublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, body []byte, contentType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if contentType != "application/json" {
		return fmt.Errorf("unexpected content type %s", contentType)
	}
	p.bodies = append(p.bodies, body)
	return p.err
}

// downQueue refuses every enqueue
type downQueue struct {
	queue.Queue
}

func (downQueue) Enqueue(context.Context, string, domain.Payload) (bool, error) {
	return false, domain.NewRetryableError(errors.New("connection refused"))
}

type harness struct {
	store     *storememory.Store
	queue     *queuememory.Queue
	publisher *fakePublisher
	service   *Service
}

func newHarness(q queue.Queue) *harness {
	h := &harness{
		store:     storememory.New(),
		queue:     queuememory.New(queue.Options{}),
		publisher: &fakePublisher{},
	}
	if q == nil {
		q = h.queue
	}
	h.service = New(&Config{
		Logger:    logger.Discard(),
		Store:     h.store,
		Queue:     q,
		Publisher: h.publisher,
	})
	return h
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)

	run, err := h.service.Submit(ctx, Request{
		URL:         "https://example.com/login",
		Prompt:      "log in and check the dashboard",
		Credentials: json.RawMessage(`{"username":"demo","password":"secret"}`),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, domain.StatusQueued, run.Status)
	assert.False(t, run.CreatedAt.IsZero())

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, stored.Status)

	entry, err := h.queue.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryPending, entry.State)
	assert.Equal(t, "https://example.com/login", entry.Payload.URL)
	assert.JSONEq(t, `{"username":"demo","password":"secret"}`, string(entry.Payload.Credentials))

	require.Len(t, h.publisher.bodies, 1)
	var wake domain.Wakeup
	require.NoError(t, json.Unmarshal(h.publisher.bodies[0], &wake))
	assert.Equal(t, run.ID, wake.JobID)
}

func TestSubmit_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{name: "empty url", req: Request{URL: "  "}, wantErr: "url is required"},
		{name: "unsupported scheme", req: Request{URL: "ftp://example.com"}, wantErr: "http or https"},
		{name: "no scheme", req: Request{URL: "example.com"}, wantErr: "http or https"},
		{name: "no host", req: Request{URL: "https://"}, wantErr: "must include a host"},
		{name: "malformed url", req: Request{URL: "http://[::1"}, wantErr: "malformed"},
		{
			name:    "credentials not json",
			req:     Request{URL: "https://example.com", Credentials: json.RawMessage(`{user:`)},
			wantErr: "valid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(nil)

			run, err := h.service.Submit(context.Background(), tt.req)

			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, run)
			assert.Equal(t, 0, h.queue.Len())
			assert.Empty(t, h.publisher.bodies)
		})
	}
}

func TestSubmit_EnqueueFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(downQueue{})

	run, err := h.service.Submit(ctx, Request{URL: "https://example.com"})
	require.NoError(t, err)

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Empty(t, h.publisher.bodies, "no wake-up without an entry")
}

func TestSubmit_PublishFailureIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)
	h.publisher.err = errors.New("channel closed")

	run, err := h.service.Submit(ctx, Request{URL: "https://example.com"})
	require.NoError(t, err)

	_, err = h.queue.Get(ctx, run.ID)
	assert.NoError(t, err)
}

func TestSubmit_WithoutPublisher(t *testing.T) {
	s := New(&Config{
		Logger: logger.Discard(),
		Store:  storememory.New(),
		Queue:  queuememory.New(queue.Options{}),
		NewID:  func() string { return "fixed-id" },
	})

	run, err := s.Submit(context.Background(), Request{URL: "http://localhost:3000"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", run.ID)
}

func TestGet(t *testing.T) {
	h := newHarness(nil)

	_, err := h.service.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(nil)

	for i := 0; i < 25; i++ {
		status := domain.StatusQueued
		if i%5 == 0 {
			status = domain.StatusFailed
		}
		h.store.Put(&domain.TestRun{
			ID:        fmt.Sprintf("run-%02d", i),
			URL:       gofakeit.URL(),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	t.Run("default page size", func(t *testing.T) {
		runs, next, err := h.service.List(ctx, store.ListFilter{})
		require.NoError(t, err)
		require.Len(t, runs, DefaultPageSize)
		assert.Equal(t, "run-24", runs[0].ID)
		require.NotNil(t, next)
		assert.Equal(t, "run-05", next.ID)

		rest, next, err := h.service.List(ctx, store.ListFilter{Cursor: next})
		require.NoError(t, err)
		assert.Len(t, rest, 5)
		assert.Equal(t, "run-04", rest[0].ID)
		assert.Nil(t, next)
	})

	t.Run("filter by status", func(t *testing.T) {
		runs, next, err := h.service.List(ctx, store.ListFilter{Status: domain.StatusFailed, PageSize: 500})
		require.NoError(t, err)
		assert.Len(t, runs, 5)
		assert.Nil(t, next)
		for _, run := range runs {
			assert.Equal(t, domain.StatusFailed, run.Status)
		}
	})

	t.Run("unknown status", func(t *testing.T) {
		_, _, err := h.service.List(ctx, store.ListFilter{Status: "PAUSED"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestSubmit_PostgresInsertCarriesTimestamps(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	submittedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	q := queuememory.New(queue.Options{})
	service := New(&Config{
		Logger: logger.Discard(),
		Store:  storepostgres.NewStore(sqlx.NewDb(db, "sqlmock"), logger.Discard()),
		Queue:  q,
		NewID:  func() string { return "run-1" },
		Clock:  func() time.Time { return submittedAt },
	})

	mock.ExpectExec(`INSERT INTO test_runs`).
		WithArgs("run-1", "https://example.com", "check title", sqlmock.AnyArg(), "QUEUED", submittedAt, submittedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM test_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnError(errors.New("connection reset"))

	run, err := service.Submit(context.Background(), Request{URL: "https://example.com", Prompt: "check title"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, submittedAt, run.CreatedAt)
	assert.Equal(t, submittedAt, run.UpdatedAt)
	assert.Equal(t, 1, q.Len())
}
