package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/internal/store"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"id", "url", "prompt", "credentials", "status", "result", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(sqlx.NewDb(db, "sqlmock"), logger), mock
}

func TestCreateRun(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	run := &domain.TestRun{
		ID:        "run-1",
		URL:       "https://example.com",
		Prompt:    "check title",
		Status:    domain.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO test_runs`).
		WithArgs("run-1", "https://example.com", "check title", sqlmock.AnyArg(), "QUEUED", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CreateRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// recentTime matches a time argument within a minute of now
type recentTime struct{}

func (recentTime) Match(v driver.Value) bool {
	ts, ok := v.(time.Time)
	return ok && time.Since(ts) < time.Minute && time.Since(ts) > -time.Minute
}

func TestCreateRun_FillsZeroTimestamps(t *testing.T) {
	s, mock := newMockStore(t)
	run := &domain.TestRun{ID: "run-1", URL: "https://example.com", Status: domain.StatusQueued}

	mock.ExpectExec(`INSERT INTO test_runs`).
		WithArgs("run-1", "https://example.com", "", sqlmock.AnyArg(), "QUEUED", recentTime{}, recentTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CreateRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, run.CreatedAt.IsZero())
	assert.Equal(t, run.CreatedAt, run.UpdatedAt)
}

func TestCreateRun_DatabaseErrorIsRetryable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO test_runs`).WillReturnError(errors.New("connection reset"))

	err := s.CreateRun(context.Background(), &domain.TestRun{ID: "run-1", Status: domain.StatusQueued})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestGetRun(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM test_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"run-1", "https://example.com", "check title", []byte(`{"user":"a"}`), "COMPLETED",
			[]byte(`{"success":true,"output":"1 passed","artifacts":{"screenshot":"http://minio/s.png"}}`),
			now, now,
		))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.JSONEq(t, `{"user":"a"}`, string(run.Credentials))
	require.NotNil(t, run.Result)
	assert.True(t, run.Result.Success)
	assert.Equal(t, "1 passed", run.Result.Output)
	assert.Equal(t, "http://minio/s.png", run.Result.Artifacts[domain.ArtifactScreenshot])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM test_runs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestMarkRunning(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE test_runs`).
		WithArgs("RUNNING", "run-1", "QUEUED", "RUNNING").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"run-1", "https://example.com", "check title", nil, "RUNNING", nil, now, now,
		))

	run, err := s.MarkRunning(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, run.Status)
	assert.Nil(t, run.Result)
	assert.Nil(t, run.Credentials)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunning_TerminalRecord(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE test_runs`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT status FROM test_runs`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

	_, err := s.MarkRunning(context.Background(), "run-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRun(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(mock sqlmock.Sqlmock)
		status   domain.Status
		wantErr  error
		noExpect bool
	}{
		{
			name: "running record becomes completed",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE test_runs`).
					WithArgs("COMPLETED", sqlmock.AnyArg(), "run-1", "RUNNING").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			status: domain.StatusCompleted,
		},
		{
			name: "missing record",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE test_runs`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(`SELECT status FROM test_runs`).WillReturnError(sql.ErrNoRows)
			},
			status:  domain.StatusFailed,
			wantErr: domain.ErrRunNotFound,
		},
		{
			name: "already terminal record",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE test_runs`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(`SELECT status FROM test_runs`).
					WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("FAILED"))
			},
			status:  domain.StatusCompleted,
			wantErr: domain.ErrInvalidTransition,
		},
		{
			name:    "non-terminal target is rejected before touching the database",
			setup:   func(mock sqlmock.Sqlmock) {},
			status:  domain.StatusQueued,
			wantErr: domain.ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setup(mock)

			err := s.FinishRun(context.Background(), "run-1", tt.status, &domain.Result{Success: tt.status == domain.StatusCompleted})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestListByStatus(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-5 * time.Minute)
	created := cutoff.Add(-time.Minute)

	mock.ExpectQuery(`SELECT (.+) FROM test_runs WHERE status = \$1 AND created_at < \$2 ORDER BY created_at ASC`).
		WithArgs("QUEUED", cutoff).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("run-1", "https://a.example", "p", nil, "QUEUED", nil, created, created).
			AddRow("run-2", "https://b.example", "p", nil, "QUEUED", nil, created, created))

	runs, err := s.ListByStatus(context.Background(), domain.StatusQueued, cutoff)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByStatus_NoCutoff(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM test_runs WHERE status = \$1 ORDER BY created_at ASC`).
		WithArgs("RUNNING").
		WillReturnRows(sqlmock.NewRows(columns))

	runs, err := s.ListByStatus(context.Background(), domain.StatusRunning, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns_CursorQuery(t *testing.T) {
	s, mock := newMockStore(t)
	cursor := &store.Cursor{CreatedAt: time.Now(), ID: "run-9"}

	mock.ExpectQuery(`AND status = \$1 AND \(created_at, id\) < \(\$2, \$3\) ORDER BY created_at DESC, id DESC LIMIT \$4`).
		WithArgs("FAILED", cursor.CreatedAt, "run-9", 21).
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.ListRuns(context.Background(), store.ListFilter{
		Status:   domain.StatusFailed,
		PageSize: 20,
		Cursor:   cursor,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
