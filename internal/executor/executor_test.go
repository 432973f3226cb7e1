package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/testrun-service/internal/artifact"
	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/shared/logger"
)

// shell runs script with the runner arguments as $1 (test file), $2 (reporter) and $3 (output)
func shell(script string) []string {
	return []string{"sh", "-c", script, "runner"}
}

const writeArtifacts = `out="${3#--output=}"
mkdir -p "$out/smoke-test"
echo png > "$out/smoke-test/test-failed-1.png"
echo webm > "$out/smoke-test/video.webm"
echo zip > "$out/smoke-test/trace.zip"
echo txt > "$out/smoke-test/notes.txt"
`

type failingStore struct{}

func (failingStore) Upload(context.Context, string, string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func newExecutor(t *testing.T, script string, store artifact.Store) (*Playwright, string) {
	t.Helper()
	workDir := t.TempDir()
	return New(&Config{
		Logger:    logger.Discard(),
		Command:   shell(script),
		WorkDir:   workDir,
		Timeout:   5 * time.Second,
		Artifacts: store,
	}), workDir
}

func TestExecute_Success(t *testing.T) {
	store := artifact.NewMemoryStore()
	p, workDir := newExecutor(t, writeArtifacts+`cat "$1" > /dev/null && echo '{"stats":{"expected":1}}' && test "$2" = "--reporter=json"`, store)

	result := p.Execute(context.Background(), "run-1", "import { test } from '@playwright/test';")

	assert.True(t, result.Success, result.Error)
	assert.JSONEq(t, `{"stats":{"expected":1}}`, result.Output)
	assert.Empty(t, result.Error)

	source, err := os.ReadFile(filepath.Join(workDir, "run-1", SpecFileName))
	require.NoError(t, err)
	assert.Equal(t, "import { test } from '@playwright/test';", string(source))

	assert.Equal(t, map[string]string{
		domain.ArtifactScreenshot: "memory://test-artifacts/run-1/test-failed-1.png",
		domain.ArtifactVideo:      "memory://test-artifacts/run-1/video.webm",
		domain.ArtifactTrace:      "memory://test-artifacts/run-1/trace.zip",
	}, result.Artifacts)
	assert.Equal(t, []string{"run-1/test-failed-1.png", "run-1/trace.zip", "run-1/video.webm"}, store.Keys())
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name      string
		command   []string
		timeout   time.Duration
		wantError string
	}{
		{
			name:      "non-zero exit reports stderr",
			command:   shell(`echo '1 failed' ; echo 'expect(page).toHaveTitle failed' >&2 ; exit 1`),
			wantError: "expect(page).toHaveTitle failed",
		},
		{
			name:      "non-zero exit without stderr",
			command:   shell(`exit 3`),
			wantError: "exit status 3",
		},
		{
			name:      "timeout",
			command:   shell(`exec sleep 10`),
			timeout:   100 * time.Millisecond,
			wantError: "test execution timed out after 100ms",
		},
		{
			name:      "runner missing",
			command:   []string{filepath.Join(os.TempDir(), "no-such-runner-binary")},
			wantError: "failed to start test runner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(&Config{
				Logger:  logger.Discard(),
				Command: tt.command,
				WorkDir: t.TempDir(),
				Timeout: tt.timeout,
			})

			result := p.Execute(context.Background(), "run-1", "source")

			assert.False(t, result.Success)
			assert.Contains(t, result.Error, tt.wantError)
			assert.Nil(t, result.Artifacts)
		})
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	p, _ := newExecutor(t, `exec sleep 10`, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result := p.Execute(ctx, "run-1", "source")

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "test execution aborted")
}

func TestExecute_UploadFailuresAreNotFatal(t *testing.T) {
	p, _ := newExecutor(t, writeArtifacts, failingStore{})

	result := p.Execute(context.Background(), "run-1", "source")

	assert.True(t, result.Success)
	assert.Nil(t, result.Artifacts)
}

func TestExecute_Cleanup(t *testing.T) {
	workDir := t.TempDir()
	p := New(&Config{
		Logger:    logger.Discard(),
		Command:   shell(writeArtifacts),
		WorkDir:   workDir,
		Artifacts: artifact.NewMemoryStore(),
		Cleanup:   true,
	})

	result := p.Execute(context.Background(), "run-1", "source")
	require.True(t, result.Success)
	assert.Len(t, result.Artifacts, 3)

	_, err := os.Stat(filepath.Join(workDir, "run-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestNew_Defaults(t *testing.T) {
	p := New(&Config{})

	assert.Equal(t, DefaultCommand, p.command)
	assert.Equal(t, DefaultWorkDir, p.workDir)
	assert.Equal(t, DefaultTimeout, p.timeout)
}
