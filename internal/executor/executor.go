// Package executor runs generated Playwright tests in a local process and
// uploads whatever artifacts the run leaves behind.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/testrun-service/internal/artifact"
	"github.com/cuongbtq/testrun-service/internal/domain"
)

// SpecFileName is the file the generated source is written to
const SpecFileName = "test.spec.ts"

// Defaults applied by New
var (
	DefaultCommand = []string{"npx", "playwright", "test"}
	DefaultWorkDir = filepath.Join(os.TempDir(), "testrun")
	DefaultTimeout = 5 * time.Minute
)

// artifactKinds maps result file extensions to the result artifact keys
var artifactKinds = map[string]string{
	".png":  domain.ArtifactScreenshot,
	".webm": domain.ArtifactVideo,
	".zip":  domain.ArtifactTrace,
}

// Config holds executor configuration
type Config struct {
	Logger    *slog.Logger
	Command   []string
	Dir       string // working directory of the runner, where its config lives
	WorkDir   string // parent of the per-job directories
	Timeout   time.Duration
	Artifacts artifact.Store
	Cleanup   bool
}

// Playwright executes tests with the Playwright CLI
type Playwright struct {
	logger    *slog.Logger
	command   []string
	dir       string
	workDir   string
	timeout   time.Duration
	artifacts artifact.Store
	cleanup   bool
}

// New creates an executor
func New(cfg *Config) *Playwright {
	p := &Playwright{
		logger:    cfg.Logger,
		command:   cfg.Command,
		dir:       cfg.Dir,
		workDir:   cfg.WorkDir,
		timeout:   cfg.Timeout,
		artifacts: cfg.Artifacts,
		cleanup:   cfg.Cleanup,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if len(p.command) == 0 {
		p.command = DefaultCommand
	}
	if p.workDir == "" {
		p.workDir = DefaultWorkDir
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	return p
}

// Execute writes source to disk, runs it and collects artifacts. Every
// failure is reported through the result.
func (p *Playwright) Execute(ctx context.Context, jobID, source string) domain.ExecutionResult {
	logger := p.logger.With(slog.String("job_id", jobID))

	testDir := filepath.Join(p.workDir, jobID)
	if err := os.MkdirAll(testDir, 0o755); err != nil {
		return domain.ExecutionResult{Error: fmt.Sprintf("failed to create test directory: %v", err)}
	}
	if p.cleanup {
		defer func() {
			if err := os.RemoveAll(testDir); err != nil {
				logger.Warn("Failed to remove test directory", slog.Any("error", err))
			}
		}()
	}

	testFile := filepath.Join(testDir, SpecFileName)
	if err := os.WriteFile(testFile, []byte(source), 0o644); err != nil {
		return domain.ExecutionResult{Error: fmt.Sprintf("failed to write test file: %v", err)}
	}

	resultsDir := filepath.Join(testDir, "results")
	result := p.run(ctx, logger, testFile, resultsDir)
	result.Artifacts = p.collect(ctx, logger, jobID, resultsDir)
	return result
}

func (p *Playwright) run(ctx context.Context, logger *slog.Logger, testFile, resultsDir string) domain.ExecutionResult {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := append([]string{}, p.command[1:]...)
	args = append(args, testFile, "--reporter=json", "--output="+resultsDir)

	cmd := exec.CommandContext(runCtx, p.command[0], args...)
	cmd.Dir = p.dir
	cmd.Env = append(os.Environ(), "PWTEST_SKIP_TEST_OUTPUT=1")
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info("Executing test",
		slog.String("command", p.command[0]),
		slog.Any("args", args),
	)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := domain.ExecutionResult{
		Success: err == nil,
		Output:  stdout.String(),
		Error:   strings.TrimSpace(stderr.String()),
	}
	if err == nil {
		logger.Info("Test passed", slog.Duration("duration", duration))
		return result
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Error = joinReason(fmt.Sprintf("test execution timed out after %s", p.timeout), result.Error)
	case ctx.Err() != nil:
		result.Error = joinReason(fmt.Sprintf("test execution aborted: %v", ctx.Err()), result.Error)
	case errors.As(err, &exitErr):
		if result.Error == "" {
			result.Error = err.Error()
		}
	default:
		result.Error = joinReason(fmt.Sprintf("failed to start test runner: %v", err), result.Error)
	}

	logger.Warn("Test failed",
		slog.Duration("duration", duration),
		slog.Any("error", err),
	)
	return result
}

// collect uploads screenshots, videos and traces found under resultsDir.
// The last file of each kind wins. Upload failures are logged and skipped.
func (p *Playwright) collect(ctx context.Context, logger *slog.Logger, jobID, resultsDir string) map[string]string {
	if p.artifacts == nil {
		return nil
	}

	var artifacts map[string]string
	err := filepath.WalkDir(resultsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		kind, ok := artifactKinds[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}

		uploadCtx := context.WithoutCancel(ctx)
		link, err := p.artifacts.Upload(uploadCtx, artifact.Key(jobID, d.Name()), path)
		if err != nil {
			logger.Warn("Failed to upload artifact",
				slog.String("file", d.Name()),
				slog.Any("error", err),
			)
			return nil
		}
		if artifacts == nil {
			artifacts = make(map[string]string)
		}
		artifacts[kind] = link
		return nil
	})
	if err != nil {
		logger.Warn("Failed to scan test results", slog.Any("error", err))
	}
	return artifacts
}

func joinReason(reason, stderr string) string {
	if stderr == "" {
		return reason
	}
	return reason + ": " + stderr
}
