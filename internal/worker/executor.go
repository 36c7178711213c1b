package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bimassist/bim-backend/internal/queue"
	"github.com/bimassist/bim-backend/internal/worker/domain"
)

// stderrTailBytes caps how much subprocess stderr ends up in error messages
const stderrTailBytes = 2048

// ArtifactStore moves artifacts between the object store and the local
// work directory
type ArtifactStore interface {
	DownloadFile(ctx context.Context, bucket, object, filePath string) error
	UploadFile(ctx context.Context, bucket, object, filePath, contentType string) error
}

// ProgressFunc reports coarse stage progress while a job executes
type ProgressFunc func(progress int, message string)

// Executor runs the processing executables against artifacts staged in a
// per-job temporary directory. The directory is removed when the job ends,
// whatever the outcome.
type Executor struct {
	store      ArtifactStore
	logger     *slog.Logger
	workDir    string
	convertCmd []string
	clashCmd   []string
	timeout    time.Duration
}

// ExecutorConfig holds executable command templates and limits
type ExecutorConfig struct {
	WorkDir        string
	ConvertCommand []string
	ClashCommand   []string
	JobTimeout     time.Duration
}

// NewExecutor creates a new Executor instance
func NewExecutor(store ArtifactStore, logger *slog.Logger, cfg ExecutorConfig) *Executor {
	return &Executor{
		store:      store,
		logger:     logger,
		workDir:    cfg.WorkDir,
		convertCmd: cfg.ConvertCommand,
		clashCmd:   cfg.ClashCommand,
		timeout:    cfg.JobTimeout,
	}
}

// RunConversion converts one uploaded model file and uploads the result.
// Returns the artifact location of the converted model.
func (e *Executor) RunConversion(ctx context.Context, jobID string, payload *queue.ConversionPayload, report ProgressFunc) (string, error) {
	dir, cleanup, err := e.stageDir(jobID)
	if err != nil {
		return "", err
	}
	defer cleanup()

	report(10, "downloading input")

	localIn := filepath.Join(dir, "input", safeBase(payload.InputPath))
	if err := e.fetch(ctx, payload.InputPath, localIn); err != nil {
		return "", err
	}

	report(30, "converting")

	localOut := filepath.Join(dir, "output", safeBase(payload.OutputPath))
	if err := os.MkdirAll(filepath.Dir(localOut), 0o755); err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("failed to create output dir: %w", err))
	}

	args := append(append([]string{}, e.convertCmd[1:]...), localIn, localOut)
	if err := e.runCommand(ctx, jobID, e.convertCmd[0], args); err != nil {
		return "", err
	}

	if err := requireArtifact(localOut); err != nil {
		return "", err
	}

	report(80, "uploading result")

	if err := e.put(ctx, payload.OutputPath, localOut, "application/octet-stream"); err != nil {
		return "", err
	}

	return payload.OutputPath, nil
}

// RunClash runs clash detection over the converted inputs and uploads the
// JSON report. Returns the report's artifact location and its parsed summary.
func (e *Executor) RunClash(ctx context.Context, jobID string, payload *queue.ClashPayload, report ProgressFunc) (string, domain.ClashSummary, error) {
	var summary domain.ClashSummary

	dir, cleanup, err := e.stageDir(jobID)
	if err != nil {
		return "", summary, err
	}
	defer cleanup()

	report(10, "downloading inputs")

	localInputs := make([]string, 0, len(payload.InputPaths))
	for i, p := range payload.InputPaths {
		local := filepath.Join(dir, "input", fmt.Sprintf("%d_%s", i, safeBase(p)))
		if err := e.fetch(ctx, p, local); err != nil {
			return "", summary, err
		}
		localInputs = append(localInputs, local)
	}

	report(40, "analyzing")

	localOut := filepath.Join(dir, "output", safeBase(payload.OutputPath))
	if err := os.MkdirAll(filepath.Dir(localOut), 0o755); err != nil {
		return "", summary, domain.NewRetryableError(fmt.Errorf("failed to create output dir: %w", err))
	}

	args := append([]string{}, e.clashCmd[1:]...)
	args = append(args,
		"--tolerance-mm", strconv.FormatFloat(payload.Settings.ToleranceMM, 'f', -1, 64),
		"--include-minor", strconv.FormatBool(payload.Settings.IncludeMinor),
		"--output", localOut,
	)
	args = append(args, localInputs...)

	if err := e.runCommand(ctx, jobID, e.clashCmd[0], args); err != nil {
		return "", summary, err
	}

	if err := requireArtifact(localOut); err != nil {
		return "", summary, err
	}

	summary, err = parseClashSummary(localOut)
	if err != nil {
		return "", summary, err
	}

	report(85, "uploading report")

	if err := e.put(ctx, payload.OutputPath, localOut, "application/json"); err != nil {
		return "", summary, err
	}

	return payload.OutputPath, summary, nil
}

// stageDir creates the per-job scratch directory
func (e *Executor) stageDir(jobID string) (string, func(), error) {
	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return "", nil, domain.NewRetryableError(fmt.Errorf("failed to create work dir: %w", err))
	}

	dir, err := os.MkdirTemp(e.workDir, "job-"+jobID+"-")
	if err != nil {
		return "", nil, domain.NewRetryableError(fmt.Errorf("failed to create job dir: %w", err))
	}

	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("Failed to remove job dir",
				slog.String("job_id", jobID),
				slog.String("dir", dir),
				slog.Any("error", err),
			)
		}
	}

	return dir, cleanup, nil
}

func (e *Executor) runCommand(ctx context.Context, jobID, name string, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.logger.Debug("Launching executable",
		slog.String("job_id", jobID),
		slog.String("command", name),
	)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return domain.NewRetryableError(fmt.Errorf("executable timed out after %s", e.timeout))
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return domain.NewRetryableError(fmt.Errorf("executable exited with code %d: %s",
				exitErr.ExitCode(), tail(stderr.Bytes())))
		}

		return domain.NewRetryableError(fmt.Errorf("failed to launch executable: %w", err))
	}

	e.logger.Debug("Executable finished",
		slog.String("job_id", jobID),
		slog.Duration("elapsed", elapsed),
	)

	return nil
}

func (e *Executor) fetch(ctx context.Context, locator, localPath string) error {
	bucket, object, err := splitLocator(locator)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to create input dir: %w", err))
	}

	if err := e.store.DownloadFile(ctx, bucket, object, localPath); err != nil {
		return domain.NewRetryableError(err)
	}

	return nil
}

func (e *Executor) put(ctx context.Context, locator, localPath, contentType string) error {
	bucket, object, err := splitLocator(locator)
	if err != nil {
		return err
	}

	if err := e.store.UploadFile(ctx, bucket, object, localPath, contentType); err != nil {
		return domain.NewRetryableError(err)
	}

	return nil
}

// splitLocator splits a "bucket/object" artifact location
func splitLocator(locator string) (bucket, object string, err error) {
	parts := strings.SplitN(locator, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid artifact location %q", locator)
	}
	return parts[0], parts[1], nil
}

// safeBase strips any path structure from an artifact location so staged
// files cannot escape the job directory
func safeBase(locator string) string {
	return filepath.Base(filepath.Clean("/" + locator))
}

// requireArtifact verifies the executable produced a non-empty output file
func requireArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("%w: %s", domain.ErrMissingArtifact, path))
	}
	if info.Size() == 0 {
		return domain.NewRetryableError(fmt.Errorf("%w: %s is empty", domain.ErrMissingArtifact, path))
	}
	return nil
}

// parseClashSummary reads the summary block from the report the clash
// executable writes
func parseClashSummary(path string) (domain.ClashSummary, error) {
	var out struct {
		Summary domain.ClashSummary `json:"summary"`
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return out.Summary, domain.NewRetryableError(fmt.Errorf("failed to read clash report: %w", err))
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out.Summary, domain.NewRetryableError(fmt.Errorf("failed to parse clash report: %w", err))
	}

	return out.Summary, nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	if s == "" {
		return "no stderr output"
	}
	return s
}
