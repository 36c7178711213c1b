package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bimassist/bim-backend/internal/queue"
	"github.com/bimassist/bim-backend/internal/worker/domain"
)

// RecordStore is the worker's write interface to the job record store and the
// subject rows it mirrors status onto
type RecordStore interface {
	ClaimJob(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error
	MarkJobCompleted(ctx context.Context, jobID string) error
	MarkJobFailed(ctx context.Context, jobID, errMsg string) error
	ResetJobForRetry(ctx context.Context, jobID, errMsg string) error

	MarkFileProcessing(ctx context.Context, fileID string) error
	MarkFileCompleted(ctx context.Context, fileID, convertedPath string) error
	MarkFileFailed(ctx context.Context, fileID, errMsg string) error

	MarkReportProcessing(ctx context.Context, reportID string) error
	MarkReportCompleted(ctx context.Context, reportID, resultPath string, summary domain.ClashSummary) error
	MarkReportFailed(ctx context.Context, reportID string) error
}

// Runner executes a decoded job payload
type Runner interface {
	RunConversion(ctx context.Context, jobID string, payload *queue.ConversionPayload, report ProgressFunc) (string, error)
	RunClash(ctx context.Context, jobID string, payload *queue.ClashPayload, report ProgressFunc) (string, domain.ClashSummary, error)
}

// Processor drives one message through claim, execution and finalization.
// The returned error decides the broker outcome: nil acknowledges, a
// RetryableError requeues, anything else drops the message.
type Processor struct {
	store  RecordStore
	runner Runner
	logger *slog.Logger
}

// NewProcessor creates a new Processor instance
func NewProcessor(store RecordStore, runner Runner, logger *slog.Logger) *Processor {
	return &Processor{
		store:  store,
		runner: runner,
		logger: logger,
	}
}

// Process handles one delivery body
func (p *Processor) Process(ctx context.Context, body []byte) error {
	msg, err := queue.Decode(body)
	if err != nil {
		// No job record to finalize; redelivering can never succeed
		p.logger.Error("Dropping undecodable message",
			slog.Any("error", err),
		)
		return err
	}

	logger := p.logger.With(
		slog.String("job_id", msg.JobID),
		slog.String("kind", msg.Kind),
	)

	job, err := p.store.ClaimJob(ctx, msg.JobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobAlreadyDone):
			// Redelivery after the record reached a terminal state
			logger.Info("Skipping already finished job")
			return nil
		case errors.Is(err, domain.ErrJobNotFound):
			logger.Warn("Dropping message for unknown job record")
			return err
		default:
			return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
		}
	}

	logger = logger.With(slog.Int("attempt", job.Attempts))
	logger.Info("Processing job",
		slog.String("subject_id", job.SubjectID),
	)

	report := func(progress int, message string) {
		if err := p.store.UpdateJobProgress(ctx, job.JobID, progress, message); err != nil {
			logger.Warn("Failed to record progress",
				slog.Any("error", err),
			)
		}
	}

	var runErr error
	switch msg.Kind {
	case queue.KindConversion:
		runErr = p.processConversion(ctx, msg, job, report, logger)
	case queue.KindClashDetection:
		runErr = p.processClash(ctx, msg, job, report, logger)
	default:
		runErr = fmt.Errorf("%w: %q", queue.ErrUnknownKind, msg.Kind)
	}

	if runErr == nil {
		if err := p.store.MarkJobCompleted(ctx, job.JobID); err != nil {
			// The subject row already holds the result; requeue so a
			// redelivery can settle the record
			return domain.NewRetryableError(err)
		}
		return nil
	}

	return p.settleFailure(ctx, job, runErr, logger)
}

func (p *Processor) processConversion(ctx context.Context, msg *queue.Message, job *domain.Job, report ProgressFunc, logger *slog.Logger) error {
	payload, err := msg.ConversionPayload()
	if err != nil {
		return err
	}

	if err := p.store.MarkFileProcessing(ctx, payload.FileID); err != nil {
		return domain.NewRetryableError(err)
	}

	convertedPath, err := p.runner.RunConversion(ctx, job.JobID, payload, report)
	if err != nil {
		return err
	}

	if err := p.store.MarkFileCompleted(ctx, payload.FileID, convertedPath); err != nil {
		return domain.NewRetryableError(err)
	}

	logger.Info("Conversion finished",
		slog.String("file_id", payload.FileID),
		slog.String("converted_path", convertedPath),
	)

	return nil
}

func (p *Processor) processClash(ctx context.Context, msg *queue.Message, job *domain.Job, report ProgressFunc, logger *slog.Logger) error {
	payload, err := msg.ClashPayload()
	if err != nil {
		return err
	}

	if err := p.store.MarkReportProcessing(ctx, payload.ReportID); err != nil {
		return domain.NewRetryableError(err)
	}

	resultPath, summary, err := p.runner.RunClash(ctx, job.JobID, payload, report)
	if err != nil {
		return err
	}

	if err := p.store.MarkReportCompleted(ctx, payload.ReportID, resultPath, summary); err != nil {
		return domain.NewRetryableError(err)
	}

	logger.Info("Clash detection finished",
		slog.String("report_id", payload.ReportID),
		slog.Int("total_clashes", summary.TotalClashes),
	)

	return nil
}

// settleFailure decides between a retry and a terminal failure. A retryable
// error with attempts left resets the record to pending and requeues; anything
// else finalizes the record and its subject row as failed.
func (p *Processor) settleFailure(ctx context.Context, job *domain.Job, runErr error, logger *slog.Logger) error {
	var retryable *domain.RetryableError
	if errors.As(runErr, &retryable) && job.Attempts < job.MaxAttempts {
		logger.Warn("Job attempt failed, requeueing",
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Any("error", runErr),
		)

		if err := p.store.ResetJobForRetry(ctx, job.JobID, runErr.Error()); err != nil {
			logger.Error("Failed to reset job for retry",
				slog.Any("error", err),
			)
		}

		return runErr
	}

	finalErr := runErr
	if errors.As(runErr, &retryable) {
		finalErr = fmt.Errorf("%w after %d attempts: %v", domain.ErrMaxAttemptsExceeded, job.Attempts, runErr)
	}

	logger.Error("Job failed terminally",
		slog.Any("error", finalErr),
	)

	if err := p.store.MarkJobFailed(ctx, job.JobID, finalErr.Error()); err != nil {
		logger.Error("Failed to finalize job record",
			slog.Any("error", err),
		)
	}

	switch job.Kind {
	case queue.KindConversion:
		if err := p.store.MarkFileFailed(ctx, job.SubjectID, finalErr.Error()); err != nil {
			logger.Error("Failed to finalize file row",
				slog.Any("error", err),
			)
		}
	case queue.KindClashDetection:
		if err := p.store.MarkReportFailed(ctx, job.SubjectID); err != nil {
			logger.Error("Failed to finalize report row",
				slog.Any("error", err),
			)
		}
	}

	return finalErr
}
