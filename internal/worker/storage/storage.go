package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bimassist/bim-backend/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database writes the worker performs. The worker is the
// single writer of status/progress/error fields after record creation.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ClaimJob moves a job record into processing and charges one attempt. A
// record already in processing can be re-claimed: that is a crash-orphaned
// attempt being resumed after broker redelivery. Terminal records are never
// re-claimed.
func (s *Storage) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE pipeline_jobs
		SET status = $1,
		    progress = 0,
		    status_message = 'started',
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $1)
		RETURNING job_id, kind, subject_id, project_id, status, attempts, max_attempts
	`

	var job domain.Job
	err := s.db.QueryRowContext(ctx, query,
		domain.JobStatusProcessing, jobID, domain.JobStatusPending,
	).Scan(
		&job.JobID,
		&job.Kind,
		&job.SubjectID,
		&job.ProjectID,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.classifyClaimMiss(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	return &job, nil
}

// classifyClaimMiss distinguishes a deleted record from one that already
// reached a terminal state (redelivery after success/failure).
func (s *Storage) classifyClaimMiss(ctx context.Context, jobID string) error {
	var status string
	err := s.db.GetContext(ctx, &status, `SELECT status FROM pipeline_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to inspect job: %w", err)
	}

	if status == domain.JobStatusCompleted || status == domain.JobStatusFailed {
		return domain.ErrJobAlreadyDone
	}

	return domain.ErrJobNotFound
}

// UpdateJobProgress bumps progress/status message on a processing record
func (s *Storage) UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error {
	query := `
		UPDATE pipeline_jobs
		SET progress = GREATEST(progress, $1),
		    status_message = $2,
		    updated_at = NOW()
		WHERE job_id = $3 AND status = $4
	`

	_, err := s.db.ExecContext(ctx, query, progress, message, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

// MarkJobCompleted finalizes a record at completed/100 with no error message
func (s *Storage) MarkJobCompleted(ctx context.Context, jobID string) error {
	query := `
		UPDATE pipeline_jobs
		SET status = $1,
		    progress = 100,
		    status_message = 'completed',
		    error_message = NULL,
		    updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	_, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
	)

	return nil
}

// MarkJobFailed finalizes a record at failed with the captured error text
func (s *Storage) MarkJobFailed(ctx context.Context, jobID, errMsg string) error {
	query := `
		UPDATE pipeline_jobs
		SET status = $1,
		    status_message = 'failed',
		    error_message = $2,
		    updated_at = NOW()
		WHERE job_id = $3 AND status NOT IN ($4, $1)
	`

	_, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errMsg, jobID, domain.JobStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	s.logger.Warn("Job failed terminally",
		slog.String("job_id", jobID),
		slog.String("error", errMsg),
	)

	return nil
}

// ResetJobForRetry returns a record to pending before a requeue so no stale
// "processing" survives a crash between attempts
func (s *Storage) ResetJobForRetry(ctx context.Context, jobID, errMsg string) error {
	query := `
		UPDATE pipeline_jobs
		SET status = $1,
		    status_message = 'retrying',
		    error_message = $2,
		    updated_at = NOW()
		WHERE job_id = $3 AND status = $4
	`

	_, err := s.db.ExecContext(ctx, query, domain.JobStatusPending, errMsg, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to reset job for retry: %w", err)
	}

	return nil
}

// --- Subject rows mirrored for client reads ---

// MarkFileProcessing mirrors the job transition onto the model file row
func (s *Storage) MarkFileProcessing(ctx context.Context, fileID string) error {
	query := `
		UPDATE model_files
		SET status = $1, progress = 0, status_message = 'started', updated_at = NOW()
		WHERE file_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusProcessing, fileID); err != nil {
		return fmt.Errorf("failed to mark file processing: %w", err)
	}
	return nil
}

// MarkFileCompleted records the converted artifact location
func (s *Storage) MarkFileCompleted(ctx context.Context, fileID, convertedPath string) error {
	query := `
		UPDATE model_files
		SET status = $1,
		    progress = 100,
		    status_message = 'converted',
		    error_message = NULL,
		    converted_path = $2,
		    updated_at = NOW()
		WHERE file_id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, convertedPath, fileID); err != nil {
		return fmt.Errorf("failed to mark file completed: %w", err)
	}
	return nil
}

// MarkFileFailed records the conversion failure on the file row
func (s *Storage) MarkFileFailed(ctx context.Context, fileID, errMsg string) error {
	query := `
		UPDATE model_files
		SET status = $1, status_message = 'failed', error_message = $2, updated_at = NOW()
		WHERE file_id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errMsg, fileID); err != nil {
		return fmt.Errorf("failed to mark file failed: %w", err)
	}
	return nil
}

// MarkReportProcessing mirrors the job transition onto the report row
func (s *Storage) MarkReportProcessing(ctx context.Context, reportID string) error {
	query := `
		UPDATE clash_reports
		SET status = $1, updated_at = NOW()
		WHERE report_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusProcessing, reportID); err != nil {
		return fmt.Errorf("failed to mark report processing: %w", err)
	}
	return nil
}

// MarkReportCompleted stores the clash summary and result artifact location
func (s *Storage) MarkReportCompleted(ctx context.Context, reportID, resultPath string, summary domain.ClashSummary) error {
	query := `
		UPDATE clash_reports
		SET status = $1,
		    result_path = $2,
		    total_clashes = $3,
		    critical_clashes = $4,
		    major_clashes = $5,
		    minor_clashes = $6,
		    updated_at = NOW()
		WHERE report_id = $7
	`

	_, err := s.db.ExecContext(ctx, query,
		domain.JobStatusCompleted,
		resultPath,
		summary.TotalClashes,
		summary.CriticalClashes,
		summary.MajorClashes,
		summary.MinorClashes,
		reportID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark report completed: %w", err)
	}
	return nil
}

// MarkReportFailed marks the report row failed; the error text lives on the
// job record
func (s *Storage) MarkReportFailed(ctx context.Context, reportID string) error {
	query := `
		UPDATE clash_reports
		SET status = $1, updated_at = NOW()
		WHERE report_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, reportID); err != nil {
		return fmt.Errorf("failed to mark report failed: %w", err)
	}

	return nil
}
