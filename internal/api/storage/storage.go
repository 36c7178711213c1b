package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bimassist/bim-backend/internal/api/domain"
	"github.com/bimassist/bim-backend/internal/api/model"
	"github.com/bimassist/bim-backend/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// --- Pipeline job records ---

func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO pipeline_jobs (
			job_id, kind, subject_id, project_id,
			status, progress, status_message, attempts, max_attempts,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.Kind,
		job.SubjectID,
		job.ProjectID,
		job.Status,
		job.Progress,
		job.StatusMessage,
		job.Attempts,
		job.MaxAttempts,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	query := `
		SELECT
			job_id, kind, subject_id, project_id,
			status, progress, status_message, error_message,
			attempts, max_attempts, created_at, updated_at
		FROM pipeline_jobs
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetJobBySubjectID resolves the latest job record produced for a subject
// (file or report), used by single-subject progress streams.
func (s *Storage) GetJobBySubjectID(ctx context.Context, subjectID string) (*model.Job, error) {
	var job model.Job
	query := `
		SELECT
			job_id, kind, subject_id, project_id,
			status, progress, status_message, error_message,
			attempts, max_attempts, created_at, updated_at
		FROM pipeline_jobs
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	err := s.db.GetContext(ctx, &job, query, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by subject: %w", err)
	}

	return &job, nil
}

// ListActiveJobsByProject returns all non-terminal job records under a project
func (s *Storage) ListActiveJobsByProject(ctx context.Context, projectID string) ([]model.Job, error) {
	query := `
		SELECT
			job_id, kind, subject_id, project_id,
			status, progress, status_message, error_message,
			attempts, max_attempts, created_at, updated_at
		FROM pipeline_jobs
		WHERE project_id = $1
		  AND status IN ($2, $3)
		ORDER BY created_at ASC
	`

	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs, query, projectID, domain.JobStatusPending, domain.JobStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	return jobs, nil
}

// DeleteJob removes a job record. Used as publish-failure compensation and by
// the external cleanup collaborator.
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// --- Projects ---

func (s *Storage) CreateProject(ctx context.Context, p *model.Project) error {
	query := `
		INSERT INTO projects (project_id, user_id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query, p.ProjectID, p.UserID, p.Name, p.Description, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	return nil
}

func (s *Storage) GetProjectByID(ctx context.Context, projectID string) (*model.Project, error) {
	var p model.Project
	query := `
		SELECT project_id, user_id, name, description, created_at, updated_at
		FROM projects
		WHERE project_id = $1
	`

	err := s.db.GetContext(ctx, &p, query, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return &p, nil
}

func (s *Storage) ListProjectsByUser(ctx context.Context, userID string) ([]model.Project, error) {
	query := `
		SELECT project_id, user_id, name, description, created_at, updated_at
		FROM projects
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	var projects []model.Project
	if err := s.db.SelectContext(ctx, &projects, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	return projects, nil
}

func (s *Storage) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

// --- Model files ---

func (s *Storage) CreateFile(ctx context.Context, f *model.ModelFile) error {
	query := `
		INSERT INTO model_files (
			file_id, project_id, user_id, original_name, file_size,
			storage_path, status, progress, status_message,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		f.FileID,
		f.ProjectID,
		f.UserID,
		f.OriginalName,
		f.FileSize,
		f.StoragePath,
		f.Status,
		f.Progress,
		f.StatusMessage,
		f.CreatedAt,
		f.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}

	return nil
}

func (s *Storage) GetFileByID(ctx context.Context, fileID string) (*model.ModelFile, error) {
	var f model.ModelFile
	query := `
		SELECT
			file_id, project_id, user_id, original_name, file_size,
			storage_path, converted_path, status, progress,
			status_message, error_message, created_at, updated_at
		FROM model_files
		WHERE file_id = $1
	`

	err := s.db.GetContext(ctx, &f, query, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	return &f, nil
}

func (s *Storage) ListFilesByProject(ctx context.Context, projectID string) ([]model.ModelFile, error) {
	query := `
		SELECT
			file_id, project_id, user_id, original_name, file_size,
			storage_path, converted_path, status, progress,
			status_message, error_message, created_at, updated_at
		FROM model_files
		WHERE project_id = $1
		ORDER BY created_at DESC
	`

	var files []model.ModelFile
	if err := s.db.SelectContext(ctx, &files, query, projectID); err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return files, nil
}

// GetFilesByIDs loads the given files scoped to one project
func (s *Storage) GetFilesByIDs(ctx context.Context, projectID string, fileIDs []string) ([]model.ModelFile, error) {
	query := `
		SELECT
			file_id, project_id, user_id, original_name, file_size,
			storage_path, converted_path, status, progress,
			status_message, error_message, created_at, updated_at
		FROM model_files
		WHERE project_id = $1
		  AND file_id = ANY($2)
	`

	var files []model.ModelFile
	if err := s.db.SelectContext(ctx, &files, query, projectID, pq.Array(fileIDs)); err != nil {
		return nil, fmt.Errorf("failed to get files: %w", err)
	}

	return files, nil
}

// MarkFileFailed is the producer-side compensation for a file whose
// conversion job never reached the broker
func (s *Storage) MarkFileFailed(ctx context.Context, fileID, errMsg string) error {
	query := `
		UPDATE model_files
		SET status = $1, status_message = 'failed', error_message = $2, updated_at = NOW()
		WHERE file_id = $3
	`

	_, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errMsg, fileID)
	if err != nil {
		return fmt.Errorf("failed to mark file failed: %w", err)
	}
	return nil
}

func (s *Storage) DeleteFile(ctx context.Context, fileID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM model_files WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// --- Clash reports ---

func (s *Storage) CreateReport(ctx context.Context, r *model.ClashReport) error {
	query := `
		INSERT INTO clash_reports (
			report_id, project_id, user_id, file_ids, settings,
			status, total_clashes, critical_clashes, major_clashes, minor_clashes,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		r.ReportID,
		r.ProjectID,
		r.UserID,
		r.FileIDs,
		r.Settings,
		r.Status,
		r.TotalClashes,
		r.CriticalClashes,
		r.MajorClashes,
		r.MinorClashes,
		r.CreatedAt,
		r.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}

	return nil
}

func (s *Storage) GetReportByID(ctx context.Context, reportID string) (*model.ClashReport, error) {
	var r model.ClashReport
	query := `
		SELECT
			report_id, project_id, user_id, file_ids, settings, result_path,
			status, total_clashes, critical_clashes, major_clashes, minor_clashes,
			created_at, updated_at
		FROM clash_reports
		WHERE report_id = $1
	`

	err := s.db.GetContext(ctx, &r, query, reportID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	return &r, nil
}

func (s *Storage) ListReportsByProject(ctx context.Context, projectID string) ([]model.ClashReport, error) {
	query := `
		SELECT
			report_id, project_id, user_id, file_ids, settings, result_path,
			status, total_clashes, critical_clashes, major_clashes, minor_clashes,
			created_at, updated_at
		FROM clash_reports
		WHERE project_id = $1
		ORDER BY created_at DESC
	`

	var reports []model.ClashReport
	if err := s.db.SelectContext(ctx, &reports, query, projectID); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	return reports, nil
}

// MarkReportFailed is the producer-side compensation for a report whose
// clash job never reached the broker
func (s *Storage) MarkReportFailed(ctx context.Context, reportID string) error {
	query := `
		UPDATE clash_reports
		SET status = $1, updated_at = NOW()
		WHERE report_id = $2
	`

	_, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, reportID)
	if err != nil {
		return fmt.Errorf("failed to mark report failed: %w", err)
	}
	return nil
}

func (s *Storage) DeleteReport(ctx context.Context, reportID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM clash_reports WHERE report_id = $1`, reportID)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	return nil
}
