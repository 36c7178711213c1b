package model

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Job is the durable record of one unit of asynchronous work. The worker is
// the only writer of Status/Progress/StatusMessage/ErrorMessage after creation.
type Job struct {
	JobID         string         `db:"job_id" json:"job_id"`
	Kind          string         `db:"kind" json:"kind"`
	SubjectID     string         `db:"subject_id" json:"subject_id"`
	ProjectID     string         `db:"project_id" json:"project_id"`
	Status        string         `db:"status" json:"status"`
	Progress      int            `db:"progress" json:"progress"`
	StatusMessage string         `db:"status_message" json:"status_message"`
	ErrorMessage  sql.NullString `db:"error_message" json:"-"`
	Attempts      int            `db:"attempts" json:"attempts"`
	MaxAttempts   int            `db:"max_attempts" json:"max_attempts"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// Error returns the error message or "" for non-failed jobs
func (j *Job) Error() string {
	if j.ErrorMessage.Valid {
		return j.ErrorMessage.String
	}
	return ""
}

// Project groups uploaded model files and their reports
type Project struct {
	ProjectID   string    `db:"project_id" json:"project_id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ModelFile is one uploaded building model and its conversion state
type ModelFile struct {
	FileID        string         `db:"file_id" json:"file_id"`
	ProjectID     string         `db:"project_id" json:"project_id"`
	UserID        string         `db:"user_id" json:"user_id"`
	OriginalName  string         `db:"original_name" json:"original_name"`
	FileSize      int64          `db:"file_size" json:"file_size"`
	StoragePath   string         `db:"storage_path" json:"storage_path"`
	ConvertedPath sql.NullString `db:"converted_path" json:"converted_path,omitempty"`
	Status        string         `db:"status" json:"status"`
	Progress      int            `db:"progress" json:"progress"`
	StatusMessage string         `db:"status_message" json:"status_message"`
	ErrorMessage  sql.NullString `db:"error_message" json:"-"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// ClashReport is one clash-detection run over a set of converted files
type ClashReport struct {
	ReportID        string         `db:"report_id" json:"report_id"`
	ProjectID       string         `db:"project_id" json:"project_id"`
	UserID          string         `db:"user_id" json:"user_id"`
	FileIDs         pq.StringArray `db:"file_ids" json:"file_ids"`
	Settings        []byte         `db:"settings" json:"-"`
	ResultPath      sql.NullString `db:"result_path" json:"result_path,omitempty"`
	Status          string         `db:"status" json:"status"`
	TotalClashes    int            `db:"total_clashes" json:"total_clashes"`
	CriticalClashes int            `db:"critical_clashes" json:"critical_clashes"`
	MajorClashes    int            `db:"major_clashes" json:"major_clashes"`
	MinorClashes    int            `db:"minor_clashes" json:"minor_clashes"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}
