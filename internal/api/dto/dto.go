package dto

// CreateProjectRequest creates a project container for model files
type CreateProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// GenerateReportRequest starts clash detection over converted files
type GenerateReportRequest struct {
	ProjectID string        `json:"project_id" binding:"required"`
	FileIDs   []string      `json:"file_ids" binding:"required,min=2"`
	Settings  ClashSettings `json:"settings"`
}

// ClashSettings mirror the parameters forwarded to the clash executable
type ClashSettings struct {
	ToleranceMM  float64 `json:"tolerance_mm"`
	IncludeMinor bool    `json:"include_minor"`
}

// JobResponse is the submission reply and the direct job-record read shape
type JobResponse struct {
	JobID         string `json:"job_id"`
	Kind          string `json:"kind"`
	SubjectID     string `json:"subject_id"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	StatusMessage string `json:"status_message,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// UploadedFileResponse describes one accepted upload and its conversion job
type UploadedFileResponse struct {
	FileID       string `json:"file_id"`
	JobID        string `json:"job_id"`
	OriginalName string `json:"original_name"`
	FileSize     int64  `json:"file_size"`
	Status       string `json:"status"`
}
