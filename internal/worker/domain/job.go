package domain

// Job record statuses as the worker sees them
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job is the claimed job record a worker executes. Attempts counts executions
// including the current one.
type Job struct {
	JobID       string `db:"job_id"`
	Kind        string `db:"kind"`
	SubjectID   string `db:"subject_id"`
	ProjectID   string `db:"project_id"`
	Status      string `db:"status"`
	Attempts    int    `db:"attempts"`
	MaxAttempts int    `db:"max_attempts"`
}

// ClashSummary is the result block parsed from the clash executable's output
type ClashSummary struct {
	TotalClashes    int `json:"total_clashes"`
	CriticalClashes int `json:"critical_clashes"`
	MajorClashes    int `json:"major_clashes"`
	MinorClashes    int `json:"minor_clashes"`
}
