package domain

import (
	"errors"
)

// Job record lifecycle. A record is created pending, moved to processing by
// the worker, and reaches exactly one terminal state.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrReportNotFound  = errors.New("report not found")
	ErrNotOwner        = errors.New("caller does not own this resource")
)
