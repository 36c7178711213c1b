// Package progress converts job-record polling into a push-style event stream
// for one client connection. Sessions are ephemeral: created on connect,
// destroyed on the terminal event or client disconnect, never persisted.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Event types emitted over a stream
const (
	EventConnected     = "connected"
	EventProgress      = "progress"
	EventBatchProgress = "batch_progress"
	EventDone          = "done"
	EventError         = "error"
)

// ErrNotFound must be returned by a Source when the observed record is gone
var ErrNotFound = errors.New("record not found")

// Record is the read-only snapshot of a job record a session observes each
// poll. It may lag the worker's last committed update but is never ahead of it.
type Record struct {
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	SubjectID string `json:"subject_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Terminal reports whether the record permits no further transitions
func (r Record) Terminal() bool {
	return r.Status == "completed" || r.Status == "failed"
}

// Source reads job records for a session. Implementations never mutate.
type Source interface {
	JobBySubject(ctx context.Context, subjectID string) (Record, error)
	ActiveByProject(ctx context.Context, projectID string) ([]Record, error)
}

// Event is one frame pushed to the client. Type is always set; the remaining
// fields depend on the event type.
type Event struct {
	Type      string   `json:"type"`
	SubjectID string   `json:"subject_id,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
	Status    string   `json:"status,omitempty"`
	Progress  int      `json:"progress"`
	Message   string   `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
	Files     []Record `json:"files,omitempty"`
	Total     int      `json:"total_files,omitempty"`
}

// EmitFunc delivers one event to the client. A non-nil error means the client
// connection is unusable and the session must stop polling.
type EmitFunc func(Event) error

// Session polls a Source and emits events until a terminal state, a source
// failure, or cancellation of ctx (client disconnect).
type Session struct {
	source   Source
	logger   *slog.Logger
	interval time.Duration
}

// NewSession creates a session polling source every interval
func NewSession(source Source, logger *slog.Logger, interval time.Duration) *Session {
	return &Session{
		source:   source,
		logger:   logger,
		interval: interval,
	}
}

// RunSubject streams a single subject's job record. Event order seen by the
// client: connected, zero or more progress, then exactly one done or error.
func (s *Session) RunSubject(ctx context.Context, subjectID string, emit EmitFunc) error {
	err := emit(Event{
		Type:      EventConnected,
		SubjectID: subjectID,
		Message:   "Progress stream connected",
	})
	if err != nil {
		return fmt.Errorf("failed to emit connected event: %w", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Progress stream canceled",
				slog.String("subject_id", subjectID),
			)
			return ctx.Err()

		case <-ticker.C:
			record, err := s.source.JobBySubject(ctx, subjectID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					// Record deleted mid-stream: one error event, then close
					_ = emit(Event{
						Type:      EventError,
						SubjectID: subjectID,
						Message:   "Record not found",
					})
					return ErrNotFound
				}

				s.logger.Error("Progress poll failed",
					slog.String("subject_id", subjectID),
					slog.Any("error", err),
				)
				_ = emit(Event{
					Type:      EventError,
					SubjectID: subjectID,
					Message:   "Error polling progress",
				})
				return err
			}

			err = emit(Event{
				Type:      EventProgress,
				SubjectID: subjectID,
				Status:    record.Status,
				Progress:  record.Progress,
				Message:   record.Message,
				Error:     record.Error,
			})
			if err != nil {
				return fmt.Errorf("failed to emit progress event: %w", err)
			}

			if record.Terminal() {
				doneMsg := "Processing completed"
				if record.Status == "failed" {
					doneMsg = "Processing failed"
				}

				// One final done event; nothing may follow it
				if err := emit(Event{
					Type:      EventDone,
					SubjectID: subjectID,
					Status:    record.Status,
					Progress:  record.Progress,
					Message:   doneMsg,
				}); err != nil {
					return fmt.Errorf("failed to emit done event: %w", err)
				}
				return nil
			}
		}
	}
}

// RunBatch streams all non-terminal jobs under a project on a coarser cadence
// until the active set drains.
func (s *Session) RunBatch(ctx context.Context, projectID string, emit EmitFunc) error {
	err := emit(Event{
		Type:      EventConnected,
		ProjectID: projectID,
		Message:   "Batch progress stream connected",
	})
	if err != nil {
		return fmt.Errorf("failed to emit connected event: %w", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Batch progress stream canceled",
				slog.String("project_id", projectID),
			)
			return ctx.Err()

		case <-ticker.C:
			records, err := s.source.ActiveByProject(ctx, projectID)
			if err != nil {
				s.logger.Error("Batch progress poll failed",
					slog.String("project_id", projectID),
					slog.Any("error", err),
				)
				_ = emit(Event{
					Type:      EventError,
					ProjectID: projectID,
					Message:   "Error polling progress",
				})
				return err
			}

			err = emit(Event{
				Type:      EventBatchProgress,
				ProjectID: projectID,
				Files:     records,
				Total:     len(records),
			})
			if err != nil {
				return fmt.Errorf("failed to emit batch progress event: %w", err)
			}

			if len(records) == 0 {
				if err := emit(Event{
					Type:      EventDone,
					ProjectID: projectID,
					Message:   "All files processed",
				}); err != nil {
					return fmt.Errorf("failed to emit done event: %w", err)
				}
				return nil
			}
		}
	}
}
