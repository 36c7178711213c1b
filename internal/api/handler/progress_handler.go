package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bimassist/bim-backend/internal/api/domain"
	"github.com/bimassist/bim-backend/internal/api/model"
	"github.com/bimassist/bim-backend/internal/progress"
	"github.com/gin-gonic/gin"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultBatchPollInterval = 3 * time.Second
)

// recordSource adapts the job record store to the progress poller
type recordSource struct {
	store Store
}

func (r *recordSource) JobBySubject(ctx context.Context, subjectID string) (progress.Record, error) {
	job, err := r.store.GetJobBySubjectID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return progress.Record{}, progress.ErrNotFound
		}
		return progress.Record{}, err
	}
	return toRecord(job), nil
}

func (r *recordSource) ActiveByProject(ctx context.Context, projectID string) ([]progress.Record, error) {
	jobs, err := r.store.ListActiveJobsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	records := make([]progress.Record, 0, len(jobs))
	for i := range jobs {
		records = append(records, toRecord(&jobs[i]))
	}
	return records, nil
}

func toRecord(job *model.Job) progress.Record {
	return progress.Record{
		JobID:     job.JobID,
		Kind:      job.Kind,
		SubjectID: job.SubjectID,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   job.StatusMessage,
		Error:     job.Error(),
	}
}

// StreamFileProgress pushes conversion progress for one file over SSE until
// the job reaches a terminal state or the client disconnects
func (h *Handler) StreamFileProgress(c *gin.Context) {
	file, err := h.ownedFile(c)
	if err != nil {
		return
	}

	interval := h.config.Streaming.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	h.runStream(c, interval, func(session *progress.Session, emit progress.EmitFunc) error {
		return session.RunSubject(c.Request.Context(), file.FileID, emit)
	})
}

// StreamProjectProgress pushes batch progress for every active job under a
// project over SSE until the active set drains
func (h *Handler) StreamProjectProgress(c *gin.Context) {
	project, err := h.ownedProject(c)
	if err != nil {
		return
	}

	interval := h.config.Streaming.BatchPollInterval
	if interval <= 0 {
		interval = defaultBatchPollInterval
	}

	h.runStream(c, interval, func(session *progress.Session, emit progress.EmitFunc) error {
		return session.RunBatch(c.Request.Context(), project.ProjectID, emit)
	})
}

// runStream sets up SSE framing and drives one progress session over it
func (h *Handler) runStream(c *gin.Context, interval time.Duration, run func(*progress.Session, progress.EmitFunc) error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		errorResponse(c, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(e progress.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	session := progress.NewSession(&recordSource{store: h.storage}, h.logger, interval)

	if err := run(session, emit); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("Progress stream ended with error",
			slog.Any("error", err),
		)
	}
}
