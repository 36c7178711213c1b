package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/bimassist/bim-backend/internal/api/domain"
	"github.com/bimassist/bim-backend/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// GetJob returns one job record by id for direct status polling
func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("jobId")

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			errorResponse(c, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("Failed to load job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to load job")
		return
	}

	c.JSON(http.StatusOK, dto.JobResponse{
		JobID:         job.JobID,
		Kind:          job.Kind,
		SubjectID:     job.SubjectID,
		Status:        job.Status,
		Progress:      job.Progress,
		StatusMessage: job.StatusMessage,
		ErrorMessage:  job.Error(),
	})
}
