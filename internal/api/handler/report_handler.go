package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bimassist/bim-backend/internal/api/domain"
	"github.com/bimassist/bim-backend/internal/api/dto"
	"github.com/bimassist/bim-backend/internal/api/model"
	"github.com/bimassist/bim-backend/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GenerateReport starts clash detection over a set of converted files. Every
// referenced file must belong to the project and have finished conversion.
func (h *Handler) GenerateReport(c *gin.Context) {
	var req dto.GenerateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx := c.Request.Context()

	project, err := h.storage.GetProjectByID(ctx, req.ProjectID)
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			errorResponse(c, http.StatusNotFound, "project not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "failed to load project")
		return
	}

	if project.UserID != userID(c) {
		errorResponse(c, http.StatusForbidden, "project belongs to another user")
		return
	}

	files, err := h.storage.GetFilesByIDs(ctx, req.ProjectID, req.FileIDs)
	if err != nil {
		h.logger.Error("Failed to load report inputs",
			slog.String("project_id", req.ProjectID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to load files")
		return
	}

	if len(files) != len(req.FileIDs) {
		errorResponse(c, http.StatusNotFound, "one or more files not found in project")
		return
	}

	inputPaths := make([]string, 0, len(files))
	for _, f := range files {
		if f.Status != domain.JobStatusCompleted || !f.ConvertedPath.Valid {
			errorResponse(c, http.StatusConflict,
				fmt.Sprintf("file %s has not finished conversion", f.FileID))
			return
		}
		inputPaths = append(inputPaths, f.ConvertedPath.String)
	}

	settings, err := json.Marshal(req.Settings)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid clash settings")
		return
	}

	now := time.Now().UTC()
	reportID := uuid.NewString()
	resultPath := fmt.Sprintf("%s/%s/%s.json", h.objects.ReportsBucket(), req.ProjectID, reportID)

	report := &model.ClashReport{
		ReportID:  reportID,
		ProjectID: req.ProjectID,
		UserID:    project.UserID,
		FileIDs:   req.FileIDs,
		Settings:  settings,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.storage.CreateReport(ctx, report); err != nil {
		h.logger.Error("Failed to create report record",
			slog.String("report_id", reportID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to create report")
		return
	}

	jobID := uuid.NewString()
	job := &model.Job{
		JobID:         jobID,
		Kind:          queue.KindClashDetection,
		SubjectID:     reportID,
		ProjectID:     req.ProjectID,
		Status:        domain.JobStatusPending,
		StatusMessage: "queued",
		MaxAttempts:   h.maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.storage.CreateJob(ctx, job); err != nil {
		h.logger.Error("Failed to create job record",
			slog.String("report_id", reportID),
			slog.Any("error", err),
		)
		// A report row with no job behind it would stay pending forever
		h.compensateReport(ctx, reportID)
		errorResponse(c, http.StatusInternalServerError, "failed to register clash job")
		return
	}

	body, err := queue.NewClashMessage(jobID, queue.ClashPayload{
		ReportID:   reportID,
		ProjectID:  req.ProjectID,
		FileIDs:    req.FileIDs,
		InputPaths: inputPaths,
		OutputPath: resultPath,
		Settings: queue.ClashSettings{
			ToleranceMM:  req.Settings.ToleranceMM,
			IncludeMinor: req.Settings.IncludeMinor,
		},
	})
	if err != nil {
		h.compensateJob(ctx, jobID)
		h.compensateReport(ctx, reportID)
		errorResponse(c, http.StatusInternalServerError, "failed to build clash job")
		return
	}

	if err := h.queue.PublishWithRetry(ctx, h.config.RabbitMQ.ClashQueue.RoutingKey, body); err != nil {
		h.logger.Error("Failed to publish clash job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		h.compensateJob(ctx, jobID)
		h.compensateReport(ctx, reportID)
		errorResponse(c, http.StatusServiceUnavailable, "failed to enqueue clash detection")
		return
	}

	h.logger.Info("Clash job enqueued",
		slog.String("job_id", jobID),
		slog.String("report_id", reportID),
		slog.Int("files", len(req.FileIDs)),
	)

	c.JSON(http.StatusAccepted, dto.JobResponse{
		JobID:         jobID,
		Kind:          queue.KindClashDetection,
		SubjectID:     reportID,
		Status:        domain.JobStatusPending,
		StatusMessage: "queued",
	})
}

// compensateReport marks a report failed after its clash message could not
// be published
func (h *Handler) compensateReport(ctx context.Context, reportID string) {
	if err := h.storage.MarkReportFailed(ctx, reportID); err != nil {
		h.logger.Error("Failed to mark unqueued report failed",
			slog.String("report_id", reportID),
			slog.Any("error", err),
		)
	}
}

// ListReports returns all reports under a project
func (h *Handler) ListReports(c *gin.Context) {
	project, err := h.ownedProject(c)
	if err != nil {
		return
	}

	reports, err := h.storage.ListReportsByProject(c.Request.Context(), project.ProjectID)
	if err != nil {
		h.logger.Error("Failed to list reports",
			slog.String("project_id", project.ProjectID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to list reports")
		return
	}

	if reports == nil {
		reports = []model.ClashReport{}
	}

	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// GetReport returns one report owned by the caller
func (h *Handler) GetReport(c *gin.Context) {
	report, err := h.ownedReport(c)
	if err != nil {
		return
	}

	c.JSON(http.StatusOK, report)
}

// DownloadReport returns a time-limited link to the generated report file
func (h *Handler) DownloadReport(c *gin.Context) {
	report, err := h.ownedReport(c)
	if err != nil {
		return
	}

	if report.Status != domain.JobStatusCompleted || !report.ResultPath.Valid {
		errorResponse(c, http.StatusConflict, "report has not finished generating")
		return
	}

	bucket, object, ok := strings.Cut(report.ResultPath.String, "/")
	if !ok {
		errorResponse(c, http.StatusInternalServerError, "invalid stored artifact location")
		return
	}

	url, err := h.objects.PresignedGetURL(c.Request.Context(), bucket, object, presignedURLExpiry)
	if err != nil {
		h.logger.Error("Failed to presign report download",
			slog.String("report_id", report.ReportID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to create download link")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":        url,
		"expires_in": int(presignedURLExpiry.Seconds()),
	})
}

// GetReportContent streams the generated report JSON through the API for
// clients that cannot follow presigned links
func (h *Handler) GetReportContent(c *gin.Context) {
	report, err := h.ownedReport(c)
	if err != nil {
		return
	}

	if report.Status != domain.JobStatusCompleted || !report.ResultPath.Valid {
		errorResponse(c, http.StatusConflict, "report has not finished generating")
		return
	}

	bucket, object, ok := strings.Cut(report.ResultPath.String, "/")
	if !ok {
		errorResponse(c, http.StatusInternalServerError, "invalid stored artifact location")
		return
	}

	rc, err := h.objects.Get(c.Request.Context(), bucket, object)
	if err != nil {
		h.logger.Error("Failed to open report artifact",
			slog.String("report_id", report.ReportID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to read report")
		return
	}
	defer rc.Close()

	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)

	if _, err := io.Copy(c.Writer, rc); err != nil {
		h.logger.Warn("Report stream interrupted",
			slog.String("report_id", report.ReportID),
			slog.Any("error", err),
		)
	}
}

// DeleteReport removes the report row and its stored artifact
func (h *Handler) DeleteReport(c *gin.Context) {
	report, err := h.ownedReport(c)
	if err != nil {
		return
	}

	ctx := c.Request.Context()

	if report.ResultPath.Valid {
		if bucket, object, ok := strings.Cut(report.ResultPath.String, "/"); ok {
			if err := h.objects.Remove(ctx, bucket, object); err != nil {
				h.logger.Warn("Failed to remove report artifact",
					slog.String("report_id", report.ReportID),
					slog.Any("error", err),
				)
			}
		}
	}

	if err := h.storage.DeleteReport(ctx, report.ReportID); err != nil {
		h.logger.Error("Failed to delete report record",
			slog.String("report_id", report.ReportID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to delete report")
		return
	}

	c.Status(http.StatusNoContent)
}

// ownedReport loads the :reportId path parameter and enforces ownership
func (h *Handler) ownedReport(c *gin.Context) (*model.ClashReport, error) {
	reportID := c.Param("reportId")

	report, err := h.storage.GetReportByID(c.Request.Context(), reportID)
	if err != nil {
		if errors.Is(err, domain.ErrReportNotFound) {
			errorResponse(c, http.StatusNotFound, "report not found")
			return nil, err
		}
		h.logger.Error("Failed to load report",
			slog.String("report_id", reportID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to load report")
		return nil, err
	}

	if report.UserID != userID(c) {
		errorResponse(c, http.StatusForbidden, "report belongs to another user")
		return nil, domain.ErrNotOwner
	}

	return report, nil
}
