package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/bimassist/bim-backend/internal/api/domain"
	"github.com/bimassist/bim-backend/internal/api/dto"
	"github.com/bimassist/bim-backend/internal/api/model"
	"github.com/bimassist/bim-backend/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// allowedExtensions are the model formats the conversion executable accepts
var allowedExtensions = map[string]bool{
	".ifc": true,
	".rvt": true,
	".nwc": true,
	".nwd": true,
}

const presignedURLExpiry = 15 * time.Minute

// UploadFiles accepts one or more model files, stores them in the raw bucket
// and enqueues a conversion job per file. Each file is handled independently:
// a failed file never blocks the others.
func (h *Handler) UploadFiles(c *gin.Context) {
	project, err := h.ownedProject(c)
	if err != nil {
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		errorResponse(c, http.StatusBadRequest, "no files provided")
		return
	}

	maxSize := h.config.Server.MaxUploadSizeMB * 1024 * 1024

	accepted := make([]dto.UploadedFileResponse, 0, len(files))
	rejected := make([]gin.H, 0)

	for _, fh := range files {
		resp, err := h.acceptUpload(c, project, fh, maxSize)
		if err != nil {
			rejected = append(rejected, gin.H{
				"original_name": fh.Filename,
				"error":         err.Error(),
			})
			continue
		}
		accepted = append(accepted, *resp)
	}

	status := http.StatusCreated
	if len(accepted) == 0 {
		status = http.StatusBadRequest
	}

	c.JSON(status, gin.H{
		"files":    accepted,
		"rejected": rejected,
	})
}

// acceptUpload stores one file and enqueues its conversion. If the publish
// fails after the job record was created, the record is deleted so no
// orphaned pending job survives.
func (h *Handler) acceptUpload(c *gin.Context, project *model.Project, fh *multipart.FileHeader, maxSize int64) (*dto.UploadedFileResponse, error) {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}

	if maxSize > 0 && fh.Size > maxSize {
		return nil, fmt.Errorf("file exceeds the %dMB limit", h.config.Server.MaxUploadSizeMB)
	}

	ctx := c.Request.Context()
	fileID := uuid.NewString()

	rawObject := fmt.Sprintf("%s/%s%s", project.ProjectID, fileID, ext)
	rawPath := h.objects.RawBucket() + "/" + rawObject
	convertedObject := fmt.Sprintf("%s/%s.glb", project.ProjectID, fileID)
	convertedPath := h.objects.ConvertedBucket() + "/" + convertedObject

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	defer src.Close()

	if _, err := h.objects.Upload(ctx, h.objects.RawBucket(), rawObject, src, fh.Size, "application/octet-stream"); err != nil {
		h.logger.Error("Failed to store upload",
			slog.String("file_id", fileID),
			slog.Any("error", err),
		)
		return nil, errors.New("failed to store file")
	}

	now := time.Now().UTC()
	file := &model.ModelFile{
		FileID:        fileID,
		ProjectID:     project.ProjectID,
		UserID:        project.UserID,
		OriginalName:  fh.Filename,
		FileSize:      fh.Size,
		StoragePath:   rawPath,
		Status:        domain.JobStatusPending,
		StatusMessage: "queued",
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.storage.CreateFile(ctx, file); err != nil {
		h.logger.Error("Failed to create file record",
			slog.String("file_id", fileID),
			slog.Any("error", err),
		)
		// No row references the upload yet, so the object would be orphaned
		h.discardObject(ctx, h.objects.RawBucket(), rawObject)
		return nil, errors.New("failed to register file")
	}

	jobID := uuid.NewString()
	job := &model.Job{
		JobID:         jobID,
		Kind:          queue.KindConversion,
		SubjectID:     fileID,
		ProjectID:     project.ProjectID,
		Status:        domain.JobStatusPending,
		StatusMessage: "queued",
		MaxAttempts:   h.maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.storage.CreateJob(ctx, job); err != nil {
		h.logger.Error("Failed to create job record",
			slog.String("file_id", fileID),
			slog.Any("error", err),
		)
		// A file row with no job behind it would stay pending forever
		h.compensateFile(ctx, fileID)
		return nil, errors.New("failed to register conversion job")
	}

	body, err := queue.NewConversionMessage(jobID, queue.ConversionPayload{
		FileID:       fileID,
		ProjectID:    project.ProjectID,
		InputPath:    rawPath,
		OutputPath:   convertedPath,
		OriginalName: fh.Filename,
	})
	if err != nil {
		h.compensateJob(ctx, jobID)
		h.compensateFile(ctx, fileID)
		return nil, errors.New("failed to build conversion job")
	}

	if err := h.queue.PublishWithRetry(ctx, h.config.RabbitMQ.ConversionQueue.RoutingKey, body); err != nil {
		h.logger.Error("Failed to publish conversion job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		h.compensateJob(ctx, jobID)
		h.compensateFile(ctx, fileID)
		return nil, errors.New("failed to enqueue conversion")
	}

	h.logger.Info("Conversion job enqueued",
		slog.String("job_id", jobID),
		slog.String("file_id", fileID),
		slog.String("project_id", project.ProjectID),
	)

	return &dto.UploadedFileResponse{
		FileID:       fileID,
		JobID:        jobID,
		OriginalName: fh.Filename,
		FileSize:     fh.Size,
		Status:       domain.JobStatusPending,
	}, nil
}

// compensateJob removes a job record whose message never reached the broker.
// A record with no message behind it would sit pending forever.
func (h *Handler) compensateJob(ctx context.Context, jobID string) {
	if err := h.storage.DeleteJob(ctx, jobID); err != nil {
		h.logger.Error("Failed to delete unpublished job record",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

// compensateFile marks a file failed after its conversion job could not be
// created or published, so the row never shows an eternal pending
func (h *Handler) compensateFile(ctx context.Context, fileID string) {
	if err := h.storage.MarkFileFailed(ctx, fileID, "failed to enqueue conversion"); err != nil {
		h.logger.Error("Failed to mark unqueued file failed",
			slog.String("file_id", fileID),
			slog.Any("error", err),
		)
	}
}

// discardObject removes a stored object no row references
func (h *Handler) discardObject(ctx context.Context, bucket, object string) {
	if err := h.objects.Remove(ctx, bucket, object); err != nil {
		h.logger.Warn("Failed to remove orphaned object",
			slog.String("bucket", bucket),
			slog.String("object", object),
			slog.Any("error", err),
		)
	}
}

// ListFiles returns all files under a project
func (h *Handler) ListFiles(c *gin.Context) {
	project, err := h.ownedProject(c)
	if err != nil {
		return
	}

	files, err := h.storage.ListFilesByProject(c.Request.Context(), project.ProjectID)
	if err != nil {
		h.logger.Error("Failed to list files",
			slog.String("project_id", project.ProjectID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to list files")
		return
	}

	if files == nil {
		files = []model.ModelFile{}
	}

	c.JSON(http.StatusOK, gin.H{"files": files})
}

// GetFile returns one file owned by the caller
func (h *Handler) GetFile(c *gin.Context) {
	file, err := h.ownedFile(c)
	if err != nil {
		return
	}

	c.JSON(http.StatusOK, file)
}

// DownloadFile returns a time-limited link to the converted model, falling
// back to the raw upload while conversion has not completed
func (h *Handler) DownloadFile(c *gin.Context) {
	file, err := h.ownedFile(c)
	if err != nil {
		return
	}

	locator := file.StoragePath
	if file.ConvertedPath.Valid && file.ConvertedPath.String != "" {
		locator = file.ConvertedPath.String
	}

	bucket, object, ok := strings.Cut(locator, "/")
	if !ok {
		errorResponse(c, http.StatusInternalServerError, "invalid stored artifact location")
		return
	}

	url, err := h.objects.PresignedGetURL(c.Request.Context(), bucket, object, presignedURLExpiry)
	if err != nil {
		h.logger.Error("Failed to presign download",
			slog.String("file_id", file.FileID),
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

// DeleteFile removes the file row and its stored artifacts
func (h *Handler) DeleteFile(c *gin.Context) {
	file, err := h.ownedFile(c)
	if err != nil {
		return
	}

	ctx := c.Request.Context()

	for _, locator := range []string{file.StoragePath, file.ConvertedPath.String} {
		if locator == "" {
			continue
		}
		bucket, object, ok := strings.Cut(locator, "/")
		if !ok {
			continue
		}
		if err := h.objects.Remove(ctx, bucket, object); err != nil {
			h.logger.Warn("Failed to remove stored artifact",
				slog.String("file_id", file.FileID),
				slog.String("locator", locator),
				slog.Any("error", err),
			)
		}
	}

	if err := h.storage.DeleteFile(ctx, file.FileID); err != nil {
		h.logger.Error("Failed to delete file record",
			slog.String("file_id", file.FileID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to delete file")
		return
	}

	c.Status(http.StatusNoContent)
}

// ownedFile loads the :fileId path parameter and enforces ownership
func (h *Handler) ownedFile(c *gin.Context) (*model.ModelFile, error) {
	fileID := c.Param("fileId")

	file, err := h.storage.GetFileByID(c.Request.Context(), fileID)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			errorResponse(c, http.StatusNotFound, "file not found")
			return nil, err
		}
		h.logger.Error("Failed to load file",
			slog.String("file_id", fileID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to load file")
		return nil, err
	}

	if file.UserID != userID(c) {
		errorResponse(c, http.StatusForbidden, "file belongs to another user")
		return nil, domain.ErrNotOwner
	}

	return file, nil
}
