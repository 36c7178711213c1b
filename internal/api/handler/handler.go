// Package handler implements the HTTP surface of the API service. Handlers
// validate and persist, then delegate asynchronous work to the queue; they
// never mutate job records after creation.
package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bimassist/bim-backend/internal/api/model"
	"github.com/bimassist/bim-backend/internal/config"
	"github.com/gin-gonic/gin"
)

// Store is the persistence surface the handlers depend on
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	GetJobBySubjectID(ctx context.Context, subjectID string) (*model.Job, error)
	ListActiveJobsByProject(ctx context.Context, projectID string) ([]model.Job, error)
	DeleteJob(ctx context.Context, jobID string) error

	CreateProject(ctx context.Context, p *model.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*model.Project, error)
	ListProjectsByUser(ctx context.Context, userID string) ([]model.Project, error)
	DeleteProject(ctx context.Context, projectID string) error

	CreateFile(ctx context.Context, f *model.ModelFile) error
	GetFileByID(ctx context.Context, fileID string) (*model.ModelFile, error)
	ListFilesByProject(ctx context.Context, projectID string) ([]model.ModelFile, error)
	GetFilesByIDs(ctx context.Context, projectID string, fileIDs []string) ([]model.ModelFile, error)
	MarkFileFailed(ctx context.Context, fileID, errMsg string) error
	DeleteFile(ctx context.Context, fileID string) error

	CreateReport(ctx context.Context, r *model.ClashReport) error
	GetReportByID(ctx context.Context, reportID string) (*model.ClashReport, error)
	ListReportsByProject(ctx context.Context, projectID string) ([]model.ClashReport, error)
	MarkReportFailed(ctx context.Context, reportID string) error
	DeleteReport(ctx context.Context, reportID string) error
}

// Broker publishes job messages to the pipeline exchange
type Broker interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte) error
	IsConnected() bool
}

// ObjectStore moves artifacts in and out of the bucket store
type ObjectStore interface {
	Upload(ctx context.Context, bucket, object string, reader io.Reader, size int64, contentType string) (int64, error)
	Get(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	Remove(ctx context.Context, bucket, object string) error
	PresignedGetURL(ctx context.Context, bucket, object string, expiry time.Duration) (string, error)
	RawBucket() string
	ConvertedBucket() string
	ReportsBucket() string
}

// DB is the health surface of the database client
type DB interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds the dependencies shared by all HTTP handlers
type Handler struct {
	logger      *slog.Logger
	db          DB
	queue       Broker
	objects     ObjectStore
	storage     Store
	config      *config.Config
	maxAttempts int
}

// NewHandler creates a new Handler instance
func NewHandler(
	logger *slog.Logger,
	db DB,
	queue Broker,
	objects ObjectStore,
	store Store,
	cfg *config.Config,
) *Handler {
	maxAttempts := cfg.Worker.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &Handler{
		logger:      logger,
		db:          db,
		queue:       queue,
		objects:     objects,
		storage:     store,
		config:      cfg,
		maxAttempts: maxAttempts,
	}
}

// HealthCheck reports liveness of the service and its dependencies
func (h *Handler) HealthCheck(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{
		"database": "ok",
		"rabbitmq": "ok",
	}

	if err := h.db.HealthCheck(c.Request.Context()); err != nil {
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	}

	if !h.queue.IsConnected() {
		checks["rabbitmq"] = "unavailable"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":    http.StatusText(status),
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

// userID reads the authenticated user set by the auth middleware
func userID(c *gin.Context) string {
	return c.GetString("user_id")
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
