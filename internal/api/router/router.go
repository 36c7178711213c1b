// Package router wires the HTTP routes of the API service.
package router

import (
	"log/slog"

	"github.com/bimassist/bim-backend/internal/api/handler"
	"github.com/bimassist/bim-backend/internal/config"
	"github.com/gin-gonic/gin"
)

// Setup builds the gin engine with all middleware and routes
func Setup(h *handler.Handler, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(logger))
	engine.Use(CORS())

	engine.GET("/health", h.HealthCheck)

	v1 := engine.Group("/api/v1")
	v1.Use(Auth(cfg.Auth.JWTSecret))
	{
		projects := v1.Group("/projects")
		{
			projects.POST("", h.CreateProject)
			projects.GET("", h.ListProjects)
			projects.GET("/:projectId", h.GetProject)
			projects.DELETE("/:projectId", h.DeleteProject)

			projects.POST("/:projectId/files", h.UploadFiles)
			projects.GET("/:projectId/files", h.ListFiles)
			projects.GET("/:projectId/progress", h.StreamProjectProgress)
			projects.GET("/:projectId/reports", h.ListReports)
		}

		files := v1.Group("/files")
		{
			files.GET("/:fileId", h.GetFile)
			files.GET("/:fileId/download", h.DownloadFile)
			files.GET("/:fileId/progress", h.StreamFileProgress)
			files.DELETE("/:fileId", h.DeleteFile)
		}

		reports := v1.Group("/reports")
		{
			reports.POST("", h.GenerateReport)
			reports.GET("/:reportId", h.GetReport)
			reports.GET("/:reportId/download", h.DownloadReport)
			reports.GET("/:reportId/content", h.GetReportContent)
			reports.DELETE("/:reportId", h.DeleteReport)
		}

		v1.GET("/jobs/:jobId", h.GetJob)
	}

	return engine
}
