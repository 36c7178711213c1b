package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bimassist/bim-backend/internal/api/domain"
	"github.com/bimassist/bim-backend/internal/api/dto"
	"github.com/bimassist/bim-backend/internal/api/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateProject creates a project container for model files
func (h *Handler) CreateProject(c *gin.Context) {
	var req dto.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	now := time.Now().UTC()
	project := &model.Project{
		ProjectID:   uuid.NewString(),
		UserID:      userID(c),
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.storage.CreateProject(c.Request.Context(), project); err != nil {
		h.logger.Error("Failed to create project",
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to create project")
		return
	}

	c.JSON(http.StatusCreated, project)
}

// ListProjects returns the caller's projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.storage.ListProjectsByUser(c.Request.Context(), userID(c))
	if err != nil {
		h.logger.Error("Failed to list projects",
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to list projects")
		return
	}

	if projects == nil {
		projects = []model.Project{}
	}

	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// GetProject returns one project owned by the caller
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.ownedProject(c)
	if err != nil {
		return
	}

	c.JSON(http.StatusOK, project)
}

// DeleteProject removes a project and its dependent rows
func (h *Handler) DeleteProject(c *gin.Context) {
	project, err := h.ownedProject(c)
	if err != nil {
		return
	}

	if err := h.storage.DeleteProject(c.Request.Context(), project.ProjectID); err != nil {
		h.logger.Error("Failed to delete project",
			slog.String("project_id", project.ProjectID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to delete project")
		return
	}

	c.Status(http.StatusNoContent)
}

// ownedProject loads the :projectId path parameter and enforces ownership.
// On failure the response has already been written.
func (h *Handler) ownedProject(c *gin.Context) (*model.Project, error) {
	projectID := c.Param("projectId")

	project, err := h.storage.GetProjectByID(c.Request.Context(), projectID)
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			errorResponse(c, http.StatusNotFound, "project not found")
			return nil, err
		}
		h.logger.Error("Failed to load project",
			slog.String("project_id", projectID),
			slog.Any("error", err),
		)
		errorResponse(c, http.StatusInternalServerError, "failed to load project")
		return nil, err
	}

	if project.UserID != userID(c) {
		errorResponse(c, http.StatusForbidden, "project belongs to another user")
		return nil, domain.ErrNotOwner
	}

	return project, nil
}
