package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/workspace"
)

type workspaceHandlers struct {
	workspaces *workspace.Service
	logger     *logger.Logger
}

func registerWorkspaceRoutes(router *gin.Engine, services Services, log *logger.Logger) {
	h := &workspaceHandlers{
		workspaces: services.Workspaces,
		logger:     log.WithFields(zap.String("component", "workspace-handlers")),
	}

	api := router.Group("/api")
	api.POST("/workspaces", h.create)
	api.GET("/workspaces/:id", h.get)
	api.PUT("/workspaces/:id", h.update)
	api.GET("/workflows/:id/workspaces", h.list)
	api.PUT("/tasks/:id/workspace", h.assignTask)
}

func (h *workspaceHandlers) create(c *gin.Context) {
	var params workspace.CreateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	ws, err := h.workspaces.Create(c.Request.Context(), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, ws)
}

func (h *workspaceHandlers) get(c *gin.Context) {
	ws, err := h.workspaces.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, ws)
}

func (h *workspaceHandlers) update(c *gin.Context) {
	var params workspace.UpdateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	ws, err := h.workspaces.Update(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, ws)
}

func (h *workspaceHandlers) list(c *gin.Context) {
	var statuses []models.WorkspaceStatus
	for _, s := range c.QueryArray("status") {
		statuses = append(statuses, models.WorkspaceStatus(s))
	}
	workspaces, err := h.workspaces.List(c.Request.Context(), c.Param("id"), statuses)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, workspaces)
}

func (h *workspaceHandlers) assignTask(c *gin.Context) {
	var body struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.WorkspaceID == "" {
		badRequest(c, "workspace_id is required")
		return
	}
	if err := h.workspaces.AssignTask(c.Request.Context(), c.Param("id"), body.WorkspaceID); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"success": true})
}
