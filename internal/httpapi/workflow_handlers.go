package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
	"github.com/caw-dev/caw/internal/workflow"
)

type workflowHandlers struct {
	workflows *workflow.Service
	logger    *logger.Logger
}

func registerWorkflowRoutes(router *gin.Engine, services Services, log *logger.Logger) {
	h := &workflowHandlers{
		workflows: services.Workflows,
		logger:    log.WithFields(zap.String("component", "workflow-handlers")),
	}
	orch := services.Orchestration
	locks := services.Sessions

	api := router.Group("/api")
	api.GET("/workflows", h.list)
	api.POST("/workflows", h.create)
	api.GET("/workflows/:id", h.get)
	api.PUT("/workflows/:id/status", h.updateStatus)
	api.PUT("/workflows/:id/plan", h.setPlan)
	api.POST("/workflows/:id/replan", h.replan)
	api.PUT("/workflows/:id/parallelism", h.setParallelism)
	api.GET("/workflows/:id/summary", h.summary)
	api.POST("/workflows/:id/tasks", h.addTask)
	api.DELETE("/workflows/:id/tasks/:taskId", h.removeTask)
	api.GET("/workflows/:id/dependencies", h.dependencies)

	api.GET("/workflows/:id/next-tasks", func(c *gin.Context) {
		result, err := orch.GetNextTasks(c.Request.Context(), c.Param("id"),
			c.Query("include_failed") == "true", c.Query("include_paused") == "true")
		if err != nil {
			respondErr(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, result)
	})
	api.GET("/workflows/:id/progress", func(c *gin.Context) {
		progress, err := orch.GetProgress(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondErr(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, progress)
	})

	api.GET("/workflows/:id/lock", func(c *gin.Context) {
		info, err := locks.GetLockInfo(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondErr(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, info)
	})
	api.POST("/workflows/:id/lock", func(c *gin.Context) {
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
			badRequest(c, "session_id is required")
			return
		}
		result, err := locks.Lock(c.Request.Context(), c.Param("id"), body.SessionID)
		if err != nil {
			respondErr(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, result)
	})
	api.POST("/workflows/:id/unlock", func(c *gin.Context) {
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
			badRequest(c, "session_id is required")
			return
		}
		if err := locks.Unlock(c.Request.Context(), c.Param("id"), body.SessionID); err != nil {
			respondErr(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"success": true})
	})

	api.GET("/workflows/:id/repositories", h.listRepositories)
	api.POST("/workflows/:id/repositories", h.addRepository)
	api.DELETE("/workflows/:id/repositories/:repoId", h.removeRepository)
}

func (h *workflowHandlers) create(c *gin.Context) {
	var params workflow.CreateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	wf, err := h.workflows.Create(c.Request.Context(), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, wf)
}

func (h *workflowHandlers) get(c *gin.Context) {
	wf, err := h.workflows.Get(c.Request.Context(), c.Param("id"), c.Query("include_tasks") == "true")
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, wf)
}

func (h *workflowHandlers) list(c *gin.Context) {
	filter := store.WorkflowFilter{
		RepositoryID: c.Query("repository_id"),
		Limit:        intQuery(c, "limit", 20),
		Offset:       intQuery(c, "offset", 0),
	}
	for _, s := range c.QueryArray("status") {
		filter.Statuses = append(filter.Statuses, models.WorkflowStatus(s))
	}

	result, err := h.workflows.List(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respondList(c, result.Workflows, Meta{
		Total:  result.Total,
		Limit:  &filter.Limit,
		Offset: &filter.Offset,
	})
}

func (h *workflowHandlers) updateStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Status == "" {
		badRequest(c, "status is required")
		return
	}
	wf, err := h.workflows.UpdateStatus(c.Request.Context(), c.Param("id"),
		models.WorkflowStatus(body.Status), body.Reason)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, wf)
}

func (h *workflowHandlers) setPlan(c *gin.Context) {
	var plan workflow.Plan
	if err := c.ShouldBindJSON(&plan); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.workflows.SetPlan(c.Request.Context(), c.Param("id"), plan)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *workflowHandlers) replan(c *gin.Context) {
	var params workflow.ReplanParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.workflows.Replan(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *workflowHandlers) setParallelism(c *gin.Context) {
	var body struct {
		MaxParallelTasks     int   `json:"max_parallel_tasks"`
		AutoCreateWorkspaces *bool `json:"auto_create_workspaces,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	if err := h.workflows.SetParallelism(c.Request.Context(), c.Param("id"),
		body.MaxParallelTasks, body.AutoCreateWorkspaces); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"success": true})
}

func (h *workflowHandlers) summary(c *gin.Context) {
	summary, err := h.workflows.GetSummary(c.Request.Context(), c.Param("id"), c.Query("format"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, summary)
}

func (h *workflowHandlers) addTask(c *gin.Context) {
	var params workflow.AddTaskParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	created, err := h.workflows.AddTask(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, created)
}

func (h *workflowHandlers) removeTask(c *gin.Context) {
	result, err := h.workflows.RemoveTask(c.Request.Context(), c.Param("id"), c.Param("taskId"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *workflowHandlers) dependencies(c *gin.Context) {
	edges, err := h.workflows.ListDependencies(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, edges)
}

func (h *workflowHandlers) listRepositories(c *gin.Context) {
	repos, err := h.workflows.ListRepositories(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, repos)
}

func (h *workflowHandlers) addRepository(c *gin.Context) {
	var body struct {
		RepositoryID string `json:"repository_id,omitempty"`
		Path         string `json:"path,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	repo, err := h.workflows.AddRepository(c.Request.Context(), c.Param("id"), body.RepositoryID, body.Path)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, repo)
}

func (h *workflowHandlers) removeRepository(c *gin.Context) {
	if err := h.workflows.RemoveRepository(c.Request.Context(), c.Param("id"), c.Param("repoId")); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"success": true})
}

// intQuery parses an integer query parameter with a fallback.
func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
