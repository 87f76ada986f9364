package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/orchestration"
	"github.com/caw-dev/caw/internal/store"
	"github.com/caw-dev/caw/internal/task"
	"github.com/caw-dev/caw/internal/taskctx"
)

type taskHandlers struct {
	tasks         *task.Service
	orchestration *orchestration.Service
	context       *taskctx.Loader
	logger        *logger.Logger
}

func registerTaskRoutes(router *gin.Engine, services Services, log *logger.Logger) {
	h := &taskHandlers{
		tasks:         services.Tasks,
		orchestration: services.Orchestration,
		context:       services.Context,
		logger:        log.WithFields(zap.String("component", "task-handlers")),
	}

	api := router.Group("/api")
	api.GET("/tasks/available", h.available)
	api.GET("/tasks/:id", h.get)
	api.PUT("/tasks/:id/status", h.updateStatus)
	api.PUT("/tasks/:id/plan", h.setPlan)
	api.POST("/tasks/:id/replan", h.replan)
	api.POST("/tasks/:id/claim", h.claim)
	api.POST("/tasks/:id/release", h.release)
	api.GET("/tasks/:id/dependencies", h.dependencies)
	api.GET("/tasks/:id/dependencies/check", h.checkDependencies)
	api.GET("/tasks/:id/checkpoints", h.listCheckpoints)
	api.POST("/tasks/:id/checkpoints", h.addCheckpoint)
	api.POST("/tasks/:id/context", h.loadContext)
}

func (h *taskHandlers) available(c *gin.Context) {
	tasks, err := h.tasks.GetAvailable(c.Request.Context(), c.Query("workflow_id"), intQuery(c, "limit", 0))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, tasks)
}

func (h *taskHandlers) get(c *gin.Context) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("id"),
		c.Query("include_checkpoints") == "true", intQuery(c, "checkpoint_limit", 0))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, t)
}

func (h *taskHandlers) updateStatus(c *gin.Context) {
	var body struct {
		Status  string `json:"status"`
		Outcome string `json:"outcome,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Status == "" {
		badRequest(c, "status is required")
		return
	}
	t, err := h.tasks.UpdateStatus(c.Request.Context(), c.Param("id"),
		models.TaskStatus(body.Status), task.UpdateStatusParams{
			Outcome: body.Outcome,
			Error:   body.Error,
		})
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, t)
}

func (h *taskHandlers) setPlan(c *gin.Context) {
	var body struct {
		Plan    string                 `json:"plan"`
		Context map[string]interface{} `json:"context,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	t, err := h.tasks.SetPlan(c.Request.Context(), c.Param("id"), body.Plan, body.Context)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, t)
}

func (h *taskHandlers) replan(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
		Plan   string `json:"plan"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Reason == "" {
		badRequest(c, "reason is required")
		return
	}
	result, err := h.tasks.Replan(c.Request.Context(), c.Param("id"), body.Reason, body.Plan)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *taskHandlers) claim(c *gin.Context) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentID == "" {
		badRequest(c, "agent_id is required")
		return
	}
	result, err := h.tasks.Claim(c.Request.Context(), c.Param("id"), body.AgentID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *taskHandlers) release(c *gin.Context) {
	var body struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentID == "" {
		badRequest(c, "agent_id is required")
		return
	}
	if err := h.tasks.Release(c.Request.Context(), c.Param("id"), body.AgentID, body.Reason); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"success": true})
}

func (h *taskHandlers) dependencies(c *gin.Context) {
	deps, err := h.tasks.GetDependencies(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, deps)
}

func (h *taskHandlers) checkDependencies(c *gin.Context) {
	check, err := h.orchestration.CheckDependencies(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, check)
}

func (h *taskHandlers) listCheckpoints(c *gin.Context) {
	filter := store.CheckpointFilter{
		SinceSequence: intQuery(c, "since_sequence", 0),
		Limit:         intQuery(c, "limit", 0),
	}
	if types, present := c.GetQueryArray("type"); present {
		filter.Types = []models.CheckpointType{}
		for _, t := range types {
			filter.Types = append(filter.Types, models.CheckpointType(t))
		}
	}
	cps, err := h.tasks.ListCheckpoints(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, cps)
}

func (h *taskHandlers) addCheckpoint(c *gin.Context) {
	var params task.CheckpointParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	cp, err := h.tasks.AddCheckpoint(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, cp)
}

func (h *taskHandlers) loadContext(c *gin.Context) {
	var opts taskctx.Options
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			badRequest(c, "invalid payload")
			return
		}
	}
	bundle, err := h.context.Load(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, bundle)
}
