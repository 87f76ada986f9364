package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/agent"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

type agentHandlers struct {
	agents *agent.Service
	logger *logger.Logger
}

func registerAgentRoutes(router *gin.Engine, services Services, log *logger.Logger) {
	h := &agentHandlers{
		agents: services.Agents,
		logger: log.WithFields(zap.String("component", "agent-handlers")),
	}
	messages := services.Messages

	api := router.Group("/api")
	api.GET("/agents", h.list)
	api.POST("/agents", h.register)
	api.GET("/agents/:id", h.get)
	api.PUT("/agents/:id", h.update)
	api.PUT("/agents/:id/heartbeat", h.heartbeat)
	api.DELETE("/agents/:id", h.unregister)

	api.GET("/agents/:id/messages", func(c *gin.Context) {
		filter := store.MessageFilter{
			MessageType: c.Query("message_type"),
			ThreadID:    c.Query("thread_id"),
			WorkflowID:  c.Query("workflow_id"),
			Limit:       intQuery(c, "limit", 0),
		}
		if statuses, present := c.GetQueryArray("status"); present {
			filter.Statuses = []models.MessageStatus{}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, models.MessageStatus(s))
			}
		}
		if priorities, present := c.GetQueryArray("priority"); present {
			filter.Priorities = []models.MessagePriority{}
			for _, p := range priorities {
				filter.Priorities = append(filter.Priorities, models.MessagePriority(p))
			}
		}
		msgs, err := messages.List(c.Request.Context(), c.Param("id"), filter)
		if err != nil {
			respondErr(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, msgs)
	})
	api.GET("/agents/:id/messages/unread-count", func(c *gin.Context) {
		var priorities []models.MessagePriority
		for _, p := range c.QueryArray("priority") {
			priorities = append(priorities, models.MessagePriority(p))
		}
		count, err := messages.CountUnread(c.Request.Context(), c.Param("id"), priorities)
		if err != nil {
			respondErr(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, count)
	})
}

func (h *agentHandlers) register(c *gin.Context) {
	var params agent.RegisterParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	a, err := h.agents.Register(c.Request.Context(), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, a)
}

func (h *agentHandlers) get(c *gin.Context) {
	a, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, a)
}

func (h *agentHandlers) list(c *gin.Context) {
	filter := store.AgentFilter{
		Runtime:    c.Query("runtime"),
		WorkflowID: c.Query("workflow_id"),
	}
	if statuses, present := c.GetQueryArray("status"); present {
		filter.Statuses = []models.AgentStatus{}
		for _, s := range statuses {
			filter.Statuses = append(filter.Statuses, models.AgentStatus(s))
		}
	}
	if roles, present := c.GetQueryArray("role"); present {
		filter.Roles = []models.AgentRole{}
		for _, r := range roles {
			filter.Roles = append(filter.Roles, models.AgentRole(r))
		}
	}

	agents, err := h.agents.List(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, agents)
}

func (h *agentHandlers) update(c *gin.Context) {
	var params agent.UpdateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	a, err := h.agents.Update(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, a)
}

func (h *agentHandlers) heartbeat(c *gin.Context) {
	var body struct {
		CurrentTaskID *string `json:"current_task_id,omitempty"`
		Status        string  `json:"status,omitempty"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid payload")
			return
		}
	}
	a, err := h.agents.Heartbeat(c.Request.Context(), c.Param("id"),
		body.CurrentTaskID, models.AgentStatus(body.Status))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, a)
}

func (h *agentHandlers) unregister(c *gin.Context) {
	result, err := h.agents.Unregister(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, result)
}
