package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/message"
)

type messageHandlers struct {
	messages *message.Service
	logger   *logger.Logger
}

func registerMessageRoutes(router *gin.Engine, services Services, log *logger.Logger) {
	h := &messageHandlers{
		messages: services.Messages,
		logger:   log.WithFields(zap.String("component", "message-handlers")),
	}

	api := router.Group("/api")
	api.POST("/messages", h.send)
	api.POST("/messages/broadcast", h.broadcast)
	api.PUT("/messages/mark-read", h.markRead)
	api.PUT("/messages/archive", h.archive)
	api.GET("/messages/:id", h.get)
	api.GET("/threads/:threadId", h.thread)
}

func (h *messageHandlers) send(c *gin.Context) {
	var params message.SendParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.messages.Send(c.Request.Context(), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, result)
}

func (h *messageHandlers) broadcast(c *gin.Context) {
	var params message.BroadcastParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.messages.Broadcast(c.Request.Context(), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *messageHandlers) markRead(c *gin.Context) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	updated, err := h.messages.MarkRead(c.Request.Context(), body.IDs)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"updated": updated})
}

func (h *messageHandlers) archive(c *gin.Context) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	updated, err := h.messages.Archive(c.Request.Context(), body.IDs)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"updated": updated})
}

func (h *messageHandlers) get(c *gin.Context) {
	msg, err := h.messages.Get(c.Request.Context(), c.Param("id"), c.Query("mark_read") == "true")
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, msg)
}

func (h *messageHandlers) thread(c *gin.Context) {
	msgs, err := h.messages.GetThread(c.Request.Context(), c.Param("threadId"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, msgs)
}
