package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/session"
)

type sessionHandlers struct {
	sessions *session.Service
	logger   *logger.Logger
}

func registerSessionRoutes(router *gin.Engine, services Services, log *logger.Logger) {
	h := &sessionHandlers{
		sessions: services.Sessions,
		logger:   log.WithFields(zap.String("component", "session-handlers")),
	}

	api := router.Group("/api")
	api.POST("/sessions", h.register)
	api.GET("/sessions/:id", h.get)
	api.DELETE("/sessions/:id", h.deregister)
	api.PUT("/sessions/:id/heartbeat", h.heartbeat)
}

func (h *sessionHandlers) register(c *gin.Context) {
	var params session.RegisterParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	s, err := h.sessions.Register(c.Request.Context(), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, s)
}

func (h *sessionHandlers) get(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, s)
}

func (h *sessionHandlers) deregister(c *gin.Context) {
	if err := h.sessions.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"success": true})
}

func (h *sessionHandlers) heartbeat(c *gin.Context) {
	if err := h.sessions.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"success": true})
}
