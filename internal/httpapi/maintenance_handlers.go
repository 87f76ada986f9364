package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
)

// maintenance endpoints let operators and supervising daemons sweep stale
// state: abandoned workflow locks and agents that stopped heartbeating.
func registerMaintenanceRoutes(router *gin.Engine, services Services, log *logger.Logger) {
	mlog := log.WithFields(zap.String("component", "maintenance-handlers"))
	locks := services.Sessions
	agents := services.Agents

	api := router.Group("/api")
	api.POST("/maintenance/release-stale-locks", func(c *gin.Context) {
		var body struct {
			TimeoutMs int `json:"timeout_ms"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.TimeoutMs <= 0 {
			badRequest(c, "timeout_ms is required")
			return
		}
		released, err := locks.ReleaseStaleWorkflowLocks(c.Request.Context(),
			time.Duration(body.TimeoutMs)*time.Millisecond)
		if err != nil {
			respondErr(c, mlog, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"released": released})
	})

	api.GET("/maintenance/stale-agents", func(c *gin.Context) {
		timeoutMs := intQuery(c, "timeout_ms", 60000)
		stale, err := agents.GetStale(c.Request.Context(), time.Duration(timeoutMs)*time.Millisecond)
		if err != nil {
			respondErr(c, mlog, err)
			return
		}
		respond(c, http.StatusOK, stale)
	})
}
