// Package httpapi is the thin HTTP adapter over the orchestration services.
// Every endpoint returns the {data}/{error} envelope; the services own all
// validation and state rules.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caw-dev/caw/internal/agent"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/message"
	"github.com/caw-dev/caw/internal/orchestration"
	"github.com/caw-dev/caw/internal/session"
	"github.com/caw-dev/caw/internal/task"
	"github.com/caw-dev/caw/internal/taskctx"
	"github.com/caw-dev/caw/internal/template"
	"github.com/caw-dev/caw/internal/workflow"
	"github.com/caw-dev/caw/internal/workspace"
)

// Services bundles everything the router dispatches to.
type Services struct {
	Workflows     *workflow.Service
	Tasks         *task.Service
	Orchestration *orchestration.Service
	Agents        *agent.Service
	Messages      *message.Service
	Sessions      *session.Service
	Workspaces    *workspace.Service
	Templates     *template.Service
	Context       *taskctx.Loader
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(services Services, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/api/health", func(c *gin.Context) {
		respond(c, http.StatusOK, gin.H{"status": "ok"})
	})

	registerWorkflowRoutes(router, services, log)
	registerTaskRoutes(router, services, log)
	registerAgentRoutes(router, services, log)
	registerMessageRoutes(router, services, log)
	registerSessionRoutes(router, services, log)
	registerWorkspaceRoutes(router, services, log)
	registerTemplateRoutes(router, services, log)
	registerMaintenanceRoutes(router, services, log)

	return router
}

// corsMiddleware adds permissive CORS headers and answers preflights with
// 204.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
