package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/template"
)

type templateHandlers struct {
	templates *template.Service
	logger    *logger.Logger
}

func registerTemplateRoutes(router *gin.Engine, services Services, log *logger.Logger) {
	h := &templateHandlers{
		templates: services.Templates,
		logger:    log.WithFields(zap.String("component", "template-handlers")),
	}

	api := router.Group("/api")
	api.GET("/templates", h.list)
	api.POST("/templates", h.create)
	api.GET("/templates/:id", h.get)
	api.PUT("/templates/:id", h.updateVersion)
	api.POST("/templates/:id/apply", h.apply)
}

func (h *templateHandlers) list(c *gin.Context) {
	templates, err := h.templates.List(c.Request.Context())
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, templates)
}

func (h *templateHandlers) create(c *gin.Context) {
	var params template.CreateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	tmpl, err := h.templates.Create(c.Request.Context(), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, tmpl)
}

func (h *templateHandlers) get(c *gin.Context) {
	tmpl, err := h.templates.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, tmpl)
}

func (h *templateHandlers) updateVersion(c *gin.Context) {
	var body struct {
		Template *template.Definition `json:"template"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	tmpl, err := h.templates.UpdateVersion(c.Request.Context(), c.Param("id"), body.Template)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, tmpl)
}

func (h *templateHandlers) apply(c *gin.Context) {
	var params template.ApplyParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.templates.Apply(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, result)
}
