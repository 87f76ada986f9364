package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
)

// Meta carries pagination alongside a list response.
type Meta struct {
	Total  int  `json:"total"`
	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

type envelope struct {
	Data interface{} `json:"data"`
	Meta *Meta       `json:"meta,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respond writes the success envelope.
func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Data: data})
}

// respondList writes the success envelope with pagination meta.
func respondList(c *gin.Context, data interface{}, meta Meta) {
	c.JSON(http.StatusOK, envelope{Data: data, Meta: &meta})
}

// respondErr maps the error taxonomy to transport status codes: NotFound 404,
// Validation and InvalidState 400, Conflict 409, everything else 500.
func respondErr(c *gin.Context, log *logger.Logger, err error) {
	kind := apperr.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindValidation, apperr.KindInvalidState:
		status = http.StatusBadRequest
	case apperr.KindConflict:
		status = http.StatusConflict
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		message = "internal error"
	}
	c.JSON(status, gin.H{"error": errorBody{Code: string(kind), Message: message}})
}

// badRequest rejects a malformed payload before it reaches a service.
func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
		Code:    string(apperr.KindValidation),
		Message: message,
	}})
}
