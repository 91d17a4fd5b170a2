package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/sdp-rendezvous/internal/exchange"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

type apiError struct {
	status  int
	code    string
	message string
}

// classifyError maps service errors onto a status, a stable code and a
// message that is safe to show the client.
func classifyError(err error) apiError {
	var conflict *exchange.ConflictError
	switch {
	case errors.As(err, &conflict):
		return apiError{http.StatusConflict, models.CodeConflict, conflict.Error()}
	case errors.Is(err, exchange.ErrUnauthorized):
		return apiError{http.StatusUnauthorized, models.CodeUnauthorized, "Not authorized"}
	case errors.Is(err, exchange.ErrInvalidRole):
		return apiError{http.StatusBadRequest, models.CodeInvalidRole, "Role must be provider or subscriber"}
	case errors.Is(err, exchange.ErrInvalidRequest):
		return apiError{http.StatusBadRequest, models.CodeInvalidRequest, err.Error()}
	case errors.Is(err, exchange.ErrPayloadTooLarge):
		return apiError{http.StatusRequestEntityTooLarge, models.CodePayloadTooLarge, err.Error()}
	case errors.Is(err, exchange.ErrNotFound):
		return apiError{http.StatusNotFound, models.CodeNotFound, "Exchange not found"}
	case errors.Is(err, exchange.ErrConflict):
		return apiError{http.StatusConflict, models.CodeConflict, err.Error()}
	case errors.Is(err, exchange.ErrTooManyPolls):
		return apiError{http.StatusServiceUnavailable, models.CodeTooManyPolls, "Too many pending answer polls, retry shortly"}
	default:
		return apiError{http.StatusInternalServerError, models.CodeStorageFailure, "Internal storage failure"}
	}
}

// respondError writes the JSON error body for err and aborts the chain.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	e := classifyError(err)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Debug("request cancelled", "path", c.FullPath(), "error", err)
	case e.status >= http.StatusInternalServerError:
		logger.Error("request failed", "path", c.FullPath(), "status", e.status, "error", err)
	}
	if e.status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	abortWith(c, e.status, e.code, e.message)
}

func abortWith(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{Code: code, Error: message})
}
