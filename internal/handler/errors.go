package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/auth"
	"fleet-master/internal/detection"
	"fleet-master/internal/dispatch"
	"fleet-master/internal/registry"
	"fleet-master/internal/store"
	"fleet-master/internal/tasks"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidBootstrapToken), errors.Is(err, dispatch.ErrForbidden):
		return http.StatusForbidden
	case auth.IsAuthError(err):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidNodeName), errors.Is(err, auth.ErrInvalidPublicKey),
		errors.Is(err, dispatch.ErrNoDetections):
		return http.StatusBadRequest
	case errors.Is(err, detection.ErrNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, registry.ErrWorkerNotFound), errors.Is(err, dispatch.ErrUserNotFound),
		errors.Is(err, dispatch.ErrActivityNotFound):
		return http.StatusNotFound
	case errors.Is(err, detection.ErrTerminal), errors.Is(err, detection.ErrIllegalTransition),
		errors.Is(err, detection.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, dispatch.ErrNoWorker), errors.Is(err, registry.ErrWorkerUnavailable),
		errors.Is(err, tasks.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}
