package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/dispatch"
	"fleet-master/internal/middleware"
	"fleet-master/internal/store"
)

// UserHandler serves the caller's own profile and monitor switch.
type UserHandler struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
}

func (h *UserHandler) Me(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess := h.Store.Session(c.Request.Context())
	defer sess.Close() //nolint:errcheck

	u, err := sess.User(userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userView(u)})
}

func (h *UserHandler) MonitorStatus(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess := h.Store.Session(c.Request.Context())
	defer sess.Close() //nolint:errcheck

	u, err := sess.User(userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitorStatus": u.MonitorStatus})
}

// SetMonitor turns the caller's activity monitoring on or off through a
// worker and relays the worker's reply.
func (h *UserHandler) SetMonitor(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	on, err := strconv.ParseBool(c.Param("enabled"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	res, err := h.Dispatcher.SetMonitor(c.Request.Context(), userID, on)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"monitorStatus": res.User.MonitorStatus,
		"worker":        res.Worker,
		"reply":         res.Reply,
	})
}
