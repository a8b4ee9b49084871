package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/hub"
	"fleet-master/internal/model"
	"fleet-master/internal/registry"
	"fleet-master/internal/tasks"
)

type SystemHandler struct {
	NodeName string
	Started  time.Time
	Registry *registry.Registry
	Tasks    *tasks.Group
	Hub      *hub.Hub
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "node": h.NodeName})
}

// Status summarizes the fleet for operators.
func (h *SystemHandler) Status(c *gin.Context) {
	workers, err := h.Registry.Workers(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	byStatus := map[model.WorkerStatus]int{}
	for _, w := range workers {
		byStatus[w.Status]++
	}
	c.JSON(http.StatusOK, gin.H{
		"node":             h.NodeName,
		"uptimeSeconds":    int64(time.Since(h.Started).Seconds()),
		"workers":          len(workers),
		"workersByStatus":  byStatus,
		"outstandingTasks": h.Tasks.Outstanding(),
		"feedConnections":  h.Hub.Total(),
	})
}
