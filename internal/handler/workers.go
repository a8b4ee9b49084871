package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/registry"
)

type WorkerHandler struct {
	Registry *registry.Registry
}

func (h *WorkerHandler) List(c *gin.Context) {
	workers, err := h.Registry.Workers(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := make([]gin.H, 0, len(workers))
	for _, w := range workers {
		resp = append(resp, workerView(w))
	}
	c.JSON(http.StatusOK, gin.H{"workers": resp})
}

func (h *WorkerHandler) Get(c *gin.Context) {
	w, err := h.Registry.Worker(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker": workerView(w)})
}

// Check probes the worker's health endpoint now.
func (h *WorkerHandler) Check(c *gin.Context) {
	available, reason, err := h.Registry.CheckLiveness(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": available, "reason": reason})
}
