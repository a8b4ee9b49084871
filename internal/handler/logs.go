package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/audit"
)

type LogHandler struct {
	Store audit.Store
}

// List returns audit entries newest first, filtered by ?category=&level=&limit=.
func (h *LogHandler) List(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	entries, err := h.Store.List(c.Request.Context(), audit.Query{
		Category: audit.Category(c.Query("category")),
		Level:    audit.Level(c.Query("level")),
		Limit:    limit,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, gin.H{
			"level":     e.Level,
			"category":  e.Category,
			"message":   e.Message,
			"source":    e.Source,
			"details":   e.Details,
			"userId":    e.UserID,
			"workerId":  e.WorkerID,
			"taskId":    e.TaskID,
			"createdAt": e.CreatedAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": resp})
}
