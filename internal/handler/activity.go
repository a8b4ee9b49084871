package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/dispatch"
	"fleet-master/internal/middleware"
	"fleet-master/internal/model"
	"fleet-master/internal/store"
)

const activeDetectionsLimit = 50

// ActivityHandler serves a user's detections and manual sign-in triggers.
type ActivityHandler struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
}

func (h *ActivityHandler) withActivity(sess *store.Session, d model.Detection) gin.H {
	a, err := sess.Activity(d.ActivityID)
	if err != nil {
		return detectionView(d, nil)
	}
	return detectionView(d, &a)
}

func (h *ActivityHandler) Active(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess := h.Store.Session(c.Request.Context())
	defer sess.Close() //nolint:errcheck

	detections, err := sess.DetectionsByUser(userID, activeDetectionsLimit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := make([]gin.H, 0, len(detections))
	for _, d := range detections {
		resp = append(resp, h.withActivity(sess, d))
	}
	c.JSON(http.StatusOK, gin.H{"detections": resp})
}

func (h *ActivityHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess := h.Store.Session(c.Request.Context())
	defer sess.Close() //nolint:errcheck

	d, err := sess.Detection(c.Param("uuid"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if d.UserID != userID {
		abortWithError(c, dispatch.ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detection": h.withActivity(sess, d)})
}

type triggerBody struct {
	Enc string `json:"enc"`
}

// Trigger signs the caller's detection now. The body is optional and only
// carries the enc code of QR activities.
func (h *ActivityHandler) Trigger(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body triggerBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	d, err := h.Dispatcher.TriggerSign(c.Request.Context(), userID, c.Param("uuid"), body.Enc)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detection": detectionView(d, nil)})
}

type qrCodeBody struct {
	ActivityID string `json:"activity_id" binding:"required"`
	Enc        string `json:"enc" binding:"required"`
}

// QRCode signs every detection of a QR activity with one scanned enc code.
func (h *ActivityHandler) QRCode(c *gin.Context) {
	var body qrCodeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	results, err := h.Dispatcher.BatchSign(c.Request.Context(), body.ActivityID, body.Enc)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := make(gin.H, len(results))
	for userID, r := range results {
		resp[userID] = gin.H{
			"name":    r.Name,
			"uuid":    r.DetectionID,
			"status":  r.Status,
			"message": r.Message,
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": resp})
}
