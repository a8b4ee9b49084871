package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/middleware"
	"fleet-master/internal/model"
	"fleet-master/internal/store"
)

type SignConfigHandler struct {
	Store *store.Store
}

type signConfigBody struct {
	Name             string   `json:"name" binding:"required"`
	IsDefault        bool     `json:"isDefault"`
	CourseID         string   `json:"courseId"`
	ClassID          string   `json:"classId"`
	TriggerType      string   `json:"triggerType" binding:"required"`
	ThresholdCount   *int     `json:"thresholdCount"`
	ThresholdPercent *float64 `json:"thresholdPercent"`
	ThresholdTime    *int     `json:"thresholdTime"`
	PollInterval     *int     `json:"pollInterval"`
	UseRandomPhoto   *bool    `json:"useRandomPhoto"`
	NotifyOnDetect   bool     `json:"notifyOnDetect"`
	NotifyOnSign     bool     `json:"notifyOnSign"`
	BarkKey          string   `json:"barkKey"`
	NtfyKey          string   `json:"ntfyKey"`
}

// applyTo copies the body onto c; optional numbers keep c's value when absent.
func (b signConfigBody) applyTo(c *model.SignConfig) {
	c.Name = b.Name
	c.CourseID = b.CourseID
	c.ClassID = b.ClassID
	c.TriggerType = model.TriggerType(b.TriggerType)
	if b.ThresholdCount != nil {
		c.ThresholdCount = *b.ThresholdCount
	}
	if b.ThresholdPercent != nil {
		c.ThresholdPercent = *b.ThresholdPercent
	}
	if b.ThresholdTime != nil {
		c.ThresholdTime = *b.ThresholdTime
	}
	if b.PollInterval != nil {
		c.PollInterval = *b.PollInterval
	}
	if b.UseRandomPhoto != nil {
		c.UseRandomPhoto = *b.UseRandomPhoto
	}
	c.NotifyOnDetect = b.NotifyOnDetect
	c.NotifyOnSign = b.NotifyOnSign
	c.BarkKey = b.BarkKey
	c.NtfyKey = b.NtfyKey
}

func (h *SignConfigHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess := h.Store.Session(c.Request.Context())
	defer sess.Close() //nolint:errcheck

	configs, err := sess.ListSignConfigs(userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := make([]gin.H, 0, len(configs))
	for _, cfg := range configs {
		resp = append(resp, signConfigView(cfg))
	}
	c.JSON(http.StatusOK, gin.H{"configs": resp})
}

func (h *SignConfigHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body signConfigBody
	if err := c.ShouldBindJSON(&body); err != nil || !model.TriggerType(body.TriggerType).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	cfg := model.FallbackSignConfig(userID)
	body.applyTo(&cfg)
	cfg.IsDefault = body.IsDefault

	sess := h.Store.Session(c.Request.Context())
	defer sess.Close() //nolint:errcheck

	created, err := sess.CreateSignConfig(cfg)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": signConfigView(created)})
}

func (h *SignConfigHandler) Update(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body signConfigBody
	if err := c.ShouldBindJSON(&body); err != nil || !model.TriggerType(body.TriggerType).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sess := h.Store.Session(c.Request.Context())
	defer sess.Close() //nolint:errcheck

	updated, err := sess.UpdateSignConfig(userID, c.Param("uuid"), body.applyTo)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if body.IsDefault && !updated.IsDefault {
		if updated, err = sess.SetDefaultSignConfig(userID, updated.UUID); err != nil {
			abortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"config": signConfigView(updated)})
}

func (h *SignConfigHandler) SetDefault(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess := h.Store.Session(c.Request.Context())
	defer sess.Close() //nolint:errcheck

	cfg, err := sess.SetDefaultSignConfig(userID, c.Param("uuid"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": signConfigView(cfg)})
}

func (h *SignConfigHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess := h.Store.Session(c.Request.Context())
	defer sess.Close() //nolint:errcheck

	cfg, err := sess.SignConfig(userID, c.Param("uuid"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": signConfigView(cfg)})
}

func (h *SignConfigHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess := h.Store.Session(c.Request.Context())
	defer sess.Close() //nolint:errcheck

	cfg, err := sess.DeleteSignConfig(userID, c.Param("uuid"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": signConfigView(cfg)})
}
