package handler

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/audit"
	"fleet-master/internal/auth"
	"fleet-master/internal/dispatch"
	"fleet-master/internal/middleware"
	"fleet-master/internal/model"
	"fleet-master/internal/registry"
)

// KeyRegistrar accepts bootstrap registrations of node public keys.
type KeyRegistrar interface {
	RegisterNodeKey(ctx context.Context, name, publicKeyPEM, bootstrapToken string) error
}

// FleetHandler serves the worker-facing /api/v1/fleet endpoints.
type FleetHandler struct {
	Keys        KeyRegistrar
	Registry    *registry.Registry
	Dispatcher  *dispatch.Dispatcher
	Audit       *audit.Logger
	TokenConfig auth.TokenConfig // signs the session token returned by SyncUser
}

type registerKeyBody struct {
	Name      string `json:"name" binding:"required"`
	PublicKey string `json:"public_key" binding:"required"`
}

func (h *FleetHandler) RegisterKey(c *gin.Context) {
	var body registerKeyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	err := h.Keys.RegisterNodeKey(c.Request.Context(), body.Name, body.PublicKey, c.GetHeader("X-Bootstrap-Token"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "public key registered for " + body.Name})
}

func (h *FleetHandler) Ping(c *gin.Context) {
	name := c.Param("name")
	if _, err := h.Registry.Heartbeat(c.Request.Context(), name, model.WorkerOnline); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fleet_id": name, "status": "pong"})
}

type registerWorkerBody struct {
	Name         string         `json:"name" binding:"required"`
	Description  string         `json:"description"`
	Subdomain    string         `json:"subdomain"`
	Endpoint     string         `json:"endpoint"`
	Capabilities map[string]any `json:"capabilities"`
}

func (h *FleetHandler) Register(c *gin.Context) {
	var body registerWorkerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	w, created, err := h.Registry.Register(c.Request.Context(), model.Worker{
		Name:         body.Name,
		Description:  body.Description,
		Subdomain:    body.Subdomain,
		Endpoint:     body.Endpoint,
		Capabilities: body.Capabilities,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	issuer, _ := middleware.FleetIssuerFromContext(c)
	h.Audit.Info(c.Request.Context(), audit.Entry{
		Category: audit.CategoryWorker,
		Message:  "worker registered",
		Source:   "handler.fleet.register",
		WorkerID: w.Name,
		Details:  map[string]any{"created": created, "issuer": issuer},
	})
	c.JSON(http.StatusOK, gin.H{"worker": workerView(w), "created": created})
}

type syncUserBody struct {
	Username   string            `json:"username" binding:"required"`
	PersonName string            `json:"person_name"`
	IMUsername string            `json:"im_username"`
	Cookies    map[string]string `json:"cookies"`
	Worker     string            `json:"worker"`
	Monitor    bool              `json:"monitor_status"`
}

func (h *FleetHandler) SyncUser(c *gin.Context) {
	var body syncUserBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	u, created, err := h.Dispatcher.SyncUser(c.Request.Context(), model.User{
		Username:      body.Username,
		PersonName:    body.PersonName,
		IMUsername:    body.IMUsername,
		Cookies:       body.Cookies,
		MonitorStatus: body.Monitor,
	}, body.Worker)
	if err != nil {
		abortWithError(c, err)
		return
	}
	token, err := auth.CreateToken(u.ID, h.TokenConfig)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userView(u), "created": created, "token": token})
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(data)
	return nil
}

// millis reads unix milliseconds or an RFC 3339 timestamp.
func (f flexString) millis() int64 {
	s := strings.TrimSpace(string(f))
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli()
	}
	return 0
}

type activityReportBody struct {
	ActivityID  flexString        `json:"aid" binding:"required"`
	ClassID     flexString        `json:"classid"`
	CourseID    flexString        `json:"courseid"`
	CourseName  string            `json:"coursename"`
	TeacherName string            `json:"teacherfactor"`
	Title       string            `json:"title"`
	DetectedAt  flexString        `json:"detected_at"`
	DetectedBy  string            `json:"detected_by" binding:"required"`
	Cookies     map[string]string `json:"cookies"`
}

// Activity ingests a worker's detection report. The reply does not wait for
// the sign-in; dispatch continues in the background.
func (h *FleetHandler) Activity(c *gin.Context) {
	var body activityReportBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	detectedAt := body.DetectedAt.millis()
	if detectedAt == 0 {
		detectedAt = time.Now().UnixMilli()
	}
	a, err := h.Dispatcher.Ingest(c.Request.Context(), dispatch.ActivityReport{
		ActivityID:  string(body.ActivityID),
		ClassID:     string(body.ClassID),
		CourseID:    string(body.CourseID),
		CourseName:  body.CourseName,
		TeacherName: body.TeacherName,
		Title:       body.Title,
		DetectedAt:  detectedAt,
		DetectedBy:  body.DetectedBy,
		Cookies:     body.Cookies,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "activity": activityView(a)})
}

type detectionStatusBody struct {
	UUID        string   `json:"uuid" binding:"required"`
	Status      string   `json:"status" binding:"required"`
	Message     string   `json:"message"`
	TotalUsers  *int     `json:"total_users"`
	SignedUsers *int     `json:"signed_users"`
	SignPercent *float64 `json:"sign_percent"`
}

func (h *FleetHandler) UpdateDetectionStatus(c *gin.Context) {
	var body detectionStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	status, ok := model.ParseDetectionStatus(body.Status)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}

	d, err := h.Dispatcher.UpdateStatus(c.Request.Context(), body.UUID, status, body.Message, model.AttendanceCounters{
		TotalUsers:  body.TotalUsers,
		SignedUsers: body.SignedUsers,
		SignPercent: body.SignPercent,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "detection": detectionView(d, nil)})
}

type attendInfoBody struct {
	ActivityID  flexString `json:"activity_id" binding:"required"`
	TotalUsers  *int       `json:"total_users"`
	SignedUsers *int       `json:"signed_users"`
	SignPercent *float64   `json:"sign_percent"`
}

func (h *FleetHandler) UpdateAttendInfo(c *gin.Context) {
	var body attendInfoBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	a, err := h.Dispatcher.UpdateAttendInfo(c.Request.Context(), string(body.ActivityID), model.AttendanceCounters{
		TotalUsers:  body.TotalUsers,
		SignedUsers: body.SignedUsers,
		SignPercent: body.SignPercent,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "activity": activityView(a)})
}

type monitorErrorBody struct {
	Message    string `json:"message" binding:"required"`
	IMUsername string `json:"im_uname" binding:"required"`
}

func (h *FleetHandler) ReportMonitorError(c *gin.Context) {
	var body monitorErrorBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if _, err := h.Dispatcher.ReportMonitorError(c.Request.Context(), body.IMUsername, body.Message); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
