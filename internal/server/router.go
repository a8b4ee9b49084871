package server

import (
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-master/internal/audit"
	"fleet-master/internal/auth"
	"fleet-master/internal/dispatch"
	"fleet-master/internal/handler"
	"fleet-master/internal/hub"
	"fleet-master/internal/metrics"
	"fleet-master/internal/middleware"
	"fleet-master/internal/registry"
	"fleet-master/internal/store"
	"fleet-master/internal/tasks"
)

type Deps struct {
	Store      *store.Store
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Trust      *auth.TrustManager
	Hub        *hub.Hub
	Tasks      *tasks.Group

	TokenConfig auth.TokenConfig
	// FleetAudience is the audience fleet tokens must carry to reach this node.
	FleetAudience string

	Audit      *audit.Logger
	AuditStore audit.Store
	Log        *zap.Logger

	// RegisterKeyLimiter throttles bootstrap key registration per client IP.
	// A 10/minute limiter is created when nil.
	RegisterKeyLimiter *middleware.RateLimiter

	NodeName string
	Started  time.Time
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop()
	}
	if deps.AuditStore == nil {
		deps.AuditStore = audit.NewMemorySink(1000)
	}
	if deps.Hub == nil {
		deps.Hub = hub.New()
	}
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	if deps.RegisterKeyLimiter == nil {
		deps.RegisterKeyLimiter = middleware.NewRateLimiter(10, time.Minute)
	}

	r := gin.New()
	r.Use(ginzap.Ginzap(deps.Log, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(deps.Log, true))

	systemHandler := &handler.SystemHandler{
		NodeName: deps.NodeName,
		Started:  deps.Started,
		Registry: deps.Registry,
		Tasks:    deps.Tasks,
		Hub:      deps.Hub,
	}
	r.GET("/health", systemHandler.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api/v1")

	fleetHandler := &handler.FleetHandler{
		Keys:        deps.Trust,
		Registry:    deps.Registry,
		Dispatcher:  deps.Dispatcher,
		Audit:       deps.Audit,
		TokenConfig: deps.TokenConfig,
	}
	fleet := api.Group("/fleet")
	fleet.POST("/register-key",
		middleware.RateLimitMiddleware(deps.RegisterKeyLimiter, deps.Audit, "server.register_key"),
		fleetHandler.RegisterKey)

	trusted := fleet.Group("")
	trusted.Use(middleware.RequireFleetToken(deps.Trust, deps.FleetAudience))
	trusted.POST("/ping/:name", fleetHandler.Ping)
	trusted.POST("/register", fleetHandler.Register)
	trusted.POST("/users", fleetHandler.SyncUser)
	trusted.POST("/activity", fleetHandler.Activity)
	trusted.POST("/update-detection-status", fleetHandler.UpdateDetectionStatus)
	trusted.POST("/update-attend-info", fleetHandler.UpdateAttendInfo)
	trusted.POST("/report-ws-error", fleetHandler.ReportMonitorError)
	// older workers post with an underscore
	trusted.POST("/report_ws_error", fleetHandler.ReportMonitorError)

	wsHandler := &handler.WebSocketHandler{Hub: deps.Hub, Store: deps.Store, TokenConfig: deps.TokenConfig}
	api.GET("/activity/ws", wsHandler.Serve)

	protected := api.Group("")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	activityHandler := &handler.ActivityHandler{Store: deps.Store, Dispatcher: deps.Dispatcher}
	protected.GET("/activity/active-activities", activityHandler.Active)
	protected.POST("/activity/qr-code", activityHandler.QRCode)
	protected.GET("/activity/:uuid", activityHandler.Get)
	protected.POST("/activity/:uuid", activityHandler.Trigger)

	signConfigHandler := &handler.SignConfigHandler{Store: deps.Store}
	protected.GET("/sign-configs", signConfigHandler.List)
	protected.POST("/sign-configs", signConfigHandler.Create)
	protected.GET("/sign-configs/:uuid", signConfigHandler.Get)
	protected.PUT("/sign-configs/:uuid", signConfigHandler.Update)
	protected.DELETE("/sign-configs/:uuid", signConfigHandler.Delete)
	protected.POST("/sign-configs/:uuid/default", signConfigHandler.SetDefault)

	userHandler := &handler.UserHandler{Store: deps.Store, Dispatcher: deps.Dispatcher}
	protected.GET("/auth/me", userHandler.Me)
	protected.GET("/monitor/status", userHandler.MonitorStatus)
	protected.POST("/monitor/:enabled", userHandler.SetMonitor)

	workerHandler := &handler.WorkerHandler{Registry: deps.Registry}
	protected.GET("/workers", workerHandler.List)
	protected.GET("/workers/:name", workerHandler.Get)
	protected.POST("/workers/:name/check", workerHandler.Check)

	logHandler := &handler.LogHandler{Store: deps.AuditStore}
	protected.GET("/logs", logHandler.List)
	protected.GET("/system/status", systemHandler.Status)

	return r
}
