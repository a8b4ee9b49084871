package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-master/internal/audit"
	"fleet-master/internal/auth"
	"fleet-master/internal/config"
	"fleet-master/internal/dispatch"
	"fleet-master/internal/hub"
	"fleet-master/internal/logger"
	"fleet-master/internal/middleware"
	"fleet-master/internal/notify"
	"fleet-master/internal/registry"
	"fleet-master/internal/rpc"
	"fleet-master/internal/server"
	"fleet-master/internal/store"
	"fleet-master/internal/tasks"
)

const (
	shutdownTimeout = 15 * time.Second
	drainTimeout    = 30 * time.Second
	pruneInterval   = 24 * time.Hour
	keyCacheSize    = 256
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	gin.SetMode(cfg.GinMode)
	log := logger.New(cfg.LogLevel, cfg.GinMode)
	defer log.Sync() //nolint:errcheck
	zap.ReplaceGlobals(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditStore, closeAudit, err := openAuditStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeAudit()
	auditLog := audit.New(log.Named("audit"), auditStore)

	st := store.NewWithOptions(store.Options{StateFile: cfg.StateFile, Logger: log.Named("store")})

	rpcLevel, err := rpc.ParseLogLevel(cfg.RPCLogLevel)
	if err != nil {
		return err
	}
	rpcOpts := rpc.Options{
		Timeout:       cfg.RPCTimeout,
		MaxRetries:    cfg.RPCMaxRetries,
		RetryDelay:    cfg.RPCRetryDelay,
		BackoffFactor: cfg.RPCBackoffFactor,
		LogLevel:      rpcLevel,
		Audit:         auditLog,
	}
	probeOpts := rpcOpts
	probeOpts.Timeout = cfg.HealthProbeTimeout
	probeOpts.MaxRetries = 0

	strategy, err := registry.NewStrategy(cfg.WorkerSelection)
	if err != nil {
		return err
	}
	reg := registry.New(st, registry.Config{
		URLTemplate: cfg.WorkerURLTemplate,
		Strategy:    strategy,
		Probe:       rpc.New(probeOpts),
		Audit:       auditLog,
	})

	trust, err := newTrustManager(cfg, auditLog, log)
	if err != nil {
		return err
	}

	wsHub := hub.New()
	gateway := notify.NewHubGateway(wsHub)

	group := tasks.NewGroup(log.Named("tasks"), 0)
	go recordFailures(ctx, group, auditLog)

	disp := dispatch.New(dispatch.Config{
		Store:    st,
		Registry: reg,
		Tokens:   trust,
		NewClient: func() *rpc.Client {
			return rpc.New(rpcOpts)
		},
		Notifier:         gateway,
		Observer:         gateway.PublishDetection,
		Tasks:            group,
		Audit:            auditLog,
		Log:              log.Named("dispatch"),
		BatchConcurrency: cfg.BatchConcurrency,
	})

	limiter := middleware.NewRateLimiter(10, time.Minute)
	defer limiter.Close()

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: cfg.NodeName,
	}
	router := server.NewRouter(server.Deps{
		Store:              st,
		Registry:           reg,
		Dispatcher:         disp,
		Trust:              trust,
		Hub:                wsHub,
		Tasks:              group,
		TokenConfig:        tokenCfg,
		FleetAudience:      cfg.FleetAudience,
		Audit:              auditLog,
		AuditStore:         auditStore,
		Log:                log.Named("http"),
		RegisterKeyLimiter: limiter,
		NodeName:           cfg.NodeName,
		Started:            time.Now(),
	})

	go pruneAudit(ctx, auditStore, cfg.AuditRetention, log)
	if cfg.LivenessSweep > 0 {
		go sweepLiveness(ctx, reg, cfg.LivenessSweep, log)
	}

	log.Info("listening", zap.Int("port", cfg.Port), zap.String("node", cfg.NodeName))
	serveErr := server.Run(ctx, cfg, router, shutdownTimeout)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := group.Drain(drainCtx); err != nil {
		log.Warn("background tasks did not finish", zap.Int("outstanding", group.Outstanding()), zap.Error(err))
	}
	return serveErr
}

// openAuditStore uses SQLite when a path is configured and an in-memory ring
// otherwise.
func openAuditStore(cfg config.Config, log *zap.Logger) (audit.Store, func(), error) {
	if cfg.AuditDBPath == "" {
		log.Info("audit log kept in memory")
		return audit.NewMemorySink(10000), func() {}, nil
	}
	sink, err := audit.NewSQLiteSink(cfg.AuditDBPath)
	if err != nil {
		return nil, nil, err
	}
	return sink, func() {
		if err := sink.Close(); err != nil {
			log.Warn("close audit db", zap.Error(err))
		}
	}, nil
}

func newTrustManager(cfg config.Config, auditLog *audit.Logger, log *zap.Logger) (*auth.TrustManager, error) {
	keys, err := auth.NewCachedKeyStore(auth.NewDirKeyStore(cfg.PublicKeyDir), keyCacheSize)
	if err != nil {
		return nil, err
	}

	priv, err := auth.LoadPrivateKeyFile(cfg.NodePrivateKeyFile)
	switch {
	case errors.Is(err, auth.ErrKeyNotConfigured):
		log.Warn("no node private key configured; outbound fleet calls will fail")
	case err != nil:
		return nil, err
	}

	var replay *auth.ReplayCache
	if cfg.FleetReplayProtect {
		replay = auth.NewReplayCache(time.Minute)
	}
	return auth.NewTrustManager(auth.TrustConfig{
		NodeName:       cfg.NodeName,
		PrivateKey:     priv,
		Keys:           keys,
		BootstrapToken: cfg.BootstrapToken,
		Replay:         replay,
		Audit:          auditLog,
	}), nil
}

func recordFailures(ctx context.Context, group *tasks.Group, auditLog *audit.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-group.Failures():
			auditLog.Error(ctx, audit.Entry{
				Category: audit.CategoryTask,
				Message:  "background task failed",
				Source:   "tasks",
				Details:  map[string]any{"task": f.Task, "error": f.Err.Error(), "panic": f.Panic},
			})
		}
	}
}

func pruneAudit(ctx context.Context, st audit.Store, retention time.Duration, log *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Warn("prune audit log", zap.Error(err))
				continue
			}
			log.Info("pruned audit log", zap.Int64("removed", n))
		}
	}
}

func sweepLiveness(ctx context.Context, reg *registry.Registry, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			offline, err := reg.SweepLiveness(ctx)
			if err != nil {
				log.Warn("liveness sweep", zap.Error(err))
				continue
			}
			for name, reason := range offline {
				log.Info("liveness probe failed", zap.String("worker", name), zap.String("reason", reason))
			}
		}
	}
}
