package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration
	LogLevel     string

	NodeName           string
	NodePrivateKeyFile string
	PublicKeyDir       string
	BootstrapToken     string
	FleetAudience      string
	FleetReplayProtect bool
	StateFile          string
	AuditDBPath        string
	AuditRetention     time.Duration
	WorkerURLTemplate  string
	WorkerSelection    string
	LivenessSweep      time.Duration
	BatchConcurrency   int
	RPCTimeout         time.Duration
	RPCMaxRetries      int
	RPCRetryDelay      time.Duration
	RPCBackoffFactor   float64
	RPCLogLevel        string
	HealthProbeTimeout time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:               3000,
		GinMode:            "release",
		TokenExpiry:        7 * 24 * time.Hour,
		LogLevel:           "info",
		NodeName:           "master",
		PublicKeyDir:       "config/fleet/public_keys",
		FleetAudience:      "fleet",
		FleetReplayProtect: true,
		AuditRetention:     30 * 24 * time.Hour,
		WorkerURLTemplate:  "https://%s.fleet.local",
		WorkerSelection:    "first",
		BatchConcurrency:   8,
		RPCTimeout:         30 * time.Second,
		RPCMaxRetries:      3,
		RPCRetryDelay:      500 * time.Millisecond,
		RPCBackoffFactor:   1.5,
		RPCLogLevel:        "basic",
		HealthProbeTimeout: 5 * time.Second,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = strings.ToLower(raw)
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("NODE_NAME"); raw != "" {
		cfg.NodeName = raw
	}
	cfg.NodePrivateKeyFile = env.Getenv("NODE_PRIVATE_KEY_FILE")
	if raw := env.Getenv("PUBLIC_KEY_DIR"); raw != "" {
		cfg.PublicKeyDir = raw
	}
	cfg.BootstrapToken = env.Getenv("BOOTSTRAP_TOKEN")
	if raw := env.Getenv("FLEET_AUDIENCE"); raw != "" {
		cfg.FleetAudience = raw
	}
	if raw := env.Getenv("FLEET_REPLAY_PROTECTION"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid FLEET_REPLAY_PROTECTION")
		}
		cfg.FleetReplayProtect = v
	}

	cfg.StateFile = env.Getenv("STATE_FILE")
	cfg.AuditDBPath = env.Getenv("AUDIT_DB_PATH")
	if raw := env.Getenv("AUDIT_RETENTION_DAYS"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			return Config{}, fmt.Errorf("invalid AUDIT_RETENTION_DAYS")
		}
		cfg.AuditRetention = time.Duration(days) * 24 * time.Hour
	}

	if raw := env.Getenv("WORKER_URL_TEMPLATE"); raw != "" {
		if !strings.Contains(raw, "%s") {
			return Config{}, fmt.Errorf("invalid WORKER_URL_TEMPLATE: missing %%s")
		}
		cfg.WorkerURLTemplate = raw
	}
	if raw := env.Getenv("WORKER_SELECTION"); raw != "" {
		switch raw {
		case "first", "round-robin":
			cfg.WorkerSelection = raw
		default:
			return Config{}, fmt.Errorf("invalid WORKER_SELECTION")
		}
	}
	if raw := env.Getenv("LIVENESS_SWEEP_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return Config{}, fmt.Errorf("invalid LIVENESS_SWEEP_SECONDS")
		}
		cfg.LivenessSweep = time.Duration(seconds) * time.Second
	}
	if raw := env.Getenv("BATCH_CONCURRENCY"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid BATCH_CONCURRENCY")
		}
		cfg.BatchConcurrency = n
	}

	if raw := env.Getenv("RPC_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid RPC_TIMEOUT_SECONDS")
		}
		cfg.RPCTimeout = time.Duration(seconds) * time.Second
	}
	if raw := env.Getenv("RPC_MAX_RETRIES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid RPC_MAX_RETRIES")
		}
		cfg.RPCMaxRetries = n
	}
	if raw := env.Getenv("RPC_RETRY_DELAY_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return Config{}, fmt.Errorf("invalid RPC_RETRY_DELAY_MS")
		}
		cfg.RPCRetryDelay = time.Duration(ms) * time.Millisecond
	}
	if raw := env.Getenv("RPC_BACKOFF_FACTOR"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 1 {
			return Config{}, fmt.Errorf("invalid RPC_BACKOFF_FACTOR")
		}
		cfg.RPCBackoffFactor = f
	}
	if raw := env.Getenv("RPC_LOG_LEVEL"); raw != "" {
		switch raw {
		case "none", "basic", "headers", "body":
			cfg.RPCLogLevel = raw
		default:
			return Config{}, fmt.Errorf("invalid RPC_LOG_LEVEL")
		}
	}
	if raw := env.Getenv("HEALTH_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid HEALTH_TIMEOUT_SECONDS")
		}
		cfg.HealthProbeTimeout = time.Duration(seconds) * time.Second
	}
	if cfg.HealthProbeTimeout >= cfg.RPCTimeout {
		return Config{}, fmt.Errorf("HEALTH_TIMEOUT_SECONDS must be shorter than RPC_TIMEOUT_SECONDS")
	}

	return cfg, nil
}
