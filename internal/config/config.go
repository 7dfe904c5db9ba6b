// Package config holds the runtime settings of coinledgerd.
package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultDatabaseURL        = "sqlite:///tmp/coinledger.db"
	defaultGRPCListenAddr     = ":7000"
	defaultHTTPListenAddr     = ":9090"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultJWTIssuer          = "coinledger"
	defaultRateLimitPerSecond = 20.0
	defaultRateLimitBurst     = 40
	defaultBalanceCacheTTL    = 30 * time.Second
	defaultKafkaTopic         = "coinledger.events"
	defaultAMQPQueue          = "coinledger.events"
	defaultRedisChannel       = "coinledger:events"
	defaultReconcileInterval  = time.Hour
	defaultReconcileBatchSize = 500
	defaultHoldSweepInterval  = 5 * time.Minute
	defaultHoldMaxAge         = 24 * time.Hour
	defaultHoldSweepLimit     = 200
	defaultShutdownTimeout    = 10 * time.Second

	// StoreBackendGORM persists through gorm on any supported database.
	StoreBackendGORM = "gorm"
	// StoreBackendPGX persists through a native pgx pool and requires PostgreSQL.
	StoreBackendPGX = "pgx"
)

// Config aggregates runtime settings for the ledger daemon.
type Config struct {
	DatabaseURL  string
	StoreBackend string

	GRPCListenAddr string
	HTTPListenAddr string
	AllowedOrigins []string

	JWTSigningKey      string
	JWTIssuer          string
	RateLimitPerSecond float64
	RateLimitBurst     int

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	BalanceCacheTTL time.Duration

	KafkaBrokers      []string
	KafkaTopic        string
	AMQPURL           string
	AMQPQueue         string
	RedisEventChannel string

	ReconcileInterval  time.Duration
	ReconcileBatchSize int
	HoldSweepInterval  time.Duration
	HoldMaxAge         time.Duration
	HoldSweepLimit     int

	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects unusable values.
// An empty HTTPListenAddr or GRPCListenAddr after defaults means the surface was disabled with "-".
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, StoreBackendGORM))
	cfg.GRPCListenAddr = disabledOrDefault(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.HTTPListenAddr = disabledOrDefault(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = defaultRateLimitPerSecond
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.BalanceCacheTTL <= 0 {
		cfg.BalanceCacheTTL = defaultBalanceCacheTTL
	}
	cfg.KafkaTopic = defaultIfEmpty(cfg.KafkaTopic, defaultKafkaTopic)
	cfg.AMQPQueue = defaultIfEmpty(cfg.AMQPQueue, defaultAMQPQueue)
	cfg.RedisEventChannel = defaultIfEmpty(cfg.RedisEventChannel, defaultRedisChannel)
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = defaultReconcileBatchSize
	}
	if cfg.HoldSweepInterval == 0 {
		cfg.HoldSweepInterval = defaultHoldSweepInterval
	}
	if cfg.HoldMaxAge == 0 {
		cfg.HoldMaxAge = defaultHoldMaxAge
	}
	if cfg.HoldSweepLimit <= 0 {
		cfg.HoldSweepLimit = defaultHoldSweepLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	switch cfg.StoreBackend {
	case StoreBackendGORM:
	case StoreBackendPGX:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store backend %q requires a postgres database url", StoreBackendPGX)
		}
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.GRPCListenAddr == "" && cfg.HTTPListenAddr == "" {
		return fmt.Errorf("at least one of grpc or http listen addr is required")
	}
	if cfg.HTTPListenAddr != "" && len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required when the http api is enabled")
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}
	if cfg.ReconcileInterval < 0 || cfg.HoldSweepInterval < 0 {
		return fmt.Errorf("worker intervals must not be negative")
	}
	return nil
}

// CacheEnabled reports whether a Redis address was configured.
func (cfg *Config) CacheEnabled() bool {
	return cfg.RedisAddr != ""
}

// IsPostgresURL reports whether dsn names a PostgreSQL database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func disabledOrDefault(value string, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "-" {
		return ""
	}
	return defaultIfEmpty(trimmed, fallback)
}

// ParseList splits comma-delimited values into a slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
