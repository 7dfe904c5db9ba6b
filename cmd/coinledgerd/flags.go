package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagEnvFile            = "env-file"
	flagDatabaseURL        = "database-url"
	flagStoreBackend       = "store"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagHTTPListenAddr     = "http-listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagRateLimitPerSecond = "rate-limit-per-second"
	flagRateLimitBurst     = "rate-limit-burst"
	flagRedisAddr          = "redis-addr"
	flagRedisPassword      = "redis-password"
	flagRedisDB            = "redis-db"
	flagBalanceCacheTTL    = "balance-cache-ttl"
	flagKafkaBrokers       = "kafka-brokers"
	flagKafkaTopic         = "kafka-topic"
	flagAMQPURL            = "amqp-url"
	flagAMQPQueue          = "amqp-queue"
	flagRedisEventChannel  = "redis-event-channel"
	flagReconcileInterval  = "reconcile-interval"
	flagReconcileBatchSize = "reconcile-batch-size"
	flagHoldSweepInterval  = "hold-sweep-interval"
	flagHoldMaxAge         = "hold-max-age"
	flagHoldSweepLimit     = "hold-sweep-limit"
	flagShutdownTimeout    = "shutdown-timeout"
	envPrefix              = "COINLEDGER"
	defaultEnvFile         = ".env"
)

var boundFlags = []string{
	flagDatabaseURL,
	flagStoreBackend,
	flagGRPCListenAddr,
	flagHTTPListenAddr,
	flagAllowedOrigins,
	flagJWTSigningKey,
	flagJWTIssuer,
	flagRateLimitPerSecond,
	flagRateLimitBurst,
	flagRedisAddr,
	flagRedisPassword,
	flagRedisDB,
	flagBalanceCacheTTL,
	flagKafkaBrokers,
	flagKafkaTopic,
	flagAMQPURL,
	flagAMQPQueue,
	flagRedisEventChannel,
	flagReconcileInterval,
	flagReconcileBatchSize,
	flagHoldSweepInterval,
	flagHoldMaxAge,
	flagHoldSweepLimit,
	flagShutdownTimeout,
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile, defaultEnvFile, "optional dotenv file loaded before reading the environment")
	flags.String(flagDatabaseURL, "", "postgres://, mysql:// or sqlite:// database url")
	flags.String(flagStoreBackend, config.StoreBackendGORM, "persistence backend: gorm or pgx")
	flags.String(flagGRPCListenAddr, "", `gRPC listen address ("-" disables)`)
	flags.String(flagHTTPListenAddr, "", `HTTP listen address ("-" disables)`)
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "HS256 key for service tokens on the HTTP api")
	flags.String(flagJWTIssuer, "", "expected service token issuer")
	flags.Float64(flagRateLimitPerSecond, 0, "HTTP requests per second per token subject")
	flags.Int(flagRateLimitBurst, 0, "HTTP burst size per token subject")
	flags.String(flagRedisAddr, "", "Redis address for the balance cache and event channel")
	flags.String(flagRedisPassword, "", "Redis password")
	flags.Int(flagRedisDB, 0, "Redis database number")
	flags.Duration(flagBalanceCacheTTL, 0, "balance cache entry lifetime")
	flags.String(flagKafkaBrokers, "", "comma-separated Kafka brokers for ledger events")
	flags.String(flagKafkaTopic, "", "Kafka topic for ledger events")
	flags.String(flagAMQPURL, "", "AMQP url for ledger events")
	flags.String(flagAMQPQueue, "", "AMQP queue for ledger events")
	flags.String(flagRedisEventChannel, "", "Redis pub/sub channel for ledger events")
	flags.Duration(flagReconcileInterval, 0, "interval between reconciliation passes")
	flags.Int(flagReconcileBatchSize, 0, "wallets per reconciliation page")
	flags.Duration(flagHoldSweepInterval, 0, "interval between stale hold sweeps")
	flags.Duration(flagHoldMaxAge, 0, "age after which an active hold is released")
	flags.Int(flagHoldSweepLimit, 0, "holds released per sweep")
	flags.Duration(flagShutdownTimeout, 0, "graceful shutdown timeout")
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	for _, flagName := range boundFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return fmt.Errorf("bind %s: %w", flagName, err)
		}
	}

	*cfg = config.Config{
		DatabaseURL:        strings.TrimSpace(v.GetString(flagDatabaseURL)),
		StoreBackend:       strings.TrimSpace(v.GetString(flagStoreBackend)),
		GRPCListenAddr:     strings.TrimSpace(v.GetString(flagGRPCListenAddr)),
		HTTPListenAddr:     strings.TrimSpace(v.GetString(flagHTTPListenAddr)),
		AllowedOrigins:     config.ParseList(v.GetString(flagAllowedOrigins)),
		JWTSigningKey:      v.GetString(flagJWTSigningKey),
		JWTIssuer:          strings.TrimSpace(v.GetString(flagJWTIssuer)),
		RateLimitPerSecond: v.GetFloat64(flagRateLimitPerSecond),
		RateLimitBurst:     v.GetInt(flagRateLimitBurst),
		RedisAddr:          strings.TrimSpace(v.GetString(flagRedisAddr)),
		RedisPassword:      v.GetString(flagRedisPassword),
		RedisDB:            v.GetInt(flagRedisDB),
		BalanceCacheTTL:    v.GetDuration(flagBalanceCacheTTL),
		KafkaBrokers:       config.ParseList(v.GetString(flagKafkaBrokers)),
		KafkaTopic:         strings.TrimSpace(v.GetString(flagKafkaTopic)),
		AMQPURL:            strings.TrimSpace(v.GetString(flagAMQPURL)),
		AMQPQueue:          strings.TrimSpace(v.GetString(flagAMQPQueue)),
		RedisEventChannel:  strings.TrimSpace(v.GetString(flagRedisEventChannel)),
		ReconcileInterval:  v.GetDuration(flagReconcileInterval),
		ReconcileBatchSize: v.GetInt(flagReconcileBatchSize),
		HoldSweepInterval:  v.GetDuration(flagHoldSweepInterval),
		HoldMaxAge:         v.GetDuration(flagHoldMaxAge),
		HoldSweepLimit:     v.GetInt(flagHoldSweepLimit),
		ShutdownTimeout:    v.GetDuration(flagShutdownTimeout),
	}
	return cfg.Validate()
}

// loadEnvFile applies a dotenv file without overriding variables already set; a missing file is ignored.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
