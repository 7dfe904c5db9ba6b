package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/cache/rediscache"
	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/MarkoPoloResearchLab/coinledger/internal/events"
	"github.com/MarkoPoloResearchLab/coinledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/coinledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/coinledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/coinledger/internal/worker"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// ledgerApp is a wired ledger service with the connections it owns.
type ledgerApp struct {
	service *ledger.Service
	closers []func() error
	logger  *zap.Logger
}

func newLedgerApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ledgerApp, error) {
	app := &ledgerApp{logger: logger}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, backend.cleanup)
	if backend.driver == driverSQLite {
		if err := backend.migrate(ctx); err != nil {
			app.close()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	options := []ledger.ServiceOption{ledger.WithOperationLogger(oplog.New(logger))}
	var redisClient *redis.Client
	if cfg.CacheEnabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		app.closers = append(app.closers, redisClient.Close)
		balanceCache := rediscache.New(redisClient, rediscache.Config{BalanceTTL: cfg.BalanceCacheTTL})
		options = append(options, ledger.WithBalanceCache(balanceCache), ledger.WithBalanceLocker(balanceCache))
	}

	publishers := []ledger.EventPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publishers = append(publishers, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("amqp: %w", err)
		}
		publishers = append(publishers, amqpPublisher)
	}
	if redisClient != nil {
		publishers = append(publishers, events.NewRedisPublisher(redisClient, cfg.RedisEventChannel))
	}
	fanout := events.NewFanout(publishers...)
	if fanout.Len() > 0 {
		// Fanout closes before the redis client it may publish through.
		app.closers = append(app.closers, fanout.Close)
		options = append(options, ledger.WithEventPublisher(fanout))
	}

	service, err := ledger.NewService(backend.store, func() time.Time { return time.Now().UTC() }, options...)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	app.service = service
	logger.Info("ledger ready",
		zap.String("driver", backend.driver),
		zap.String("store", cfg.StoreBackend),
		zap.Bool("cache", cfg.CacheEnabled()),
		zap.Int("event_publishers", fanout.Len()),
	)
	return app, nil
}

// close releases owned connections in reverse order of acquisition.
func (app *ledgerApp) close() {
	var closeErrors []error
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			closeErrors = append(closeErrors, err)
		}
	}
	if err := errors.Join(closeErrors...); err != nil {
		app.logger.Warn("shutdown cleanup failed", zap.Error(err))
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	app, err := newLedgerApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	var router http.Handler
	if cfg.HTTPListenAddr != "" {
		engine, err := httpapi.NewRouter(httpapi.Config{
			AllowedOrigins:     cfg.AllowedOrigins,
			SigningKey:         cfg.JWTSigningKey,
			Issuer:             cfg.JWTIssuer,
			RateLimitPerSecond: cfg.RateLimitPerSecond,
			RateLimitBurst:     cfg.RateLimitBurst,
		}, app.service, logger)
		if err != nil {
			return fmt.Errorf("http api: %w", err)
		}
		router = engine
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.GRPCListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcserver.LoggingInterceptor(logger)))
		grpcserver.RegisterWalletServiceServer(grpcServer, grpcserver.NewWalletServer(app.service))
		group.Go(func() error {
			logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
			if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				return serveErr
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			stopGRPC(grpcServer, cfg.ShutdownTimeout)
			return nil
		})
	}

	if router != nil {
		group.Go(func() error {
			return httpapi.Serve(groupCtx, cfg.HTTPListenAddr, router, logger, cfg.ShutdownTimeout)
		})
	}

	maintenance := worker.New(app.service, worker.Config{
		ReconcileInterval:  cfg.ReconcileInterval,
		ReconcileBatchSize: cfg.ReconcileBatchSize,
		SweepInterval:      cfg.HoldSweepInterval,
		HoldMaxAge:         cfg.HoldMaxAge,
		SweepLimit:         cfg.HoldSweepLimit,
	}, logger)
	group.Go(func() error {
		maintenance.Run(groupCtx)
		return nil
	})

	err = group.Wait()
	logger.Info("shutdown complete")
	return err
}

// stopGRPC drains in-flight calls and forces a stop once timeout elapses.
func stopGRPC(server *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		server.Stop()
	}
}
