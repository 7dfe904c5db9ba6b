// Package worker runs the scheduled reconciliation and stale-hold sweep.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

// Maintainer is the slice of ledger.Service the worker drives.
type Maintainer interface {
	ReconcileAll(ctx context.Context, batchSize int) (ledger.ReconcileSummary, error)
	SweepStaleHolds(ctx context.Context, maxAge time.Duration, limit int) (ledger.SweepResult, error)
}

// Config sets the schedules. A non-positive interval disables that job.
type Config struct {
	ReconcileInterval  time.Duration
	ReconcileBatchSize int
	SweepInterval      time.Duration
	HoldMaxAge         time.Duration
	SweepLimit         int
}

type Worker struct {
	maintainer Maintainer
	config     Config
	logger     *zap.Logger
}

func New(maintainer Maintainer, config Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{maintainer: maintainer, config: config, logger: logger}
}

// Run blocks until ctx is cancelled.
func (worker *Worker) Run(ctx context.Context) {
	var waitGroup sync.WaitGroup
	if worker.config.ReconcileInterval > 0 {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			worker.loop(ctx, "reconcile", worker.config.ReconcileInterval, worker.Reconcile)
		}()
	}
	if worker.config.SweepInterval > 0 && worker.config.HoldMaxAge > 0 {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			worker.loop(ctx, "sweep_holds", worker.config.SweepInterval, worker.Sweep)
		}()
	}
	waitGroup.Wait()
}

func (worker *Worker) loop(ctx context.Context, job string, interval time.Duration, run func(ctx context.Context)) {
	worker.logger.Info("worker job started", zap.String("job", job), zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			worker.logger.Info("worker job stopped", zap.String("job", job))
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// Reconcile runs one full reconciliation pass and logs the outcome.
func (worker *Worker) Reconcile(ctx context.Context) {
	summary, err := worker.maintainer.ReconcileAll(ctx, worker.config.ReconcileBatchSize)
	if err != nil {
		worker.logger.Error("reconcile pass failed", zap.Error(err))
		return
	}
	for _, mismatch := range summary.Mismatches {
		worker.logger.Warn("wallet balance mismatch",
			zap.String("user_id", mismatch.UserID.String()),
			zap.Int64("balance", mismatch.Balance.Int64()),
			zap.Int64("expected", mismatch.Expected.Int64()),
			zap.Int64("difference", mismatch.Difference.Int64()),
		)
	}
	for _, failure := range summary.Failures {
		worker.logger.Error("wallet reconcile failed", zap.String("user_id", failure.UserID.String()), zap.Error(failure.Err))
	}
	worker.logger.Info("reconcile pass finished",
		zap.Int("checked", summary.Checked),
		zap.Int("mismatches", len(summary.Mismatches)),
		zap.Int("failures", len(summary.Failures)),
	)
}

// Sweep releases one batch of stale holds and logs the outcome.
func (worker *Worker) Sweep(ctx context.Context) {
	result, err := worker.maintainer.SweepStaleHolds(ctx, worker.config.HoldMaxAge, worker.config.SweepLimit)
	if err != nil {
		worker.logger.Error("hold sweep failed", zap.Error(err))
		return
	}
	for _, failure := range result.Failures {
		worker.logger.Error("stale hold release failed", zap.String("hold_id", failure.HoldID.String()), zap.Error(failure.Err))
	}
	worker.logger.Info("hold sweep finished",
		zap.Int("released", result.Released),
		zap.Int("skipped", result.Skipped),
		zap.Int("failures", len(result.Failures)),
	)
}
