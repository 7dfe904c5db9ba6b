package ledger

import (
	"context"
	"errors"
	"time"
)

// SweepFailure records a stale hold that could not be released.
type SweepFailure struct {
	HoldID HoldID
	Err    error
}

// SweepResult summarizes one stale-hold sweep.
type SweepResult struct {
	Released int
	Skipped  int
	Failures []SweepFailure
}

// SweepStaleHolds releases active holds older than maxAge. A non-positive maxAge disables the sweep.
func (service *Service) SweepStaleHolds(ctx context.Context, maxAge time.Duration, limit int) (SweepResult, error) {
	if maxAge <= 0 {
		return SweepResult{}, nil
	}
	cutoff := service.nowFn().UTC().Add(-maxAge)
	holds, err := service.store.ListActiveHoldsCreatedBefore(ctx, cutoff, normalizeListLimit(limit))
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationSweepHolds, Error: err})
		return SweepResult{}, err
	}
	var result SweepResult
	for _, hold := range holds {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := service.ReleaseHold(ctx, hold.ID)
		switch {
		case err == nil:
			result.Released++
		case errors.Is(err, ErrHoldNotActive):
			result.Skipped++
		default:
			result.Failures = append(result.Failures, SweepFailure{HoldID: hold.ID, Err: err})
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSweepHolds,
		Amount:    SignedCoins(result.Released),
	})
	return result, nil
}
