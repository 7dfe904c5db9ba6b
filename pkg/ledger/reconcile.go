package ledger

import (
	"context"
	"errors"
)

// ReconcileStatus is the outcome of comparing a wallet against its transaction log.
type ReconcileStatus string

const (
	ReconcileStatusNoWallet ReconcileStatus = "no_wallet"
	ReconcileStatusOK       ReconcileStatus = "ok"
	ReconcileStatusMismatch ReconcileStatus = "mismatch"
)

// ReconcileReport describes one wallet check. Difference is Balance minus Expected.
type ReconcileReport struct {
	UserID     UserID
	Status     ReconcileStatus
	Balance    Coins
	Expected   SignedCoins
	Difference SignedCoins
}

// ReconcileFailure records a wallet that could not be checked.
type ReconcileFailure struct {
	UserID UserID
	Err    error
}

// ReconcileSummary aggregates a full reconciliation pass.
type ReconcileSummary struct {
	Checked    int
	Mismatches []ReconcileReport
	Failures   []ReconcileFailure
}

// ReconcileWallet compares the wallet balance to the sum of completed transactions.
// It records the check time and never adjusts balances.
func (service *Service) ReconcileWallet(ctx context.Context, userID UserID) (ReconcileReport, error) {
	report := ReconcileReport{UserID: userID}
	now := service.nowFn().UTC()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.LockWallet(ctx, userID)
		if errors.Is(err, ErrWalletNotFound) {
			report.Status = ReconcileStatusNoWallet
			return nil
		}
		if err != nil {
			return err
		}
		expected, err := transactionStore.SumCompletedTransactions(ctx, userID)
		if err != nil {
			return err
		}
		report.Balance = wallet.Balance
		report.Expected = expected
		report.Difference = SignedCoins(wallet.Balance) - expected
		report.Status = ReconcileStatusOK
		if report.Difference != 0 {
			report.Status = ReconcileStatusMismatch
		}
		return transactionStore.MarkWalletReconciled(ctx, userID, now)
	})
	entry := OperationLog{
		Operation: operationReconcile,
		UserID:    userID,
		Amount:    report.Difference,
		Error:     operationError,
	}
	if operationError == nil && report.Status == ReconcileStatusMismatch {
		entry.Status = operationStatusMismatch
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return ReconcileReport{}, operationError
	}
	return report, nil
}

// ReconcileAll pages through every wallet by user id and reconciles each one.
// Per-wallet failures are collected; only listing failures abort the pass.
func (service *Service) ReconcileAll(ctx context.Context, batchSize int) (ReconcileSummary, error) {
	batchSize = normalizeListLimit(batchSize)
	var summary ReconcileSummary
	afterUserID := ""
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		userIDs, err := service.store.ListWalletUserIDs(ctx, afterUserID, batchSize)
		if err != nil {
			return summary, err
		}
		for _, userID := range userIDs {
			report, err := service.ReconcileWallet(ctx, userID)
			if err != nil {
				summary.Failures = append(summary.Failures, ReconcileFailure{UserID: userID, Err: err})
				continue
			}
			summary.Checked++
			if report.Status == ReconcileStatusMismatch {
				summary.Mismatches = append(summary.Mismatches, report)
			}
		}
		if len(userIDs) < batchSize {
			return summary, nil
		}
		afterUserID = userIDs[len(userIDs)-1].String()
	}
}
