package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the wallet domain logic over a Store.
type Service struct {
	store       Store
	nowFn       func() time.Time
	newID       func() string
	logger      OperationLogger
	auditLogger AuditLogger
	cache       BalanceCache
	locker      BalanceLocker
	publisher   EventPublisher
}

// NewService wires a Service. Audit records go to the store unless WithAuditLogger overrides it.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		nowFn:       now,
		newID:       uuid.NewString,
		auditLogger: NewStoreAuditLogger(store),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the wallet balance, creating an empty wallet on first reference.
// A cache fill is re-checked against the store; if a write committed meanwhile the entry is dropped.
func (service *Service) Balance(ctx context.Context, userID UserID) (Coins, error) {
	if balance, found := service.cachedBalance(ctx, userID); found {
		return balance, nil
	}
	unlock := service.lockBalance(ctx, userID)
	defer unlock()
	wallet, err := service.ensureWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !service.fillBalanceCache(ctx, userID, wallet.Balance) {
		return wallet.Balance, nil
	}
	current, err := service.store.GetWallet(ctx, userID)
	if err != nil {
		service.invalidateBalance(ctx, userID)
		return wallet.Balance, nil
	}
	if current.Balance != wallet.Balance {
		service.invalidateBalance(ctx, userID)
		return current.Balance, nil
	}
	return wallet.Balance, nil
}

// AvailableBalance returns balance minus held balance.
func (service *Service) AvailableBalance(ctx context.Context, userID UserID) (Coins, error) {
	wallet, err := service.ensureWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return wallet.Available(), nil
}

// Wallet returns the full wallet snapshot.
func (service *Service) Wallet(ctx context.Context, userID UserID) (Wallet, error) {
	return service.ensureWallet(ctx, userID)
}

// CreateWallet provisions an empty wallet; a concurrent create resolves to the same row.
func (service *Service) CreateWallet(ctx context.Context, userID UserID) (Wallet, error) {
	wallet, err := service.ensureWallet(ctx, userID)
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateWallet,
		UserID:    userID,
		Error:     err,
	})
	return wallet, err
}

func (service *Service) ensureWallet(ctx context.Context, userID UserID) (Wallet, error) {
	wallet, err := service.store.GetWallet(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, err
	}
	if err := service.store.CreateWallet(ctx, userID, service.nowFn().UTC()); err != nil {
		return Wallet{}, err
	}
	wallet, err = service.store.GetWallet(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, WrapError("service", "wallet", "provision", ErrWalletProvisioning)
	}
	return wallet, err
}

// lockOrProvisionWallet must run inside WithTx.
func (service *Service) lockOrProvisionWallet(ctx context.Context, txStore Store, userID UserID, now time.Time) (Wallet, error) {
	wallet, err := txStore.LockWallet(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, err
	}
	if err := txStore.CreateWallet(ctx, userID, now); err != nil {
		return Wallet{}, err
	}
	wallet, err = txStore.LockWallet(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, WrapError("service", "wallet", "provision", ErrWalletProvisioning)
	}
	return wallet, err
}

// applyTransaction appends a completed transaction to a locked wallet, releasing releasedHeld
// from the held balance first. Debits record spend for the tier.
func (service *Service) applyTransaction(ctx context.Context, txStore Store, wallet Wallet, transaction Transaction, releasedHeld Coins, insufficient error) (Wallet, error) {
	heldBalance := wallet.HeldBalance - releasedHeld
	if heldBalance < 0 {
		return Wallet{}, WrapError("service", "wallet", "held_underflow", ErrInvalidBalance)
	}
	if transaction.Amount.IsDebit() && wallet.Balance-heldBalance < transaction.Amount.Abs() {
		return Wallet{}, insufficient
	}
	updated, err := NewWallet(wallet.UserID, wallet.Balance+Coins(transaction.Amount), heldBalance, wallet.LastReconciledAt, wallet.CreatedAt)
	if err != nil {
		return Wallet{}, err
	}
	if err := txStore.InsertTransaction(ctx, transaction); err != nil {
		return Wallet{}, err
	}
	if err := txStore.UpdateWalletBalances(ctx, updated.UserID, updated.Balance, updated.HeldBalance, transaction.CreatedAt); err != nil {
		return Wallet{}, err
	}
	if transaction.Amount.IsDebit() {
		if err := service.recordSpend(ctx, txStore, transaction.UserID, transaction.Amount.Abs(), transaction.CreatedAt); err != nil {
			return Wallet{}, err
		}
	}
	return updated, nil
}

// findByIdempotencyKey reports a recorded transaction; a missing row is not an error.
func (service *Service) findByIdempotencyKey(ctx context.Context, idempotencyKey IdempotencyKey) (Transaction, bool, error) {
	transaction, err := service.store.FindTransactionByIdempotencyKey(ctx, idempotencyKey)
	if err == nil {
		return transaction, true, nil
	}
	if errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, false, nil
	}
	return Transaction{}, false, err
}

func (service *Service) generateTransactionID() TransactionID {
	return TransactionID{value: service.newID()}
}

func (service *Service) generateIdempotencyKey(prefix string) IdempotencyKey {
	return IdempotencyKey{value: prefix + idempotencyKeyDelimiter + service.newID()}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) IdempotencyKey {
	return IdempotencyKey{value: baseKey.String() + idempotencyKeyDelimiter + suffix}
}

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
