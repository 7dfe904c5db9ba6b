package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HoldRequest reserves coins for a later settlement.
type HoldRequest struct {
	UserID    UserID
	Amount    PositiveCoins
	Purpose   HoldPurpose
	RelatedID string
}

// CreateHold reserves amount from the available balance.
func (service *Service) CreateHold(ctx context.Context, request HoldRequest) (Hold, error) {
	if request.UserID.String() == "" {
		return Hold{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Amount <= 0 {
		return Hold{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if _, err := request.Purpose.SettlementType(); err != nil {
		return Hold{}, err
	}
	now := service.nowFn().UTC()
	hold := Hold{
		ID:        HoldID{value: service.newID()},
		UserID:    request.UserID,
		Amount:    request.Amount,
		Purpose:   request.Purpose,
		RelatedID: strings.TrimSpace(request.RelatedID),
		Status:    HoldStatusActive,
		CreatedAt: now,
	}
	var before, after Wallet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := service.lockOrProvisionWallet(ctx, transactionStore, request.UserID, now)
		if err != nil {
			return err
		}
		if wallet.Available() < request.Amount.ToCoins() {
			return ErrInsufficientBalanceForHold
		}
		updated, err := NewWallet(wallet.UserID, wallet.Balance, wallet.HeldBalance+request.Amount.ToCoins(), wallet.LastReconciledAt, wallet.CreatedAt)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertHold(ctx, hold); err != nil {
			return err
		}
		if err := transactionStore.UpdateWalletBalances(ctx, updated.UserID, updated.Balance, updated.HeldBalance, now); err != nil {
			return err
		}
		before, after = wallet, updated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateHold,
		UserID:    request.UserID,
		HoldID:    hold.ID,
		Amount:    SignedCoins(request.Amount),
		Error:     operationError,
	})
	if operationError != nil {
		return Hold{}, operationError
	}
	service.invalidateBalance(ctx, request.UserID)
	service.recordAudit(ctx, holdAuditRecord(AuditEventHoldCreated, hold, before, after, now))
	service.publishEvent(ctx, holdEvent(EventHoldCreated, hold, after, now))
	return hold, nil
}

// SettleHold charges a hold and releases its full reservation. amountToSettle nil charges the hold amount
// and negative values charge nothing. Requests above the hold amount are capped to it without an error,
// then to the wallet balance; the requested figure is kept in metadata as "requested_amount".
// A repeated settle returns the transaction recorded by the first one.
func (service *Service) SettleHold(ctx context.Context, holdID HoldID, amountToSettle *int64) (Transaction, error) {
	settleKey := settleIdempotencyKey(holdID)
	existing, found, err := service.findByIdempotencyKey(ctx, settleKey)
	if err != nil {
		return Transaction{}, err
	}
	if found {
		return existing, nil
	}
	now := service.nowFn().UTC()
	var hold Hold
	var transaction Transaction
	var before, after Wallet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		hold, err = transactionStore.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != HoldStatusActive {
			return ErrHoldNotActive
		}
		transactionType, err := hold.Purpose.SettlementType()
		if err != nil {
			return err
		}
		wallet, err := transactionStore.LockWallet(ctx, hold.UserID)
		if errors.Is(err, ErrWalletNotFound) {
			return WrapError("service", "wallet", "settle", ErrWalletProvisioning)
		}
		if err != nil {
			return err
		}
		charged := settlementAmount(hold, wallet, amountToSettle)
		fields := map[string]string{
			metadataKeyHoldID:      hold.ID.String(),
			metadataKeyHoldPurpose: string(hold.Purpose),
		}
		if hold.RelatedID != "" {
			fields[metadataKeyRelatedID] = hold.RelatedID
		}
		if amountToSettle != nil {
			fields[metadataKeyRequestedAmount] = strconv.FormatInt(*amountToSettle, 10)
		}
		transaction = Transaction{
			ID:             service.generateTransactionID(),
			UserID:         hold.UserID,
			Amount:         -SignedCoins(charged),
			Type:           transactionType,
			Status:         TransactionStatusCompleted,
			Description:    "Settled " + string(hold.Purpose),
			IdempotencyKey: settleKey,
			Metadata:       metadataFromFields(fields),
			CreatedAt:      now,
		}
		if err := transactionStore.UpdateHoldStatus(ctx, holdID, HoldStatusActive, HoldStatusSettled, now); err != nil {
			return err
		}
		updated, err := service.applyTransaction(ctx, transactionStore, wallet, transaction, hold.Amount.ToCoins(), ErrInsufficientBalance)
		if err != nil {
			return err
		}
		before, after = wallet, updated
		return nil
	})
	if errors.Is(operationError, ErrHoldNotActive) || errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		existing, found, err := service.findByIdempotencyKey(ctx, settleKey)
		if err == nil && found {
			return existing, nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationSettleHold,
		UserID:         hold.UserID,
		HoldID:         holdID,
		TransactionID:  transaction.ID,
		Amount:         transaction.Amount,
		IdempotencyKey: settleKey,
		Error:          operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	hold.Status = HoldStatusSettled
	hold.SettledAt = &now
	service.invalidateBalance(ctx, hold.UserID)
	record := transactionAuditRecord(transaction, before, after, hold.RelatedID, hold.ID.String())
	record.EventType = AuditEventHoldSettled
	service.recordAudit(ctx, record)
	service.publishEvent(ctx, holdEvent(EventHoldSettled, hold, after, now))
	service.publishEvent(ctx, transactionEvent(transaction, after))
	return transaction, nil
}

// ReleaseHold returns the reserved coins to the available balance without charging.
func (service *Service) ReleaseHold(ctx context.Context, holdID HoldID) error {
	now := service.nowFn().UTC()
	var hold Hold
	var before, after Wallet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		hold, err = transactionStore.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != HoldStatusActive {
			return ErrHoldNotActive
		}
		wallet, err := transactionStore.LockWallet(ctx, hold.UserID)
		if errors.Is(err, ErrWalletNotFound) {
			return WrapError("service", "wallet", "release", ErrWalletProvisioning)
		}
		if err != nil {
			return err
		}
		updated, err := NewWallet(wallet.UserID, wallet.Balance, wallet.HeldBalance-hold.Amount.ToCoins(), wallet.LastReconciledAt, wallet.CreatedAt)
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateHoldStatus(ctx, holdID, HoldStatusActive, HoldStatusReleased, now); err != nil {
			return err
		}
		if err := transactionStore.UpdateWalletBalances(ctx, updated.UserID, updated.Balance, updated.HeldBalance, now); err != nil {
			return err
		}
		before, after = wallet, updated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReleaseHold,
		UserID:    hold.UserID,
		HoldID:    holdID,
		Amount:    SignedCoins(hold.Amount),
		Error:     operationError,
	})
	if operationError != nil {
		return operationError
	}
	hold.Status = HoldStatusReleased
	hold.ReleasedAt = &now
	service.invalidateBalance(ctx, hold.UserID)
	service.recordAudit(ctx, holdAuditRecord(AuditEventHoldReleased, hold, before, after, now))
	service.publishEvent(ctx, holdEvent(EventHoldReleased, hold, after, now))
	return nil
}

// Hold looks up one hold by id.
func (service *Service) Hold(ctx context.Context, holdID HoldID) (Hold, error) {
	return service.store.GetHold(ctx, holdID)
}

// ActiveHolds lists a user's active holds, oldest first.
func (service *Service) ActiveHolds(ctx context.Context, userID UserID) ([]Hold, error) {
	return service.store.ListActiveHolds(ctx, userID)
}

func settleIdempotencyKey(holdID HoldID) IdempotencyKey {
	return IdempotencyKey{value: idempotencyPrefixHold + idempotencyKeyDelimiter + holdID.String() + idempotencyKeyDelimiter + idempotencySuffixSettle}
}

func settlementAmount(hold Hold, wallet Wallet, amountToSettle *int64) Coins {
	requested := hold.Amount.Int64()
	if amountToSettle != nil {
		requested = *amountToSettle
	}
	if requested < 0 {
		requested = 0
	}
	if requested > hold.Amount.Int64() {
		requested = hold.Amount.Int64()
	}
	if requested > wallet.Balance.Int64() {
		requested = wallet.Balance.Int64()
	}
	return Coins(requested)
}

func holdAuditRecord(eventType AuditEventType, hold Hold, before Wallet, after Wallet, at time.Time) AuditRecord {
	return AuditRecord{
		EventType:     eventType,
		ActorID:       hold.UserID,
		TargetID:      hold.RelatedID,
		Amount:        SignedCoins(hold.Amount),
		BalanceBefore: before.Balance,
		BalanceAfter:  after.Balance,
		HoldID:        hold.ID.String(),
		Metadata:      metadataFromFields(map[string]string{metadataKeyHoldPurpose: string(hold.Purpose)}),
		CreatedAt:     at,
	}
}
