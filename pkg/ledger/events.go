package ledger

import (
	"context"
	"time"
)

// LedgerEventKind names a committed ledger change.
type LedgerEventKind string

const (
	EventTransactionCreated LedgerEventKind = "transaction.created"
	EventHoldCreated        LedgerEventKind = "hold.created"
	EventHoldSettled        LedgerEventKind = "hold.settled"
	EventHoldReleased       LedgerEventKind = "hold.released"
)

// LedgerEvent is published after a wallet mutation commits.
type LedgerEvent struct {
	Kind             LedgerEventKind `json:"kind"`
	UserID           string          `json:"user_id"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	TransactionType  string          `json:"transaction_type,omitempty"`
	HoldID           string          `json:"hold_id,omitempty"`
	HoldPurpose      string          `json:"hold_purpose,omitempty"`
	Amount           int64           `json:"amount"`
	BalanceAfter     int64           `json:"balance_after"`
	HeldBalanceAfter int64           `json:"held_balance_after"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// EventPublisher delivers ledger events to downstream consumers.
type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, event LedgerEvent) error
}

func transactionEvent(transaction Transaction, after Wallet) LedgerEvent {
	return LedgerEvent{
		Kind:             EventTransactionCreated,
		UserID:           transaction.UserID.String(),
		TransactionID:    transaction.ID.String(),
		TransactionType:  string(transaction.Type),
		Amount:           transaction.Amount.Int64(),
		BalanceAfter:     after.Balance.Int64(),
		HeldBalanceAfter: after.HeldBalance.Int64(),
		OccurredAt:       transaction.CreatedAt,
	}
}

func holdEvent(kind LedgerEventKind, hold Hold, after Wallet, occurredAt time.Time) LedgerEvent {
	return LedgerEvent{
		Kind:             kind,
		UserID:           hold.UserID.String(),
		HoldID:           hold.ID.String(),
		HoldPurpose:      string(hold.Purpose),
		Amount:           hold.Amount.Int64(),
		BalanceAfter:     after.Balance.Int64(),
		HeldBalanceAfter: after.HeldBalance.Int64(),
		OccurredAt:       occurredAt,
	}
}

func (service *Service) publishEvent(ctx context.Context, event LedgerEvent) {
	if service.publisher == nil {
		return
	}
	if err := service.publisher.PublishLedgerEvent(ctx, event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationPublishEvent,
			UserID:    UserID{value: event.UserID},
			Amount:    SignedCoins(event.Amount),
			Error:     err,
		})
	}
}
