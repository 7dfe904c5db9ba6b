package ledger

import (
	"context"
	"time"
)

// AuditEventType names a wallet audit event.
type AuditEventType string

const (
	AuditEventHoldCreated  AuditEventType = "hold_created"
	AuditEventHoldSettled  AuditEventType = "hold_settled"
	AuditEventHoldReleased AuditEventType = "hold_released"
)

type auditDirection int

const (
	auditDirectionDebit auditDirection = iota
	auditDirectionCredit
)

type auditEventKey struct {
	transactionType TransactionType
	direction       auditDirection
}

var auditEventTable = map[auditEventKey]AuditEventType{
	{TransactionTypePurchase, auditDirectionCredit}:             "coins_purchased",
	{TransactionTypePurchase, auditDirectionDebit}:              "purchase_reversed",
	{TransactionTypeGift, auditDirectionDebit}:                  "gift_sent",
	{TransactionTypeGift, auditDirectionCredit}:                 "gift_received",
	{TransactionTypeCallCharge, auditDirectionDebit}:            "call_charged",
	{TransactionTypeCallEarnings, auditDirectionCredit}:         "call_earned",
	{TransactionTypeMessageCharge, auditDirectionDebit}:         "message_charged",
	{TransactionTypeMessageEarnings, auditDirectionCredit}:      "message_earned",
	{TransactionTypeStreamTip, auditDirectionDebit}:             "tip_sent",
	{TransactionTypeStreamTip, auditDirectionCredit}:            "tip_received",
	{TransactionTypeStreamTipEarnings, auditDirectionCredit}:    "tip_received",
	{TransactionTypePPVUnlock, auditDirectionDebit}:             "ppv_unlocked",
	{TransactionTypePPVEarnings, auditDirectionCredit}:          "ppv_earned",
	{TransactionTypePayout, auditDirectionDebit}:                "payout_requested",
	{TransactionTypePayout, auditDirectionCredit}:               "payout_reversed",
	{TransactionTypeRefund, auditDirectionCredit}:               "refund_issued",
	{TransactionTypeRefund, auditDirectionDebit}:                "refund_clawback",
	{TransactionTypeSubscriptionPayment, auditDirectionDebit}:   "subscription_paid",
	{TransactionTypeSubscriptionEarnings, auditDirectionCredit}: "subscription_earned",
	{TransactionTypeAISessionCharge, auditDirectionDebit}:       "ai_session_charged",
	{TransactionTypeAISessionEarnings, auditDirectionCredit}:    "ai_session_earned",
	{TransactionTypeCollectionPurchase, auditDirectionDebit}:    "collection_purchased",
	{TransactionTypeCollectionEarnings, auditDirectionCredit}:   "collection_earned",
	{TransactionTypeBookingCharge, auditDirectionDebit}:         "booking_charged",
	{TransactionTypeBookingEarnings, auditDirectionCredit}:      "booking_earned",
	{TransactionTypeGroupRoomCharge, auditDirectionDebit}:       "group_room_charged",
	{TransactionTypeGroupRoomEarnings, auditDirectionCredit}:    "group_room_earned",
	{TransactionTypeAdjustment, auditDirectionDebit}:            "balance_adjusted_down",
	{TransactionTypeAdjustment, auditDirectionCredit}:           "balance_adjusted_up",
}

// AuditEventFor maps a transaction type and direction to its audit event.
// Pairs missing from the table fall back to "<type>_debit" or "<type>_credit".
func AuditEventFor(transactionType TransactionType, amount SignedCoins) AuditEventType {
	direction := auditDirectionCredit
	if amount <= 0 {
		direction = auditDirectionDebit
	}
	if eventType, ok := auditEventTable[auditEventKey{transactionType: transactionType, direction: direction}]; ok {
		return eventType
	}
	if direction == auditDirectionDebit {
		return AuditEventType(string(transactionType) + "_debit")
	}
	return AuditEventType(string(transactionType) + "_credit")
}

// AuditRecord is one wallet audit log row.
type AuditRecord struct {
	EventType     AuditEventType
	ActorID       UserID
	TargetID      string
	Amount        SignedCoins
	BalanceBefore Coins
	BalanceAfter  Coins
	TransactionID string
	HoldID        string
	Metadata      MetadataJSON
	CreatedAt     time.Time
}

// AuditLogger receives audit records after a wallet mutation commits.
type AuditLogger interface {
	LogAudit(ctx context.Context, record AuditRecord) error
}

// StoreAuditLogger persists audit records through a Store.
type StoreAuditLogger struct {
	store Store
}

// NewStoreAuditLogger wires the default audit logger.
func NewStoreAuditLogger(store Store) *StoreAuditLogger {
	return &StoreAuditLogger{store: store}
}

// LogAudit writes the record outside of any wallet transaction.
func (auditLogger *StoreAuditLogger) LogAudit(ctx context.Context, record AuditRecord) error {
	return auditLogger.store.InsertAuditRecord(ctx, record)
}

func transactionAuditRecord(transaction Transaction, before Wallet, after Wallet, targetID string, holdID string) AuditRecord {
	return AuditRecord{
		EventType:     AuditEventFor(transaction.Type, transaction.Amount),
		ActorID:       transaction.UserID,
		TargetID:      targetID,
		Amount:        transaction.Amount,
		BalanceBefore: before.Balance,
		BalanceAfter:  after.Balance,
		TransactionID: transaction.ID.String(),
		HoldID:        holdID,
		Metadata:      transaction.Metadata,
		CreatedAt:     transaction.CreatedAt,
	}
}

func (service *Service) recordAudit(ctx context.Context, record AuditRecord) {
	if service.auditLogger == nil {
		return
	}
	if err := service.auditLogger.LogAudit(ctx, record); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationAudit,
			UserID:    record.ActorID,
			Amount:    record.Amount,
			Metadata:  record.Metadata,
			Error:     err,
		})
	}
}
