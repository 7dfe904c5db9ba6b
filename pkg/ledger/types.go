package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Coins is a non-negative whole-coin amount.
type Coins int64

// PositiveCoins is a strictly positive whole-coin amount.
type PositiveCoins int64

// SignedCoins is a ledger movement: credits are positive, debits negative.
type SignedCoins int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// TransactionID identifies a transaction log row.
type TransactionID struct {
	value string
}

// HoldID identifies a hold.
type HoldID struct {
	value string
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewCoins validates a non-negative amount.
func NewCoins(raw int64) (Coins, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Coins(raw), nil
}

// Int64 exposes the raw coin count.
func (coins Coins) Int64() int64 {
	return int64(coins)
}

// NewPositiveCoins validates a strictly positive amount.
func NewPositiveCoins(raw int64) (PositiveCoins, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCoins(raw), nil
}

// Int64 exposes the raw coin count.
func (coins PositiveCoins) Int64() int64 {
	return int64(coins)
}

// ToCoins converts to the non-negative type.
func (coins PositiveCoins) ToCoins() Coins {
	return Coins(coins)
}

// NewSignedCoins validates a non-zero ledger movement.
func NewSignedCoins(raw int64) (SignedCoins, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidAmount)
	}
	return SignedCoins(raw), nil
}

// Int64 exposes the raw signed amount.
func (coins SignedCoins) Int64() int64 {
	return int64(coins)
}

// IsDebit reports whether the movement reduces the balance.
func (coins SignedCoins) IsDebit() bool {
	return coins < 0
}

// Abs returns the magnitude.
func (coins SignedCoins) Abs() Coins {
	if coins < 0 {
		return Coins(-coins)
	}
	return Coins(coins)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// NewHoldID validates and normalizes a hold id.
func NewHoldID(raw string) (HoldID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HoldID{}, fmt.Errorf("%w: empty value", ErrInvalidHoldID)
	}
	return HoldID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id HoldID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob, "{}" for the zero value.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

func metadataFromFields(fields map[string]string) MetadataJSON {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(encoded)}
}

// TransactionType enumerates the closed set of transaction kinds.
type TransactionType string

const (
	TransactionTypePurchase             TransactionType = "purchase"
	TransactionTypeGift                 TransactionType = "gift"
	TransactionTypeCallCharge           TransactionType = "call_charge"
	TransactionTypeCallEarnings         TransactionType = "call_earnings"
	TransactionTypeMessageCharge        TransactionType = "message_charge"
	TransactionTypeMessageEarnings      TransactionType = "message_earnings"
	TransactionTypeStreamTip            TransactionType = "stream_tip"
	TransactionTypeStreamTipEarnings    TransactionType = "stream_tip_earnings"
	TransactionTypePPVUnlock            TransactionType = "ppv_unlock"
	TransactionTypePPVEarnings          TransactionType = "ppv_earnings"
	TransactionTypePayout               TransactionType = "payout"
	TransactionTypeRefund               TransactionType = "refund"
	TransactionTypeSubscriptionPayment  TransactionType = "subscription_payment"
	TransactionTypeSubscriptionEarnings TransactionType = "subscription_earnings"
	TransactionTypeAISessionCharge      TransactionType = "ai_session_charge"
	TransactionTypeAISessionEarnings    TransactionType = "ai_session_earnings"
	TransactionTypeCollectionPurchase   TransactionType = "collection_purchase"
	TransactionTypeCollectionEarnings   TransactionType = "collection_earnings"
	TransactionTypeBookingCharge        TransactionType = "booking_charge"
	TransactionTypeBookingEarnings      TransactionType = "booking_earnings"
	TransactionTypeGroupRoomCharge      TransactionType = "group_room_charge"
	TransactionTypeGroupRoomEarnings    TransactionType = "group_room_earnings"
	TransactionTypeAdjustment           TransactionType = "adjustment"
)

var knownTransactionTypes = map[TransactionType]struct{}{
	TransactionTypePurchase:             {},
	TransactionTypeGift:                 {},
	TransactionTypeCallCharge:           {},
	TransactionTypeCallEarnings:         {},
	TransactionTypeMessageCharge:        {},
	TransactionTypeMessageEarnings:      {},
	TransactionTypeStreamTip:            {},
	TransactionTypeStreamTipEarnings:    {},
	TransactionTypePPVUnlock:            {},
	TransactionTypePPVEarnings:          {},
	TransactionTypePayout:               {},
	TransactionTypeRefund:               {},
	TransactionTypeSubscriptionPayment:  {},
	TransactionTypeSubscriptionEarnings: {},
	TransactionTypeAISessionCharge:      {},
	TransactionTypeAISessionEarnings:    {},
	TransactionTypeCollectionPurchase:   {},
	TransactionTypeCollectionEarnings:   {},
	TransactionTypeBookingCharge:        {},
	TransactionTypeBookingEarnings:      {},
	TransactionTypeGroupRoomCharge:      {},
	TransactionTypeGroupRoomEarnings:    {},
	TransactionTypeAdjustment:           {},
}

// ParseTransactionType validates a transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	candidate := TransactionType(strings.TrimSpace(raw))
	if _, ok := knownTransactionTypes[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
	return candidate, nil
}

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

// ParseTransactionStatus validates a transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.TrimSpace(raw)) {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusRefunded:
		return TransactionStatus(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// HoldStatus defines the hold lifecycle.
type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "active"
	HoldStatusSettled  HoldStatus = "settled"
	HoldStatusReleased HoldStatus = "released"
)

// ParseHoldStatus validates a hold status.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	switch HoldStatus(strings.TrimSpace(raw)) {
	case HoldStatusActive, HoldStatusSettled, HoldStatusReleased:
		return HoldStatus(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidHoldStatus, raw)
	}
}

// HoldPurpose names what a hold reserves coins for.
type HoldPurpose string

const (
	HoldPurposeCall         HoldPurpose = "call_hold"
	HoldPurposeStreamTip    HoldPurpose = "stream_tip_hold"
	HoldPurposeMessage      HoldPurpose = "message_hold"
	HoldPurposePPV          HoldPurpose = "ppv_hold"
	HoldPurposeAISession    HoldPurpose = "ai_session_hold"
	HoldPurposeBooking      HoldPurpose = "booking_hold"
	HoldPurposeGroupRoom    HoldPurpose = "group_room_hold"
	HoldPurposeCollection   HoldPurpose = "collection_hold"
	HoldPurposeSubscription HoldPurpose = "subscription_hold"
)

var settlementTypeByPurpose = map[HoldPurpose]TransactionType{
	HoldPurposeCall:         TransactionTypeCallCharge,
	HoldPurposeStreamTip:    TransactionTypeStreamTip,
	HoldPurposeMessage:      TransactionTypeMessageCharge,
	HoldPurposePPV:          TransactionTypePPVUnlock,
	HoldPurposeAISession:    TransactionTypeAISessionCharge,
	HoldPurposeBooking:      TransactionTypeBookingCharge,
	HoldPurposeGroupRoom:    TransactionTypeGroupRoomCharge,
	HoldPurposeCollection:   TransactionTypeCollectionPurchase,
	HoldPurposeSubscription: TransactionTypeSubscriptionPayment,
}

// ParseHoldPurpose validates a hold purpose.
func ParseHoldPurpose(raw string) (HoldPurpose, error) {
	candidate := HoldPurpose(strings.TrimSpace(raw))
	if _, ok := settlementTypeByPurpose[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidHoldPurpose, raw)
	}
	return candidate, nil
}

// SettlementType returns the transaction type a settled hold of this purpose is charged as.
func (purpose HoldPurpose) SettlementType() (TransactionType, error) {
	transactionType, ok := settlementTypeByPurpose[purpose]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidHoldPurpose, string(purpose))
	}
	return transactionType, nil
}

// Wallet is the denormalized balance row of a user.
type Wallet struct {
	UserID           UserID
	Balance          Coins
	HeldBalance      Coins
	LastReconciledAt *time.Time
	CreatedAt        time.Time
}

// NewWallet validates the balance invariants of a wallet snapshot.
func NewWallet(userID UserID, balance Coins, heldBalance Coins, lastReconciledAt *time.Time, createdAt time.Time) (Wallet, error) {
	if userID.String() == "" {
		return Wallet{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if balance < 0 || heldBalance < 0 {
		return Wallet{}, fmt.Errorf("%w: negative balance", ErrInvalidBalance)
	}
	if heldBalance > balance {
		return Wallet{}, fmt.Errorf("%w: held %d exceeds balance %d", ErrInvalidBalance, heldBalance, balance)
	}
	return Wallet{
		UserID:           userID,
		Balance:          balance,
		HeldBalance:      heldBalance,
		LastReconciledAt: lastReconciledAt,
		CreatedAt:        createdAt,
	}, nil
}

// Available returns the spendable part of the balance.
func (wallet Wallet) Available() Coins {
	return wallet.Balance - wallet.HeldBalance
}

// Transaction is one immutable row of the transaction log.
type Transaction struct {
	ID                   TransactionID
	UserID               UserID
	Amount               SignedCoins
	Type                 TransactionType
	Status               TransactionStatus
	Description          string
	IdempotencyKey       IdempotencyKey
	RelatedTransactionID *TransactionID
	Metadata             MetadataJSON
	CreatedAt            time.Time
}

// Hold reserves part of a wallet's balance.
type Hold struct {
	ID         HoldID
	UserID     UserID
	Amount     PositiveCoins
	Purpose    HoldPurpose
	RelatedID  string
	Status     HoldStatus
	CreatedAt  time.Time
	SettledAt  *time.Time
	ReleasedAt *time.Time
}

// SpendProfile tracks the lifetime debit total that drives the tier.
type SpendProfile struct {
	UserID        UserID
	LifetimeSpend Coins
	Tier          Tier
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetWallet(ctx context.Context, userID UserID) (Wallet, error)
	// LockWallet reads the wallet row under a write lock held until the surrounding transaction ends.
	LockWallet(ctx context.Context, userID UserID) (Wallet, error)
	// CreateWallet inserts a zero wallet; an existing row is not an error.
	CreateWallet(ctx context.Context, userID UserID, createdAt time.Time) error
	UpdateWalletBalances(ctx context.Context, userID UserID, balance Coins, heldBalance Coins, updatedAt time.Time) error
	MarkWalletReconciled(ctx context.Context, userID UserID, reconciledAt time.Time) error
	ListWalletUserIDs(ctx context.Context, afterUserID string, limit int) ([]UserID, error)

	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, idempotencyKey IdempotencyKey) (Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
	SumCompletedTransactions(ctx context.Context, userID UserID) (SignedCoins, error)

	InsertHold(ctx context.Context, hold Hold) error
	// GetHold reads a hold under a write lock when called inside a transaction.
	GetHold(ctx context.Context, holdID HoldID) (Hold, error)
	// UpdateHoldStatus moves a hold from one status to another, returning ErrHoldNotActive when no row matched.
	UpdateHoldStatus(ctx context.Context, holdID HoldID, from HoldStatus, to HoldStatus, changedAt time.Time) error
	ListActiveHolds(ctx context.Context, userID UserID) ([]Hold, error)
	ListActiveHoldsCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Hold, error)

	// GetSpendProfile returns a zero starter profile when none was stored.
	GetSpendProfile(ctx context.Context, userID UserID) (SpendProfile, error)
	SaveSpendProfile(ctx context.Context, profile SpendProfile, updatedAt time.Time) error

	InsertAuditRecord(ctx context.Context, record AuditRecord) error
}
