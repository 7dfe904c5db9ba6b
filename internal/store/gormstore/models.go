package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table. The CHECK constraints back the service-level balance invariants.
type Wallet struct {
	UserID           string     `gorm:"primaryKey;size:191"`
	Balance          int64      `gorm:"not null;default:0;check:chk_wallets_balance_non_negative,balance >= 0"`
	HeldBalance      int64      `gorm:"not null;default:0;check:chk_wallets_held_within_balance,held_balance >= 0 AND held_balance <= balance"`
	LastReconciledAt *time.Time `gorm:""`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// Transaction mirrors the transactions table.
type Transaction struct {
	ID                   string         `gorm:"primaryKey;size:36"`
	UserID               string         `gorm:"size:191;not null;index:idx_transactions_user_created,priority:1"`
	Amount               int64          `gorm:"not null"`
	Type                 string         `gorm:"size:64;not null"`
	Status               string         `gorm:"size:16;not null"`
	Description          string         `gorm:"size:512;not null;default:''"`
	IdempotencyKey       string         `gorm:"size:191;not null;uniqueIndex:uniq_transactions_idempotency_key"`
	RelatedTransactionID *string        `gorm:"size:36;index"`
	Metadata             datatypes.JSON `gorm:"not null"`
	CreatedAt            time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// Hold mirrors the holds table.
type Hold struct {
	ID         string     `gorm:"primaryKey;size:36"`
	UserID     string     `gorm:"size:191;not null;index:idx_holds_user_status,priority:1"`
	Amount     int64      `gorm:"not null;check:chk_holds_amount_positive,amount > 0"`
	Purpose    string     `gorm:"size:64;not null"`
	RelatedID  *string    `gorm:"size:191;index"`
	Status     string     `gorm:"size:16;not null;index:idx_holds_user_status,priority:2;index:idx_holds_status_created,priority:1"`
	CreatedAt  time.Time  `gorm:"not null;index:idx_holds_status_created,priority:2"`
	SettledAt  *time.Time `gorm:""`
	ReleasedAt *time.Time `gorm:""`
}

func (Hold) TableName() string { return "holds" }

func (hold *Hold) BeforeCreate(tx *gorm.DB) error {
	if hold.ID == "" {
		hold.ID = uuid.NewString()
	}
	return nil
}

// SpendProfile mirrors the spend_profiles table.
type SpendProfile struct {
	UserID        string    `gorm:"primaryKey;size:191"`
	LifetimeSpend int64     `gorm:"not null;default:0;check:chk_spend_profiles_non_negative,lifetime_spend >= 0"`
	Tier          string    `gorm:"size:16;not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (SpendProfile) TableName() string { return "spend_profiles" }

// AuditLog mirrors the wallet_audit_logs table.
type AuditLog struct {
	ID            string         `gorm:"primaryKey;size:36"`
	EventType     string         `gorm:"size:64;not null;index"`
	ActorID       string         `gorm:"size:191;not null;index:idx_audit_actor_created,priority:1"`
	TargetID      *string        `gorm:"size:191"`
	Amount        int64          `gorm:"not null"`
	BalanceBefore int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	TransactionID *string        `gorm:"size:36;index"`
	HoldID        *string        `gorm:"size:36;index"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_audit_actor_created,priority:2"`
}

func (AuditLog) TableName() string { return "wallet_audit_logs" }

func (auditLog *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if auditLog.ID == "" {
		auditLog.ID = uuid.NewString()
	}
	return nil
}

// Models lists every table the store migrates.
func Models() []any {
	return []any{&Wallet{}, &Transaction{}, &Hold{}, &SpendProfile{}, &AuditLog{}}
}
