package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	pgCheckViolationCode       = "23514"
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintCheck      = 275
	sqliteConstraintCode       = 19
	lockStrengthUpdate         = "UPDATE"
	errorOperationStore        = "store"
	errorSubjectWallet         = "wallet"
	errorSubjectTransaction    = "transaction"
	errorSubjectHold           = "hold"
	errorSubjectSpendProfile   = "spend_profile"
	errorSubjectAudit          = "audit"
	errorSubjectSchema         = "schema"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLock              = "lock"
	errorCodeLookup            = "lookup"
	errorCodeMigrate           = "migrate"
	errorCodeSave              = "save"
	errorCodeSum               = "sum"
	errorCodeUpdate            = "update"
	errorCodeUpdateStatus      = "update_status"
	errorCodeConstraint        = "constraint"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table the store uses.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.takeWallet(store.db.WithContext(ctx), userID, errorCodeGet)
}

// LockWallet takes a row lock; SQLite ignores the locking clause and serializes writers instead.
func (store *Store) LockWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.takeWallet(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockStrengthUpdate}), userID, errorCodeLock)
}

func (store *Store) takeWallet(query *gorm.DB, userID ledger.UserID, code string) (ledger.Wallet, error) {
	var model Wallet
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, code, ledger.ErrWalletNotFound)
		}
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	wallet, err := mapWallet(model)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store *Store) CreateWallet(ctx context.Context, userID ledger.UserID, createdAt time.Time) error {
	model := Wallet{UserID: userID.String(), CreatedAt: createdAt, UpdatedAt: createdAt}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateWalletBalances(ctx context.Context, userID ledger.UserID, balance ledger.Coins, heldBalance ledger.Coins, updatedAt time.Time) error {
	err := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]any{
			"balance":      balance.Int64(),
			"held_balance": heldBalance.Int64(),
			"updated_at":   updatedAt,
		}).Error
	if isCheckViolation(err) {
		return wrapStoreError(errorSubjectWallet, errorCodeConstraint, ledger.ErrInvalidBalance)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) MarkWalletReconciled(ctx context.Context, userID ledger.UserID, reconciledAt time.Time) error {
	err := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", userID.String()).
		Update("last_reconciled_at", reconciledAt).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListWalletUserIDs(ctx context.Context, afterUserID string, limit int) ([]ledger.UserID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Pluck("user_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	userIDs := make([]ledger.UserID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		userID, err := ledger.NewUserID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	var relatedID *string
	if transaction.RelatedTransactionID != nil {
		value := transaction.RelatedTransactionID.String()
		relatedID = &value
	}
	model := Transaction{
		ID:                   transaction.ID.String(),
		UserID:               transaction.UserID.String(),
		Amount:               transaction.Amount.Int64(),
		Type:                 string(transaction.Type),
		Status:               string(transaction.Status),
		Description:          transaction.Description,
		IdempotencyKey:       transaction.IdempotencyKey.String(),
		RelatedTransactionID: relatedID,
		Metadata:             datatypesJSON(transaction.Metadata.String()),
		CreatedAt:            transaction.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	return store.takeTransaction(ctx, "id = ?", transactionID.String(), errorCodeGet)
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, idempotencyKey ledger.IdempotencyKey) (ledger.Transaction, error) {
	return store.takeTransaction(ctx, "idempotency_key = ?", idempotencyKey.String(), errorCodeLookup)
}

func (store *Store) takeTransaction(ctx context.Context, condition string, value string, code string) (ledger.Transaction, error) {
	var model Transaction
	err := store.db.WithContext(ctx).Where(condition, value).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, code, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, code, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumCompletedTransactions(ctx context.Context, userID ledger.UserID) (ledger.SignedCoins, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND status = ?", userID.String(), string(ledger.TransactionStatusCompleted)).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return ledger.SignedCoins(sum.Total), nil
}

func (store *Store) InsertHold(ctx context.Context, hold ledger.Hold) error {
	var relatedID *string
	if hold.RelatedID != "" {
		value := hold.RelatedID
		relatedID = &value
	}
	model := Hold{
		ID:        hold.ID.String(),
		UserID:    hold.UserID.String(),
		Amount:    hold.Amount.Int64(),
		Purpose:   string(hold.Purpose),
		RelatedID: relatedID,
		Status:    string(hold.Status),
		CreatedAt: hold.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetHold(ctx context.Context, holdID ledger.HoldID) (ledger.Hold, error) {
	var model Hold
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockStrengthUpdate}).
		Where("id = ?", holdID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, ledger.ErrHoldNotFound)
		}
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	hold, err := mapHold(model)
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return hold, nil
}

func (store *Store) UpdateHoldStatus(ctx context.Context, holdID ledger.HoldID, from ledger.HoldStatus, to ledger.HoldStatus, changedAt time.Time) error {
	updates := map[string]any{"status": string(to)}
	switch to {
	case ledger.HoldStatusSettled:
		updates["settled_at"] = changedAt
	case ledger.HoldStatusReleased:
		updates["released_at"] = changedAt
	}
	result := store.db.WithContext(ctx).
		Model(&Hold{}).
		Where("id = ? AND status = ?", holdID.String(), string(from)).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, ledger.ErrHoldNotActive)
	}
	return nil
}

func (store *Store) ListActiveHolds(ctx context.Context, userID ledger.UserID) ([]ledger.Hold, error) {
	var rows []Hold
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID.String(), string(ledger.HoldStatusActive)).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	return mapHolds(rows)
}

func (store *Store) ListActiveHoldsCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Hold, error) {
	var rows []Hold
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(ledger.HoldStatusActive), cutoff.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	return mapHolds(rows)
}

func (store *Store) GetSpendProfile(ctx context.Context, userID ledger.UserID) (ledger.SpendProfile, error) {
	var model SpendProfile
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.SpendProfile{UserID: userID, Tier: ledger.TierStarter}, nil
	}
	if err != nil {
		return ledger.SpendProfile{}, wrapStoreError(errorSubjectSpendProfile, errorCodeGet, err)
	}
	lifetimeSpend, err := ledger.NewCoins(model.LifetimeSpend)
	if err != nil {
		return ledger.SpendProfile{}, wrapStoreError(errorSubjectSpendProfile, errorCodeInvalid, err)
	}
	return ledger.SpendProfile{UserID: userID, LifetimeSpend: lifetimeSpend, Tier: ledger.Tier(model.Tier)}, nil
}

func (store *Store) SaveSpendProfile(ctx context.Context, profile ledger.SpendProfile, updatedAt time.Time) error {
	model := SpendProfile{
		UserID:        profile.UserID.String(),
		LifetimeSpend: profile.LifetimeSpend.Int64(),
		Tier:          string(profile.Tier),
		UpdatedAt:     updatedAt,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"lifetime_spend", "tier", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSpendProfile, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertAuditRecord(ctx context.Context, record ledger.AuditRecord) error {
	model := AuditLog{
		EventType:     string(record.EventType),
		ActorID:       record.ActorID.String(),
		TargetID:      optionalString(record.TargetID),
		Amount:        record.Amount.Int64(),
		BalanceBefore: record.BalanceBefore.Int64(),
		BalanceAfter:  record.BalanceAfter.Int64(),
		TransactionID: optionalString(record.TransactionID),
		HoldID:        optionalString(record.HoldID),
		Metadata:      datatypesJSON(record.Metadata.String()),
		CreatedAt:     record.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapWallet(row Wallet) (ledger.Wallet, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	balance, err := ledger.NewCoins(row.Balance)
	if err != nil {
		return ledger.Wallet{}, err
	}
	heldBalance, err := ledger.NewCoins(row.HeldBalance)
	if err != nil {
		return ledger.Wallet{}, err
	}
	return ledger.NewWallet(userID, balance, heldBalance, row.LastReconciledAt, row.CreatedAt)
}

func mapTransaction(row Transaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.ID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var relatedID *ledger.TransactionID
	if row.RelatedTransactionID != nil {
		parsedRelatedID, err := ledger.NewTransactionID(*row.RelatedTransactionID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		relatedID = &parsedRelatedID
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:                   transactionID,
		UserID:               userID,
		Amount:               ledger.SignedCoins(row.Amount),
		Type:                 transactionType,
		Status:               status,
		Description:          row.Description,
		IdempotencyKey:       idempotencyKey,
		RelatedTransactionID: relatedID,
		Metadata:             metadata,
		CreatedAt:            row.CreatedAt.UTC(),
	}, nil
}

func mapHold(row Hold) (ledger.Hold, error) {
	holdID, err := ledger.NewHoldID(row.ID)
	if err != nil {
		return ledger.Hold{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Hold{}, err
	}
	amount, err := ledger.NewPositiveCoins(row.Amount)
	if err != nil {
		return ledger.Hold{}, err
	}
	purpose, err := ledger.ParseHoldPurpose(row.Purpose)
	if err != nil {
		return ledger.Hold{}, err
	}
	status, err := ledger.ParseHoldStatus(row.Status)
	if err != nil {
		return ledger.Hold{}, err
	}
	relatedID := ""
	if row.RelatedID != nil {
		relatedID = *row.RelatedID
	}
	return ledger.Hold{
		ID:         holdID,
		UserID:     userID,
		Amount:     amount,
		Purpose:    purpose,
		RelatedID:  relatedID,
		Status:     status,
		CreatedAt:  row.CreatedAt.UTC(),
		SettledAt:  row.SettledAt,
		ReleasedAt: row.ReleasedAt,
	}, nil
}

func mapHolds(rows []Hold) ([]ledger.Hold, error) {
	holds := make([]ledger.Hold, 0, len(rows))
	for _, row := range rows {
		hold, err := mapHold(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
		}
		holds = append(holds, hold)
	}
	return holds, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey {
			return true
		}
		return code&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), "UNIQUE")
	}
	return false
}

func isCheckViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgCheckViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqliteConstraintCheck {
			return true
		}
		return code&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), "CHECK")
	}
	return false
}
