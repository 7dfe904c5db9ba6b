package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	constraintIdempotencyKey = "uniq_transactions_idempotency_key"
	pgUniqueViolationCode    = "23505"
	pgCheckViolationCode     = "23514"
	errorOperationStore      = "store"
	errorSubjectWallet       = "wallet"
	errorSubjectTransaction  = "transaction"
	errorSubjectHold         = "hold"
	errorSubjectSpendProfile = "spend_profile"
	errorSubjectAudit        = "audit"
	errorSubjectSchema       = "schema"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeConstraint      = "constraint"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLock            = "lock"
	errorCodeLookup          = "lookup"
	errorCodeMigrate         = "migrate"
	errorCodeSave            = "save"
	errorCodeSum             = "sum"
	errorCodeUpdate          = "update"
	errorCodeUpdateStatus    = "update_status"

	sqlSelectWallet = `
		select user_id, balance, held_balance, last_reconciled_at, created_at
		from wallets
		where user_id = $1
	`

	sqlLockWallet = sqlSelectWallet + ` for update`

	sqlInsertWallet = `
		insert into wallets(user_id, balance, held_balance, created_at, updated_at)
		values ($1, 0, 0, $2, $2)
		on conflict (user_id) do nothing
	`

	sqlUpdateWalletBalances = `
		update wallets set balance = $2, held_balance = $3, updated_at = $4
		where user_id = $1
	`

	sqlMarkWalletReconciled = `
		update wallets set last_reconciled_at = $2 where user_id = $1
	`

	sqlListWalletUserIDs = `
		select user_id from wallets
		where user_id > $1
		order by user_id asc
		limit $2
	`

	sqlInsertTransaction = `
		insert into transactions(
			id, user_id, amount, type, status, description, idempotency_key, related_transaction_id, metadata, created_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''), coalesce(nullif($9, ''), '{}')::jsonb, $10)
	`

	sqlTransactionColumns = `
		select id, user_id, amount, type, status, description, idempotency_key,
			coalesce(related_transaction_id, ''), coalesce(metadata::text, '{}'), created_at
		from transactions
	`

	sqlSelectTransaction = sqlTransactionColumns + ` where id = $1`

	sqlSelectTransactionByKey = sqlTransactionColumns + ` where idempotency_key = $1`

	sqlListTransactions = sqlTransactionColumns + `
		where user_id = $1
		order by created_at desc, id desc
		limit $2
	`

	sqlSumCompleted = `
		select coalesce(sum(amount), 0) from transactions
		where user_id = $1 and status = $2
	`

	sqlInsertHold = `
		insert into holds(id, user_id, amount, purpose, related_id, status, created_at)
		values ($1, $2, $3, $4, nullif($5, ''), $6, $7)
	`

	sqlHoldColumns = `
		select id, user_id, amount, purpose, coalesce(related_id, ''), status, created_at, settled_at, released_at
		from holds
	`

	sqlLockHold = sqlHoldColumns + ` where id = $1 for update`

	sqlListActiveHolds = sqlHoldColumns + `
		where user_id = $1 and status = $2
		order by created_at asc, id asc
	`

	sqlListActiveHoldsBefore = sqlHoldColumns + `
		where status = $1 and created_at < $2
		order by created_at asc
		limit $3
	`

	sqlSettleHold = `
		update holds set status = $3, settled_at = $4
		where id = $1 and status = $2
	`

	sqlReleaseHold = `
		update holds set status = $3, released_at = $4
		where id = $1 and status = $2
	`

	sqlSelectSpendProfile = `
		select lifetime_spend, tier from spend_profiles where user_id = $1
	`

	sqlUpsertSpendProfile = `
		insert into spend_profiles(user_id, lifetime_spend, tier, updated_at)
		values ($1, $2, $3, $4)
		on conflict (user_id) do update
		set lifetime_spend = excluded.lifetime_spend, tier = excluded.tier, updated_at = excluded.updated_at
	`

	sqlInsertAuditLog = `
		insert into wallet_audit_logs(
			event_type, actor_id, target_id, amount, balance_before, balance_after, transaction_id, hold_id, metadata, created_at
		)
		values ($1, $2, nullif($3, ''), $4, $5, $6, nullif($7, ''), nullif($8, ''), coalesce(nullif($9, ''), '{}')::jsonb, $10)
	`
)

// queryer is the subset of pgx shared by the pool and an open transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

type queries struct {
	db queryer
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.scanWallet(ctx, sqlSelectWallet, userID, errorCodeGet)
}

func (store queries) LockWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.scanWallet(ctx, sqlLockWallet, userID, errorCodeLock)
}

func (store queries) scanWallet(ctx context.Context, query string, userID ledger.UserID, code string) (ledger.Wallet, error) {
	var (
		userIDValue      string
		balanceValue     int64
		heldValue        int64
		lastReconciledAt *time.Time
		createdAt        time.Time
	)
	err := store.db.QueryRow(ctx, query, userID.String()).Scan(&userIDValue, &balanceValue, &heldValue, &lastReconciledAt, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, code, ledger.ErrWalletNotFound)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	wallet, err := buildWallet(userIDValue, balanceValue, heldValue, lastReconciledAt, createdAt)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store queries) CreateWallet(ctx context.Context, userID ledger.UserID, createdAt time.Time) error {
	if _, err := store.db.Exec(ctx, sqlInsertWallet, userID.String(), createdAt.UTC()); err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store queries) UpdateWalletBalances(ctx context.Context, userID ledger.UserID, balance ledger.Coins, heldBalance ledger.Coins, updatedAt time.Time) error {
	_, err := store.db.Exec(ctx, sqlUpdateWalletBalances, userID.String(), balance.Int64(), heldBalance.Int64(), updatedAt.UTC())
	if isCheckViolation(err) {
		return wrapStoreError(errorSubjectWallet, errorCodeConstraint, ledger.ErrInvalidBalance)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	return nil
}

func (store queries) MarkWalletReconciled(ctx context.Context, userID ledger.UserID, reconciledAt time.Time) error {
	if _, err := store.db.Exec(ctx, sqlMarkWalletReconciled, userID.String(), reconciledAt.UTC()); err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	return nil
}

func (store queries) ListWalletUserIDs(ctx context.Context, afterUserID string, limit int) ([]ledger.UserID, error) {
	rows, err := store.db.Query(ctx, sqlListWalletUserIDs, afterUserID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	defer rows.Close()
	userIDs := make([]ledger.UserID, 0, limit)
	for rows.Next() {
		var rawID string
		if err := rows.Scan(&rawID); err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
		}
		userID, err := ledger.NewUserID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return userIDs, nil
}

func (store queries) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	relatedID := ""
	if transaction.RelatedTransactionID != nil {
		relatedID = transaction.RelatedTransactionID.String()
	}
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.UserID.String(),
		transaction.Amount.Int64(),
		string(transaction.Type),
		string(transaction.Status),
		transaction.Description,
		transaction.IdempotencyKey.String(),
		relatedID,
		transaction.Metadata.String(),
		transaction.CreatedAt.UTC(),
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store queries) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	return store.selectTransaction(ctx, sqlSelectTransaction, transactionID.String(), errorCodeGet)
}

func (store queries) FindTransactionByIdempotencyKey(ctx context.Context, idempotencyKey ledger.IdempotencyKey) (ledger.Transaction, error) {
	return store.selectTransaction(ctx, sqlSelectTransactionByKey, idempotencyKey.String(), errorCodeLookup)
}

func (store queries) selectTransaction(ctx context.Context, query string, value string, code string) (ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, query, value)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, code, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	if len(transactions) == 0 {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, code, ledger.ErrTransactionNotFound)
	}
	return transactions[0], nil
}

func (store queries) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store queries) SumCompletedTransactions(ctx context.Context, userID ledger.UserID) (ledger.SignedCoins, error) {
	var total int64
	if err := store.db.QueryRow(ctx, sqlSumCompleted, userID.String(), string(ledger.TransactionStatusCompleted)).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return ledger.SignedCoins(total), nil
}

func (store queries) InsertHold(ctx context.Context, hold ledger.Hold) error {
	_, err := store.db.Exec(ctx, sqlInsertHold,
		hold.ID.String(),
		hold.UserID.String(),
		hold.Amount.Int64(),
		string(hold.Purpose),
		hold.RelatedID,
		string(hold.Status),
		hold.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeInsert, err)
	}
	return nil
}

func (store queries) GetHold(ctx context.Context, holdID ledger.HoldID) (ledger.Hold, error) {
	rows, err := store.db.Query(ctx, sqlLockHold, holdID.String())
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	defer rows.Close()
	holds, err := scanHolds(rows)
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	if len(holds) == 0 {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, ledger.ErrHoldNotFound)
	}
	return holds[0], nil
}

func (store queries) UpdateHoldStatus(ctx context.Context, holdID ledger.HoldID, from ledger.HoldStatus, to ledger.HoldStatus, changedAt time.Time) error {
	query := sqlReleaseHold
	if to == ledger.HoldStatusSettled {
		query = sqlSettleHold
	}
	tag, err := store.db.Exec(ctx, query, holdID.String(), string(from), string(to), changedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, ledger.ErrHoldNotActive)
	}
	return nil
}

func (store queries) ListActiveHolds(ctx context.Context, userID ledger.UserID) ([]ledger.Hold, error) {
	rows, err := store.db.Query(ctx, sqlListActiveHolds, userID.String(), string(ledger.HoldStatusActive))
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	defer rows.Close()
	holds, err := scanHolds(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	return holds, nil
}

func (store queries) ListActiveHoldsCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Hold, error) {
	rows, err := store.db.Query(ctx, sqlListActiveHoldsBefore, string(ledger.HoldStatusActive), cutoff.UTC(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	defer rows.Close()
	holds, err := scanHolds(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	return holds, nil
}

func (store queries) GetSpendProfile(ctx context.Context, userID ledger.UserID) (ledger.SpendProfile, error) {
	var (
		lifetimeValue int64
		tierValue     string
	)
	err := store.db.QueryRow(ctx, sqlSelectSpendProfile, userID.String()).Scan(&lifetimeValue, &tierValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.SpendProfile{UserID: userID, Tier: ledger.TierStarter}, nil
	}
	if err != nil {
		return ledger.SpendProfile{}, wrapStoreError(errorSubjectSpendProfile, errorCodeGet, err)
	}
	lifetimeSpend, err := ledger.NewCoins(lifetimeValue)
	if err != nil {
		return ledger.SpendProfile{}, wrapStoreError(errorSubjectSpendProfile, errorCodeInvalid, err)
	}
	return ledger.SpendProfile{UserID: userID, LifetimeSpend: lifetimeSpend, Tier: ledger.Tier(tierValue)}, nil
}

func (store queries) SaveSpendProfile(ctx context.Context, profile ledger.SpendProfile, updatedAt time.Time) error {
	_, err := store.db.Exec(ctx, sqlUpsertSpendProfile, profile.UserID.String(), profile.LifetimeSpend.Int64(), string(profile.Tier), updatedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectSpendProfile, errorCodeSave, err)
	}
	return nil
}

func (store queries) InsertAuditRecord(ctx context.Context, record ledger.AuditRecord) error {
	_, err := store.db.Exec(ctx, sqlInsertAuditLog,
		string(record.EventType),
		record.ActorID.String(),
		record.TargetID,
		record.Amount.Int64(),
		record.BalanceBefore.Int64(),
		record.BalanceAfter.Int64(),
		record.TransactionID,
		record.HoldID,
		record.Metadata.String(),
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func buildWallet(userIDValue string, balanceValue int64, heldValue int64, lastReconciledAt *time.Time, createdAt time.Time) (ledger.Wallet, error) {
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Wallet{}, err
	}
	balance, err := ledger.NewCoins(balanceValue)
	if err != nil {
		return ledger.Wallet{}, err
	}
	heldBalance, err := ledger.NewCoins(heldValue)
	if err != nil {
		return ledger.Wallet{}, err
	}
	return ledger.NewWallet(userID, balance, heldBalance, lastReconciledAt, createdAt.UTC())
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 16)
	for rows.Next() {
		var (
			idValue          string
			userIDValue      string
			amountValue      int64
			typeValue        string
			statusValue      string
			descriptionValue string
			idempotencyValue string
			relatedValue     string
			metadataValue    string
			createdAt        time.Time
		)
		if err := rows.Scan(
			&idValue,
			&userIDValue,
			&amountValue,
			&typeValue,
			&statusValue,
			&descriptionValue,
			&idempotencyValue,
			&relatedValue,
			&metadataValue,
			&createdAt,
		); err != nil {
			return nil, err
		}
		transactionID, err := ledger.NewTransactionID(idValue)
		if err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		transactionType, err := ledger.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		status, err := ledger.ParseTransactionStatus(statusValue)
		if err != nil {
			return nil, err
		}
		idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return nil, err
		}
		var relatedID *ledger.TransactionID
		if relatedValue != "" {
			parsedRelatedID, err := ledger.NewTransactionID(relatedValue)
			if err != nil {
				return nil, err
			}
			relatedID = &parsedRelatedID
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, ledger.Transaction{
			ID:                   transactionID,
			UserID:               userID,
			Amount:               ledger.SignedCoins(amountValue),
			Type:                 transactionType,
			Status:               status,
			Description:          descriptionValue,
			IdempotencyKey:       idempotencyKey,
			RelatedTransactionID: relatedID,
			Metadata:             metadata,
			CreatedAt:            createdAt.UTC(),
		})
	}
	return transactions, rows.Err()
}

func scanHolds(rows pgx.Rows) ([]ledger.Hold, error) {
	holds := make([]ledger.Hold, 0, 8)
	for rows.Next() {
		var (
			idValue      string
			userIDValue  string
			amountValue  int64
			purposeValue string
			relatedValue string
			statusValue  string
			createdAt    time.Time
			settledAt    *time.Time
			releasedAt   *time.Time
		)
		if err := rows.Scan(&idValue, &userIDValue, &amountValue, &purposeValue, &relatedValue, &statusValue, &createdAt, &settledAt, &releasedAt); err != nil {
			return nil, err
		}
		holdID, err := ledger.NewHoldID(idValue)
		if err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewPositiveCoins(amountValue)
		if err != nil {
			return nil, err
		}
		purpose, err := ledger.ParseHoldPurpose(purposeValue)
		if err != nil {
			return nil, err
		}
		status, err := ledger.ParseHoldStatus(statusValue)
		if err != nil {
			return nil, err
		}
		holds = append(holds, ledger.Hold{
			ID:         holdID,
			UserID:     userID,
			Amount:     amount,
			Purpose:    purpose,
			RelatedID:  relatedValue,
			Status:     status,
			CreatedAt:  createdAt.UTC(),
			SettledAt:  settledAt,
			ReleasedAt: releasedAt,
		})
	}
	return holds, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintIdempotencyKey
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgCheckViolationCode
	}
	return false
}
