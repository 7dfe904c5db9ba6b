package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TransactionRequest describes one balance movement.
type TransactionRequest struct {
	UserID               UserID
	Amount               SignedCoins
	Type                 TransactionType
	Description          string
	Metadata             MetadataJSON
	IdempotencyKey       *IdempotencyKey
	RelatedTransactionID *TransactionID
}

func (request TransactionRequest) validate() error {
	if request.UserID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Amount == 0 {
		return fmt.Errorf("%w: must not be zero", ErrInvalidAmount)
	}
	if _, ok := knownTransactionTypes[request.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidTransactionType, string(request.Type))
	}
	return nil
}

// CreateTransaction appends a completed transaction and moves the wallet balance in the same unit of work.
// A recorded idempotency key returns the existing transaction without side effects.
func (service *Service) CreateTransaction(ctx context.Context, request TransactionRequest) (Transaction, error) {
	if err := request.validate(); err != nil {
		return Transaction{}, err
	}
	if request.IdempotencyKey != nil {
		existing, found, err := service.findByIdempotencyKey(ctx, *request.IdempotencyKey)
		if err != nil {
			return Transaction{}, err
		}
		if found {
			return existing, nil
		}
	}
	idempotencyKey := service.generateIdempotencyKey(idempotencyPrefixTransaction)
	if request.IdempotencyKey != nil {
		idempotencyKey = *request.IdempotencyKey
	}
	now := service.nowFn().UTC()
	transaction := Transaction{
		ID:                   service.generateTransactionID(),
		UserID:               request.UserID,
		Amount:               request.Amount,
		Type:                 request.Type,
		Status:               TransactionStatusCompleted,
		Description:          strings.TrimSpace(request.Description),
		IdempotencyKey:       idempotencyKey,
		RelatedTransactionID: request.RelatedTransactionID,
		Metadata:             request.Metadata,
		CreatedAt:            now,
	}
	var before, after Wallet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := service.lockOrProvisionWallet(ctx, transactionStore, request.UserID, now)
		if err != nil {
			return err
		}
		updated, err := service.applyTransaction(ctx, transactionStore, wallet, transaction, 0, ErrInsufficientBalance)
		if err != nil {
			return err
		}
		before, after = wallet, updated
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		existing, found, err := service.findByIdempotencyKey(ctx, idempotencyKey)
		if err == nil && found {
			service.logOperation(ctx, OperationLog{
				Operation:      operationCreateTransaction,
				UserID:         request.UserID,
				TransactionID:  existing.ID,
				Amount:         existing.Amount,
				IdempotencyKey: idempotencyKey,
				Status:         operationStatusReplayed,
			})
			return existing, nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationCreateTransaction,
		UserID:         request.UserID,
		TransactionID:  transaction.ID,
		Amount:         request.Amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       request.Metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	service.invalidateBalance(ctx, request.UserID)
	service.recordAudit(ctx, transactionAuditRecord(transaction, before, after, "", ""))
	service.publishEvent(ctx, transactionEvent(transaction, after))
	return transaction, nil
}

// Transactions lists a user's transactions newest first.
func (service *Service) Transactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID, normalizeListLimit(limit))
}

// Transaction looks up one transaction by id.
func (service *Service) Transaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	return service.store.GetTransaction(ctx, transactionID)
}

// TransferRequest moves coins from a payer to a payee as a linked debit/credit pair.
type TransferRequest struct {
	PayerID        UserID
	PayeeID        UserID
	Amount         PositiveCoins
	ChargeType     TransactionType
	EarningsType   TransactionType
	Description    string
	Metadata       MetadataJSON
	IdempotencyKey *IdempotencyKey
}

// TransferResult holds both legs of a transfer.
type TransferResult struct {
	Debit  Transaction
	Credit Transaction
}

func (request TransferRequest) validate() error {
	if request.PayerID.String() == "" || request.PayeeID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.PayerID == request.PayeeID {
		return fmt.Errorf("%w: payer and payee are the same user", ErrInvalidTransfer)
	}
	if request.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	for _, transactionType := range []TransactionType{request.ChargeType, request.EarningsType} {
		if _, ok := knownTransactionTypes[transactionType]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidTransactionType, string(transactionType))
		}
	}
	return nil
}

// TransferCoins debits the payer and credits the payee in one unit of work.
func (service *Service) TransferCoins(ctx context.Context, request TransferRequest) (TransferResult, error) {
	if err := request.validate(); err != nil {
		return TransferResult{}, err
	}
	baseKey := service.generateIdempotencyKey(idempotencyPrefixTransfer)
	if request.IdempotencyKey != nil {
		baseKey = *request.IdempotencyKey
	}
	debitKey := deriveIdempotencyKey(baseKey, idempotencySuffixDebit)
	creditKey := deriveIdempotencyKey(baseKey, idempotencySuffixCredit)
	if request.IdempotencyKey != nil {
		result, found, err := service.findTransfer(ctx, debitKey, creditKey)
		if err != nil || found {
			return result, err
		}
	}

	now := service.nowFn().UTC()
	debitID := service.generateTransactionID()
	creditID := service.generateTransactionID()
	description := strings.TrimSpace(request.Description)
	debit := Transaction{
		ID:                   debitID,
		UserID:               request.PayerID,
		Amount:               -SignedCoins(request.Amount),
		Type:                 request.ChargeType,
		Status:               TransactionStatusCompleted,
		Description:          description,
		IdempotencyKey:       debitKey,
		RelatedTransactionID: &creditID,
		Metadata:             request.Metadata,
		CreatedAt:            now,
	}
	credit := Transaction{
		ID:                   creditID,
		UserID:               request.PayeeID,
		Amount:               SignedCoins(request.Amount),
		Type:                 request.EarningsType,
		Status:               TransactionStatusCompleted,
		Description:          description,
		IdempotencyKey:       creditKey,
		RelatedTransactionID: &debitID,
		Metadata:             request.Metadata,
		CreatedAt:            now,
	}

	wallets := make(map[UserID]Wallet, 2)
	var payerAfter, payeeAfter Wallet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		lockOrder := []UserID{request.PayerID, request.PayeeID}
		sort.Slice(lockOrder, func(left, right int) bool {
			return lockOrder[left].String() < lockOrder[right].String()
		})
		for _, userID := range lockOrder {
			wallet, err := service.lockOrProvisionWallet(ctx, transactionStore, userID, now)
			if err != nil {
				return err
			}
			wallets[userID] = wallet
		}
		var err error
		payerAfter, err = service.applyTransaction(ctx, transactionStore, wallets[request.PayerID], debit, 0, ErrInsufficientBalance)
		if err != nil {
			return err
		}
		payeeAfter, err = service.applyTransaction(ctx, transactionStore, wallets[request.PayeeID], credit, 0, ErrInsufficientBalance)
		return err
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		result, found, err := service.findTransfer(ctx, debitKey, creditKey)
		if err == nil && found {
			return result, nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationTransfer,
		UserID:         request.PayerID,
		TransactionID:  debitID,
		Amount:         debit.Amount,
		IdempotencyKey: baseKey,
		Metadata:       request.Metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return TransferResult{}, operationError
	}
	service.invalidateBalance(ctx, request.PayerID)
	service.invalidateBalance(ctx, request.PayeeID)
	service.recordAudit(ctx, transactionAuditRecord(debit, wallets[request.PayerID], payerAfter, request.PayeeID.String(), ""))
	service.recordAudit(ctx, transactionAuditRecord(credit, wallets[request.PayeeID], payeeAfter, request.PayerID.String(), ""))
	service.publishEvent(ctx, transactionEvent(debit, payerAfter))
	service.publishEvent(ctx, transactionEvent(credit, payeeAfter))
	return TransferResult{Debit: debit, Credit: credit}, nil
}

func (service *Service) findTransfer(ctx context.Context, debitKey IdempotencyKey, creditKey IdempotencyKey) (TransferResult, bool, error) {
	debit, found, err := service.findByIdempotencyKey(ctx, debitKey)
	if err != nil || !found {
		return TransferResult{}, false, err
	}
	credit, found, err := service.findByIdempotencyKey(ctx, creditKey)
	if err != nil {
		return TransferResult{}, false, err
	}
	if !found {
		return TransferResult{}, false, WrapError("service", "transfer", "missing_credit", ErrTransactionNotFound)
	}
	return TransferResult{Debit: debit, Credit: credit}, true, nil
}

// RefundTransaction credits back a completed debit at most once. The refund is always keyed
// "refund:<transaction id>"; a caller key is kept in metadata only, so any number of caller keys
// replay the same refund.
func (service *Service) RefundTransaction(ctx context.Context, transactionID TransactionID, idempotencyKey *IdempotencyKey) (Transaction, error) {
	refundKey := refundIdempotencyKey(transactionID)
	existing, found, err := service.findByIdempotencyKey(ctx, refundKey)
	if err != nil {
		return Transaction{}, err
	}
	if found {
		return existing, nil
	}
	original, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationRefund, TransactionID: transactionID, Error: err})
		return Transaction{}, err
	}
	if !original.Amount.IsDebit() || original.Status != TransactionStatusCompleted {
		err := fmt.Errorf("%w: %s is not a completed debit", ErrInvalidRefund, transactionID.String())
		service.logOperation(ctx, OperationLog{Operation: operationRefund, UserID: original.UserID, TransactionID: transactionID, Error: err})
		return Transaction{}, err
	}
	originalID := original.ID
	return service.CreateTransaction(ctx, TransactionRequest{
		UserID:               original.UserID,
		Amount:               SignedCoins(original.Amount.Abs()),
		Type:                 TransactionTypeRefund,
		Description:          "Refund of " + string(original.Type),
		Metadata:             metadataFromFields(refundMetadata(originalID, idempotencyKey)),
		IdempotencyKey:       &refundKey,
		RelatedTransactionID: &originalID,
	})
}

func refundIdempotencyKey(transactionID TransactionID) IdempotencyKey {
	return IdempotencyKey{value: idempotencyPrefixRefund + idempotencyKeyDelimiter + transactionID.String()}
}

func refundMetadata(originalID TransactionID, requestKey *IdempotencyKey) map[string]string {
	fields := map[string]string{metadataKeyRefundedTransactionID: originalID.String()}
	if requestKey != nil {
		fields[metadataKeyRequestIdempotencyKey] = requestKey.String()
	}
	return fields
}
