package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInsufficientBalance        = "insufficient_balance"
	errorInsufficientBalanceForHold = "insufficient_balance_for_hold"
	errorHoldNotFound               = "hold_not_found"
	errorHoldNotActive              = "hold_not_active"
	errorTransactionNotFound        = "transaction_not_found"
	errorWalletNotFound             = "wallet_not_found"
	errorDuplicateIdempotencyKey    = "duplicate_idempotency_key"
	errorInvalidUserID              = "invalid_user_id"
	errorInvalidHoldID              = "invalid_hold_id"
	errorInvalidTransactionID       = "invalid_transaction_id"
	errorInvalidIdempotencyKey      = "invalid_idempotency_key"
	errorInvalidAmount              = "invalid_amount"
	errorInvalidTransactionType     = "invalid_transaction_type"
	errorInvalidHoldPurpose         = "invalid_hold_purpose"
	errorInvalidMetadata            = "invalid_metadata_json"
	errorInvalidListLimit           = "invalid_list_limit"
	errorInvalidArgument            = "invalid_argument"
	errorWalletProvisioning         = "wallet_provisioning_failed"

	fieldUserID               = "user_id"
	fieldHoldID               = "hold_id"
	fieldTransactionID        = "transaction_id"
	fieldRelatedTransactionID = "related_transaction_id"
	fieldAmount               = "amount"
	fieldType                 = "type"
	fieldStatus               = "status"
	fieldPurpose              = "purpose"
	fieldRelatedID            = "related_id"
	fieldDescription          = "description"
	fieldMetadataJSON         = "metadata_json"
	fieldIdempotencyKey       = "idempotency_key"
	fieldLimit                = "limit"
	fieldBalance              = "balance"
	fieldHeldBalance          = "held_balance"
	fieldAvailable            = "available"
	fieldExpected             = "expected"
	fieldDifference           = "difference"
	fieldCreatedAt            = "created_at"
	fieldSettledAt            = "settled_at"
	fieldReleasedAt           = "released_at"
	fieldTransactions         = "transactions"

	defaultListTransactionsLimit = 50
	maxListTransactionsLimit     = 200

	// float64 carries integers exactly up to 2^53.
	maxExactInteger = 1 << 53
)

// WalletServer exposes the coin ledger over gRPC.
type WalletServer struct {
	walletService *ledger.Service
}

// NewWalletServer constructs a gRPC server for the ledger service.
func NewWalletServer(walletService *ledger.Service) *WalletServer {
	return &WalletServer{walletService: walletService}
}

func (server *WalletServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	wallet, operationError := server.walletService.Wallet(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(map[string]any{
		fieldUserID:      userID.String(),
		fieldBalance:     wallet.Balance.Int64(),
		fieldHeldBalance: wallet.HeldBalance.Int64(),
		fieldAvailable:   wallet.Available().Int64(),
	})
}

func (server *WalletServer) GetAvailableBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	available, operationError := server.walletService.AvailableBalance(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(map[string]any{
		fieldUserID:    userID.String(),
		fieldAvailable: available.Int64(),
	})
}

func (server *WalletServer) CreateTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, _, err := integerField(request, fieldAmount)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	signedAmount, err := ledger.NewSignedCoins(amount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionType, err := ledger.ParseTransactionType(stringField(request, fieldType))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, fieldMetadataJSON))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionRequest := ledger.TransactionRequest{
		UserID:      userID,
		Amount:      signedAmount,
		Type:        transactionType,
		Description: stringField(request, fieldDescription),
		Metadata:    metadata,
	}
	if rawKey := stringField(request, fieldIdempotencyKey); rawKey != "" {
		idempotencyKey, err := ledger.NewIdempotencyKey(rawKey)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
		transactionRequest.IdempotencyKey = &idempotencyKey
	}
	if rawRelated := stringField(request, fieldRelatedTransactionID); rawRelated != "" {
		relatedID, err := ledger.NewTransactionID(rawRelated)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
		transactionRequest.RelatedTransactionID = &relatedID
	}
	transaction, operationError := server.walletService.CreateTransaction(ctx, transactionRequest)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(transactionFields(transaction))
}

func (server *WalletServer) CreateHold(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, _, err := integerField(request, fieldAmount)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	positiveAmount, err := ledger.NewPositiveCoins(amount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	purpose, err := ledger.ParseHoldPurpose(stringField(request, fieldPurpose))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	hold, operationError := server.walletService.CreateHold(ctx, ledger.HoldRequest{
		UserID:    userID,
		Amount:    positiveAmount,
		Purpose:   purpose,
		RelatedID: stringField(request, fieldRelatedID),
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(holdFields(hold))
}

func (server *WalletServer) SettleHold(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	holdID, err := ledger.NewHoldID(stringField(request, fieldHoldID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, present, err := integerField(request, fieldAmount)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	var amountToSettle *int64
	if present {
		amountToSettle = &amount
	}
	transaction, operationError := server.walletService.SettleHold(ctx, holdID, amountToSettle)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(transactionFields(transaction))
}

func (server *WalletServer) ReleaseHold(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	holdID, err := ledger.NewHoldID(stringField(request, fieldHoldID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := server.walletService.ReleaseHold(ctx, holdID); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	hold, operationError := server.walletService.Hold(ctx, holdID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(holdFields(hold))
}

func (server *WalletServer) ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawLimit, _, err := integerField(request, fieldLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	limit, err := normalizeListLimit(rawLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	transactions, operationError := server.walletService.Transactions(ctx, userID, limit)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	items := make([]any, 0, len(transactions))
	for _, transaction := range transactions {
		items = append(items, transactionFields(transaction))
	}
	return newResponse(map[string]any{
		fieldUserID:       userID.String(),
		fieldTransactions: items,
	})
}

func (server *WalletServer) ReconcileWallet(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	report, operationError := server.walletService.ReconcileWallet(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(map[string]any{
		fieldUserID:     report.UserID.String(),
		fieldStatus:     string(report.Status),
		fieldBalance:    report.Balance.Int64(),
		fieldExpected:   report.Expected.Int64(),
		fieldDifference: report.Difference.Int64(),
	})
}

func newResponse(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func transactionFields(transaction ledger.Transaction) map[string]any {
	fields := map[string]any{
		fieldTransactionID:  transaction.ID.String(),
		fieldUserID:         transaction.UserID.String(),
		fieldAmount:         transaction.Amount.Int64(),
		fieldType:           string(transaction.Type),
		fieldStatus:         string(transaction.Status),
		fieldDescription:    transaction.Description,
		fieldIdempotencyKey: transaction.IdempotencyKey.String(),
		fieldMetadataJSON:   transaction.Metadata.String(),
		fieldCreatedAt:      formatTime(transaction.CreatedAt),
	}
	if transaction.RelatedTransactionID != nil {
		fields[fieldRelatedTransactionID] = transaction.RelatedTransactionID.String()
	}
	return fields
}

func holdFields(hold ledger.Hold) map[string]any {
	fields := map[string]any{
		fieldHoldID:    hold.ID.String(),
		fieldUserID:    hold.UserID.String(),
		fieldAmount:    hold.Amount.Int64(),
		fieldPurpose:   string(hold.Purpose),
		fieldRelatedID: hold.RelatedID,
		fieldStatus:    string(hold.Status),
		fieldCreatedAt: formatTime(hold.CreatedAt),
	}
	if hold.SettledAt != nil {
		fields[fieldSettledAt] = formatTime(*hold.SettledAt)
	}
	if hold.ReleasedAt != nil {
		fields[fieldReleasedAt] = formatTime(*hold.ReleasedAt)
	}
	return fields
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

// integerField reports whether the field was present. Null counts as absent.
func integerField(request *structpb.Struct, name string) (int64, bool, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0, false, nil
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NullValue:
		return 0, false, nil
	case *structpb.Value_NumberValue:
		number := kind.NumberValue
		if number != math.Trunc(number) || math.Abs(number) > maxExactInteger {
			return 0, false, fmt.Errorf("%s must be an integer", name)
		}
		return int64(number), true, nil
	default:
		return 0, false, fmt.Errorf("%s must be a number", name)
	}
}

func normalizeListLimit(limit int64) (int, error) {
	if limit <= 0 {
		return defaultListTransactionsLimit, nil
	}
	if limit > maxListTransactionsLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListTransactionsLimit)
	}
	return int(limit), nil
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, ledger.ErrInvalidHoldID) {
		return status.Error(codes.InvalidArgument, errorInvalidHoldID)
	}
	if errors.Is(source, ledger.ErrInvalidTransactionID) {
		return status.Error(codes.InvalidArgument, errorInvalidTransactionID)
	}
	if errors.Is(source, ledger.ErrInvalidIdempotencyKey) {
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrInvalidAmount) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, ledger.ErrInvalidTransactionType) {
		return status.Error(codes.InvalidArgument, errorInvalidTransactionType)
	}
	if errors.Is(source, ledger.ErrInvalidHoldPurpose) {
		return status.Error(codes.InvalidArgument, errorInvalidHoldPurpose)
	}
	if errors.Is(source, ledger.ErrInvalidMetadataJSON) {
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	}
	if ledger.IsValidationError(source) {
		return status.Error(codes.InvalidArgument, errorInvalidArgument)
	}
	if errors.Is(source, ledger.ErrInsufficientBalanceForHold) {
		return status.Error(codes.FailedPrecondition, errorInsufficientBalanceForHold)
	}
	if errors.Is(source, ledger.ErrInsufficientBalance) {
		return status.Error(codes.FailedPrecondition, errorInsufficientBalance)
	}
	if errors.Is(source, ledger.ErrHoldNotActive) {
		return status.Error(codes.FailedPrecondition, errorHoldNotActive)
	}
	if errors.Is(source, ledger.ErrHoldNotFound) {
		return status.Error(codes.NotFound, errorHoldNotFound)
	}
	if errors.Is(source, ledger.ErrTransactionNotFound) {
		return status.Error(codes.NotFound, errorTransactionNotFound)
	}
	if errors.Is(source, ledger.ErrWalletNotFound) {
		return status.Error(codes.NotFound, errorWalletNotFound)
	}
	if errors.Is(source, ledger.ErrDuplicateIdempotencyKey) {
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrWalletProvisioning) {
		return status.Error(codes.Internal, errorWalletProvisioning)
	}
	return status.Error(codes.Internal, source.Error())
}
