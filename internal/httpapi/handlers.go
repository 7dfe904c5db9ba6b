package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger        *zap.Logger
	walletService *ledger.Service
	cfg           Config
}

type transactionRequest struct {
	UserID               string          `json:"user_id"`
	Amount               *int64          `json:"amount"`
	Type                 string          `json:"type"`
	Description          string          `json:"description"`
	Metadata             json.RawMessage `json:"metadata"`
	IdempotencyKey       string          `json:"idempotency_key"`
	RelatedTransactionID string          `json:"related_transaction_id"`
}

type transferRequest struct {
	PayerID        string          `json:"payer_id"`
	PayeeID        string          `json:"payee_id"`
	Amount         int64           `json:"amount"`
	ChargeType     string          `json:"charge_type"`
	EarningsType   string          `json:"earnings_type"`
	Description    string          `json:"description"`
	Metadata       json.RawMessage `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type refundRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type holdRequest struct {
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Purpose   string `json:"purpose"`
	RelatedID string `json:"related_id"`
}

type settleRequest struct {
	Amount *int64 `json:"amount"`
}

type walletPayload struct {
	UserID           string     `json:"user_id"`
	Balance          int64      `json:"balance"`
	HeldBalance      int64      `json:"held_balance"`
	Available        int64      `json:"available"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
}

type transactionPayload struct {
	TransactionID        string          `json:"transaction_id"`
	UserID               string          `json:"user_id"`
	Amount               int64           `json:"amount"`
	Type                 string          `json:"type"`
	Status               string          `json:"status"`
	Description          string          `json:"description,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key"`
	RelatedTransactionID string          `json:"related_transaction_id,omitempty"`
	Metadata             json.RawMessage `json:"metadata"`
	CreatedAt            time.Time       `json:"created_at"`
}

type holdPayload struct {
	HoldID     string     `json:"hold_id"`
	UserID     string     `json:"user_id"`
	Amount     int64      `json:"amount"`
	Purpose    string     `json:"purpose"`
	RelatedID  string     `json:"related_id,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

type reconcilePayload struct {
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	Balance    int64  `json:"balance"`
	Expected   int64  `json:"expected"`
	Difference int64  `json:"difference"`
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) userIDParam(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.Param(pathParamUserID))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) holdIDParam(ctx *gin.Context) (ledger.HoldID, bool) {
	holdID, err := ledger.NewHoldID(ctx.Param(pathParamHoldID))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.HoldID{}, false
	}
	return holdID, true
}

func (handler *httpHandler) transactionIDParam(ctx *gin.Context) (ledger.TransactionID, bool) {
	transactionID, err := ledger.NewTransactionID(ctx.Param(pathParamTransactionID))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.TransactionID{}, false
	}
	return transactionID, true
}

func bindJSON(ctx *gin.Context, target any, optional bool) bool {
	err := ctx.ShouldBindJSON(target)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
	return false
}

func (handler *httpHandler) handleCreateWallet(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.walletService.CreateWallet(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.walletService.Wallet(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleAvailable(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	available, err := handler.walletService.AvailableBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "available": available.Int64()})
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	limit := defaultListLimit
	if raw := ctx.Query(queryParamLimit); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxListLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_list_limit", "limit must be between 1 and 200"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.walletService.Transactions(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

func (handler *httpHandler) handleActiveHolds(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	holds, err := handler.walletService.ActiveHolds(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]holdPayload, 0, len(holds))
	for _, hold := range holds {
		payloads = append(payloads, newHoldPayload(hold))
	}
	ctx.JSON(http.StatusOK, gin.H{"holds": payloads})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.walletService.ReconcileWallet(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": reconcilePayload{
		UserID:     report.UserID.String(),
		Status:     string(report.Status),
		Balance:    report.Balance.Int64(),
		Expected:   report.Expected.Int64(),
		Difference: report.Difference.Int64(),
	}})
}

func (handler *httpHandler) handleCreateTransaction(ctx *gin.Context) {
	var request transactionRequest
	if !bindJSON(ctx, &request, false) {
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if request.Amount == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount is required"))
		return
	}
	amount, err := ledger.NewSignedCoins(*request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactionType, err := ledger.ParseTransactionType(request.Type)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := parseMetadata(request.Metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	idempotencyKey, err := optionalIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var relatedTransactionID *ledger.TransactionID
	if request.RelatedTransactionID != "" {
		related, relatedErr := ledger.NewTransactionID(request.RelatedTransactionID)
		if relatedErr != nil {
			handler.respondError(ctx, relatedErr)
			return
		}
		relatedTransactionID = &related
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.walletService.CreateTransaction(requestCtx, ledger.TransactionRequest{
		UserID:               userID,
		Amount:               amount,
		Type:                 transactionType,
		Description:          request.Description,
		Metadata:             metadata,
		IdempotencyKey:       idempotencyKey,
		RelatedTransactionID: relatedTransactionID,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(transaction)})
}

func (handler *httpHandler) handleTransaction(ctx *gin.Context) {
	transactionID, ok := handler.transactionIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.walletService.Transaction(requestCtx, transactionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(transaction)})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	transactionID, ok := handler.transactionIDParam(ctx)
	if !ok {
		return
	}
	var request refundRequest
	if !bindJSON(ctx, &request, true) {
		return
	}
	idempotencyKey, err := optionalIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	refund, err := handler.walletService.RefundTransaction(requestCtx, transactionID, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(refund)})
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	var request transferRequest
	if !bindJSON(ctx, &request, false) {
		return
	}
	payerID, err := ledger.NewUserID(request.PayerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payeeID, err := ledger.NewUserID(request.PayeeID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCoins(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	chargeType, err := ledger.ParseTransactionType(request.ChargeType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	earningsType, err := ledger.ParseTransactionType(request.EarningsType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := parseMetadata(request.Metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	idempotencyKey, err := optionalIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.walletService.TransferCoins(requestCtx, ledger.TransferRequest{
		PayerID:        payerID,
		PayeeID:        payeeID,
		Amount:         amount,
		ChargeType:     chargeType,
		EarningsType:   earningsType,
		Description:    request.Description,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"debit":  newTransactionPayload(result.Debit),
		"credit": newTransactionPayload(result.Credit),
	})
}

func (handler *httpHandler) handleCreateHold(ctx *gin.Context) {
	var request holdRequest
	if !bindJSON(ctx, &request, false) {
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCoins(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	purpose, err := ledger.ParseHoldPurpose(request.Purpose)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	hold, err := handler.walletService.CreateHold(requestCtx, ledger.HoldRequest{
		UserID:    userID,
		Amount:    amount,
		Purpose:   purpose,
		RelatedID: request.RelatedID,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"hold": newHoldPayload(hold)})
}

func (handler *httpHandler) handleHold(ctx *gin.Context) {
	holdID, ok := handler.holdIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	hold, err := handler.walletService.Hold(requestCtx, holdID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"hold": newHoldPayload(hold)})
}

// handleSettleHold charges at most the hold amount; a larger "amount" is capped, not rejected.
func (handler *httpHandler) handleSettleHold(ctx *gin.Context) {
	holdID, ok := handler.holdIDParam(ctx)
	if !ok {
		return
	}
	var request settleRequest
	if !bindJSON(ctx, &request, true) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.walletService.SettleHold(requestCtx, holdID, request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(transaction)})
}

func (handler *httpHandler) handleReleaseHold(ctx *gin.Context) {
	holdID, ok := handler.holdIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.walletService.ReleaseHold(requestCtx, holdID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	hold, err := handler.walletService.Hold(requestCtx, holdID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"hold": newHoldPayload(hold)})
}

// parseMetadata treats an absent or null metadata field as an empty object.
func parseMetadata(raw json.RawMessage) (ledger.MetadataJSON, error) {
	if string(raw) == "null" {
		raw = nil
	}
	return ledger.NewMetadataJSON(string(raw))
}

func optionalIdempotencyKey(raw string) (*ledger.IdempotencyKey, error) {
	if raw == "" {
		return nil, nil
	}
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func newWalletPayload(wallet ledger.Wallet) walletPayload {
	return walletPayload{
		UserID:           wallet.UserID.String(),
		Balance:          wallet.Balance.Int64(),
		HeldBalance:      wallet.HeldBalance.Int64(),
		Available:        wallet.Available().Int64(),
		LastReconciledAt: wallet.LastReconciledAt,
	}
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	payload := transactionPayload{
		TransactionID:  transaction.ID.String(),
		UserID:         transaction.UserID.String(),
		Amount:         transaction.Amount.Int64(),
		Type:           string(transaction.Type),
		Status:         string(transaction.Status),
		Description:    transaction.Description,
		IdempotencyKey: transaction.IdempotencyKey.String(),
		Metadata:       json.RawMessage(transaction.Metadata.String()),
		CreatedAt:      transaction.CreatedAt.UTC(),
	}
	if transaction.RelatedTransactionID != nil {
		payload.RelatedTransactionID = transaction.RelatedTransactionID.String()
	}
	return payload
}

func newHoldPayload(hold ledger.Hold) holdPayload {
	return holdPayload{
		HoldID:     hold.ID.String(),
		UserID:     hold.UserID.String(),
		Amount:     hold.Amount.Int64(),
		Purpose:    string(hold.Purpose),
		RelatedID:  hold.RelatedID,
		Status:     string(hold.Status),
		CreatedAt:  hold.CreatedAt.UTC(),
		SettledAt:  hold.SettledAt,
		ReleasedAt: hold.ReleasedAt,
	}
}
