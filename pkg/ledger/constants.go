package ledger

const (
	operationCreateWallet      = "create_wallet"
	operationCreateTransaction = "create_transaction"
	operationTransfer          = "transfer"
	operationRefund            = "refund"
	operationCreateHold        = "create_hold"
	operationSettleHold        = "settle_hold"
	operationReleaseHold       = "release_hold"
	operationReconcile         = "reconcile"
	operationSweepHolds        = "sweep_holds"
	operationAudit             = "audit"
	operationPublishEvent      = "publish_event"
	operationInvalidateCache   = "invalidate_cache"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"
	operationStatusMismatch = "mismatch"

	idempotencyKeyDelimiter      = ":"
	idempotencyPrefixTransaction = "txn"
	idempotencyPrefixTransfer    = "transfer"
	idempotencyPrefixRefund      = "refund"
	idempotencyPrefixHold        = "hold"
	idempotencySuffixDebit       = "debit"
	idempotencySuffixCredit      = "credit"
	idempotencySuffixSettle      = "settle"

	defaultListLimit = 50
	maxListLimit     = 200

	metadataKeyHoldID                = "hold_id"
	metadataKeyHoldPurpose           = "hold_purpose"
	metadataKeyRelatedID             = "related_id"
	metadataKeyRequestedAmount       = "requested_amount"
	metadataKeyRefundedTransactionID = "refunded_transaction_id"
	metadataKeyRequestIdempotencyKey = "request_idempotency_key"
)
