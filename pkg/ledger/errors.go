package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrInsufficientBalanceForHold = errors.New("insufficient balance for hold")
	ErrHoldNotFound               = errors.New("hold not found")
	ErrHoldNotActive              = errors.New("hold is not active")
	ErrWalletNotFound             = errors.New("wallet not found")
	ErrWalletProvisioning         = errors.New("failed to create or find wallet")
	ErrTransactionNotFound        = errors.New("transaction not found")
	ErrDuplicateIdempotencyKey    = errors.New("duplicate idempotency key")
	ErrInvalidRefund              = errors.New("transaction cannot be refunded")
	ErrInvalidTransfer            = errors.New("invalid transfer")
	ErrInvalidUserID              = errors.New("invalid user id")
	ErrInvalidTransactionID       = errors.New("invalid transaction id")
	ErrInvalidHoldID              = errors.New("invalid hold id")
	ErrInvalidIdempotencyKey      = errors.New("invalid idempotency key")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidTransactionType     = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus   = errors.New("invalid transaction status")
	ErrInvalidHoldStatus          = errors.New("invalid hold status")
	ErrInvalidHoldPurpose         = errors.New("invalid hold purpose")
	ErrInvalidMetadataJSON        = errors.New("invalid metadata json")
	ErrInvalidServiceConfig       = errors.New("invalid service config")
	ErrInvalidBalance             = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsValidationError reports whether err stems from rejected caller input.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidUserID,
		ErrInvalidTransactionID,
		ErrInvalidHoldID,
		ErrInvalidIdempotencyKey,
		ErrInvalidAmount,
		ErrInvalidTransactionType,
		ErrInvalidTransactionStatus,
		ErrInvalidHoldStatus,
		ErrInvalidHoldPurpose,
		ErrInvalidMetadataJSON,
		ErrInvalidRefund,
		ErrInvalidTransfer,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
