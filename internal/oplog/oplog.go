// Package oplog writes ledger operation callbacks as structured zap entries.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logMessage = "ledger operation"

// ZapLogger implements ledger.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation logs failures at error level, balance mismatches at warn, everything else at info.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	level := zapcore.InfoLevel
	switch {
	case entry.Error != nil:
		level = zapcore.ErrorLevel
	case entry.Status == "mismatch":
		level = zapcore.WarnLevel
	}
	checked := zapLogger.logger.Check(level, logMessage)
	if checked == nil {
		return
	}
	checked.Write(fields(entry)...)
}

func fields(entry ledger.OperationLog) []zap.Field {
	result := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if value := entry.UserID.String(); value != "" {
		result = append(result, zap.String("user_id", value))
	}
	if value := entry.HoldID.String(); value != "" {
		result = append(result, zap.String("hold_id", value))
	}
	if value := entry.TransactionID.String(); value != "" {
		result = append(result, zap.String("transaction_id", value))
	}
	if entry.Amount != 0 {
		result = append(result, zap.Int64("amount", entry.Amount.Int64()))
	}
	if value := entry.IdempotencyKey.String(); value != "" {
		result = append(result, zap.String("idempotency_key", value))
	}
	if entry.Error != nil {
		result = append(result, zap.Error(entry.Error))
	}
	return result
}
