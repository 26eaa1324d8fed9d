// Package oplog writes loyalty operation callbacks to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"go.uber.org/zap"
)

const messageOperation = "ledger operation"

// ZapLogger implements loyalty.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ZapLogger; a nil logger discards entries.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation logs successful operations at info and failures at warn.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry loyalty.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("member_id", entry.MemberID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.Int("attempts", entry.Attempts),
		zap.String("status", entry.Status),
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.Error != nil {
		zapLogger.logger.Warn(messageOperation, append(fields, zap.Error(entry.Error))...)
		return
	}
	zapLogger.logger.Info(messageOperation, fields...)
}
