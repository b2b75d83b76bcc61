package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	environmentLocal = "local"
	fieldService     = "service"
	fieldEnvironment = "env"
)

// New builds a zap logger tagged with the service name. The local environment
// gets a human-readable development encoder; everything else logs JSON.
func New(service string, environment string) (*zap.Logger, error) {
	var config zap.Config
	if strings.EqualFold(strings.TrimSpace(environment), environmentLocal) {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger.With(zap.String(fieldService, service), zap.String(fieldEnvironment, environment)), nil
}

// OperationLogger writes every ledger operation as a structured log line.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps a zap logger. A nil logger discards everything.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("ledger")}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := make([]zap.Field, 0, 12)
	fields = append(fields,
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Time("occurred_at", entry.OccurredAt),
	)
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if entry.PoolID != "" {
		fields = append(fields, zap.String("pool_id", entry.PoolID))
	}
	if entry.BetID != "" {
		fields = append(fields, zap.String("bet_id", entry.BetID))
	}
	if entry.LoanID != "" {
		fields = append(fields, zap.String("loan_id", entry.LoanID))
	}
	if entry.ReferenceID != "" {
		fields = append(fields, zap.String("reference_id", entry.ReferenceID))
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Count != 0 {
		fields = append(fields, zap.Int64("count", entry.Count))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

var _ ledger.OperationLogger = (*OperationLogger)(nil)
