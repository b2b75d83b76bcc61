package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation   string
	AccountID   AccountID
	PoolID      string
	BetID       string
	LoanID      string
	ReferenceID string
	Kind        TransactionKind
	Amount      int64
	Count       int64
	Status      string
	Error       error
	OccurredAt  time.Time
}

// Succeeded reports whether the operation changed state without error.
func (entry OperationLog) Succeeded() bool {
	return entry.Error == nil && entry.Status == operationStatusOK
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// Multiple loggers may be registered; each receives every entry.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithStartingBalance sets the balance granted to an account on first touch.
func WithStartingBalance(amount int64) ServiceOption {
	return func(service *Service) {
		service.startingBalance = amount
	}
}

// WithDailyBonus sets the amount credited by ClaimDailyBonus.
func WithDailyBonus(amount int64) ServiceOption {
	return func(service *Service) {
		service.dailyBonus = amount
	}
}

// WithDefaultHouseCut sets the fraction withheld by ResolvePool.
func WithDefaultHouseCut(cut HouseCut) ServiceOption {
	return func(service *Service) {
		service.houseCut = cut
	}
}
