package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidOptions      = errors.New("invalid options")
	ErrPoolNotActive       = errors.New("pool not active")
	ErrPoolAlreadyResolved = errors.New("pool already resolved")
	ErrLoanNotActive       = errors.New("loan not active")
	ErrDuplicateBet        = errors.New("duplicate bet")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrUnknownOption       = errors.New("unknown option")
	ErrContention          = errors.New("store contention")
	ErrBetLocked           = errors.New("bet locked")
	ErrBonusNotReady       = errors.New("daily bonus not ready")
	ErrSelfLoan            = errors.New("lender and borrower are the same account")

	ErrInvalidAccountID       = errors.New("invalid account id")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidRate            = errors.New("invalid interest rate")
	ErrInvalidHouseCut        = errors.New("invalid house cut")
	ErrInvalidDuration        = errors.New("invalid duration")
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
	ErrInvalidPoolTitle       = errors.New("invalid pool title")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// OperationError tags a failure as operation.subject.code, e.g.
// store.balance.update_failed, while keeping the sentinel reachable via errors.Is.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Subject names the record the operation touched.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code is the stable failure code within the subject.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError returns nil for a nil err.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{operation: operation, subject: subject, code: code, err: err}
}

// IsRetryable reports whether the caller may safely repeat the failed operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}
