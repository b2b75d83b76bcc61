package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateLoan moves the principal from lender to borrower and records an active loan.
func (service *Service) CreateLoan(ctx context.Context, request LoanRequest) (Loan, error) {
	if err := validateLoanRequest(request); err != nil {
		return Loan{}, err
	}
	now := service.nowFn()
	loan := Loan{
		ID:           uuid.NewString(),
		LenderID:     request.LenderID,
		BorrowerID:   request.BorrowerID,
		Principal:    request.Principal,
		InterestRate: request.Rate,
		DueAt:        now.Add(loanDays(request.Days)),
		Status:       LoanStatusActive,
		CreatedAt:    now,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := service.transfer(ctx, transactionStore, transfer{
			from:        request.LenderID,
			to:          request.BorrowerID,
			amount:      request.Principal,
			kind:        KindLoanDisbursed,
			referenceID: loan.ID,
			description: "loan disbursed",
		}); err != nil {
			return err
		}
		return transactionStore.InsertLoan(ctx, loan)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateLoan,
		AccountID: request.LenderID,
		LoanID:    loan.ID,
		Kind:      KindLoanDisbursed,
		Amount:    request.Principal,
		Error:     operationError,
	})
	if operationError != nil {
		return Loan{}, operationError
	}
	return loan, nil
}

func validateLoanRequest(request LoanRequest) error {
	if request.LenderID.IsZero() || request.BorrowerID.IsZero() {
		return fmt.Errorf("%w: lender and borrower are required", ErrInvalidAccountID)
	}
	if request.LenderID == request.BorrowerID {
		return ErrSelfLoan
	}
	if request.Principal < 1 {
		return fmt.Errorf("%w: principal must be at least 1", ErrInvalidAmount)
	}
	if request.Rate.IsNegative() || request.Rate.GreaterThan(decimal.NewFromInt(maximumInterestRate)) {
		return fmt.Errorf("%w: %s must be within [0, %d]", ErrInvalidRate, request.Rate.String(), maximumInterestRate)
	}
	if !request.Rate.Equal(request.Rate.Truncate(maximumRateDecimals)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidRate, request.Rate.String(), maximumRateDecimals)
	}
	if request.Days < 1 || request.Days > maximumLoanDays {
		return fmt.Errorf("%w: loan term must be between 1 and %d days", ErrInvalidDuration, maximumLoanDays)
	}
	return nil
}

// loanDays converts a day count already bounded by maximumLoanDays.
func loanDays(days int) time.Duration {
	return time.Duration(days) * hoursPerDay * time.Hour
}

// GetLoan returns a loan by id.
func (service *Service) GetLoan(ctx context.Context, loanID string) (Loan, error) {
	return service.store.GetLoan(ctx, loanID)
}

// RepayLoan moves floor(principal * (1 + rate)) from borrower to lender and closes the loan.
func (service *Service) RepayLoan(ctx context.Context, loanID string) (Loan, error) {
	var loan Loan
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		loan, err = transactionStore.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != LoanStatusActive {
			return fmt.Errorf("%w: loan %s is %s", ErrLoanNotActive, loan.ID, loan.Status)
		}
		if err := service.transfer(ctx, transactionStore, transfer{
			from:        loan.BorrowerID,
			to:          loan.LenderID,
			amount:      loan.Owed(),
			kind:        KindLoanRepaid,
			referenceID: loan.ID,
			description: "loan repaid",
		}); err != nil {
			return err
		}
		now := service.nowFn()
		if err := transactionStore.UpdateLoanStatus(ctx, loan.ID, LoanStatusActive, LoanStatusRepaid, now); err != nil {
			return err
		}
		loan.Status = LoanStatusRepaid
		loan.RepaidAt = &now
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRepayLoan,
		AccountID: loan.BorrowerID,
		LoanID:    loanID,
		Kind:      KindLoanRepaid,
		Amount:    loan.Owed(),
		Error:     operationError,
	})
	if operationError != nil {
		return Loan{}, operationError
	}
	return loan, nil
}

// ExtendLoan pushes the due time of an active loan forward.
func (service *Service) ExtendLoan(ctx context.Context, loanID string, extraDays int) (Loan, error) {
	if extraDays < 1 || extraDays > maximumLoanDays {
		return Loan{}, fmt.Errorf("%w: extension must be between 1 and %d days", ErrInvalidDuration, maximumLoanDays)
	}
	var loan Loan
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		loan, err = transactionStore.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != LoanStatusActive {
			return fmt.Errorf("%w: loan %s is %s", ErrLoanNotActive, loan.ID, loan.Status)
		}
		if loan.DueAt.Sub(loan.CreatedAt)+loanDays(extraDays) > loanDays(maximumLoanDays) {
			return fmt.Errorf("%w: loan term cannot exceed %d days", ErrInvalidDuration, maximumLoanDays)
		}
		loan.DueAt = loan.DueAt.Add(loanDays(extraDays))
		return transactionStore.UpdateLoanDueAt(ctx, loan.ID, loan.DueAt)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationExtendLoan,
		AccountID: loan.BorrowerID,
		LoanID:    loanID,
		Count:     int64(extraDays),
		Error:     operationError,
	})
	if operationError != nil {
		return Loan{}, operationError
	}
	return loan, nil
}

// FlagDueReminders returns active loans due within the window that have not been reminded yet.
func (service *Service) FlagDueReminders(ctx context.Context, within time.Duration) ([]Loan, error) {
	if within < 0 {
		return nil, fmt.Errorf("%w: reminder window must not be negative", ErrInvalidDuration)
	}
	loans, err := service.store.ListLoansDueBefore(ctx, service.nowFn().Add(within), false)
	if err != nil {
		return nil, err
	}
	due := make([]Loan, 0, len(loans))
	for _, loan := range loans {
		if loan.Status == LoanStatusActive && !loan.ReminderSent {
			due = append(due, loan)
		}
	}
	return due, nil
}

// MarkReminderSent records reminder delivery. Marking twice succeeds without change.
func (service *Service) MarkReminderSent(ctx context.Context, loanID string) error {
	var changed bool
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetLoan(ctx, loanID); err != nil {
			return err
		}
		var err error
		changed, err = transactionStore.MarkLoanReminderSent(ctx, loanID)
		return err
	})
	entry := OperationLog{
		Operation: operationMarkReminderSent,
		LoanID:    loanID,
		Error:     operationError,
	}
	if operationError == nil && !changed {
		entry.Status = operationStatusNoop
	}
	service.logOperation(ctx, entry)
	return operationError
}

// DefaultOverdueLoans marks active loans overdue by more than grace as defaulted.
// Balances are untouched; a defaulted loan can no longer be repaid.
func (service *Service) DefaultOverdueLoans(ctx context.Context, grace time.Duration) (int, error) {
	if grace < 0 {
		return 0, fmt.Errorf("%w: grace must not be negative", ErrInvalidDuration)
	}
	loans, err := service.store.ListLoansDueBefore(ctx, service.nowFn().Add(-grace), true)
	if err != nil {
		return 0, err
	}
	var (
		defaulted int
		errs      []error
	)
	for _, candidate := range loans {
		if candidate.Status != LoanStatusActive {
			continue
		}
		changed, err := service.defaultLoan(ctx, candidate.ID, grace)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			defaulted++
		}
	}
	return defaulted, errors.Join(errs...)
}

func (service *Service) defaultLoan(ctx context.Context, loanID string, grace time.Duration) (bool, error) {
	var (
		loan    Loan
		changed bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		loan, err = transactionStore.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		if loan.Status != LoanStatusActive || now.Before(loan.DueAt.Add(grace)) {
			return nil
		}
		if err := transactionStore.UpdateLoanStatus(ctx, loan.ID, LoanStatusActive, LoanStatusDefaulted, now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	entry := OperationLog{
		Operation: operationDefaultLoan,
		AccountID: loan.BorrowerID,
		LoanID:    loanID,
		Amount:    loan.Owed(),
		Error:     operationError,
	}
	if operationError == nil && !changed {
		entry.Status = operationStatusNoop
	}
	service.logOperation(ctx, entry)
	return changed, operationError
}

type transfer struct {
	from        AccountID
	to          AccountID
	amount      int64
	kind        TransactionKind
	referenceID string
	description string
}

// transfer applies a debit and a matching credit, touching accounts in id order
// so concurrent transfers between the same pair cannot deadlock.
func (service *Service) transfer(ctx context.Context, transactionStore Store, movement transfer) error {
	legs := []TransactionRequest{
		{
			AccountID:   movement.from,
			Kind:        movement.kind,
			Amount:      -movement.amount,
			Description: movement.description,
			ReferenceID: movement.referenceID,
			Metadata:    metadataFrom(map[string]any{"counterparty": movement.to.String()}),
		},
		{
			AccountID:   movement.to,
			Kind:        movement.kind,
			Amount:      movement.amount,
			Description: movement.description,
			ReferenceID: movement.referenceID,
			Metadata:    metadataFrom(map[string]any{"counterparty": movement.from.String()}),
		},
	}
	if movement.to.String() < movement.from.String() {
		legs[0], legs[1] = legs[1], legs[0]
	}
	for _, leg := range legs {
		if _, err := service.applyTransaction(ctx, transactionStore, leg); err != nil {
			return err
		}
	}
	return nil
}
