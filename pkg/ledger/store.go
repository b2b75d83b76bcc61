package ledger

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service.
//
// Every mutation the service performs runs inside WithTx; a store passed to fn
// must apply all of its writes atomically on commit and none of them when fn
// returns an error. Lock* methods take a row lock held until the enclosing
// transaction ends.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// CreateAccount inserts the account unless it already exists and reports
	// whether this call created it.
	CreateAccount(ctx context.Context, accountID AccountID, createdAt time.Time) (Account, bool, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	LockAccount(ctx context.Context, accountID AccountID) (Account, error)
	// AdjustBalance applies a relative delta and fails with ErrInsufficientFunds
	// when the result would be negative.
	AdjustBalance(ctx context.Context, accountID AccountID, delta int64) (Account, error)
	AdjustExperience(ctx context.Context, accountID AccountID, delta int64) (Account, error)

	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error)
	SumTransactions(ctx context.Context, accountID AccountID) (int64, error)
	LatestTransactionOfKind(ctx context.Context, accountID AccountID, kind TransactionKind) (Transaction, error)

	InsertPool(ctx context.Context, pool Pool) error
	GetPool(ctx context.Context, poolID string) (Pool, error)
	LockPool(ctx context.Context, poolID string) (Pool, error)
	ListPoolsByStatus(ctx context.Context, status PoolStatus) ([]Pool, error)
	ListPoolIDsEndedBefore(ctx context.Context, status PoolStatus, cutoff time.Time) ([]string, error)
	// UpdatePoolStatus moves a pool from one status to another and fails with
	// ErrContention when the pool is no longer in the expected status.
	UpdatePoolStatus(ctx context.Context, poolID string, from PoolStatus, to PoolStatus, at time.Time) error
	AdjustPoolStake(ctx context.Context, poolID string, optionID string, betCountDelta int64, amountDelta int64) error
	MarkWinningOption(ctx context.Context, poolID string, optionID string) error

	InsertBet(ctx context.Context, bet Bet) error
	GetUnlockedBet(ctx context.Context, accountID AccountID, poolID string) (Bet, error)
	ListPoolBets(ctx context.Context, poolID string) ([]Bet, error)
	DeleteBet(ctx context.Context, betID string) error
	LockBet(ctx context.Context, betID string, at time.Time) (bool, error)
	LockBetsPlacedBefore(ctx context.Context, cutoff time.Time, at time.Time) (int64, error)
	SetBetPayout(ctx context.Context, betID string, payout int64) error

	InsertLoan(ctx context.Context, loan Loan) error
	GetLoan(ctx context.Context, loanID string) (Loan, error)
	LockLoan(ctx context.Context, loanID string) (Loan, error)
	UpdateLoanStatus(ctx context.Context, loanID string, from LoanStatus, to LoanStatus, at time.Time) error
	UpdateLoanDueAt(ctx context.Context, loanID string, dueAt time.Time) error
	ListLoansDueBefore(ctx context.Context, cutoff time.Time, includeReminded bool) ([]Loan, error)
	MarkLoanReminderSent(ctx context.Context, loanID string) (bool, error)
}
