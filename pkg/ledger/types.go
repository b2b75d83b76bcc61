package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountID identifies an account owner by its opaque external identity.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialized.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// MetadataJSON stores arbitrary structured context for a transaction.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

func metadataFrom(fields map[string]any) MetadataJSON {
	raw, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}
	}
	return MetadataJSON{value: string(raw)}
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindGrant           TransactionKind = "grant"
	KindDailyBonus      TransactionKind = "daily_bonus"
	KindBetPlaced       TransactionKind = "bet_placed"
	KindBetWon          TransactionKind = "bet_won"
	KindLoanDisbursed   TransactionKind = "loan_disbursed"
	KindLoanRepaid      TransactionKind = "loan_repaid"
	KindPurchase        TransactionKind = "purchase"
	KindAdminAdjustment TransactionKind = "admin_adjustment"
)

// ParseTransactionKind validates a raw transaction kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	kind := TransactionKind(strings.TrimSpace(raw))
	switch kind {
	case KindGrant, KindDailyBonus, KindBetPlaced, KindBetWon, KindLoanDisbursed, KindLoanRepaid, KindPurchase, KindAdminAdjustment:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
	}
}

// String returns the stored representation.
func (kind TransactionKind) String() string {
	return string(kind)
}

// PoolStatus defines the pool lifecycle.
type PoolStatus string

const (
	PoolStatusActive   PoolStatus = "active"
	PoolStatusExpired  PoolStatus = "expired"
	PoolStatusResolved PoolStatus = "resolved"
)

// ParsePoolStatus validates a stored pool status.
func ParsePoolStatus(raw string) (PoolStatus, error) {
	status := PoolStatus(raw)
	switch status {
	case PoolStatusActive, PoolStatusExpired, PoolStatusResolved:
		return status, nil
	default:
		return "", fmt.Errorf("invalid pool status %q", raw)
	}
}

// String returns the stored representation.
func (status PoolStatus) String() string {
	return string(status)
}

// LoanStatus defines the loan lifecycle.
type LoanStatus string

const (
	LoanStatusActive    LoanStatus = "active"
	LoanStatusRepaid    LoanStatus = "repaid"
	LoanStatusDefaulted LoanStatus = "defaulted"
)

// ParseLoanStatus validates a stored loan status.
func ParseLoanStatus(raw string) (LoanStatus, error) {
	status := LoanStatus(raw)
	switch status {
	case LoanStatusActive, LoanStatusRepaid, LoanStatusDefaulted:
		return status, nil
	default:
		return "", fmt.Errorf("invalid loan status %q", raw)
	}
}

// String returns the stored representation.
func (status LoanStatus) String() string {
	return string(status)
}

// Account is the balance holder for one external identity.
type Account struct {
	ID         AccountID
	Balance    int64
	Experience int64
	Level      int64
	CreatedAt  time.Time
}

// LevelForExperience derives the account level from its experience.
func LevelForExperience(experience int64) int64 {
	if experience < 0 {
		experience = 0
	}
	return experience/experiencePerLevel + 1
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	ID          string
	AccountID   AccountID
	Kind        TransactionKind
	Amount      int64
	Description string
	ReferenceID string
	Metadata    MetadataJSON
	CreatedAt   time.Time
}

// TransactionRequest describes a balance change submitted to ApplyTransaction.
type TransactionRequest struct {
	AccountID   AccountID
	Kind        TransactionKind
	Amount      int64
	Description string
	ReferenceID string
	Metadata    MetadataJSON
}

// Pool is a wagering event with mutually exclusive options.
type Pool struct {
	ID              string
	Title           string
	Description     string
	CreatorID       AccountID
	Status          PoolStatus
	EndsAt          time.Time
	TotalStaked     int64
	WinningOptionID string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	Options         []Option
}

// Option returns the pool option with the given id.
func (pool Pool) Option(optionID string) (Option, bool) {
	for _, option := range pool.Options {
		if option.ID == optionID {
			return option, true
		}
	}
	return Option{}, false
}

// AcceptsBets reports whether new stakes may be placed at the given instant.
func (pool Pool) AcceptsBets(at time.Time) bool {
	return pool.Status == PoolStatusActive && at.Before(pool.EndsAt)
}

// Option is one selectable outcome within a pool.
type Option struct {
	ID           string
	PoolID       string
	Position     int
	Name         string
	BetCount     int64
	StakedAmount int64
	Winner       bool
}

// PoolRequest carries the inputs for CreatePool.
type PoolRequest struct {
	CreatorID   AccountID
	Title       string
	Description string
	Options     []string
	Duration    time.Duration
}

// Bet is a stake placed by an account on one option of a pool.
type Bet struct {
	ID        string
	AccountID AccountID
	PoolID    string
	OptionID  string
	Amount    int64
	LockedAt  *time.Time
	Payout    int64
	CreatedAt time.Time
}

// Locked reports whether the bet can no longer change.
func (bet Bet) Locked() bool {
	return bet.LockedAt != nil
}

// Payout is the amount credited to one winning bet.
type Payout struct {
	BetID     string
	AccountID AccountID
	Stake     int64
	Amount    int64
}

// SettlementResult summarizes a pool resolution.
type SettlementResult struct {
	PoolID          string
	WinningOptionID string
	HouseCut        decimal.Decimal
	Pot             int64
	Distributable   int64
	WinningStake    int64
	Paid            int64
	Retained        int64
	Forfeited       int
	Payouts         []Payout
}

// Loan is an interest-bearing transfer between two accounts.
type Loan struct {
	ID           string
	LenderID     AccountID
	BorrowerID   AccountID
	Principal    int64
	InterestRate decimal.Decimal
	DueAt        time.Time
	Status       LoanStatus
	ReminderSent bool
	CreatedAt    time.Time
	RepaidAt     *time.Time
}

// Owed returns the repayment amount, floor(principal * (1 + rate)).
func (loan Loan) Owed() int64 {
	return OwedAmount(loan.Principal, loan.InterestRate)
}

// OwedAmount computes floor(principal * (1 + rate)) without float rounding.
func OwedAmount(principal int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(principal).Mul(decimal.NewFromInt(1).Add(rate)).Floor().IntPart()
}

// LoanRequest carries the inputs for CreateLoan.
type LoanRequest struct {
	LenderID   AccountID
	BorrowerID AccountID
	Principal  int64
	Rate       decimal.Decimal
	Days       int
}

// Reconciliation compares an account's cached balance with its transaction log.
type Reconciliation struct {
	AccountID     AccountID
	CachedBalance int64
	LedgerBalance int64
}

// Consistent reports whether the cached balance matches the log.
func (reconciliation Reconciliation) Consistent() bool {
	return reconciliation.CachedBalance == reconciliation.LedgerBalance
}
