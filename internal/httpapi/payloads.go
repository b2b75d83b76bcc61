package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
)

type adjustmentRequest struct {
	Amount      int64           `json:"amount"`
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	ReferenceID string          `json:"reference_id"`
	Metadata    json.RawMessage `json:"metadata"`
}

type experienceRequest struct {
	Points int64 `json:"points"`
}

type createPoolRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
	// Duration is a Go duration string such as "90m".
	Duration string `json:"duration"`
}

type placeBetRequest struct {
	OptionID string `json:"option_id"`
	Amount   int64  `json:"amount"`
}

type resolvePoolRequest struct {
	OptionID string  `json:"option_id"`
	HouseCut *string `json:"house_cut"`
}

type createLoanRequest struct {
	BorrowerID string `json:"borrower_id"`
	Principal  int64  `json:"principal"`
	Rate       string `json:"rate"`
	Days       int    `json:"days"`
}

type extendLoanRequest struct {
	Days int `json:"days"`
}

type accountPayload struct {
	AccountID  string `json:"account_id"`
	Balance    int64  `json:"balance"`
	Experience int64  `json:"experience"`
	Level      int64  `json:"level"`
	CreatedAt  string `json:"created_at"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		AccountID:  account.ID.String(),
		Balance:    account.Balance,
		Experience: account.Experience,
		Level:      account.Level,
		CreatedAt:  formatTime(account.CreatedAt),
	}
}

type transactionPayload struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Kind          string          `json:"kind"`
	Amount        int64           `json:"amount"`
	Description   string          `json:"description"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     string          `json:"created_at"`
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID: transaction.ID,
		AccountID:     transaction.AccountID.String(),
		Kind:          transaction.Kind.String(),
		Amount:        transaction.Amount,
		Description:   transaction.Description,
		ReferenceID:   transaction.ReferenceID,
		Metadata:      json.RawMessage(transaction.Metadata.String()),
		CreatedAt:     formatTime(transaction.CreatedAt),
	}
}

type reconciliationPayload struct {
	AccountID     string `json:"account_id"`
	CachedBalance int64  `json:"cached_balance"`
	LedgerBalance int64  `json:"ledger_balance"`
	Consistent    bool   `json:"consistent"`
}

type optionPayload struct {
	OptionID     string `json:"option_id"`
	Position     int    `json:"position"`
	Name         string `json:"name"`
	BetCount     int64  `json:"bet_count"`
	StakedAmount int64  `json:"staked_amount"`
	Winner       bool   `json:"winner"`
}

type poolPayload struct {
	PoolID          string          `json:"pool_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	CreatorID       string          `json:"creator_id"`
	Status          string          `json:"status"`
	EndsAt          string          `json:"ends_at"`
	TotalStaked     int64           `json:"total_staked"`
	WinningOptionID string          `json:"winning_option_id,omitempty"`
	CreatedAt       string          `json:"created_at"`
	ResolvedAt      string          `json:"resolved_at,omitempty"`
	Options         []optionPayload `json:"options"`
}

func newPoolPayload(pool ledger.Pool) poolPayload {
	options := make([]optionPayload, 0, len(pool.Options))
	for _, option := range pool.Options {
		options = append(options, optionPayload{
			OptionID:     option.ID,
			Position:     option.Position,
			Name:         option.Name,
			BetCount:     option.BetCount,
			StakedAmount: option.StakedAmount,
			Winner:       option.Winner,
		})
	}
	return poolPayload{
		PoolID:          pool.ID,
		Title:           pool.Title,
		Description:     pool.Description,
		CreatorID:       pool.CreatorID.String(),
		Status:          pool.Status.String(),
		EndsAt:          formatTime(pool.EndsAt),
		TotalStaked:     pool.TotalStaked,
		WinningOptionID: pool.WinningOptionID,
		CreatedAt:       formatTime(pool.CreatedAt),
		ResolvedAt:      formatOptionalTime(pool.ResolvedAt),
		Options:         options,
	}
}

type betPayload struct {
	BetID     string `json:"bet_id"`
	AccountID string `json:"account_id"`
	PoolID    string `json:"pool_id"`
	OptionID  string `json:"option_id"`
	Amount    int64  `json:"amount"`
	Locked    bool   `json:"locked"`
	LockedAt  string `json:"locked_at,omitempty"`
	Payout    int64  `json:"payout"`
	CreatedAt string `json:"created_at"`
}

func newBetPayload(bet ledger.Bet) betPayload {
	return betPayload{
		BetID:     bet.ID,
		AccountID: bet.AccountID.String(),
		PoolID:    bet.PoolID,
		OptionID:  bet.OptionID,
		Amount:    bet.Amount,
		Locked:    bet.Locked(),
		LockedAt:  formatOptionalTime(bet.LockedAt),
		Payout:    bet.Payout,
		CreatedAt: formatTime(bet.CreatedAt),
	}
}

type payoutPayload struct {
	BetID     string `json:"bet_id"`
	AccountID string `json:"account_id"`
	Stake     int64  `json:"stake"`
	Amount    int64  `json:"amount"`
}

type settlementPayload struct {
	PoolID          string          `json:"pool_id"`
	WinningOptionID string          `json:"winning_option_id"`
	HouseCut        string          `json:"house_cut"`
	Pot             int64           `json:"pot"`
	Distributable   int64           `json:"distributable"`
	WinningStake    int64           `json:"winning_stake"`
	Paid            int64           `json:"paid"`
	Retained        int64           `json:"retained"`
	Forfeited       int             `json:"forfeited"`
	Payouts         []payoutPayload `json:"payouts"`
}

func newSettlementPayload(result ledger.SettlementResult) settlementPayload {
	payouts := make([]payoutPayload, 0, len(result.Payouts))
	for _, payout := range result.Payouts {
		payouts = append(payouts, payoutPayload{
			BetID:     payout.BetID,
			AccountID: payout.AccountID.String(),
			Stake:     payout.Stake,
			Amount:    payout.Amount,
		})
	}
	return settlementPayload{
		PoolID:          result.PoolID,
		WinningOptionID: result.WinningOptionID,
		HouseCut:        result.HouseCut.String(),
		Pot:             result.Pot,
		Distributable:   result.Distributable,
		WinningStake:    result.WinningStake,
		Paid:            result.Paid,
		Retained:        result.Retained,
		Forfeited:       result.Forfeited,
		Payouts:         payouts,
	}
}

type loanPayload struct {
	LoanID       string `json:"loan_id"`
	LenderID     string `json:"lender_id"`
	BorrowerID   string `json:"borrower_id"`
	Principal    int64  `json:"principal"`
	InterestRate string `json:"interest_rate"`
	Owed         int64  `json:"owed"`
	DueAt        string `json:"due_at"`
	Status       string `json:"status"`
	ReminderSent bool   `json:"reminder_sent"`
	CreatedAt    string `json:"created_at"`
	RepaidAt     string `json:"repaid_at,omitempty"`
}

func newLoanPayload(loan ledger.Loan) loanPayload {
	return loanPayload{
		LoanID:       loan.ID,
		LenderID:     loan.LenderID.String(),
		BorrowerID:   loan.BorrowerID.String(),
		Principal:    loan.Principal,
		InterestRate: loan.InterestRate.String(),
		Owed:         loan.Owed(),
		DueAt:        formatTime(loan.DueAt),
		Status:       loan.Status.String(),
		ReminderSent: loan.ReminderSent,
		CreatedAt:    formatTime(loan.CreatedAt),
		RepaidAt:     formatOptionalTime(loan.RepaidAt),
	}
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339)
}

func formatOptionalTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return formatTime(*value)
}
