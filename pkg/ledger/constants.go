package ledger

import "time"

const (
	operationGetOrCreateAccount = "get_or_create_account"
	operationApplyTransaction   = "apply_transaction"
	operationAddExperience      = "add_experience"
	operationClaimDailyBonus    = "claim_daily_bonus"
	operationCreatePool         = "create_pool"
	operationPlaceBet           = "place_bet"
	operationLockBet            = "lock_bet"
	operationCancelBet          = "cancel_bet"
	operationLockBetsPastGrace  = "lock_bets_past_grace"
	operationExpirePool         = "expire_pool"
	operationResolvePool        = "resolve_pool"
	operationCreateLoan         = "create_loan"
	operationRepayLoan          = "repay_loan"
	operationExtendLoan         = "extend_loan"
	operationMarkReminderSent   = "mark_reminder_sent"
	operationDefaultLoan        = "default_loan"

	operationStatusOK    = "ok"
	operationStatusNoop  = "noop"
	operationStatusError = "error"

	// DefaultStartingBalance is credited to an account when it is first touched.
	DefaultStartingBalance int64 = 1000
	// DefaultDailyBonus is the amount credited by ClaimDailyBonus.
	DefaultDailyBonus int64 = 100
	// DefaultBetLockGrace is the change-of-mind window after placing a bet.
	DefaultBetLockGrace = 30 * time.Second

	dailyBonusCooldown  = 24 * time.Hour
	experiencePerLevel  = 100
	minimumPoolOptions  = 2
	defaultListLimit    = 50
	maximumListLimit    = 500
	hoursPerDay         = 24
	maximumLoanDays     = 3650
	maximumRateDecimals = 8
	maximumInterestRate = 100
	maximumDescription  = 512
	maximumTitleLength  = 200
	maximumOptionLength = 100
)
