package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintUnlockedBet      = "uniq_bets_unlocked_account_pool"
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	pgLockNotAvailableCode     = "55P03"
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6
	sqliteConstraintUniqueCode = 2067
	sqliteUnlockedBetColumns   = "bets.account_id, bets.pool_id"
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectBalance        = "balance"
	errorSubjectTransaction    = "transaction"
	errorSubjectPool           = "pool"
	errorSubjectBet            = "bet"
	errorSubjectLoan           = "loan"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLock              = "lock"
	errorCodeSum               = "sum"
	errorCodeUpdate            = "update"
	errorCodeUpdateStatus      = "update_status"
	errorCodeDelete            = "delete"
	errorCodeTransaction       = "transaction"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. Lock and serialization conflicts
// reported by the database surface as ledger.ErrContention.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isContention(err) && !errors.Is(err, ledger.ErrContention) {
		return wrapStoreError(errorSubjectTransaction, errorCodeTransaction, fmt.Errorf("%w: %v", ledger.ErrContention, err))
	}
	return err
}

func (store *Store) CreateAccount(ctx context.Context, accountID ledger.AccountID, createdAt time.Time) (ledger.Account, bool, error) {
	model := Account{
		AccountID: accountID.String(),
		Level:     ledger.LevelForExperience(0),
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return account, result.RowsAffected == 1, nil
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.findAccount(store.db.WithContext(ctx), accountID, errorCodeGet)
}

func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.findAccount(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), accountID, errorCodeLock)
}

func (store *Store) findAccount(query *gorm.DB, accountID ledger.AccountID, code string) (ledger.Account, error) {
	var model Account
	err := query.Where("account_id = ?", accountID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, fmt.Errorf("%w: account %s", ledger.ErrNotFound, accountID.String()))
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) AdjustBalance(ctx context.Context, accountID ledger.AccountID, delta int64) (ledger.Account, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance + ? >= 0", accountID.String(), delta).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		account, err := store.GetAccount(ctx, accountID)
		if err != nil {
			return ledger.Account{}, err
		}
		return ledger.Account{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate,
			fmt.Errorf("%w: balance %d cannot cover %d", ledger.ErrInsufficientFunds, account.Balance, -delta))
	}
	return store.GetAccount(ctx, accountID)
}

func (store *Store) AdjustExperience(ctx context.Context, accountID ledger.AccountID, delta int64) (ledger.Account, error) {
	account, err := store.LockAccount(ctx, accountID)
	if err != nil {
		return ledger.Account{}, err
	}
	experience := account.Experience + delta
	if experience < 0 {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, fmt.Errorf("%w: experience cannot go negative", ledger.ErrInvalidAmount))
	}
	err = store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{
			"experience": experience,
			"level":      ledger.LevelForExperience(experience),
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	account.Experience = experience
	account.Level = ledger.LevelForExperience(experience)
	return account, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	model := Transaction{
		TransactionID: transaction.ID,
		AccountID:     transaction.AccountID.String(),
		Kind:          transaction.Kind.String(),
		Amount:        transaction.Amount,
		Description:   transaction.Description,
		ReferenceID:   optionalString(transaction.ReferenceID),
		Metadata:      datatypesJSON(transaction.Metadata.String()),
		CreatedAt:     transaction.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumTransactions(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) LatestTransactionOfKind(ctx context.Context, accountID ledger.AccountID, kind ledger.TransactionKind) (ledger.Transaction, error) {
	var row Transaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND kind = ?", accountID.String(), kind.String()).
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, fmt.Errorf("%w: no %s transaction", ledger.ErrNotFound, kind))
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) InsertPool(ctx context.Context, pool ledger.Pool) error {
	model := Pool{
		PoolID:      pool.ID,
		Title:       pool.Title,
		Description: pool.Description,
		CreatorID:   pool.CreatorID.String(),
		Status:      pool.Status.String(),
		EndsAt:      pool.EndsAt.UTC(),
		CreatedAt:   pool.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeInsert, err)
	}
	options := make([]PoolOption, 0, len(pool.Options))
	for _, option := range pool.Options {
		options = append(options, PoolOption{
			OptionID: option.ID,
			PoolID:   pool.ID,
			Position: option.Position,
			Name:     option.Name,
		})
	}
	if err := store.db.WithContext(ctx).Create(&options).Error; err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetPool(ctx context.Context, poolID string) (ledger.Pool, error) {
	return store.findPool(ctx, store.db.WithContext(ctx), poolID, errorCodeGet)
}

func (store *Store) LockPool(ctx context.Context, poolID string) (ledger.Pool, error) {
	return store.findPool(ctx, store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), poolID, errorCodeLock)
}

func (store *Store) findPool(ctx context.Context, query *gorm.DB, poolID string, code string) (ledger.Pool, error) {
	var model Pool
	err := query.Where("pool_id = ?", poolID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Pool{}, wrapStoreError(errorSubjectPool, code, fmt.Errorf("%w: pool %s", ledger.ErrNotFound, poolID))
	}
	if err != nil {
		return ledger.Pool{}, wrapStoreError(errorSubjectPool, code, err)
	}
	pools, err := store.attachOptions(ctx, []Pool{model})
	if err != nil {
		return ledger.Pool{}, err
	}
	return pools[0], nil
}

func (store *Store) ListPoolsByStatus(ctx context.Context, status ledger.PoolStatus) ([]ledger.Pool, error) {
	var rows []Pool
	err := store.db.WithContext(ctx).
		Where("status = ?", status.String()).
		Order("created_at DESC").
		Order("pool_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	return store.attachOptions(ctx, rows)
}

func (store *Store) ListPoolIDsEndedBefore(ctx context.Context, status ledger.PoolStatus, cutoff time.Time) ([]string, error) {
	var poolIDs []string
	err := store.db.WithContext(ctx).
		Model(&Pool{}).
		Where("status = ? AND ends_at <= ?", status.String(), cutoff.UTC()).
		Order("ends_at").
		Pluck("pool_id", &poolIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	return poolIDs, nil
}

func (store *Store) UpdatePoolStatus(ctx context.Context, poolID string, from ledger.PoolStatus, to ledger.PoolStatus, at time.Time) error {
	updates := map[string]any{"status": to.String()}
	if to == ledger.PoolStatusResolved {
		updates["resolved_at"] = at.UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&Pool{}).
		Where("pool_id = ? AND status = ?", poolID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetPool(ctx, poolID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectPool, errorCodeUpdateStatus, fmt.Errorf("%w: pool %s left status %s", ledger.ErrContention, poolID, from))
	}
	return nil
}

func (store *Store) AdjustPoolStake(ctx context.Context, poolID string, optionID string, betCountDelta int64, amountDelta int64) error {
	result := store.db.WithContext(ctx).
		Model(&PoolOption{}).
		Where("pool_id = ? AND option_id = ?", poolID, optionID).
		Updates(map[string]any{
			"bet_count":     gorm.Expr("bet_count + ?", betCountDelta),
			"staked_amount": gorm.Expr("staked_amount + ?", amountDelta),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, fmt.Errorf("%w: option %s", ledger.ErrNotFound, optionID))
	}
	err := store.db.WithContext(ctx).
		Model(&Pool{}).
		Where("pool_id = ?", poolID).
		Update("total_staked", gorm.Expr("total_staked + ?", amountDelta)).Error
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) MarkWinningOption(ctx context.Context, poolID string, optionID string) error {
	result := store.db.WithContext(ctx).
		Model(&PoolOption{}).
		Where("pool_id = ? AND option_id = ?", poolID, optionID).
		Update("winner", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, fmt.Errorf("%w: option %s", ledger.ErrNotFound, optionID))
	}
	err := store.db.WithContext(ctx).
		Model(&Pool{}).
		Where("pool_id = ?", poolID).
		Update("winning_option_id", optionID).Error
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertBet(ctx context.Context, bet ledger.Bet) error {
	model := Bet{
		BetID:     bet.ID,
		AccountID: bet.AccountID.String(),
		PoolID:    bet.PoolID,
		OptionID:  bet.OptionID,
		Amount:    bet.Amount,
		LockedAt:  utcPointer(bet.LockedAt),
		Payout:    bet.Payout,
		CreatedAt: bet.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUnlockedBetConflict(err) {
		return wrapStoreError(errorSubjectBet, errorCodeDuplicate, ledger.ErrDuplicateBet)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBet, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetUnlockedBet(ctx context.Context, accountID ledger.AccountID, poolID string) (ledger.Bet, error) {
	var model Bet
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND pool_id = ? AND locked_at IS NULL", accountID.String(), poolID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Bet{}, wrapStoreError(errorSubjectBet, errorCodeGet, fmt.Errorf("%w: no unlocked bet on pool %s", ledger.ErrNotFound, poolID))
	}
	if err != nil {
		return ledger.Bet{}, wrapStoreError(errorSubjectBet, errorCodeGet, err)
	}
	bet, err := mapBet(model)
	if err != nil {
		return ledger.Bet{}, wrapStoreError(errorSubjectBet, errorCodeInvalid, err)
	}
	return bet, nil
}

func (store *Store) ListPoolBets(ctx context.Context, poolID string) ([]ledger.Bet, error) {
	var rows []Bet
	err := store.db.WithContext(ctx).
		Where("pool_id = ?", poolID).
		Order("created_at").
		Order("bet_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBet, errorCodeList, err)
	}
	bets := make([]ledger.Bet, 0, len(rows))
	for _, row := range rows {
		bet, err := mapBet(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBet, errorCodeInvalid, err)
		}
		bets = append(bets, bet)
	}
	return bets, nil
}

func (store *Store) DeleteBet(ctx context.Context, betID string) error {
	result := store.db.WithContext(ctx).Where("bet_id = ?", betID).Delete(&Bet{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBet, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBet, errorCodeDelete, fmt.Errorf("%w: bet %s", ledger.ErrNotFound, betID))
	}
	return nil
}

func (store *Store) LockBet(ctx context.Context, betID string, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Bet{}).
		Where("bet_id = ? AND locked_at IS NULL", betID).
		Update("locked_at", at.UTC())
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBet, errorCodeLock, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&Bet{}).Where("bet_id = ?", betID).Count(&count).Error; err != nil {
		return false, wrapStoreError(errorSubjectBet, errorCodeLock, err)
	}
	if count == 0 {
		return false, wrapStoreError(errorSubjectBet, errorCodeLock, fmt.Errorf("%w: bet %s", ledger.ErrNotFound, betID))
	}
	return false, nil
}

func (store *Store) LockBetsPlacedBefore(ctx context.Context, cutoff time.Time, at time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Bet{}).
		Where("locked_at IS NULL AND created_at <= ?", cutoff.UTC()).
		Update("locked_at", at.UTC())
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBet, errorCodeLock, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) SetBetPayout(ctx context.Context, betID string, payout int64) error {
	result := store.db.WithContext(ctx).
		Model(&Bet{}).
		Where("bet_id = ?", betID).
		Update("payout", payout)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBet, errorCodeUpdate, fmt.Errorf("%w: bet %s", ledger.ErrNotFound, betID))
	}
	return nil
}

func (store *Store) InsertLoan(ctx context.Context, loan ledger.Loan) error {
	model := Loan{
		LoanID:       loan.ID,
		LenderID:     loan.LenderID.String(),
		BorrowerID:   loan.BorrowerID.String(),
		Principal:    loan.Principal,
		InterestRate: loan.InterestRate,
		DueAt:        loan.DueAt.UTC(),
		Status:       loan.Status.String(),
		ReminderSent: loan.ReminderSent,
		CreatedAt:    loan.CreatedAt.UTC(),
		RepaidAt:     utcPointer(loan.RepaidAt),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectLoan, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetLoan(ctx context.Context, loanID string) (ledger.Loan, error) {
	return store.findLoan(store.db.WithContext(ctx), loanID, errorCodeGet)
}

func (store *Store) LockLoan(ctx context.Context, loanID string) (ledger.Loan, error) {
	return store.findLoan(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), loanID, errorCodeLock)
}

func (store *Store) findLoan(query *gorm.DB, loanID string, code string) (ledger.Loan, error) {
	var model Loan
	err := query.Where("loan_id = ?", loanID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Loan{}, wrapStoreError(errorSubjectLoan, code, fmt.Errorf("%w: loan %s", ledger.ErrNotFound, loanID))
	}
	if err != nil {
		return ledger.Loan{}, wrapStoreError(errorSubjectLoan, code, err)
	}
	loan, err := mapLoan(model)
	if err != nil {
		return ledger.Loan{}, wrapStoreError(errorSubjectLoan, errorCodeInvalid, err)
	}
	return loan, nil
}

func (store *Store) UpdateLoanStatus(ctx context.Context, loanID string, from ledger.LoanStatus, to ledger.LoanStatus, at time.Time) error {
	updates := map[string]any{"status": to.String()}
	if to == ledger.LoanStatusRepaid {
		updates["repaid_at"] = at.UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&Loan{}).
		Where("loan_id = ? AND status = ?", loanID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectLoan, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetLoan(ctx, loanID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectLoan, errorCodeUpdateStatus, fmt.Errorf("%w: loan %s left status %s", ledger.ErrContention, loanID, from))
	}
	return nil
}

func (store *Store) UpdateLoanDueAt(ctx context.Context, loanID string, dueAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Loan{}).
		Where("loan_id = ?", loanID).
		Update("due_at", dueAt.UTC())
	if result.Error != nil {
		return wrapStoreError(errorSubjectLoan, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLoan, errorCodeUpdate, fmt.Errorf("%w: loan %s", ledger.ErrNotFound, loanID))
	}
	return nil
}

func (store *Store) ListLoansDueBefore(ctx context.Context, cutoff time.Time, includeReminded bool) ([]ledger.Loan, error) {
	query := store.db.WithContext(ctx).
		Where("status = ? AND due_at <= ?", ledger.LoanStatusActive.String(), cutoff.UTC())
	if !includeReminded {
		query = query.Where("reminder_sent = ?", false)
	}
	var rows []Loan
	if err := query.Order("due_at").Order("loan_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectLoan, errorCodeList, err)
	}
	loans := make([]ledger.Loan, 0, len(rows))
	for _, row := range rows {
		loan, err := mapLoan(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLoan, errorCodeInvalid, err)
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

func (store *Store) MarkLoanReminderSent(ctx context.Context, loanID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Loan{}).
		Where("loan_id = ? AND reminder_sent = ?", loanID, false).
		Update("reminder_sent", true)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLoan, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if _, err := store.GetLoan(ctx, loanID); err != nil {
		return false, err
	}
	return false, nil
}

func (store *Store) attachOptions(ctx context.Context, rows []Pool) ([]ledger.Pool, error) {
	if len(rows) == 0 {
		return []ledger.Pool{}, nil
	}
	poolIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		poolIDs = append(poolIDs, row.PoolID)
	}
	var optionRows []PoolOption
	err := store.db.WithContext(ctx).
		Where("pool_id IN ?", poolIDs).
		Order("pool_id").
		Order("position").
		Find(&optionRows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	optionsByPool := make(map[string][]ledger.Option, len(rows))
	for _, optionRow := range optionRows {
		optionsByPool[optionRow.PoolID] = append(optionsByPool[optionRow.PoolID], mapOption(optionRow))
	}
	pools := make([]ledger.Pool, 0, len(rows))
	for _, row := range rows {
		pool, err := mapPool(row, optionsByPool[row.PoolID])
		if err != nil {
			return nil, wrapStoreError(errorSubjectPool, errorCodeInvalid, err)
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		ID:         accountID,
		Balance:    row.Balance,
		Experience: row.Experience,
		Level:      row.Level,
		CreatedAt:  row.CreatedAt.UTC(),
	}, nil
}

func mapTransaction(row Transaction) (ledger.Transaction, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(row.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:          row.TransactionID,
		AccountID:   accountID,
		Kind:        kind,
		Amount:      row.Amount,
		Description: row.Description,
		ReferenceID: stringValue(row.ReferenceID),
		Metadata:    metadata,
		CreatedAt:   row.CreatedAt.UTC(),
	}, nil
}

func mapPool(row Pool, options []ledger.Option) (ledger.Pool, error) {
	creatorID, err := ledger.NewAccountID(row.CreatorID)
	if err != nil {
		return ledger.Pool{}, err
	}
	status, err := ledger.ParsePoolStatus(row.Status)
	if err != nil {
		return ledger.Pool{}, err
	}
	if options == nil {
		options = []ledger.Option{}
	}
	return ledger.Pool{
		ID:              row.PoolID,
		Title:           row.Title,
		Description:     row.Description,
		CreatorID:       creatorID,
		Status:          status,
		EndsAt:          row.EndsAt.UTC(),
		TotalStaked:     row.TotalStaked,
		WinningOptionID: stringValue(row.WinningOptionID),
		CreatedAt:       row.CreatedAt.UTC(),
		ResolvedAt:      utcPointer(row.ResolvedAt),
		Options:         options,
	}, nil
}

func mapOption(row PoolOption) ledger.Option {
	return ledger.Option{
		ID:           row.OptionID,
		PoolID:       row.PoolID,
		Position:     row.Position,
		Name:         row.Name,
		BetCount:     row.BetCount,
		StakedAmount: row.StakedAmount,
		Winner:       row.Winner,
	}
}

func mapBet(row Bet) (ledger.Bet, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Bet{}, err
	}
	return ledger.Bet{
		ID:        row.BetID,
		AccountID: accountID,
		PoolID:    row.PoolID,
		OptionID:  row.OptionID,
		Amount:    row.Amount,
		LockedAt:  utcPointer(row.LockedAt),
		Payout:    row.Payout,
		CreatedAt: row.CreatedAt.UTC(),
	}, nil
}

func mapLoan(row Loan) (ledger.Loan, error) {
	lenderID, err := ledger.NewAccountID(row.LenderID)
	if err != nil {
		return ledger.Loan{}, err
	}
	borrowerID, err := ledger.NewAccountID(row.BorrowerID)
	if err != nil {
		return ledger.Loan{}, err
	}
	status, err := ledger.ParseLoanStatus(row.Status)
	if err != nil {
		return ledger.Loan{}, err
	}
	return ledger.Loan{
		ID:           row.LoanID,
		LenderID:     lenderID,
		BorrowerID:   borrowerID,
		Principal:    row.Principal,
		InterestRate: row.InterestRate,
		DueAt:        row.DueAt.UTC(),
		Status:       status,
		ReminderSent: row.ReminderSent,
		CreatedAt:    row.CreatedAt.UTC(),
		RepaidAt:     utcPointer(row.RepaidAt),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUnlockedBetConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintUnlockedBet
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintUniqueCode && strings.Contains(sqliteErr.Error(), sqliteUnlockedBetColumns)
	}
	return false
}

func isContention(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailureCode, pgDeadlockDetectedCode, pgLockNotAvailableCode:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}

var _ ledger.Store = (*Store)(nil)
