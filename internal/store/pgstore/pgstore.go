package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintUnlockedBet      = "uniq_bets_unlocked_account_pool"
	pgUniqueViolationCode      = "23505"
	pgCheckViolationCode       = "23514"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	pgLockNotAvailableCode     = "55P03"
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectBalance        = "balance"
	errorSubjectPool           = "pool"
	errorSubjectBet            = "bet"
	errorSubjectLoan           = "loan"
	errorSubjectSchema         = "schema"
	errorSubjectTransaction    = "transaction"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeCreate            = "create"
	errorCodeDelete            = "delete"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLock              = "lock"
	errorCodeMigrate           = "migrate"
	errorCodeSum               = "sum"
	errorCodeUpdate            = "update"
	errorCodeUpdateStatus      = "update_status"

	sqlInsertAccount = `
		insert into accounts(account_id, balance, experience, level, created_at, updated_at)
		values ($1, 0, 0, 1, $2, $2)
		on conflict (account_id) do nothing
	`

	sqlSelectAccount = `
		select account_id, balance, experience, level, created_at
		from accounts where account_id = $1
	`

	sqlAdjustBalance = `
		update accounts set balance = balance + $2, updated_at = now()
		where account_id = $1 and balance + $2 >= 0
		returning account_id, balance, experience, level, created_at
	`

	sqlSetExperience = `
		update accounts set experience = $2, level = $3, updated_at = now()
		where account_id = $1
		returning account_id, balance, experience, level, created_at
	`

	sqlInsertTransaction = `
		insert into transactions(transaction_id, account_id, kind, amount, description, reference_id, metadata, created_at)
		values ($1, $2, $3, $4, $5, nullif($6::varchar, ''), coalesce(nullif($7::text, ''), '{}')::jsonb, $8)
	`

	sqlSelectTransactionColumns = `
		select transaction_id, account_id, kind, amount, description, coalesce(reference_id, ''), metadata::text, created_at
		from transactions
	`

	sqlSumTransactions = `select coalesce(sum(amount), 0) from transactions where account_id = $1`

	sqlInsertPool = `
		insert into pools(pool_id, title, description, creator_id, status, ends_at, total_staked, created_at)
		values ($1, $2, $3, $4, $5, $6, 0, $7)
	`

	sqlInsertOption = `
		insert into pool_options(option_id, pool_id, position, name)
		values ($1, $2, $3, $4)
	`

	sqlSelectPoolColumns = `
		select pool_id, title, description, creator_id, status, ends_at, total_staked, coalesce(winning_option_id, ''), created_at, resolved_at
		from pools
	`

	sqlSelectOptions = `
		select option_id, pool_id, position, name, bet_count, staked_amount, winner
		from pool_options where pool_id = any($1)
		order by pool_id, position
	`

	sqlUpdatePoolStatus = `
		update pools set status = $3::varchar, resolved_at = case when $3::varchar = 'resolved' then $4::timestamptz else resolved_at end
		where pool_id = $1 and status = $2
	`

	sqlAdjustOptionStake = `
		update pool_options set bet_count = bet_count + $3, staked_amount = staked_amount + $4
		where pool_id = $1 and option_id = $2
	`

	sqlAdjustPoolStake = `update pools set total_staked = total_staked + $2 where pool_id = $1`

	sqlMarkWinningOption = `update pool_options set winner = true where pool_id = $1 and option_id = $2`

	sqlSetWinningOption = `update pools set winning_option_id = $2 where pool_id = $1`

	sqlInsertBet = `
		insert into bets(bet_id, account_id, pool_id, option_id, amount, locked_at, payout, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlSelectBetColumns = `
		select bet_id, account_id, pool_id, option_id, amount, locked_at, payout, created_at
		from bets
	`

	sqlLockBet = `update bets set locked_at = $2 where bet_id = $1 and locked_at is null`

	sqlLockBetsPlacedBefore = `update bets set locked_at = $2 where locked_at is null and created_at <= $1`

	sqlInsertLoan = `
		insert into loans(loan_id, lender_id, borrower_id, principal, interest_rate, due_at, status, reminder_sent, created_at, repaid_at)
		values ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10)
	`

	sqlSelectLoanColumns = `
		select loan_id, lender_id, borrower_id, principal, interest_rate::text, due_at, status, reminder_sent, created_at, repaid_at
		from loans
	`

	sqlUpdateLoanStatus = `
		update loans set status = $3::varchar, repaid_at = case when $3::varchar = 'repaid' then $4::timestamptz else repaid_at end
		where loan_id = $1 and status = $2
	`
)

//go:embed schema.sql
var schemaSQL string

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool. Outside WithTx
// each call runs in autocommit mode.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Open parses the connection string, connects and pings the database.
func Open(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, classify(err))
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, classify(err))
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, accountID ledger.AccountID, createdAt time.Time) (ledger.Account, bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertAccount, accountID.String(), createdAt.UTC())
	if err != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return account, tag.RowsAffected() == 1, nil
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccount, accountID, errorCodeGet)
}

func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccount+" for update", accountID, errorCodeLock)
}

func (store *Store) selectAccount(ctx context.Context, query string, accountID ledger.AccountID, code string) (ledger.Account, error) {
	account, err := scanAccount(store.db.QueryRow(ctx, query, accountID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, fmt.Errorf("%w: account %s", ledger.ErrNotFound, accountID.String()))
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	return account, nil
}

func (store *Store) AdjustBalance(ctx context.Context, accountID ledger.AccountID, delta int64) (ledger.Account, error) {
	account, err := scanAccount(store.db.QueryRow(ctx, sqlAdjustBalance, accountID.String(), delta))
	if errors.Is(err, pgx.ErrNoRows) {
		current, lookupErr := store.GetAccount(ctx, accountID)
		if lookupErr != nil {
			return ledger.Account{}, lookupErr
		}
		return ledger.Account{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate,
			fmt.Errorf("%w: balance %d cannot cover %d", ledger.ErrInsufficientFunds, current.Balance, -delta))
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return account, nil
}

func (store *Store) AdjustExperience(ctx context.Context, accountID ledger.AccountID, delta int64) (ledger.Account, error) {
	current, err := store.LockAccount(ctx, accountID)
	if err != nil {
		return ledger.Account{}, err
	}
	experience := current.Experience + delta
	if experience < 0 {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, fmt.Errorf("%w: experience cannot go negative", ledger.ErrInvalidAmount))
	}
	account, err := scanAccount(store.db.QueryRow(ctx, sqlSetExperience, accountID.String(), experience, ledger.LevelForExperience(experience)))
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return account, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.AccountID.String(),
		transaction.Kind.String(),
		transaction.Amount,
		transaction.Description,
		transaction.ReferenceID,
		transaction.Metadata.String(),
		transaction.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlSelectTransactionColumns+" where account_id = $1 order by created_at desc, transaction_id desc limit $2", accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Transaction, error) {
		return scanTransaction(row)
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) SumTransactions(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumTransactions, accountID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) LatestTransactionOfKind(ctx context.Context, accountID ledger.AccountID, kind ledger.TransactionKind) (ledger.Transaction, error) {
	row := store.db.QueryRow(ctx, sqlSelectTransactionColumns+" where account_id = $1 and kind = $2 order by created_at desc limit 1", accountID.String(), kind.String())
	transaction, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, fmt.Errorf("%w: no %s transaction", ledger.ErrNotFound, kind))
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) InsertPool(ctx context.Context, pool ledger.Pool) error {
	_, err := store.db.Exec(ctx, sqlInsertPool,
		pool.ID, pool.Title, pool.Description, pool.CreatorID.String(), pool.Status.String(), pool.EndsAt.UTC(), pool.CreatedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeInsert, err)
	}
	for _, option := range pool.Options {
		if _, err := store.db.Exec(ctx, sqlInsertOption, option.ID, pool.ID, option.Position, option.Name); err != nil {
			return wrapStoreError(errorSubjectPool, errorCodeInsert, err)
		}
	}
	return nil
}

func (store *Store) GetPool(ctx context.Context, poolID string) (ledger.Pool, error) {
	return store.selectPool(ctx, sqlSelectPoolColumns+" where pool_id = $1", poolID, errorCodeGet)
}

func (store *Store) LockPool(ctx context.Context, poolID string) (ledger.Pool, error) {
	return store.selectPool(ctx, sqlSelectPoolColumns+" where pool_id = $1 for update", poolID, errorCodeLock)
}

func (store *Store) selectPool(ctx context.Context, query string, poolID string, code string) (ledger.Pool, error) {
	pool, err := scanPool(store.db.QueryRow(ctx, query, poolID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Pool{}, wrapStoreError(errorSubjectPool, code, fmt.Errorf("%w: pool %s", ledger.ErrNotFound, poolID))
	}
	if err != nil {
		return ledger.Pool{}, wrapStoreError(errorSubjectPool, code, err)
	}
	pools, err := store.attachOptions(ctx, []ledger.Pool{pool})
	if err != nil {
		return ledger.Pool{}, err
	}
	return pools[0], nil
}

func (store *Store) ListPoolsByStatus(ctx context.Context, status ledger.PoolStatus) ([]ledger.Pool, error) {
	rows, err := store.db.Query(ctx, sqlSelectPoolColumns+" where status = $1 order by created_at desc, pool_id", status.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	pools, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Pool, error) {
		return scanPool(row)
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	return store.attachOptions(ctx, pools)
}

func (store *Store) ListPoolIDsEndedBefore(ctx context.Context, status ledger.PoolStatus, cutoff time.Time) ([]string, error) {
	rows, err := store.db.Query(ctx, "select pool_id from pools where status = $1 and ends_at <= $2 order by ends_at", status.String(), cutoff.UTC())
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	poolIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	return poolIDs, nil
}

func (store *Store) UpdatePoolStatus(ctx context.Context, poolID string, from ledger.PoolStatus, to ledger.PoolStatus, at time.Time) error {
	tag, err := store.db.Exec(ctx, sqlUpdatePoolStatus, poolID, from.String(), to.String(), at.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetPool(ctx, poolID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectPool, errorCodeUpdateStatus, fmt.Errorf("%w: pool %s left status %s", ledger.ErrContention, poolID, from))
	}
	return nil
}

func (store *Store) AdjustPoolStake(ctx context.Context, poolID string, optionID string, betCountDelta int64, amountDelta int64) error {
	tag, err := store.db.Exec(ctx, sqlAdjustOptionStake, poolID, optionID, betCountDelta, amountDelta)
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, fmt.Errorf("%w: option %s", ledger.ErrNotFound, optionID))
	}
	if _, err := store.db.Exec(ctx, sqlAdjustPoolStake, poolID, amountDelta); err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) MarkWinningOption(ctx context.Context, poolID string, optionID string) error {
	tag, err := store.db.Exec(ctx, sqlMarkWinningOption, poolID, optionID)
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, fmt.Errorf("%w: option %s", ledger.ErrNotFound, optionID))
	}
	if _, err := store.db.Exec(ctx, sqlSetWinningOption, poolID, optionID); err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertBet(ctx context.Context, bet ledger.Bet) error {
	_, err := store.db.Exec(ctx, sqlInsertBet,
		bet.ID, bet.AccountID.String(), bet.PoolID, bet.OptionID, bet.Amount, utcPointer(bet.LockedAt), bet.Payout, bet.CreatedAt.UTC())
	if isUnlockedBetConflict(err) {
		return wrapStoreError(errorSubjectBet, errorCodeDuplicate, ledger.ErrDuplicateBet)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBet, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetUnlockedBet(ctx context.Context, accountID ledger.AccountID, poolID string) (ledger.Bet, error) {
	row := store.db.QueryRow(ctx, sqlSelectBetColumns+" where account_id = $1 and pool_id = $2 and locked_at is null", accountID.String(), poolID)
	bet, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Bet{}, wrapStoreError(errorSubjectBet, errorCodeGet, fmt.Errorf("%w: no unlocked bet on pool %s", ledger.ErrNotFound, poolID))
	}
	if err != nil {
		return ledger.Bet{}, wrapStoreError(errorSubjectBet, errorCodeGet, err)
	}
	return bet, nil
}

func (store *Store) ListPoolBets(ctx context.Context, poolID string) ([]ledger.Bet, error) {
	rows, err := store.db.Query(ctx, sqlSelectBetColumns+" where pool_id = $1 order by created_at, bet_id", poolID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBet, errorCodeList, err)
	}
	bets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Bet, error) {
		return scanBet(row)
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectBet, errorCodeList, err)
	}
	return bets, nil
}

func (store *Store) DeleteBet(ctx context.Context, betID string) error {
	tag, err := store.db.Exec(ctx, "delete from bets where bet_id = $1", betID)
	if err != nil {
		return wrapStoreError(errorSubjectBet, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBet, errorCodeDelete, fmt.Errorf("%w: bet %s", ledger.ErrNotFound, betID))
	}
	return nil
}

func (store *Store) LockBet(ctx context.Context, betID string, at time.Time) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlLockBet, betID, at.UTC())
	if err != nil {
		return false, wrapStoreError(errorSubjectBet, errorCodeLock, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, "select exists(select 1 from bets where bet_id = $1)", betID).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectBet, errorCodeLock, err)
	}
	if !exists {
		return false, wrapStoreError(errorSubjectBet, errorCodeLock, fmt.Errorf("%w: bet %s", ledger.ErrNotFound, betID))
	}
	return false, nil
}

func (store *Store) LockBetsPlacedBefore(ctx context.Context, cutoff time.Time, at time.Time) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlLockBetsPlacedBefore, cutoff.UTC(), at.UTC())
	if err != nil {
		return 0, wrapStoreError(errorSubjectBet, errorCodeLock, err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) SetBetPayout(ctx context.Context, betID string, payout int64) error {
	tag, err := store.db.Exec(ctx, "update bets set payout = $2 where bet_id = $1", betID, payout)
	if err != nil {
		return wrapStoreError(errorSubjectBet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBet, errorCodeUpdate, fmt.Errorf("%w: bet %s", ledger.ErrNotFound, betID))
	}
	return nil
}

func (store *Store) InsertLoan(ctx context.Context, loan ledger.Loan) error {
	_, err := store.db.Exec(ctx, sqlInsertLoan,
		loan.ID,
		loan.LenderID.String(),
		loan.BorrowerID.String(),
		loan.Principal,
		loan.InterestRate.String(),
		loan.DueAt.UTC(),
		loan.Status.String(),
		loan.ReminderSent,
		loan.CreatedAt.UTC(),
		utcPointer(loan.RepaidAt),
	)
	if err != nil {
		return wrapStoreError(errorSubjectLoan, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetLoan(ctx context.Context, loanID string) (ledger.Loan, error) {
	return store.selectLoan(ctx, sqlSelectLoanColumns+" where loan_id = $1", loanID, errorCodeGet)
}

func (store *Store) LockLoan(ctx context.Context, loanID string) (ledger.Loan, error) {
	return store.selectLoan(ctx, sqlSelectLoanColumns+" where loan_id = $1 for update", loanID, errorCodeLock)
}

func (store *Store) selectLoan(ctx context.Context, query string, loanID string, code string) (ledger.Loan, error) {
	loan, err := scanLoan(store.db.QueryRow(ctx, query, loanID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Loan{}, wrapStoreError(errorSubjectLoan, code, fmt.Errorf("%w: loan %s", ledger.ErrNotFound, loanID))
	}
	if err != nil {
		return ledger.Loan{}, wrapStoreError(errorSubjectLoan, code, err)
	}
	return loan, nil
}

func (store *Store) UpdateLoanStatus(ctx context.Context, loanID string, from ledger.LoanStatus, to ledger.LoanStatus, at time.Time) error {
	tag, err := store.db.Exec(ctx, sqlUpdateLoanStatus, loanID, from.String(), to.String(), at.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectLoan, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetLoan(ctx, loanID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectLoan, errorCodeUpdateStatus, fmt.Errorf("%w: loan %s left status %s", ledger.ErrContention, loanID, from))
	}
	return nil
}

func (store *Store) UpdateLoanDueAt(ctx context.Context, loanID string, dueAt time.Time) error {
	tag, err := store.db.Exec(ctx, "update loans set due_at = $2 where loan_id = $1", loanID, dueAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectLoan, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectLoan, errorCodeUpdate, fmt.Errorf("%w: loan %s", ledger.ErrNotFound, loanID))
	}
	return nil
}

func (store *Store) ListLoansDueBefore(ctx context.Context, cutoff time.Time, includeReminded bool) ([]ledger.Loan, error) {
	rows, err := store.db.Query(ctx,
		sqlSelectLoanColumns+" where status = 'active' and due_at <= $1 and ($2::boolean or not reminder_sent) order by due_at, loan_id",
		cutoff.UTC(), includeReminded)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLoan, errorCodeList, err)
	}
	loans, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Loan, error) {
		return scanLoan(row)
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectLoan, errorCodeList, err)
	}
	return loans, nil
}

func (store *Store) MarkLoanReminderSent(ctx context.Context, loanID string) (bool, error) {
	tag, err := store.db.Exec(ctx, "update loans set reminder_sent = true where loan_id = $1 and not reminder_sent", loanID)
	if err != nil {
		return false, wrapStoreError(errorSubjectLoan, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := store.GetLoan(ctx, loanID); err != nil {
		return false, err
	}
	return false, nil
}

func (store *Store) attachOptions(ctx context.Context, pools []ledger.Pool) ([]ledger.Pool, error) {
	if len(pools) == 0 {
		return []ledger.Pool{}, nil
	}
	poolIDs := make([]string, 0, len(pools))
	for _, pool := range pools {
		poolIDs = append(poolIDs, pool.ID)
	}
	rows, err := store.db.Query(ctx, sqlSelectOptions, poolIDs)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	options, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Option, error) {
		var option ledger.Option
		err := row.Scan(&option.ID, &option.PoolID, &option.Position, &option.Name, &option.BetCount, &option.StakedAmount, &option.Winner)
		return option, err
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	optionsByPool := make(map[string][]ledger.Option, len(pools))
	for _, option := range options {
		optionsByPool[option.PoolID] = append(optionsByPool[option.PoolID], option)
	}
	for index := range pools {
		pools[index].Options = optionsByPool[pools[index].ID]
		if pools[index].Options == nil {
			pools[index].Options = []ledger.Option{}
		}
	}
	return pools, nil
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		accountIDValue string
		account        ledger.Account
	)
	if err := row.Scan(&accountIDValue, &account.Balance, &account.Experience, &account.Level, &account.CreatedAt); err != nil {
		return ledger.Account{}, err
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.Account{}, err
	}
	account.ID = accountID
	account.CreatedAt = account.CreatedAt.UTC()
	return account, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transaction    ledger.Transaction
		accountIDValue string
		kindValue      string
		metadataValue  string
	)
	if err := row.Scan(&transaction.ID, &accountIDValue, &kindValue, &transaction.Amount, &transaction.Description, &transaction.ReferenceID, &metadataValue, &transaction.CreatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(kindValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction.AccountID = accountID
	transaction.Kind = kind
	transaction.Metadata = metadata
	transaction.CreatedAt = transaction.CreatedAt.UTC()
	return transaction, nil
}

func scanPool(row pgx.Row) (ledger.Pool, error) {
	var (
		pool         ledger.Pool
		creatorValue string
		statusValue  string
	)
	if err := row.Scan(&pool.ID, &pool.Title, &pool.Description, &creatorValue, &statusValue, &pool.EndsAt, &pool.TotalStaked, &pool.WinningOptionID, &pool.CreatedAt, &pool.ResolvedAt); err != nil {
		return ledger.Pool{}, err
	}
	creatorID, err := ledger.NewAccountID(creatorValue)
	if err != nil {
		return ledger.Pool{}, err
	}
	status, err := ledger.ParsePoolStatus(statusValue)
	if err != nil {
		return ledger.Pool{}, err
	}
	pool.CreatorID = creatorID
	pool.Status = status
	pool.EndsAt = pool.EndsAt.UTC()
	pool.CreatedAt = pool.CreatedAt.UTC()
	pool.ResolvedAt = utcPointer(pool.ResolvedAt)
	return pool, nil
}

func scanBet(row pgx.Row) (ledger.Bet, error) {
	var (
		bet            ledger.Bet
		accountIDValue string
	)
	if err := row.Scan(&bet.ID, &accountIDValue, &bet.PoolID, &bet.OptionID, &bet.Amount, &bet.LockedAt, &bet.Payout, &bet.CreatedAt); err != nil {
		return ledger.Bet{}, err
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.Bet{}, err
	}
	bet.AccountID = accountID
	bet.LockedAt = utcPointer(bet.LockedAt)
	bet.CreatedAt = bet.CreatedAt.UTC()
	return bet, nil
}

func scanLoan(row pgx.Row) (ledger.Loan, error) {
	var (
		loan          ledger.Loan
		lenderValue   string
		borrowerValue string
		rateValue     string
		statusValue   string
	)
	if err := row.Scan(&loan.ID, &lenderValue, &borrowerValue, &loan.Principal, &rateValue, &loan.DueAt, &statusValue, &loan.ReminderSent, &loan.CreatedAt, &loan.RepaidAt); err != nil {
		return ledger.Loan{}, err
	}
	lenderID, err := ledger.NewAccountID(lenderValue)
	if err != nil {
		return ledger.Loan{}, err
	}
	borrowerID, err := ledger.NewAccountID(borrowerValue)
	if err != nil {
		return ledger.Loan{}, err
	}
	rate, err := decimal.NewFromString(rateValue)
	if err != nil {
		return ledger.Loan{}, fmt.Errorf("%w: %v", ledger.ErrInvalidRate, err)
	}
	status, err := ledger.ParseLoanStatus(statusValue)
	if err != nil {
		return ledger.Loan{}, err
	}
	loan.LenderID = lenderID
	loan.BorrowerID = borrowerID
	loan.InterestRate = rate
	loan.Status = status
	loan.DueAt = loan.DueAt.UTC()
	loan.CreatedAt = loan.CreatedAt.UTC()
	loan.RepaidAt = utcPointer(loan.RepaidAt)
	return loan, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// classify maps lock and serialization failures onto ledger.ErrContention.
func classify(err error) error {
	if err == nil || errors.Is(err, ledger.ErrContention) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailureCode, pgDeadlockDetectedCode, pgLockNotAvailableCode:
		return fmt.Errorf("%w: %v", ledger.ErrContention, err)
	case pgCheckViolationCode:
		return fmt.Errorf("%w: %v", ledger.ErrInsufficientFunds, err)
	}
	return err
}

func isUnlockedBetConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintUnlockedBet
	}
	return false
}

var _ ledger.Store = (*Store)(nil)
