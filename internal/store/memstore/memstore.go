// Package memstore keeps ledger state in process memory.
//
// Transactions are serialized by a single mutex and applied to a private copy
// of the state, which replaces the shared state only when the callback
// succeeds.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
)

type state struct {
	accounts     map[string]ledger.Account
	transactions []ledger.Transaction
	pools        map[string]ledger.Pool
	bets         map[string]ledger.Bet
	loans        map[string]ledger.Loan
}

func newState() *state {
	return &state{
		accounts: make(map[string]ledger.Account),
		pools:    make(map[string]ledger.Pool),
		bets:     make(map[string]ledger.Bet),
		loans:    make(map[string]ledger.Loan),
	}
}

func (current *state) clone() *state {
	copied := &state{
		accounts:     make(map[string]ledger.Account, len(current.accounts)),
		transactions: slices.Clone(current.transactions),
		pools:        make(map[string]ledger.Pool, len(current.pools)),
		bets:         make(map[string]ledger.Bet, len(current.bets)),
		loans:        make(map[string]ledger.Loan, len(current.loans)),
	}
	for key, account := range current.accounts {
		copied.accounts[key] = account
	}
	for key, pool := range current.pools {
		pool.Options = slices.Clone(pool.Options)
		copied.pools[key] = pool
	}
	for key, bet := range current.bets {
		copied.bets[key] = bet
	}
	for key, loan := range current.loans {
		copied.loans[key] = loan
	}
	return copied
}

type shared struct {
	mu    sync.Mutex
	state *state
}

// Store implements ledger.Store in memory.
type Store struct {
	shared *shared
	tx     *state
}

// New returns an empty store.
func New() *Store {
	return &Store{shared: &shared{state: newState()}}
}

// WithTx runs fn against a private copy of the state and publishes it on success.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	working := store.shared.state.clone()
	if err := fn(ctx, &Store{shared: store.shared, tx: working}); err != nil {
		return err
	}
	store.shared.state = working
	return nil
}

func (store *Store) access(fn func(current *state) error) error {
	if store.tx != nil {
		return fn(store.tx)
	}
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	return fn(store.shared.state)
}

func (store *Store) CreateAccount(ctx context.Context, accountID ledger.AccountID, createdAt time.Time) (ledger.Account, bool, error) {
	var (
		account ledger.Account
		created bool
	)
	err := store.access(func(current *state) error {
		existing, ok := current.accounts[accountID.String()]
		if ok {
			account = existing
			return nil
		}
		account = ledger.Account{
			ID:        accountID,
			Level:     ledger.LevelForExperience(0),
			CreatedAt: createdAt,
		}
		current.accounts[accountID.String()] = account
		created = true
		return nil
	})
	return account, created, err
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var account ledger.Account
	err := store.access(func(current *state) error {
		var err error
		account, err = current.account(accountID)
		return err
	})
	return account, err
}

// LockAccount is GetAccount; the store mutex already serializes transactions.
func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *Store) AdjustBalance(ctx context.Context, accountID ledger.AccountID, delta int64) (ledger.Account, error) {
	var account ledger.Account
	err := store.access(func(current *state) error {
		var err error
		account, err = current.account(accountID)
		if err != nil {
			return err
		}
		if account.Balance+delta < 0 {
			return fmt.Errorf("%w: balance %d cannot cover %d", ledger.ErrInsufficientFunds, account.Balance, -delta)
		}
		account.Balance += delta
		current.accounts[accountID.String()] = account
		return nil
	})
	return account, err
}

func (store *Store) AdjustExperience(ctx context.Context, accountID ledger.AccountID, delta int64) (ledger.Account, error) {
	var account ledger.Account
	err := store.access(func(current *state) error {
		var err error
		account, err = current.account(accountID)
		if err != nil {
			return err
		}
		if account.Experience+delta < 0 {
			return fmt.Errorf("%w: experience cannot go negative", ledger.ErrInvalidAmount)
		}
		account.Experience += delta
		account.Level = ledger.LevelForExperience(account.Experience)
		current.accounts[accountID.String()] = account
		return nil
	})
	return account, err
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	return store.access(func(current *state) error {
		if _, err := current.account(transaction.AccountID); err != nil {
			return err
		}
		current.transactions = append(current.transactions, transaction)
		return nil
	})
}

func (store *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	var transactions []ledger.Transaction
	err := store.access(func(current *state) error {
		for index := len(current.transactions) - 1; index >= 0 && len(transactions) < limit; index-- {
			if current.transactions[index].AccountID == accountID {
				transactions = append(transactions, current.transactions[index])
			}
		}
		return nil
	})
	return transactions, err
}

func (store *Store) SumTransactions(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var sum int64
	err := store.access(func(current *state) error {
		for _, transaction := range current.transactions {
			if transaction.AccountID == accountID {
				sum += transaction.Amount
			}
		}
		return nil
	})
	return sum, err
}

func (store *Store) LatestTransactionOfKind(ctx context.Context, accountID ledger.AccountID, kind ledger.TransactionKind) (ledger.Transaction, error) {
	var latest ledger.Transaction
	err := store.access(func(current *state) error {
		for index := len(current.transactions) - 1; index >= 0; index-- {
			transaction := current.transactions[index]
			if transaction.AccountID == accountID && transaction.Kind == kind {
				latest = transaction
				return nil
			}
		}
		return fmt.Errorf("%w: no %s transaction for %s", ledger.ErrNotFound, kind, accountID.String())
	})
	return latest, err
}

func (store *Store) InsertPool(ctx context.Context, pool ledger.Pool) error {
	return store.access(func(current *state) error {
		if _, exists := current.pools[pool.ID]; exists {
			return fmt.Errorf("pool %s already exists", pool.ID)
		}
		pool.Options = slices.Clone(pool.Options)
		current.pools[pool.ID] = pool
		return nil
	})
}

func (store *Store) GetPool(ctx context.Context, poolID string) (ledger.Pool, error) {
	var pool ledger.Pool
	err := store.access(func(current *state) error {
		var err error
		pool, err = current.pool(poolID)
		return err
	})
	return pool, err
}

// LockPool is GetPool; the store mutex already serializes transactions.
func (store *Store) LockPool(ctx context.Context, poolID string) (ledger.Pool, error) {
	return store.GetPool(ctx, poolID)
}

func (store *Store) ListPoolsByStatus(ctx context.Context, status ledger.PoolStatus) ([]ledger.Pool, error) {
	var pools []ledger.Pool
	err := store.access(func(current *state) error {
		for _, pool := range current.pools {
			if pool.Status == status {
				pool.Options = slices.Clone(pool.Options)
				pools = append(pools, pool)
			}
		}
		return nil
	})
	sort.Slice(pools, func(left, right int) bool {
		if !pools[left].CreatedAt.Equal(pools[right].CreatedAt) {
			return pools[left].CreatedAt.After(pools[right].CreatedAt)
		}
		return pools[left].ID < pools[right].ID
	})
	return pools, err
}

func (store *Store) ListPoolIDsEndedBefore(ctx context.Context, status ledger.PoolStatus, cutoff time.Time) ([]string, error) {
	var pools []ledger.Pool
	err := store.access(func(current *state) error {
		for _, pool := range current.pools {
			if pool.Status == status && !pool.EndsAt.After(cutoff) {
				pools = append(pools, pool)
			}
		}
		return nil
	})
	sort.Slice(pools, func(left, right int) bool {
		return pools[left].EndsAt.Before(pools[right].EndsAt)
	})
	poolIDs := make([]string, 0, len(pools))
	for _, pool := range pools {
		poolIDs = append(poolIDs, pool.ID)
	}
	return poolIDs, err
}

func (store *Store) UpdatePoolStatus(ctx context.Context, poolID string, from ledger.PoolStatus, to ledger.PoolStatus, at time.Time) error {
	return store.access(func(current *state) error {
		pool, err := current.pool(poolID)
		if err != nil {
			return err
		}
		if pool.Status != from {
			return fmt.Errorf("%w: pool %s is %s, expected %s", ledger.ErrContention, poolID, pool.Status, from)
		}
		pool.Status = to
		if to == ledger.PoolStatusResolved {
			resolvedAt := at
			pool.ResolvedAt = &resolvedAt
		}
		current.pools[poolID] = pool
		return nil
	})
}

func (store *Store) AdjustPoolStake(ctx context.Context, poolID string, optionID string, betCountDelta int64, amountDelta int64) error {
	return store.access(func(current *state) error {
		pool, err := current.pool(poolID)
		if err != nil {
			return err
		}
		index := slices.IndexFunc(pool.Options, func(option ledger.Option) bool { return option.ID == optionID })
		if index < 0 {
			return fmt.Errorf("%w: option %s", ledger.ErrNotFound, optionID)
		}
		pool.Options[index].BetCount += betCountDelta
		pool.Options[index].StakedAmount += amountDelta
		pool.TotalStaked += amountDelta
		current.pools[poolID] = pool
		return nil
	})
}

func (store *Store) MarkWinningOption(ctx context.Context, poolID string, optionID string) error {
	return store.access(func(current *state) error {
		pool, err := current.pool(poolID)
		if err != nil {
			return err
		}
		index := slices.IndexFunc(pool.Options, func(option ledger.Option) bool { return option.ID == optionID })
		if index < 0 {
			return fmt.Errorf("%w: option %s", ledger.ErrNotFound, optionID)
		}
		pool.Options[index].Winner = true
		pool.WinningOptionID = optionID
		current.pools[poolID] = pool
		return nil
	})
}

func (store *Store) InsertBet(ctx context.Context, bet ledger.Bet) error {
	return store.access(func(current *state) error {
		for _, existing := range current.bets {
			if existing.AccountID == bet.AccountID && existing.PoolID == bet.PoolID && !existing.Locked() {
				return fmt.Errorf("%w: account %s on pool %s", ledger.ErrDuplicateBet, bet.AccountID.String(), bet.PoolID)
			}
		}
		current.bets[bet.ID] = bet
		return nil
	})
}

func (store *Store) GetUnlockedBet(ctx context.Context, accountID ledger.AccountID, poolID string) (ledger.Bet, error) {
	var bet ledger.Bet
	err := store.access(func(current *state) error {
		for _, existing := range current.bets {
			if existing.AccountID == accountID && existing.PoolID == poolID && !existing.Locked() {
				bet = existing
				return nil
			}
		}
		return fmt.Errorf("%w: no unlocked bet by %s on pool %s", ledger.ErrNotFound, accountID.String(), poolID)
	})
	return bet, err
}

func (store *Store) ListPoolBets(ctx context.Context, poolID string) ([]ledger.Bet, error) {
	bets := []ledger.Bet{}
	err := store.access(func(current *state) error {
		for _, bet := range current.bets {
			if bet.PoolID == poolID {
				bets = append(bets, bet)
			}
		}
		return nil
	})
	sort.Slice(bets, func(left, right int) bool {
		if !bets[left].CreatedAt.Equal(bets[right].CreatedAt) {
			return bets[left].CreatedAt.Before(bets[right].CreatedAt)
		}
		return bets[left].ID < bets[right].ID
	})
	return bets, err
}

func (store *Store) DeleteBet(ctx context.Context, betID string) error {
	return store.access(func(current *state) error {
		if _, ok := current.bets[betID]; !ok {
			return fmt.Errorf("%w: bet %s", ledger.ErrNotFound, betID)
		}
		delete(current.bets, betID)
		return nil
	})
}

func (store *Store) LockBet(ctx context.Context, betID string, at time.Time) (bool, error) {
	var changed bool
	err := store.access(func(current *state) error {
		bet, ok := current.bets[betID]
		if !ok {
			return fmt.Errorf("%w: bet %s", ledger.ErrNotFound, betID)
		}
		if bet.Locked() {
			return nil
		}
		lockedAt := at
		bet.LockedAt = &lockedAt
		current.bets[betID] = bet
		changed = true
		return nil
	})
	return changed, err
}

func (store *Store) LockBetsPlacedBefore(ctx context.Context, cutoff time.Time, at time.Time) (int64, error) {
	var locked int64
	err := store.access(func(current *state) error {
		for betID, bet := range current.bets {
			if bet.Locked() || bet.CreatedAt.After(cutoff) {
				continue
			}
			lockedAt := at
			bet.LockedAt = &lockedAt
			current.bets[betID] = bet
			locked++
		}
		return nil
	})
	return locked, err
}

func (store *Store) SetBetPayout(ctx context.Context, betID string, payout int64) error {
	return store.access(func(current *state) error {
		bet, ok := current.bets[betID]
		if !ok {
			return fmt.Errorf("%w: bet %s", ledger.ErrNotFound, betID)
		}
		bet.Payout = payout
		current.bets[betID] = bet
		return nil
	})
}

func (store *Store) InsertLoan(ctx context.Context, loan ledger.Loan) error {
	return store.access(func(current *state) error {
		if _, exists := current.loans[loan.ID]; exists {
			return fmt.Errorf("loan %s already exists", loan.ID)
		}
		current.loans[loan.ID] = loan
		return nil
	})
}

func (store *Store) GetLoan(ctx context.Context, loanID string) (ledger.Loan, error) {
	var loan ledger.Loan
	err := store.access(func(current *state) error {
		var err error
		loan, err = current.loan(loanID)
		return err
	})
	return loan, err
}

// LockLoan is GetLoan; the store mutex already serializes transactions.
func (store *Store) LockLoan(ctx context.Context, loanID string) (ledger.Loan, error) {
	return store.GetLoan(ctx, loanID)
}

func (store *Store) UpdateLoanStatus(ctx context.Context, loanID string, from ledger.LoanStatus, to ledger.LoanStatus, at time.Time) error {
	return store.access(func(current *state) error {
		loan, err := current.loan(loanID)
		if err != nil {
			return err
		}
		if loan.Status != from {
			return fmt.Errorf("%w: loan %s is %s, expected %s", ledger.ErrContention, loanID, loan.Status, from)
		}
		loan.Status = to
		if to == ledger.LoanStatusRepaid {
			repaidAt := at
			loan.RepaidAt = &repaidAt
		}
		current.loans[loanID] = loan
		return nil
	})
}

func (store *Store) UpdateLoanDueAt(ctx context.Context, loanID string, dueAt time.Time) error {
	return store.access(func(current *state) error {
		loan, err := current.loan(loanID)
		if err != nil {
			return err
		}
		loan.DueAt = dueAt
		current.loans[loanID] = loan
		return nil
	})
}

func (store *Store) ListLoansDueBefore(ctx context.Context, cutoff time.Time, includeReminded bool) ([]ledger.Loan, error) {
	var loans []ledger.Loan
	err := store.access(func(current *state) error {
		for _, loan := range current.loans {
			if loan.Status != ledger.LoanStatusActive || loan.DueAt.After(cutoff) {
				continue
			}
			if loan.ReminderSent && !includeReminded {
				continue
			}
			loans = append(loans, loan)
		}
		return nil
	})
	sort.Slice(loans, func(left, right int) bool {
		if !loans[left].DueAt.Equal(loans[right].DueAt) {
			return loans[left].DueAt.Before(loans[right].DueAt)
		}
		return loans[left].ID < loans[right].ID
	})
	return loans, err
}

func (store *Store) MarkLoanReminderSent(ctx context.Context, loanID string) (bool, error) {
	var changed bool
	err := store.access(func(current *state) error {
		loan, err := current.loan(loanID)
		if err != nil {
			return err
		}
		if loan.ReminderSent {
			return nil
		}
		loan.ReminderSent = true
		current.loans[loanID] = loan
		changed = true
		return nil
	})
	return changed, err
}

func (current *state) account(accountID ledger.AccountID) (ledger.Account, error) {
	account, ok := current.accounts[accountID.String()]
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: account %s", ledger.ErrNotFound, accountID.String())
	}
	return account, nil
}

func (current *state) pool(poolID string) (ledger.Pool, error) {
	pool, ok := current.pools[poolID]
	if !ok {
		return ledger.Pool{}, fmt.Errorf("%w: pool %s", ledger.ErrNotFound, poolID)
	}
	pool.Options = slices.Clone(pool.Options)
	return pool, nil
}

func (current *state) loan(loanID string) (ledger.Loan, error) {
	loan, ok := current.loans[loanID]
	if !ok {
		return ledger.Loan{}, fmt.Errorf("%w: loan %s", ledger.ErrNotFound, loanID)
	}
	return loan, nil
}

var _ ledger.Store = (*Store)(nil)
