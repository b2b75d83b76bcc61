package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WithBetLockGrace sets the change-of-mind window during which a bet may be cancelled.
func WithBetLockGrace(grace time.Duration) ServiceOption {
	return func(service *Service) {
		service.betLockGrace = grace
	}
}

// CreatePool opens a pool in the active state with the given options.
func (service *Service) CreatePool(ctx context.Context, request PoolRequest) (Pool, error) {
	pool, err := service.newPool(request)
	if err != nil {
		return Pool{}, err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, _, err := service.ensureAccount(ctx, transactionStore, pool.CreatorID); err != nil {
			return err
		}
		return transactionStore.InsertPool(ctx, pool)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreatePool,
		AccountID: request.CreatorID,
		PoolID:    pool.ID,
		Count:     int64(len(pool.Options)),
		Error:     operationError,
	})
	if operationError != nil {
		return Pool{}, operationError
	}
	return pool, nil
}

func (service *Service) newPool(request PoolRequest) (Pool, error) {
	if request.CreatorID.IsZero() {
		return Pool{}, fmt.Errorf("%w: creator is required", ErrInvalidAccountID)
	}
	title := strings.TrimSpace(request.Title)
	if title == "" || len([]rune(title)) > maximumTitleLength {
		return Pool{}, fmt.Errorf("%w: must be between 1 and %d characters", ErrInvalidPoolTitle, maximumTitleLength)
	}
	if request.Duration <= 0 {
		return Pool{}, fmt.Errorf("%w: pool duration must be positive", ErrInvalidDuration)
	}
	if len(request.Options) < minimumPoolOptions {
		return Pool{}, fmt.Errorf("%w: at least %d options are required, got %d", ErrInvalidOptions, minimumPoolOptions, len(request.Options))
	}
	now := service.nowFn()
	pool := Pool{
		ID:          uuid.NewString(),
		Title:       title,
		Description: truncate(strings.TrimSpace(request.Description), maximumDescription),
		CreatorID:   request.CreatorID,
		Status:      PoolStatusActive,
		EndsAt:      now.Add(request.Duration),
		CreatedAt:   now,
		Options:     make([]Option, 0, len(request.Options)),
	}
	seen := make(map[string]struct{}, len(request.Options))
	for position, rawName := range request.Options {
		name := strings.TrimSpace(rawName)
		if name == "" || len([]rune(name)) > maximumOptionLength {
			return Pool{}, fmt.Errorf("%w: option %d must be between 1 and %d characters", ErrInvalidOptions, position+1, maximumOptionLength)
		}
		key := strings.ToLower(name)
		if _, duplicate := seen[key]; duplicate {
			return Pool{}, fmt.Errorf("%w: duplicate option %q", ErrInvalidOptions, name)
		}
		seen[key] = struct{}{}
		pool.Options = append(pool.Options, Option{
			ID:       uuid.NewString(),
			PoolID:   pool.ID,
			Position: position,
			Name:     name,
		})
	}
	return pool, nil
}

// GetPool returns a pool with its options.
func (service *Service) GetPool(ctx context.Context, poolID string) (Pool, error) {
	return service.store.GetPool(ctx, poolID)
}

// ListActivePools returns the pools accepting bets, newest first.
func (service *Service) ListActivePools(ctx context.Context) ([]Pool, error) {
	return service.store.ListPoolsByStatus(ctx, PoolStatusActive)
}

// ListPoolBets returns every bet of a pool.
func (service *Service) ListPoolBets(ctx context.Context, poolID string) ([]Bet, error) {
	if _, err := service.store.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return service.store.ListPoolBets(ctx, poolID)
}

// PlaceBet debits the stake and records an unlocked bet on one option of an active pool.
func (service *Service) PlaceBet(ctx context.Context, accountID AccountID, poolID string, optionID string, amount int64) (Bet, error) {
	if accountID.IsZero() {
		return Bet{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if amount < 1 {
		return Bet{}, fmt.Errorf("%w: stake must be at least 1", ErrInvalidAmount)
	}
	var bet Bet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		pool, err := transactionStore.LockPool(ctx, poolID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		if !pool.AcceptsBets(now) {
			return fmt.Errorf("%w: pool %s is %s", ErrPoolNotActive, pool.ID, pool.Status)
		}
		if _, ok := pool.Option(optionID); !ok {
			return fmt.Errorf("%w: option %s is not part of pool %s", ErrUnknownOption, optionID, pool.ID)
		}
		_, err = transactionStore.GetUnlockedBet(ctx, accountID, pool.ID)
		if err == nil {
			return fmt.Errorf("%w: account %s already has an unlocked bet on pool %s", ErrDuplicateBet, accountID.String(), pool.ID)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		bet = Bet{
			ID:        uuid.NewString(),
			AccountID: accountID,
			PoolID:    pool.ID,
			OptionID:  optionID,
			Amount:    amount,
			CreatedAt: now,
		}
		if _, err := service.applyTransaction(ctx, transactionStore, TransactionRequest{
			AccountID:   accountID,
			Kind:        KindBetPlaced,
			Amount:      -amount,
			Description: "bet on " + pool.Title,
			ReferenceID: pool.ID,
			Metadata:    metadataFrom(map[string]any{"bet_id": bet.ID, "option_id": optionID}),
		}); err != nil {
			return err
		}
		if err := transactionStore.InsertBet(ctx, bet); err != nil {
			return err
		}
		return transactionStore.AdjustPoolStake(ctx, pool.ID, optionID, 1, amount)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationPlaceBet,
		AccountID: accountID,
		PoolID:    poolID,
		BetID:     bet.ID,
		Kind:      KindBetPlaced,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return Bet{}, operationError
	}
	return bet, nil
}

// LockBet makes the account's unlocked bet on a pool immutable. Locking an
// already-locked bet returns it unchanged.
func (service *Service) LockBet(ctx context.Context, accountID AccountID, poolID string) (Bet, error) {
	var (
		bet     Bet
		changed bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.LockPool(ctx, poolID); err != nil {
			return err
		}
		unlocked, err := transactionStore.GetUnlockedBet(ctx, accountID, poolID)
		if errors.Is(err, ErrNotFound) {
			bet, err = latestLockedBet(ctx, transactionStore, accountID, poolID)
			return err
		}
		if err != nil {
			return err
		}
		now := service.nowFn()
		changed, err = transactionStore.LockBet(ctx, unlocked.ID, now)
		if err != nil {
			return err
		}
		bet = unlocked
		bet.LockedAt = &now
		return nil
	})
	entry := OperationLog{
		Operation: operationLockBet,
		AccountID: accountID,
		PoolID:    poolID,
		BetID:     bet.ID,
		Error:     operationError,
	}
	if operationError == nil && !changed {
		entry.Status = operationStatusNoop
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return Bet{}, operationError
	}
	return bet, nil
}

// CancelBet refunds an unlocked bet within the change-of-mind window and removes it.
func (service *Service) CancelBet(ctx context.Context, accountID AccountID, poolID string) (Bet, error) {
	var bet Bet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		pool, err := transactionStore.LockPool(ctx, poolID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		if !pool.AcceptsBets(now) {
			return fmt.Errorf("%w: pool %s is %s", ErrPoolNotActive, pool.ID, pool.Status)
		}
		bet, err = transactionStore.GetUnlockedBet(ctx, accountID, pool.ID)
		if errors.Is(err, ErrNotFound) {
			if _, lockedErr := latestLockedBet(ctx, transactionStore, accountID, pool.ID); lockedErr == nil {
				return fmt.Errorf("%w: bet on pool %s can no longer change", ErrBetLocked, pool.ID)
			}
			return err
		}
		if err != nil {
			return err
		}
		if service.betLockGrace > 0 && !now.Before(bet.CreatedAt.Add(service.betLockGrace)) {
			return fmt.Errorf("%w: change window of %s elapsed", ErrBetLocked, service.betLockGrace)
		}
		if _, err := service.applyTransaction(ctx, transactionStore, TransactionRequest{
			AccountID:   accountID,
			Kind:        KindBetPlaced,
			Amount:      bet.Amount,
			Description: "bet cancelled on " + pool.Title,
			ReferenceID: pool.ID,
			Metadata:    metadataFrom(map[string]any{"bet_id": bet.ID, "reversal": true}),
		}); err != nil {
			return err
		}
		if err := transactionStore.DeleteBet(ctx, bet.ID); err != nil {
			return err
		}
		return transactionStore.AdjustPoolStake(ctx, pool.ID, bet.OptionID, -1, -bet.Amount)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCancelBet,
		AccountID: accountID,
		PoolID:    poolID,
		BetID:     bet.ID,
		Kind:      KindBetPlaced,
		Amount:    bet.Amount,
		Error:     operationError,
	})
	if operationError != nil {
		return Bet{}, operationError
	}
	return bet, nil
}

// LockBetsPastGrace locks every unlocked bet placed at least grace ago.
func (service *Service) LockBetsPastGrace(ctx context.Context, grace time.Duration) (int64, error) {
	if grace < 0 {
		return 0, fmt.Errorf("%w: grace must not be negative", ErrInvalidDuration)
	}
	now := service.nowFn()
	var locked int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		locked, err = transactionStore.LockBetsPlacedBefore(ctx, now.Add(-grace), now)
		return err
	})
	entry := OperationLog{
		Operation: operationLockBetsPastGrace,
		Count:     locked,
		Error:     operationError,
	}
	if operationError == nil && locked == 0 {
		entry.Status = operationStatusNoop
	}
	service.logOperation(ctx, entry)
	return locked, operationError
}

// ExpirePool closes an active pool whose end time has passed. It is a no-op
// for pools that are not active or not yet due.
func (service *Service) ExpirePool(ctx context.Context, poolID string) (Pool, error) {
	pool, _, err := service.expirePool(ctx, poolID)
	return pool, err
}

// ExpireDuePools expires every active pool whose end time has passed and
// returns how many changed state. Failures on one pool do not stop the sweep.
func (service *Service) ExpireDuePools(ctx context.Context) (int, error) {
	poolIDs, err := service.store.ListPoolIDsEndedBefore(ctx, PoolStatusActive, service.nowFn())
	if err != nil {
		return 0, err
	}
	var (
		expired int
		errs    []error
	)
	for _, poolID := range poolIDs {
		_, changed, err := service.expirePool(ctx, poolID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (service *Service) expirePool(ctx context.Context, poolID string) (Pool, bool, error) {
	var (
		pool    Pool
		changed bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		pool, err = transactionStore.LockPool(ctx, poolID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		if pool.Status != PoolStatusActive || now.Before(pool.EndsAt) {
			return nil
		}
		if err := transactionStore.UpdatePoolStatus(ctx, pool.ID, PoolStatusActive, PoolStatusExpired, now); err != nil {
			return err
		}
		pool.Status = PoolStatusExpired
		changed = true
		return nil
	})
	entry := OperationLog{
		Operation: operationExpirePool,
		PoolID:    poolID,
		Error:     operationError,
	}
	if operationError == nil && !changed {
		entry.Status = operationStatusNoop
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return Pool{}, false, operationError
	}
	return pool, changed, nil
}

// ResolvePool settles a pool with the service's default house cut.
func (service *Service) ResolvePool(ctx context.Context, poolID string, winningOptionID string) (SettlementResult, error) {
	return service.ResolvePoolWithHouseCut(ctx, poolID, winningOptionID, service.houseCut)
}

// ResolvePoolWithHouseCut marks the winning option, pays every locked winning
// bet its proportional share of the distributable pot and closes the pool.
func (service *Service) ResolvePoolWithHouseCut(ctx context.Context, poolID string, winningOptionID string, cut HouseCut) (SettlementResult, error) {
	var result SettlementResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		pool, err := transactionStore.LockPool(ctx, poolID)
		if err != nil {
			return err
		}
		if pool.Status == PoolStatusResolved {
			return fmt.Errorf("%w: pool %s", ErrPoolAlreadyResolved, pool.ID)
		}
		if _, ok := pool.Option(winningOptionID); !ok {
			return fmt.Errorf("%w: option %s is not part of pool %s", ErrUnknownOption, winningOptionID, pool.ID)
		}
		bets, err := transactionStore.ListPoolBets(ctx, pool.ID)
		if err != nil {
			return err
		}
		if staked := sumStakes(bets); staked != pool.TotalStaked {
			return fmt.Errorf("pool %s stake aggregate %d does not match bets %d", pool.ID, pool.TotalStaked, staked)
		}
		result = computeSettlement(pool, bets, winningOptionID, cut)
		if err := transactionStore.MarkWinningOption(ctx, pool.ID, winningOptionID); err != nil {
			return err
		}
		now := service.nowFn()
		for _, bet := range bets {
			if bet.Locked() {
				continue
			}
			if _, err := transactionStore.LockBet(ctx, bet.ID, now); err != nil {
				return err
			}
		}
		for _, payout := range result.Payouts {
			if payout.Amount > 0 {
				if _, err := service.applyTransaction(ctx, transactionStore, TransactionRequest{
					AccountID:   payout.AccountID,
					Kind:        KindBetWon,
					Amount:      payout.Amount,
					Description: "winnings from " + pool.Title,
					ReferenceID: pool.ID,
					Metadata:    metadataFrom(map[string]any{"bet_id": payout.BetID, "stake": payout.Stake}),
				}); err != nil {
					return err
				}
			}
			if err := transactionStore.SetBetPayout(ctx, payout.BetID, payout.Amount); err != nil {
				return err
			}
		}
		return transactionStore.UpdatePoolStatus(ctx, pool.ID, pool.Status, PoolStatusResolved, now)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationResolvePool,
		PoolID:      poolID,
		ReferenceID: winningOptionID,
		Kind:        KindBetWon,
		Amount:      result.Paid,
		Count:       int64(len(result.Payouts)),
		Error:       operationError,
	})
	if operationError != nil {
		return SettlementResult{}, operationError
	}
	return result, nil
}

func latestLockedBet(ctx context.Context, transactionStore Store, accountID AccountID, poolID string) (Bet, error) {
	bets, err := transactionStore.ListPoolBets(ctx, poolID)
	if err != nil {
		return Bet{}, err
	}
	var (
		latest Bet
		found  bool
	)
	for _, bet := range bets {
		if bet.AccountID != accountID || !bet.Locked() {
			continue
		}
		if !found || bet.CreatedAt.After(latest.CreatedAt) {
			latest = bet
			found = true
		}
	}
	if !found {
		return Bet{}, fmt.Errorf("%w: no bet by %s on pool %s", ErrNotFound, accountID.String(), poolID)
	}
	return latest, nil
}

func sumStakes(bets []Bet) int64 {
	var total int64
	for _, bet := range bets {
		total += bet.Amount
	}
	return total
}
