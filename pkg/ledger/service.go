package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store           Store
	nowFn           func() time.Time
	loggers         []OperationLogger
	startingBalance int64
	dailyBonus      int64
	houseCut        HouseCut
	betLockGrace    time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		nowFn:           now,
		startingBalance: DefaultStartingBalance,
		dailyBonus:      DefaultDailyBonus,
		betLockGrace:    DefaultBetLockGrace,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.startingBalance < 0 {
		return nil, fmt.Errorf("%w: starting balance must not be negative", ErrInvalidServiceConfig)
	}
	if service.dailyBonus <= 0 {
		return nil, fmt.Errorf("%w: daily bonus must be greater than zero", ErrInvalidServiceConfig)
	}
	if service.betLockGrace < 0 {
		return nil, fmt.Errorf("%w: bet lock grace must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// GetOrCreateAccount returns the account, creating it with the starting balance on first touch.
func (service *Service) GetOrCreateAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if accountID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	var (
		account Account
		created bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		account, created, err = service.ensureAccount(ctx, transactionStore, accountID)
		return err
	})
	if created || operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationGetOrCreateAccount,
			AccountID: accountID,
			Kind:      KindGrant,
			Amount:    service.startingBalance,
			Error:     operationError,
		})
	}
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// GetAccount returns an existing account or ErrNotFound.
func (service *Service) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if accountID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return service.store.GetAccount(ctx, accountID)
}

// ApplyTransaction appends one transaction and moves the cached balance by its amount.
// It is the only path that changes a balance.
func (service *Service) ApplyTransaction(ctx context.Context, request TransactionRequest) (Account, error) {
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		account, err = service.applyTransaction(ctx, transactionStore, request)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationApplyTransaction,
		AccountID:   request.AccountID,
		ReferenceID: request.ReferenceID,
		Kind:        request.Kind,
		Amount:      request.Amount,
		Error:       operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// ListTransactions returns the newest transactions of an account.
func (service *Service) ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error) {
	if accountID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return service.store.ListTransactions(ctx, accountID, normalizeLimit(limit))
}

// Reconcile re-sums the transaction log of an account and compares it with the cached balance.
func (service *Service) Reconcile(ctx context.Context, accountID AccountID) (Reconciliation, error) {
	if accountID.IsZero() {
		return Reconciliation{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	var reconciliation Reconciliation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		sum, err := transactionStore.SumTransactions(ctx, accountID)
		if err != nil {
			return err
		}
		reconciliation = Reconciliation{
			AccountID:     accountID,
			CachedBalance: account.Balance,
			LedgerBalance: sum,
		}
		return nil
	})
	return reconciliation, operationError
}

// AddExperience adds experience points and refreshes the derived level.
func (service *Service) AddExperience(ctx context.Context, accountID AccountID, points int64) (Account, error) {
	if points <= 0 {
		return Account{}, fmt.Errorf("%w: experience must be greater than zero", ErrInvalidAmount)
	}
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, _, err := service.ensureAccount(ctx, transactionStore, accountID); err != nil {
			return err
		}
		var err error
		account, err = transactionStore.AdjustExperience(ctx, accountID, points)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAddExperience,
		AccountID: accountID,
		Amount:    points,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// ClaimDailyBonus credits the daily bonus once per cooldown window.
func (service *Service) ClaimDailyBonus(ctx context.Context, accountID AccountID) (Account, error) {
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, _, err := service.ensureAccount(ctx, transactionStore, accountID); err != nil {
			return err
		}
		if _, err := transactionStore.LockAccount(ctx, accountID); err != nil {
			return err
		}
		now := service.nowFn()
		previous, err := transactionStore.LatestTransactionOfKind(ctx, accountID, KindDailyBonus)
		switch {
		case err == nil:
			nextClaim := previous.CreatedAt.Add(dailyBonusCooldown)
			if now.Before(nextClaim) {
				return fmt.Errorf("%w: next claim at %s", ErrBonusNotReady, nextClaim.UTC().Format(time.RFC3339))
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		account, err = service.appendTransaction(ctx, transactionStore, TransactionRequest{
			AccountID:   accountID,
			Kind:        KindDailyBonus,
			Amount:      service.dailyBonus,
			Description: "daily bonus",
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationClaimDailyBonus,
		AccountID: accountID,
		Kind:      KindDailyBonus,
		Amount:    service.dailyBonus,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

func (service *Service) ensureAccount(ctx context.Context, transactionStore Store, accountID AccountID) (Account, bool, error) {
	if accountID.IsZero() {
		return Account{}, false, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	account, created, err := transactionStore.CreateAccount(ctx, accountID, service.nowFn())
	if err != nil {
		return Account{}, false, err
	}
	if !created || service.startingBalance == 0 {
		return account, created, nil
	}
	account, err = service.appendTransaction(ctx, transactionStore, TransactionRequest{
		AccountID:   accountID,
		Kind:        KindGrant,
		Amount:      service.startingBalance,
		Description: "starting balance",
	})
	if err != nil {
		return Account{}, false, err
	}
	return account, true, nil
}

// applyTransaction is the sanctioned balance mutation used by every operation.
func (service *Service) applyTransaction(ctx context.Context, transactionStore Store, request TransactionRequest) (Account, error) {
	if _, err := ParseTransactionKind(request.Kind.String()); err != nil {
		return Account{}, err
	}
	if request.Amount == 0 {
		return Account{}, fmt.Errorf("%w: must not be zero", ErrInvalidAmount)
	}
	if _, _, err := service.ensureAccount(ctx, transactionStore, request.AccountID); err != nil {
		return Account{}, err
	}
	return service.appendTransaction(ctx, transactionStore, request)
}

func (service *Service) appendTransaction(ctx context.Context, transactionStore Store, request TransactionRequest) (Account, error) {
	account, err := transactionStore.AdjustBalance(ctx, request.AccountID, request.Amount)
	if err != nil {
		return Account{}, err
	}
	transaction := Transaction{
		ID:          uuid.NewString(),
		AccountID:   request.AccountID,
		Kind:        request.Kind,
		Amount:      request.Amount,
		Description: truncate(request.Description, maximumDescription),
		ReferenceID: request.ReferenceID,
		Metadata:    request.Metadata,
		CreatedAt:   service.nowFn(),
	}
	if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
		return Account{}, err
	}
	return account, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = service.nowFn()
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maximumListLimit {
		return maximumListLimit
	}
	return limit
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
