package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type httpHandler struct {
	service *ledger.Service
	logger  *zap.Logger
	timeout time.Duration
	admins  map[string]struct{}
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

func (handler *httpHandler) isAdmin(accountID ledger.AccountID) bool {
	_, ok := handler.admins[accountID.String()]
	return ok
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	if !handler.isAdmin(callerFrom(ctx)) {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin privilege required"))
		return
	}
	ctx.Next()
}

// pathAccount returns the :id account and whether the caller may act on it.
func (handler *httpHandler) pathAccount(ctx *gin.Context, selfOrAdmin bool) (ledger.AccountID, bool) {
	accountID, err := ledger.NewAccountID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.AccountID{}, false
	}
	if selfOrAdmin {
		caller := callerFrom(ctx)
		if caller != accountID && !handler.isAdmin(caller) {
			ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "cannot act on another account"))
			return ledger.AccountID{}, false
		}
	}
	return accountID, true
}

func (handler *httpHandler) handleOpenAccount(ctx *gin.Context) {
	accountID, ok := handler.pathAccount(ctx, true)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.service.GetOrCreateAccount(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleGetAccount(ctx *gin.Context) {
	accountID, ok := handler.pathAccount(ctx, false)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.service.GetAccount(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	accountID, ok := handler.pathAccount(ctx, true)
	if !ok {
		return
	}
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.service.ListTransactions(requestCtx, accountID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	accountID, ok := handler.pathAccount(ctx, false)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reconciliation, err := handler.service.Reconcile(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reconciliation": reconciliationPayload{
		AccountID:     reconciliation.AccountID.String(),
		CachedBalance: reconciliation.CachedBalance,
		LedgerBalance: reconciliation.LedgerBalance,
		Consistent:    reconciliation.Consistent(),
	}})
}

func (handler *httpHandler) handleDailyBonus(ctx *gin.Context) {
	accountID, ok := handler.pathAccount(ctx, true)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.service.ClaimDailyBonus(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	accountID, ok := handler.pathAccount(ctx, false)
	if !ok {
		return
	}
	var request adjustmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		invalidPayload(ctx, err)
		return
	}
	kind := ledger.KindAdminAdjustment
	if strings.TrimSpace(request.Kind) != "" {
		parsed, err := ledger.ParseTransactionKind(request.Kind)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		kind = parsed
	}
	metadata, err := ledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.service.ApplyTransaction(requestCtx, ledger.TransactionRequest{
		AccountID:   accountID,
		Kind:        kind,
		Amount:      request.Amount,
		Description: request.Description,
		ReferenceID: request.ReferenceID,
		Metadata:    metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleExperience(ctx *gin.Context) {
	accountID, ok := handler.pathAccount(ctx, false)
	if !ok {
		return
	}
	var request experienceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		invalidPayload(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.service.AddExperience(requestCtx, accountID, request.Points)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleListPools(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	pools, err := handler.service.ListActivePools(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]poolPayload, 0, len(pools))
	for _, pool := range pools {
		payloads = append(payloads, newPoolPayload(pool))
	}
	ctx.JSON(http.StatusOK, gin.H{"pools": payloads})
}

func (handler *httpHandler) handleCreatePool(ctx *gin.Context) {
	var request createPoolRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		invalidPayload(ctx, err)
		return
	}
	duration, err := time.ParseDuration(strings.TrimSpace(request.Duration))
	if err != nil {
		handler.respondError(ctx, fmt.Errorf("%w: %v", ledger.ErrInvalidDuration, err))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	pool, err := handler.service.CreatePool(requestCtx, ledger.PoolRequest{
		CreatorID:   callerFrom(ctx),
		Title:       request.Title,
		Description: request.Description,
		Options:     request.Options,
		Duration:    duration,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"pool": newPoolPayload(pool)})
}

func (handler *httpHandler) handleGetPool(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	pool, err := handler.service.GetPool(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"pool": newPoolPayload(pool)})
}

func (handler *httpHandler) handleListBets(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	bets, err := handler.service.ListPoolBets(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]betPayload, 0, len(bets))
	for _, bet := range bets {
		payloads = append(payloads, newBetPayload(bet))
	}
	ctx.JSON(http.StatusOK, gin.H{"bets": payloads})
}

func (handler *httpHandler) handlePlaceBet(ctx *gin.Context) {
	var request placeBetRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		invalidPayload(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	bet, err := handler.service.PlaceBet(requestCtx, callerFrom(ctx), ctx.Param("id"), request.OptionID, request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"bet": newBetPayload(bet)})
}

func (handler *httpHandler) handleCancelBet(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	bet, err := handler.service.CancelBet(requestCtx, callerFrom(ctx), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"bet": newBetPayload(bet)})
}

func (handler *httpHandler) handleLockBet(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	bet, err := handler.service.LockBet(requestCtx, callerFrom(ctx), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"bet": newBetPayload(bet)})
}

func (handler *httpHandler) handleExpirePool(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	pool, err := handler.service.ExpirePool(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"pool": newPoolPayload(pool)})
}

func (handler *httpHandler) handleResolvePool(ctx *gin.Context) {
	var request resolvePoolRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		invalidPayload(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	var (
		result ledger.SettlementResult
		err    error
	)
	if request.HouseCut != nil {
		cut, parseErr := ledger.ParseHouseCut(*request.HouseCut)
		if parseErr != nil {
			handler.respondError(ctx, parseErr)
			return
		}
		result, err = handler.service.ResolvePoolWithHouseCut(requestCtx, ctx.Param("id"), request.OptionID, cut)
	} else {
		result, err = handler.service.ResolvePool(requestCtx, ctx.Param("id"), request.OptionID)
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"settlement": newSettlementPayload(result)})
}

func (handler *httpHandler) handleCreateLoan(ctx *gin.Context) {
	var request createLoanRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		invalidPayload(ctx, err)
		return
	}
	borrowerID, err := ledger.NewAccountID(request.BorrowerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	rate := decimal.Zero
	if strings.TrimSpace(request.Rate) != "" {
		rate, err = decimal.NewFromString(strings.TrimSpace(request.Rate))
		if err != nil {
			handler.respondError(ctx, fmt.Errorf("%w: %v", ledger.ErrInvalidRate, err))
			return
		}
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	loan, err := handler.service.CreateLoan(requestCtx, ledger.LoanRequest{
		LenderID:   callerFrom(ctx),
		BorrowerID: borrowerID,
		Principal:  request.Principal,
		Rate:       rate,
		Days:       request.Days,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"loan": newLoanPayload(loan)})
}

// loanForParty loads the :id loan when the caller is the lender, the borrower
// or an admin.
func (handler *httpHandler) loanForParty(ctx *gin.Context, requestCtx context.Context, allowLender bool, allowBorrower bool) (ledger.Loan, bool) {
	loan, err := handler.service.GetLoan(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.Loan{}, false
	}
	caller := callerFrom(ctx)
	permitted := handler.isAdmin(caller) ||
		(allowLender && caller == loan.LenderID) ||
		(allowBorrower && caller == loan.BorrowerID)
	if !permitted {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "not a party to this loan"))
		return ledger.Loan{}, false
	}
	return loan, true
}

func (handler *httpHandler) handleGetLoan(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	loan, ok := handler.loanForParty(ctx, requestCtx, true, true)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"loan": newLoanPayload(loan)})
}

func (handler *httpHandler) handleRepayLoan(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if _, ok := handler.loanForParty(ctx, requestCtx, false, true); !ok {
		return
	}
	loan, err := handler.service.RepayLoan(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"loan": newLoanPayload(loan)})
}

func (handler *httpHandler) handleExtendLoan(ctx *gin.Context) {
	var request extendLoanRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		invalidPayload(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if _, ok := handler.loanForParty(ctx, requestCtx, true, false); !ok {
		return
	}
	loan, err := handler.service.ExtendLoan(requestCtx, ctx.Param("id"), request.Days)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"loan": newLoanPayload(loan)})
}
