package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	headerAccountID     = "X-Account-ID"
	headerAuthorization = "Authorization"
	bearerPrefix        = "Bearer "
	contextKeyCaller    = "caller_account_id"
	defaultTimeout      = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Config controls the HTTP presentation layer.
type Config struct {
	AllowedOrigins []string
	// JWTSigningKey enables HS256 bearer tokens; the subject is the account id.
	// When empty the caller is taken from the X-Account-ID header, which
	// NewRouter warns about unless LocalMode is set.
	JWTSigningKey  string
	JWTIssuer      string
	LocalMode      bool
	AdminAccounts  []string
	RequestTimeout time.Duration
	MetricsHandler http.Handler
	HealthCheck    func(ctx context.Context) error
}

// NewRouter builds the gin engine serving the ledger API.
func NewRouter(service *ledger.Service, cfg Config, logger *zap.Logger) (*gin.Engine, error) {
	if service == nil {
		return nil, errors.New("ledger service is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.JWTSigningKey == "" && !cfg.LocalMode {
		logger.Warn("jwt signing key is empty; callers are identified by the unauthenticated X-Account-ID header")
	}
	admins := make(map[string]struct{}, len(cfg.AdminAccounts))
	for _, accountID := range cfg.AdminAccounts {
		if trimmed := strings.TrimSpace(accountID); trimmed != "" {
			admins[trimmed] = struct{}{}
		}
	}
	handler := &httpHandler{
		service: service,
		logger:  logger,
		timeout: cfg.RequestTimeout,
		admins:  admins,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerAuthorization, headerAccountID},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		if cfg.HealthCheck != nil {
			checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), 500*time.Millisecond)
			defer cancel()
			if err := cfg.HealthCheck(checkCtx); err != nil {
				ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	api := router.Group("/api")
	api.Use(identityMiddleware(cfg))

	api.POST("/accounts/:id", handler.handleOpenAccount)
	api.GET("/accounts/:id", handler.handleGetAccount)
	api.GET("/accounts/:id/transactions", handler.handleListTransactions)
	api.GET("/accounts/:id/reconcile", handler.requireAdmin, handler.handleReconcile)
	api.POST("/accounts/:id/daily-bonus", handler.handleDailyBonus)
	api.POST("/accounts/:id/adjustments", handler.requireAdmin, handler.handleAdjustment)
	api.POST("/accounts/:id/experience", handler.requireAdmin, handler.handleExperience)

	api.GET("/pools", handler.handleListPools)
	api.POST("/pools", handler.handleCreatePool)
	api.GET("/pools/:id", handler.handleGetPool)
	api.GET("/pools/:id/bets", handler.handleListBets)
	api.POST("/pools/:id/bets", handler.handlePlaceBet)
	api.DELETE("/pools/:id/bets", handler.handleCancelBet)
	api.POST("/pools/:id/bets/lock", handler.handleLockBet)
	api.POST("/pools/:id/expire", handler.handleExpirePool)
	api.POST("/pools/:id/resolve", handler.requireAdmin, handler.handleResolvePool)

	api.POST("/loans", handler.handleCreateLoan)
	api.GET("/loans/:id", handler.handleGetLoan)
	api.POST("/loans/:id/repay", handler.handleRepayLoan)
	api.POST("/loans/:id/extend", handler.handleExtendLoan)

	return router, nil
}

// Run serves the handler until ctx ends, then shuts down gracefully.
func Run(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func identityMiddleware(cfg Config) gin.HandlerFunc {
	signingKey := []byte(cfg.JWTSigningKey)
	parserOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if cfg.JWTIssuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(cfg.JWTIssuer))
	}
	parser := jwt.NewParser(parserOptions...)
	return func(ctx *gin.Context) {
		var rawAccountID string
		if len(signingKey) > 0 {
			header := ctx.GetHeader(headerAuthorization)
			if !strings.HasPrefix(header, bearerPrefix) {
				ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
				return
			}
			claims := &jwt.RegisteredClaims{}
			_, err := parser.ParseWithClaims(strings.TrimPrefix(header, bearerPrefix), claims, func(token *jwt.Token) (any, error) {
				return signingKey, nil
			})
			if err != nil {
				ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
				return
			}
			rawAccountID = claims.Subject
		} else {
			rawAccountID = ctx.GetHeader(headerAccountID)
		}
		accountID, err := ledger.NewAccountID(rawAccountID)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing caller identity"))
			return
		}
		ctx.Set(contextKeyCaller, accountID)
		ctx.Next()
	}
}

func callerFrom(ctx *gin.Context) ledger.AccountID {
	value, _ := ctx.Get(contextKeyCaller)
	accountID, _ := value.(ledger.AccountID)
	return accountID
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: ledger.ErrNotFound, status: http.StatusNotFound, code: "not_found"},
	{target: ledger.ErrInsufficientFunds, status: http.StatusConflict, code: "insufficient_funds"},
	{target: ledger.ErrPoolNotActive, status: http.StatusConflict, code: "pool_not_active"},
	{target: ledger.ErrPoolAlreadyResolved, status: http.StatusConflict, code: "pool_already_resolved"},
	{target: ledger.ErrDuplicateBet, status: http.StatusConflict, code: "duplicate_bet"},
	{target: ledger.ErrBetLocked, status: http.StatusConflict, code: "bet_locked"},
	{target: ledger.ErrLoanNotActive, status: http.StatusConflict, code: "loan_not_active"},
	{target: ledger.ErrBonusNotReady, status: http.StatusConflict, code: "bonus_not_ready"},
	{target: ledger.ErrUnknownOption, status: http.StatusUnprocessableEntity, code: "unknown_option"},
	{target: ledger.ErrInvalidOptions, status: http.StatusUnprocessableEntity, code: "invalid_options"},
	{target: ledger.ErrSelfLoan, status: http.StatusUnprocessableEntity, code: "self_loan"},
	{target: ledger.ErrInvalidAccountID, status: http.StatusBadRequest, code: "invalid_account_id"},
	{target: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: "invalid_amount"},
	{target: ledger.ErrInvalidRate, status: http.StatusBadRequest, code: "invalid_rate"},
	{target: ledger.ErrInvalidHouseCut, status: http.StatusBadRequest, code: "invalid_house_cut"},
	{target: ledger.ErrInvalidDuration, status: http.StatusBadRequest, code: "invalid_duration"},
	{target: ledger.ErrInvalidTransactionKind, status: http.StatusBadRequest, code: "invalid_kind"},
	{target: ledger.ErrInvalidPoolTitle, status: http.StatusBadRequest, code: "invalid_title"},
	{target: ledger.ErrInvalidMetadataJSON, status: http.StatusBadRequest, code: "invalid_metadata"},
	{target: ledger.ErrContention, status: http.StatusServiceUnavailable, code: "contention"},
	{target: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout"},
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			ctx.JSON(mapping.status, errorResponse(mapping.code, err.Error()))
			return
		}
	}
	handler.logger.Error("ledger operation failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func invalidPayload(ctx *gin.Context, err error) {
	ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", fmt.Sprintf("expected JSON body: %v", err)))
}
