package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout   = 10 * time.Second
	defaultRateLimitBurst   = 20
	defaultRateLimitPerSec  = 10
	defaultShutdownTimeout  = 5 * time.Second
	defaultListLimit        = 50
	maxListLimit            = 200
	pathParamUserID         = "user_id"
	pathParamHoldID         = "hold_id"
	pathParamTransactionID  = "transaction_id"
	queryParamLimit         = "limit"
	errorCodeInvalidPayload = "invalid_payload"
)

var errMissingSigningKey = errors.New("httpapi: signing key is required")

// Config controls the HTTP surface of the ledger.
type Config struct {
	AllowedOrigins     []string
	SigningKey         string
	Issuer             string
	RateLimitPerSecond float64
	RateLimitBurst     int
	RequestTimeout     time.Duration
}

// NewRouter builds the gin engine serving /healthz and the authenticated /api/v1 routes.
func NewRouter(cfg Config, walletService *ledger.Service, logger *zap.Logger) (*gin.Engine, error) {
	if strings.TrimSpace(cfg.SigningKey) == "" {
		return nil, errMissingSigningKey
	}
	if walletService == nil {
		return nil, fmt.Errorf("httpapi: %w: nil service", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = defaultRateLimitPerSec
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	handler := &httpHandler{
		logger:        logger,
		walletService: walletService,
		cfg:           cfg,
	}
	return setupRouter(cfg, handler), nil
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	corsConfig := cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(authMiddleware([]byte(cfg.SigningKey), cfg.Issuer))
	api.Use(newSubjectLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst).middleware())

	api.POST("/wallets/:user_id", handler.handleCreateWallet)
	api.GET("/wallets/:user_id", handler.handleWallet)
	api.GET("/wallets/:user_id/available", handler.handleAvailable)
	api.GET("/wallets/:user_id/transactions", handler.handleListTransactions)
	api.GET("/wallets/:user_id/holds", handler.handleActiveHolds)
	api.POST("/wallets/:user_id/reconcile", handler.handleReconcile)

	api.POST("/transactions", handler.handleCreateTransaction)
	api.GET("/transactions/:transaction_id", handler.handleTransaction)
	api.POST("/transactions/:transaction_id/refund", handler.handleRefund)
	api.POST("/transfers", handler.handleTransfer)

	api.POST("/holds", handler.handleCreateHold)
	api.GET("/holds/:hold_id", handler.handleHold)
	api.POST("/holds/:hold_id/settle", handler.handleSettleHold)
	api.POST("/holds/:hold_id/release", handler.handleReleaseHold)

	return router
}

// Serve runs handler on addr until ctx is cancelled, then shuts down within shutdownTimeout.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger, shutdownTimeout time.Duration) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
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
			logger.Warn("http shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondError maps a ledger error onto an HTTP status and a stable error code.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		handler.logger.Error("ledger request failed",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Error(err),
		)
		ctx.JSON(status, errorResponse(code, "internal error"))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid_user_id"
	case errors.Is(err, ledger.ErrInvalidHoldID):
		return http.StatusBadRequest, "invalid_hold_id"
	case errors.Is(err, ledger.ErrInvalidTransactionID):
		return http.StatusBadRequest, "invalid_transaction_id"
	case errors.Is(err, ledger.ErrInvalidIdempotencyKey):
		return http.StatusBadRequest, "invalid_idempotency_key"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidTransactionType):
		return http.StatusBadRequest, "invalid_transaction_type"
	case errors.Is(err, ledger.ErrInvalidHoldPurpose):
		return http.StatusBadRequest, "invalid_hold_purpose"
	case errors.Is(err, ledger.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_metadata_json"
	case errors.Is(err, ledger.ErrInvalidRefund):
		return http.StatusBadRequest, "invalid_refund"
	case errors.Is(err, ledger.ErrInvalidTransfer):
		return http.StatusBadRequest, "invalid_transfer"
	case ledger.IsValidationError(err):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, ledger.ErrInsufficientBalanceForHold):
		return http.StatusPaymentRequired, "insufficient_balance_for_hold"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, ledger.ErrHoldNotFound):
		return http.StatusNotFound, "hold_not_found"
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, ledger.ErrWalletNotFound):
		return http.StatusNotFound, "wallet_not_found"
	case errors.Is(err, ledger.ErrHoldNotActive):
		return http.StatusConflict, "hold_not_active"
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	default:
		return http.StatusInternalServerError, "ledger_error"
	}
}
