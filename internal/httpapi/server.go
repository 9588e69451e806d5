// Package httpapi exposes the credit service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/videocredits/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey     = "auth_claims"
	userContextKey       = "credit_user_id"
	userIDHeader         = "X-User-ID"
	idempotencyKeyHeader = "Idempotency-Key"
)

// Dependencies are the collaborators handed to the router.
type Dependencies struct {
	Service  *ledger.Service
	Logger   *zap.Logger
	Gatherer prometheus.Gatherer
}

// Run serves handler until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
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

// NewRouter builds the gin engine with every credit route mounted.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Service == nil {
		return nil, fmt.Errorf("%w: credit service is nil", ledger.ErrInvalidServiceConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	userMiddleware := headerUser()
	if cfg.SessionsEnabled() {
		validator, err := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return nil, fmt.Errorf("session validator: %w", err)
		}
		userMiddleware = sessionUser(validator)
	}

	gin.SetMode(gin.ReleaseMode)
	binding.EnableDecoderDisallowUnknownFields = true
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", userIDHeader, idempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	handler := &httpHandler{
		service: deps.Service,
		logger:  deps.Logger,
		timeout: cfg.RequestTimeout,
	}
	api := router.Group("/api/credits")
	api.GET("/costs", handler.handleCosts)

	userAPI := api.Group("")
	userAPI.Use(userMiddleware)
	userAPI.GET("/balance", handler.handleBalance)
	userAPI.POST("/daily-bonus", handler.handleDailyBonus)
	userAPI.GET("/transactions", handler.handleTransactions)
	userAPI.GET("/affordability", handler.handleAffordability)
	userAPI.POST("/spend", handler.handleSpend)
	userAPI.POST("/refunds", handler.handleRefund)

	return router, nil
}

func sessionUser(validator *sessionvalidator.Validator) gin.HandlerFunc {
	validate := validator.GinMiddleware(claimsContextKey)
	return func(ctx *gin.Context) {
		validate(ctx)
		if ctx.IsAborted() {
			return
		}
		claimsValue, _ := ctx.Get(claimsContextKey)
		claims, _ := claimsValue.(*sessionvalidator.Claims)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		storeUser(ctx, claims.GetUserID())
	}
}

func headerUser() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		storeUser(ctx, ctx.GetHeader(userIDHeader))
	}
}

func storeUser(ctx *gin.Context, raw string) {
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user id is required"))
		return
	}
	ctx.Set(userContextKey, userID)
	ctx.Next()
}

func currentUser(ctx *gin.Context) ledger.UserID {
	value, _ := ctx.Get(userContextKey)
	userID, _ := value.(ledger.UserID)
	return userID
}

type httpHandler struct {
	service *ledger.Service
	logger  *zap.Logger
	timeout time.Duration
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

func (handler *httpHandler) handleCosts(ctx *gin.Context) {
	entries := handler.service.CostTable().Entries()
	costs := make([]costPayload, 0, len(entries))
	for _, entry := range entries {
		costs = append(costs, costPayload{
			Action:      entry.Action.String(),
			SCRD:        entry.Cost.SCRD.Int64(),
			ECRD:        entry.Cost.ECRD.Int64(),
			Description: entry.Description,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"costs": costs})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.GetCreditBalance(requestCtx, currentUser(ctx))
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalancePayload(balance)})
}

func (handler *httpHandler) handleDailyBonus(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	userID := currentUser(ctx)
	granted, err := handler.service.GiveDailyLoginBonus(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "daily bonus", err)
		return
	}
	balance, err := handler.service.GetCreditBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "daily bonus", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"granted": granted, "balance": newBalancePayload(balance)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	limit, err := parseIntQuery(ctx, "limit", 0)
	if err != nil {
		handler.respondError(ctx, "history", fmt.Errorf("%w: %v", ledger.ErrInvalidListLimit, err))
		return
	}
	normalizedLimit, err := ledger.NormalizeHistoryLimit(int(limit))
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}
	before, err := parseIntQuery(ctx, "before", 0)
	if err != nil {
		handler.respondError(ctx, "history", fmt.Errorf("%w: %v", ledger.ErrInvalidCursor, err))
		return
	}
	cursor, err := ledger.NewCursor(before)
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.service.GetTransactionHistory(requestCtx, currentUser(ctx), cursor, normalizedLimit)
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}
	var nextBefore int64
	if len(transactions) == normalizedLimit && len(transactions) > 0 {
		nextBefore = transactions[len(transactions)-1].Sequence
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactions": newTransactionPayloads(transactions),
		"count":        len(transactions),
		"next_before":  nextBefore,
	})
}

func (handler *httpHandler) handleAffordability(ctx *gin.Context) {
	action, err := ledger.NewActionID(ctx.Query("action"))
	if err != nil {
		handler.respondError(ctx, "affordability", err)
		return
	}
	quantity, err := parseIntQuery(ctx, "quantity", 1)
	if err != nil {
		handler.respondError(ctx, "affordability", fmt.Errorf("%w: %v", ledger.ErrInvalidQuantity, err))
		return
	}
	entry, err := handler.service.CostTable().Lookup(action)
	if err != nil {
		handler.respondError(ctx, "affordability", err)
		return
	}
	cost, err := entry.Cost.Times(quantity)
	if err != nil {
		handler.respondError(ctx, "affordability", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	affordable, err := handler.service.CanAfford(requestCtx, currentUser(ctx), action, quantity)
	if err != nil {
		handler.respondError(ctx, "affordability", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"affordable": affordable,
		"cost":       costPayload{Action: action.String(), SCRD: cost.SCRD.Int64(), ECRD: cost.ECRD.Int64()},
	})
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	action, err := ledger.NewActionID(request.Action)
	if err != nil {
		handler.respondError(ctx, "spend", err)
		return
	}
	quantity := request.Quantity
	if quantity == 0 {
		quantity = 1
	}
	idempotencyKey, err := optionalIdempotencyKey(firstNonEmpty(request.IdempotencyKey, ctx.GetHeader(idempotencyKeyHeader)))
	if err != nil {
		handler.respondError(ctx, "spend", err)
		return
	}
	var metadata ledger.Metadata
	if request.Metadata != nil {
		metadata = *request.Metadata
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	receipt, err := handler.service.SpendCredits(requestCtx, currentUser(ctx), action, quantity, metadata, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, "spend", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactions": newTransactionPayloads(receipt.Transactions),
		"balance":      newBalancePayload(receipt.Balance),
		"replayed":     receipt.Replayed,
	})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	transactionID, err := ledger.NewTransactionID(request.TransactionID)
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	userID := currentUser(ctx)
	refund, err := handler.service.RefundTransaction(requestCtx, userID, transactionID, request.Note)
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}
	balance, err := handler.service.GetCreditBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction": newTransactionPayload(refund),
		"balance":     newBalancePayload(balance),
	})
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.String("code", code), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

var errorMappings = []struct {
	target error
	status int
	code   string
}{
	{target: ledger.ErrUnknownAction, status: http.StatusBadRequest, code: "unknown_action"},
	{target: ledger.ErrInsufficientFunds, status: http.StatusPaymentRequired, code: "insufficient_funds"},
	{target: ledger.ErrInvalidUserID, status: http.StatusBadRequest, code: "invalid_user_id"},
	{target: ledger.ErrInvalidActionID, status: http.StatusBadRequest, code: "invalid_action"},
	{target: ledger.ErrInvalidQuantity, status: http.StatusBadRequest, code: "invalid_quantity"},
	{target: ledger.ErrInvalidListLimit, status: http.StatusBadRequest, code: "invalid_limit"},
	{target: ledger.ErrInvalidCursor, status: http.StatusBadRequest, code: "invalid_cursor"},
	{target: ledger.ErrInvalidInput, status: http.StatusBadRequest, code: "invalid_input"},
	{target: ledger.ErrUnknownTransaction, status: http.StatusNotFound, code: "unknown_transaction"},
	{target: ledger.ErrAlreadyRefunded, status: http.StatusConflict, code: "already_refunded"},
	{target: ledger.ErrNotRefundable, status: http.StatusConflict, code: "not_refundable"},
	{target: ledger.ErrDuplicateIdempotencyKey, status: http.StatusConflict, code: "duplicate_idempotency_key"},
	{target: context.DeadlineExceeded, status: http.StatusServiceUnavailable, code: "timeout"},
	{target: ledger.ErrStorageUnavailable, status: http.StatusServiceUnavailable, code: "storage_unavailable"},
	{target: ledger.ErrConcurrentUpdate, status: http.StatusServiceUnavailable, code: "storage_unavailable"},
}

func classifyError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func parseIntQuery(ctx *gin.Context, name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return value, nil
}

func optionalIdempotencyKey(raw string) (ledger.IdempotencyKey, error) {
	if strings.TrimSpace(raw) == "" {
		return ledger.IdempotencyKey{}, nil
	}
	return ledger.NewIdempotencyKey(raw)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

type spendRequest struct {
	Action         string           `json:"action" binding:"required"`
	Quantity       int64            `json:"quantity" binding:"gte=0"`
	IdempotencyKey string           `json:"idempotency_key"`
	Metadata       *ledger.Metadata `json:"metadata"`
}

type refundRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	Note          string `json:"note" binding:"max=500"`
}

type costPayload struct {
	Action      string `json:"action"`
	SCRD        int64  `json:"s_crd"`
	ECRD        int64  `json:"e_crd"`
	Description string `json:"description,omitempty"`
}

type balancePayload struct {
	SCRD           int64 `json:"s_crd"`
	ECRD           int64 `json:"e_crd"`
	Sequence       int64 `json:"sequence"`
	UpdatedUnixUTC int64 `json:"updated_unix_utc"`
}

func newBalancePayload(balance ledger.Balance) balancePayload {
	return balancePayload{
		SCRD:           balance.SCRD.Int64(),
		ECRD:           balance.ECRD.Int64(),
		Sequence:       balance.Sequence,
		UpdatedUnixUTC: balance.UpdatedUnixUTC,
	}
}

type snapshotPayload struct {
	SCRD int64 `json:"s_crd"`
	ECRD int64 `json:"e_crd"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Sequence       int64           `json:"sequence"`
	Kind           string          `json:"kind"`
	Amount         int64           `json:"amount"`
	CreditType     string          `json:"credit_type"`
	Category       string          `json:"category"`
	Metadata       ledger.Metadata `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
	Snapshot       snapshotPayload `json:"snapshot"`
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:  transaction.TransactionID.String(),
		Sequence:       transaction.Sequence,
		Kind:           transaction.Kind.String(),
		Amount:         transaction.Amount,
		CreditType:     transaction.CreditType.String(),
		Category:       transaction.Category.String(),
		Metadata:       transaction.Metadata,
		IdempotencyKey: transaction.IdempotencyKey.String(),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
		Snapshot: snapshotPayload{
			SCRD: transaction.Snapshot.SCRD.Int64(),
			ECRD: transaction.Snapshot.ECRD.Int64(),
		},
	}
}

func newTransactionPayloads(transactions []ledger.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, newTransactionPayload(transaction))
	}
	return payloads
}
