// Package httpapi exposes the ledger service over HTTP for out-of-process callers.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	paramAccountID    = "id"
	queryLimit        = "limit"
	queryOffset       = "offset"
	defaultTopLimit   = 10
	maxTopLimit       = 1000
	defaultTimeout    = 3 * time.Second
	shutdownTimeout   = 5 * time.Second
	routeUnmatched    = "unmatched"
	codeInvalidBody   = "invalid_payload"
	codeInvalidID     = "invalid_account_id"
	codeInvalidQuery  = "invalid_pagination"
	codeInvalidInput  = "invalid_request"
	codeNotFound      = "not_found"
	codeAccountExists = "account_exists"
	codeUnavailable   = "connection_unavailable"
	codeLedgerError   = "ledger_error"
)

// Ledger is the subset of ledger.Service served over HTTP.
type Ledger interface {
	Resolve(ctx context.Context, identity ledger.Identity) (ledger.AccountID, error)
	IdentityOf(ctx context.Context, accountID ledger.AccountID) (ledger.Identity, bool, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Amount, bool, error)
	CreateAccount(ctx context.Context, accountID ledger.AccountID, initial ledger.Amount) (bool, error)
	RemoveAccount(ctx context.Context, accountID ledger.AccountID) (bool, error)
	SetBalance(ctx context.Context, accountID ledger.AccountID, amount ledger.Amount) (bool, error)
	Deposit(ctx context.Context, accountID ledger.AccountID, delta ledger.Amount) (bool, error)
	Top(ctx context.Context, limit int, offset int) ([]ledger.RankEntry, error)
	Ping(ctx context.Context) error
}

// RequestObserver receives one callback per completed request.
type RequestObserver interface {
	ObserveRequest(method string, route string, status int, duration time.Duration)
}

// Options configures the router. Zero values fall back to defaults.
type Options struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Gatherer backs /metrics; the route is omitted when nil.
	Gatherer prometheus.Gatherer
	Observer RequestObserver
	Logger   *zap.Logger
}

type httpHandler struct {
	logger  *zap.Logger
	ledger  Ledger
	timeout time.Duration
}

// NewRouter builds the gin engine serving the ledger API, health and metrics routes.
func NewRouter(service Ledger, options Options) *gin.Engine {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := options.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	handler := &httpHandler{logger: logger, ledger: service, timeout: timeout}

	router := gin.New()
	router.Use(gin.Recovery())
	if options.Observer != nil {
		router.Use(observeRequests(options.Observer))
	}
	if len(options.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: options.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", handler.handleHealth)
	if options.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(options.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.POST("/accounts/resolve", handler.handleResolve)
	api.GET("/accounts/:id/identity", handler.handleIdentity)
	api.POST("/accounts/:id", handler.handleCreate)
	api.DELETE("/accounts/:id", handler.handleRemove)
	api.GET("/accounts/:id/balance", handler.handleBalance)
	api.PUT("/accounts/:id/balance", handler.handleSetBalance)
	api.POST("/accounts/:id/deposit", handler.handleDeposit)
	api.GET("/top", handler.handleTop)

	return router
}

// Serve runs server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger api listening", zap.String("addr", server.Addr))
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

func observeRequests(observer RequestObserver) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = routeUnmatched
		}
		observer.ObserveRequest(ctx.Request.Method, route, ctx.Writer.Status(), time.Since(start))
	}
}

func (handler *httpHandler) handleHealth(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	if err := handler.ledger.Ping(requestCtx); err != nil {
		handler.logger.Warn("health check failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleResolve(ctx *gin.Context) {
	var request resolveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidBody, "expected JSON body with identity"))
		return
	}
	identity, err := ledger.ParseIdentity(request.Identity)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidInput, err.Error()))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	accountID, err := handler.ledger.Resolve(requestCtx, identity)
	if err != nil {
		handler.respondError(ctx, "resolve failed", err)
		return
	}
	ctx.JSON(http.StatusOK, accountPayload{AccountID: accountID.Int64(), Identity: identity.String()})
}

func (handler *httpHandler) handleIdentity(ctx *gin.Context) {
	accountID, ok := accountIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	identity, found, err := handler.ledger.IdentityOf(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "identity lookup failed", err)
		return
	}
	if !found {
		ctx.JSON(http.StatusNotFound, errorResponse(codeNotFound, "no identity for account"))
		return
	}
	ctx.JSON(http.StatusOK, accountPayload{AccountID: accountID.Int64(), Identity: identity.String()})
}

func (handler *httpHandler) handleCreate(ctx *gin.Context) {
	accountID, ok := accountIDParam(ctx)
	if !ok {
		return
	}
	var request createRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidBody, "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	initial := ledger.Amount(request.InitialAmount)
	created, err := handler.ledger.CreateAccount(requestCtx, accountID, initial)
	if err != nil {
		handler.respondError(ctx, "create account failed", err)
		return
	}
	if !created {
		ctx.JSON(http.StatusConflict, errorResponse(codeAccountExists, "account already has a balance"))
		return
	}
	ctx.JSON(http.StatusCreated, balancePayload{AccountID: accountID.Int64(), Amount: initial.Int64()})
}

func (handler *httpHandler) handleRemove(ctx *gin.Context) {
	accountID, ok := accountIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	removed, err := handler.ledger.RemoveAccount(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "remove account failed", err)
		return
	}
	handler.respondApplied(ctx, removed)
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, ok := accountIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	amount, found, err := handler.ledger.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "balance lookup failed", err)
		return
	}
	if !found {
		ctx.JSON(http.StatusNotFound, errorResponse(codeNotFound, "no balance for account"))
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{AccountID: accountID.Int64(), Amount: amount.Int64()})
}

func (handler *httpHandler) handleSetBalance(ctx *gin.Context) {
	accountID, ok := accountIDParam(ctx)
	if !ok {
		return
	}
	var request setBalanceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Amount == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidBody, "expected JSON body with amount"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	updated, err := handler.ledger.SetBalance(requestCtx, accountID, ledger.Amount(*request.Amount))
	if err != nil {
		handler.respondError(ctx, "set balance failed", err)
		return
	}
	handler.respondApplied(ctx, updated)
}

func (handler *httpHandler) handleDeposit(ctx *gin.Context) {
	accountID, ok := accountIDParam(ctx)
	if !ok {
		return
	}
	var request depositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Delta == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidBody, "expected JSON body with delta"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	updated, err := handler.ledger.Deposit(requestCtx, accountID, ledger.Amount(*request.Delta))
	if err != nil {
		handler.respondError(ctx, "deposit failed", err)
		return
	}
	handler.respondApplied(ctx, updated)
}

func (handler *httpHandler) handleTop(ctx *gin.Context) {
	limit, limitErr := queryInt(ctx, queryLimit, defaultTopLimit)
	offset, offsetErr := queryInt(ctx, queryOffset, 0)
	if limitErr != nil || offsetErr != nil || limit > maxTopLimit {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidQuery, "limit and offset must be integers, limit at most 1000"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	entries, err := handler.ledger.Top(requestCtx, limit, offset)
	if err != nil {
		handler.respondError(ctx, "top query failed", err)
		return
	}
	payload := make([]balancePayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, balancePayload{AccountID: entry.AccountID.Int64(), Amount: entry.Amount.Int64()})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) respondApplied(ctx *gin.Context, applied bool) {
	if !applied {
		ctx.JSON(http.StatusNotFound, errorResponse(codeNotFound, "no balance for account"))
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(message, zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidIdentity),
		errors.Is(err, ledger.ErrInvalidAccountID),
		errors.Is(err, ledger.ErrInvalidPagination):
		return http.StatusBadRequest, codeInvalidInput
	case errors.Is(err, ledger.ErrConnectionUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, codeUnavailable
	default:
		return http.StatusInternalServerError, codeLedgerError
	}
}

func accountIDParam(ctx *gin.Context) (ledger.AccountID, bool) {
	raw, err := strconv.ParseInt(ctx.Param(paramAccountID), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidID, "account id must be an integer"))
		return 0, false
	}
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidID, err.Error()))
		return 0, false
	}
	return accountID, true
}

func queryInt(ctx *gin.Context, key string, fallback int) (int, error) {
	raw, present := ctx.GetQuery(key)
	if !present || raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type resolveRequest struct {
	Identity string `json:"identity" binding:"required"`
}

type createRequest struct {
	InitialAmount int64 `json:"initial_amount"`
}

type setBalanceRequest struct {
	Amount *int64 `json:"amount"`
}

type depositRequest struct {
	Delta *int64 `json:"delta"`
}

type accountPayload struct {
	AccountID int64  `json:"account_id"`
	Identity  string `json:"identity"`
}

type balancePayload struct {
	AccountID int64 `json:"account_id"`
	Amount    int64 `json:"amount"`
}
