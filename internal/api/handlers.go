package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotdesk/internal/auth"
	"github.com/xtrntr/spotdesk/internal/config"
	"github.com/xtrntr/spotdesk/internal/exchange"
	"github.com/xtrntr/spotdesk/internal/ledger"
	"github.com/xtrntr/spotdesk/internal/models"
	"github.com/xtrntr/spotdesk/internal/oracle"
	"github.com/xtrntr/spotdesk/internal/wallet"

	"go.uber.org/zap"
)

// Resolver serves quotes for the price endpoints
type Resolver interface {
	Resolve(ctx context.Context, symbol string) (oracle.Resolution, error)
	Snapshot(ctx context.Context, symbols []string) []oracle.Resolution
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange *exchange.Exchange
	Wallet   *wallet.Service
	Ledger   *ledger.Ledger
	Resolver Resolver
	Tokens   *auth.TokenService
	Feed     *Feed
	Symbols  []string
	logger   *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, w *wallet.Service, l *ledger.Ledger, resolver Resolver, tokens *auth.TokenService, feed *Feed, symbols []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Exchange: ex,
		Wallet:   w,
		Ledger:   l,
		Resolver: resolver,
		Tokens:   tokens,
		Feed:     feed,
		Symbols:  symbols,
		logger:   logger,
	}
}

// Routes builds the HTTP router
func (h *Handler) Routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public endpoints
	r.Get("/prices", h.GetPrices)
	r.Get("/prices/{symbol}", h.GetPrice)
	r.Get("/pairs", h.GetPairs)
	r.Get("/market-stats", h.GetMarketStats)
	if h.Feed != nil {
		r.Get("/ws", h.Feed.ServeHTTP)
	}

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Get("/orders/history", h.GetOrderHistory)
		r.Delete("/orders/{id}", h.CancelOrder)

		r.Get("/wallet/balance", h.GetBalance)
		r.Post("/wallet/deposit", h.Deposit)
		r.Post("/wallet/withdraw", h.Withdraw)
		r.Get("/wallet/limits", h.GetLimits)
		r.Get("/wallet/transactions", h.GetTransactions)
	})

	return r
}

type principalKey struct{}

// PrincipalFrom returns the caller stored by JWTAuthMiddleware
func PrincipalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// JWTAuthMiddleware verifies bearer tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		p, err := h.Tokens.Verify(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
			return
		}
		if p.Level == "" {
			p.Level = config.DefaultLevel
		}

		ctx := context.WithValue(r.Context(), principalKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// apiError is the body of every failed request
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: code})
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{exchange.ErrUnsupportedPair, http.StatusBadRequest, "unsupported_pair"},
	{exchange.ErrInvalidOrder, http.StatusBadRequest, "invalid_order"},
	{exchange.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{exchange.ErrInvalidLimitPrice, http.StatusBadRequest, "invalid_limit_price"},
	{models.ErrInsufficientBalance, http.StatusBadRequest, "insufficient_balance"},
	{wallet.ErrLimitExceeded, http.StatusBadRequest, "limit_exceeded"},
	{exchange.ErrStaleQuote, http.StatusConflict, "stale_quote"},
	{models.ErrOrderNotCancellable, http.StatusConflict, "order_not_cancellable"},
	{models.ErrTransactionNotPending, http.StatusConflict, "transaction_not_pending"},
	{models.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{models.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{oracle.ErrUnknownSymbol, http.StatusNotFound, "unknown_symbol"},
}

// fail maps a domain error to its status; anything unrecognised is logged and hidden
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			writeError(w, ec.status, ec.code, err.Error())
			return
		}
	}
	h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
}

// mustPrincipal is only called behind JWTAuthMiddleware
func mustPrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
	}
	return p, ok
}

// priceView is a resolved quote as served to clients
type priceView struct {
	models.Quote
	Freshness  models.Freshness `json:"freshness"`
	AgeSeconds float64          `json:"age_seconds"`
}

func newPriceView(res oracle.Resolution) priceView {
	return priceView{Quote: res.Quote, Freshness: res.Freshness, AgeSeconds: math.Round(res.Age.Seconds())}
}

// GetPrices resolves every tracked symbol
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	resolved := h.Resolver.Snapshot(r.Context(), h.Symbols)
	out := make([]priceView, 0, len(resolved))
	for _, res := range resolved {
		out = append(out, newPriceView(res))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPrice resolves one symbol
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	res, err := h.Resolver.Resolve(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPriceView(res))
}

// GetPairs lists tradable pairs with their current price
func (h *Handler) GetPairs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Exchange.Pairs(r.Context()))
}

// MarketStats aggregates the tracked symbols
type MarketStats struct {
	TotalMarketCap         float64 `json:"total_market_cap"`
	TotalVolume24h         float64 `json:"total_volume_24h"`
	BTCDominance           float64 `json:"btc_dominance"`
	ActiveCryptocurrencies int     `json:"active_cryptocurrencies"`
}

func marketStats(resolved []oracle.Resolution) MarketStats {
	var s MarketStats
	var btcCap float64
	for _, res := range resolved {
		s.TotalMarketCap += res.Quote.MarketCap
		s.TotalVolume24h += res.Quote.Volume24h
		if res.Quote.Symbol == "BTC" {
			btcCap = res.Quote.MarketCap
		}
	}
	if s.TotalMarketCap > 0 {
		s.BTCDominance = math.Round(btcCap/s.TotalMarketCap*10000) / 100
	}
	s.ActiveCryptocurrencies = len(resolved)
	return s
}

// GetMarketStats reports totals over the tracked symbols
func (h *Handler) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, marketStats(h.Resolver.Snapshot(r.Context(), h.Symbols)))
}

type placeOrderRequest struct {
	Pair       string           `json:"pair"`
	Side       models.Side      `json:"side"`
	Type       models.OrderType `json:"type"`
	Amount     decimal.Decimal  `json:"amount"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

type placeOrderResponse struct {
	Order       models.Order        `json:"order"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
	Freshness   models.Freshness    `json:"freshness"`
	QuoteAge    float64             `json:"quote_age_seconds"`
}

// PlaceOrder handles order placement and settlement
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	req.Side = models.Side(strings.ToLower(string(req.Side)))
	req.Type = models.OrderType(strings.ToLower(string(req.Type)))

	res, err := h.Exchange.PlaceOrder(r.Context(), p.UserID, exchange.PlaceOrderRequest{
		Pair:       req.Pair,
		Side:       req.Side,
		Type:       req.Type,
		Amount:     req.Amount,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, placeOrderResponse{
		Order:       res.Order,
		Transaction: res.Transaction,
		Freshness:   res.Freshness,
		QuoteAge:    math.Round(res.QuoteAge.Seconds()),
	})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := models.OrderFilter{Status: models.OrderStatus(strings.ToLower(q.Get("status")))}
	var err error
	if f.Limit, f.Offset, err = paging(q.Get("limit"), q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	orders, err := h.Exchange.Orders(r.Context(), p.UserID, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrderHistory lists filled orders of the last ?days= days
func (h *Handler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	days := 0
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 365 {
			writeError(w, http.StatusBadRequest, "invalid_request", "days must be between 1 and 365")
			return
		}
		days = n
	}

	orders, err := h.Exchange.History(r.Context(), p.UserID, days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid order ID")
		return
	}

	order, err := h.Exchange.CancelOrder(r.Context(), p.UserID, orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetBalance returns every currency the caller holds
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	p, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	bal, err := h.Ledger.Balance(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": p.UserID, "balances": bal})
}

type walletRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Deposit records a pending deposit within the caller's daily limit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.walletRequest(w, r, h.Wallet.Deposit)
}

// Withdraw holds funds for a pending withdrawal within the caller's daily limit
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.walletRequest(w, r, h.Wallet.Withdraw)
}

type walletOp func(ctx context.Context, userID uuid.UUID, level string, amount decimal.Decimal, description string) (models.Transaction, error)

func (h *Handler) walletRequest(w http.ResponseWriter, r *http.Request, op walletOp) {
	p, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	var req walletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	tx, err := op(r.Context(), p.UserID, p.Level, req.Amount, req.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// GetLimits reports the caller's daily limits and usage
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	p, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	limits, err := h.Wallet.Limits(r.Context(), p.UserID, p.Level)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// GetTransactions lists the caller's transactions, newest first
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	p, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := models.TxFilter{
		Kind:   models.TransactionKind(strings.ToLower(q.Get("type"))),
		Status: models.TransactionStatus(strings.ToLower(q.Get("status"))),
	}
	var err error
	if f.Limit, f.Offset, err = paging(q.Get("limit"), q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	txs, err := h.Ledger.Transactions(r.Context(), p.UserID, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

var errPaging = errors.New("limit must be 1-100 and offset non-negative")

// paging parses ?limit=&offset=, defaulting to the first 50
func paging(limitStr, offsetStr string) (limit, offset int, err error) {
	limit = 50
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil || limit < 1 || limit > 100 {
			return 0, 0, errPaging
		}
	}
	if offsetStr != "" {
		if offset, err = strconv.Atoi(offsetStr); err != nil || offset < 0 {
			return 0, 0, errPaging
		}
	}
	return limit, offset, nil
}
