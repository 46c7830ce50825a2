package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotdesk/internal/events"
	"github.com/xtrntr/spotdesk/internal/ledger"
	"github.com/xtrntr/spotdesk/internal/models"
	"github.com/xtrntr/spotdesk/internal/oracle"

	"go.uber.org/zap"
)

var (
	ErrUnsupportedPair     = errors.New("unsupported pair")
	ErrInvalidOrder        = errors.New("invalid side or order type")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidLimitPrice   = errors.New("limit price must be positive")
	ErrStaleQuote          = errors.New("quote too old for an order of this size")
	ErrInsufficientBalance = models.ErrInsufficientBalance
	ErrOrderNotFound       = models.ErrOrderNotFound
	ErrOrderNotCancellable = models.ErrOrderNotCancellable
)

// Resolver returns the best available quote for a symbol
type Resolver interface {
	Resolve(ctx context.Context, symbol string) (oracle.Resolution, error)
}

// Ledger settles fills and reports balances
type Ledger interface {
	Balance(ctx context.Context, userID uuid.UUID) (models.Balance, error)
	ApplyTrade(ctx context.Context, userID uuid.UUID, t ledger.Trade) (models.Transaction, error)
}

// OrderStore persists orders that are not settled through the ledger
type OrderStore interface {
	CreateOrder(ctx context.Context, o models.Order) error
	CancelOrder(ctx context.Context, userID, id uuid.UUID) (models.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, f models.OrderFilter) ([]models.Order, error)
}

// Config describes the tradable market
type Config struct {
	Primary   string
	Secondary string
	// Symbols are the tradable base assets, listed by Pairs. Empty allows any resolvable base.
	Symbols []string
	// Orders whose notional in the primary currency reaches LargeOrderNotional need a LIVE
	// quote or a cached one no older than StaleQuoteMaxAge. Zero disables the check.
	LargeOrderNotional decimal.Decimal
	StaleQuoteMaxAge   time.Duration
}

// Exchange validates and settles orders against resolved quotes
type Exchange struct {
	resolver  Resolver
	ledger    Ledger
	orders    OrderStore
	publisher events.Publisher
	cfg       Config
	symbols   map[string]bool
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Exchange
type Option func(*Exchange)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// NewExchange creates a settlement engine
func NewExchange(resolver Resolver, l Ledger, orders OrderStore, publisher events.Publisher, cfg Config, logger *zap.Logger, opts ...Option) *Exchange {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	symbols := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[strings.ToUpper(s)] = true
	}
	e := &Exchange{
		resolver:  resolver,
		ledger:    l,
		orders:    orders,
		publisher: publisher,
		cfg:       cfg,
		symbols:   symbols,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PlaceOrderRequest is one order submission. LimitPrice is ignored for market orders.
type PlaceOrderRequest struct {
	Pair       string
	Side       models.Side
	Type       models.OrderType
	Amount     decimal.Decimal
	LimitPrice *decimal.Decimal
}

// OrderResult is the outcome of a successful placement
type OrderResult struct {
	Order       models.Order
	Transaction *models.Transaction
	Freshness   models.Freshness
	QuoteAge    time.Duration
}

// PlaceOrder validates req and either fills it (market) or stores it open (limit).
// A failed placement has no effect on balances or history.
func (e *Exchange) PlaceOrder(ctx context.Context, userID uuid.UUID, req PlaceOrderRequest) (OrderResult, error) {
	pair, res, err := e.resolvePair(ctx, req.Pair)
	if err != nil {
		return OrderResult{}, err
	}
	if !req.Side.Valid() || !req.Type.Valid() {
		return OrderResult{}, ErrInvalidOrder
	}
	if !req.Amount.IsPositive() {
		return OrderResult{}, ErrInvalidAmount
	}

	price := e.quotePrice(res.Quote, pair)
	if req.Type == models.OrderTypeLimit {
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return OrderResult{}, ErrInvalidLimitPrice
		}
		price = *req.LimitPrice
	} else if err := e.checkFreshness(req.Amount, res); err != nil {
		return OrderResult{}, err
	}

	cost := req.Amount.Mul(price)
	debit, credit := e.legs(pair, req.Side, req.Amount, cost)

	bal, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		return OrderResult{}, fmt.Errorf("failed to read balance: %w", err)
	}
	if !bal.Covers(debit.Currency, debit.Amount) {
		return OrderResult{}, ErrInsufficientBalance
	}

	now := e.now().UTC()
	order := models.Order{
		ID:           uuid.New(),
		UserID:       userID,
		Pair:         pair.String(),
		Side:         req.Side,
		Type:         req.Type,
		Amount:       req.Amount,
		Price:        price,
		FilledAmount: decimal.Zero,
		Status:       models.OrderStatusOpen,
		CreatedAt:    now,
	}
	result := OrderResult{Freshness: res.Freshness, QuoteAge: res.Age}

	if req.Type == models.OrderTypeLimit {
		// Limit orders rest without reserving funds and are not matched here
		if err := e.orders.CreateOrder(ctx, order); err != nil {
			return OrderResult{}, fmt.Errorf("failed to create order: %w", err)
		}
		result.Order = order
		e.publish(ctx, events.Event{Type: events.OrderPlaced, UserID: userID, Order: &order, At: now})
		return result, nil
	}

	order.Status = models.OrderStatusFilled
	order.FilledAmount = req.Amount
	order.ExecutedAt = &now

	tx, err := e.ledger.ApplyTrade(ctx, userID, ledger.Trade{
		Debit:       debit,
		Credit:      credit,
		Notional:    models.Leg{Currency: pair.Quote, Amount: cost},
		Order:       &order,
		Description: fmt.Sprintf("%s %s %s at %s", strings.ToUpper(string(req.Side)), req.Amount, pair.Base, price),
	})
	if err != nil {
		// A concurrent settlement may have spent the balance since the check above
		return OrderResult{}, err
	}

	result.Order = order
	result.Transaction = &tx
	e.logger.Info("order filled",
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("pair", order.Pair),
		zap.String("side", string(order.Side)),
		zap.String("amount", order.Amount.String()),
		zap.String("price", price.String()),
		zap.String("freshness", string(res.Freshness)),
	)
	e.publish(ctx, events.Event{Type: events.OrderFilled, UserID: userID, Order: &order, Transaction: &tx, At: now})
	return result, nil
}

// CancelOrder cancels an open order owned by userID
func (e *Exchange) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (models.Order, error) {
	order, err := e.orders.CancelOrder(ctx, userID, orderID)
	if err != nil {
		return models.Order{}, err
	}
	e.publish(ctx, events.Event{Type: events.OrderCancelled, UserID: userID, Order: &order, At: e.now().UTC()})
	return order, nil
}

// Orders lists the user's orders, newest first
func (e *Exchange) Orders(ctx context.Context, userID uuid.UUID, f models.OrderFilter) ([]models.Order, error) {
	return e.orders.ListOrders(ctx, userID, f)
}

// History lists orders filled within the last days days, newest first
func (e *Exchange) History(ctx context.Context, userID uuid.UUID, days int) ([]models.Order, error) {
	if days <= 0 {
		days = 30
	}
	return e.orders.ListOrders(ctx, userID, models.OrderFilter{
		Status:        models.OrderStatusFilled,
		ExecutedSince: e.now().UTC().AddDate(0, 0, -days),
	})
}

// PairInfo is a tradable pair with its current price
type PairInfo struct {
	Pair      string           `json:"pair"`
	Base      string           `json:"base"`
	Quote     string           `json:"quote"`
	Price     decimal.Decimal  `json:"price"`
	Change24h float64          `json:"change_24h"`
	Freshness models.Freshness `json:"freshness"`
}

// Pairs lists every configured symbol against both quote currencies
func (e *Exchange) Pairs(ctx context.Context) []PairInfo {
	out := make([]PairInfo, 0, 2*len(e.cfg.Symbols))
	for _, sym := range e.cfg.Symbols {
		res, err := e.resolver.Resolve(ctx, sym)
		if err != nil {
			continue
		}
		for _, quote := range []string{e.cfg.Primary, e.cfg.Secondary} {
			p := models.Pair{Base: strings.ToUpper(sym), Quote: quote}
			if p.Base == p.Quote {
				continue
			}
			price := e.quotePrice(res.Quote, p)
			if !price.IsPositive() {
				continue
			}
			out = append(out, PairInfo{
				Pair:      p.String(),
				Base:      p.Base,
				Quote:     p.Quote,
				Price:     price,
				Change24h: res.Quote.Change24h,
				Freshness: res.Freshness,
			})
		}
	}
	return out
}

func (e *Exchange) resolvePair(ctx context.Context, raw string) (models.Pair, oracle.Resolution, error) {
	pair, ok := models.ParsePair(raw)
	if !ok {
		return models.Pair{}, oracle.Resolution{}, fmt.Errorf("%w: %q", ErrUnsupportedPair, raw)
	}
	if pair.Quote != e.cfg.Primary && pair.Quote != e.cfg.Secondary {
		return models.Pair{}, oracle.Resolution{}, fmt.Errorf("%w: unknown quote currency %s", ErrUnsupportedPair, pair.Quote)
	}
	if len(e.symbols) > 0 && !e.symbols[pair.Base] {
		return models.Pair{}, oracle.Resolution{}, fmt.Errorf("%w: %s is not traded", ErrUnsupportedPair, pair.Base)
	}

	res, err := e.resolver.Resolve(ctx, pair.Base)
	if errors.Is(err, oracle.ErrUnknownSymbol) {
		return models.Pair{}, oracle.Resolution{}, fmt.Errorf("%w: %s", ErrUnsupportedPair, pair.Base)
	}
	if err != nil {
		return models.Pair{}, oracle.Resolution{}, err
	}
	if !e.quotePrice(res.Quote, pair).IsPositive() {
		return models.Pair{}, oracle.Resolution{}, fmt.Errorf("%w: no %s price for %s", ErrUnsupportedPair, pair.Quote, pair.Base)
	}
	return pair, res, nil
}

func (e *Exchange) quotePrice(q models.Quote, pair models.Pair) decimal.Decimal {
	if pair.Quote == e.cfg.Secondary {
		return q.PriceSecondary
	}
	return q.Price
}

// checkFreshness rejects large market orders priced from an old fallback quote.
// STATIC quotes have no meaningful age and always count as too old.
func (e *Exchange) checkFreshness(amount decimal.Decimal, res oracle.Resolution) error {
	if e.cfg.LargeOrderNotional.IsZero() || res.Freshness == models.FreshnessLive {
		return nil
	}
	if amount.Mul(res.Quote.Price).LessThan(e.cfg.LargeOrderNotional) {
		return nil
	}
	if res.Freshness == models.FreshnessCached && res.Age <= e.cfg.StaleQuoteMaxAge {
		return nil
	}
	return fmt.Errorf("%w: %s quote aged %s", ErrStaleQuote, res.Freshness, res.Age.Round(time.Second))
}

func (e *Exchange) legs(pair models.Pair, side models.Side, amount, cost decimal.Decimal) (debit, credit models.Leg) {
	if side == models.SideBuy {
		return models.Leg{Currency: pair.Quote, Amount: cost}, models.Leg{Currency: pair.Base, Amount: amount}
	}
	return models.Leg{Currency: pair.Base, Amount: amount}, models.Leg{Currency: pair.Quote, Amount: cost}
}

func (e *Exchange) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
