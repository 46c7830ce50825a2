package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Quote is the last known market snapshot of one symbol from one source
type Quote struct {
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`           // in the primary quote currency (USDT)
	PriceSecondary decimal.Decimal `json:"price_secondary"` // in the reporting currency (TMN)
	Change24h      float64         `json:"change_24h"`      // percent
	Volume24h      float64         `json:"volume_24h"`
	MarketCap      float64         `json:"market_cap"`
	High24h        float64         `json:"high_24h"`
	Low24h         float64         `json:"low_24h"`
	Source         string          `json:"source"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// SameMarket reports whether q and o describe the same market data, ignoring when it
// was fetched
func (q Quote) SameMarket(o Quote) bool {
	return q.Symbol == o.Symbol &&
		q.Price.Equal(o.Price) &&
		q.PriceSecondary.Equal(o.PriceSecondary) &&
		q.Change24h == o.Change24h &&
		q.Volume24h == o.Volume24h &&
		q.MarketCap == o.MarketCap &&
		q.High24h == o.High24h &&
		q.Low24h == o.Low24h &&
		q.Source == o.Source
}

// Freshness tells how a resolved quote was obtained
type Freshness string

const (
	FreshnessLive   Freshness = "LIVE"
	FreshnessCached Freshness = "CACHED"
	FreshnessStatic Freshness = "STATIC"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is market or limit
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Valid reports whether t is a known order type
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Order represents a buy or sell order on a trading pair
type Order struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	Pair         string          `json:"pair"` // "BTC/USDT"
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Amount       decimal.Decimal `json:"amount"` // in base currency
	Price        decimal.Decimal `json:"price"`  // execution or limit price in quote currency
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Status       OrderStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
}

// Pair is a parsed "BASE/QUOTE" trading pair
type Pair struct {
	Base  string
	Quote string
}

// ParsePair splits "btc/usdt" into {BTC USDT}
func ParsePair(s string) (Pair, bool) {
	base, quote, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "/")
	if !ok || base == "" || quote == "" || base == quote {
		return Pair{}, false
	}
	return Pair{Base: base, Quote: quote}, true
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// TransactionKind classifies ledger entries
type TransactionKind string

const (
	KindDeposit    TransactionKind = "deposit"
	KindWithdrawal TransactionKind = "withdrawal"
	KindTrade      TransactionKind = "trade"
	KindReward     TransactionKind = "reward"
)

// TransactionStatus is the only mutable part of a transaction
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is an append-only ledger entry
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	UserID      uuid.UUID         `json:"user_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Kind        TransactionKind   `json:"type"`
	Status      TransactionStatus `json:"status"`
	OrderID     *uuid.UUID        `json:"order_id,omitempty"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
