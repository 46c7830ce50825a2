package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance maps currency code to a non-negative amount
type Balance map[string]decimal.Decimal

// Get returns the amount held in currency, zero when absent
func (b Balance) Get(currency string) decimal.Decimal {
	if v, ok := b[currency]; ok {
		return v
	}
	return decimal.Zero
}

// Covers reports whether at least amount of currency is available
func (b Balance) Covers(currency string, amount decimal.Decimal) bool {
	return b.Get(currency).GreaterThanOrEqual(amount)
}

// Apply returns a copy of b with deltas added. The receiver is never modified, and
// ErrInsufficientBalance is returned if any currency would end below zero.
func (b Balance) Apply(deltas []Delta) (Balance, error) {
	next := b.Clone()
	for _, d := range deltas {
		v := next.Get(d.Currency).Add(d.Amount)
		if v.IsNegative() {
			return nil, ErrInsufficientBalance
		}
		next[d.Currency] = v
	}
	return next, nil
}

// Clone copies the balance map
func (b Balance) Clone() Balance {
	out := make(Balance, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Currencies returns held currency codes in sorted order
func (b Balance) Currencies() []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Delta is a signed change of one currency
type Delta struct {
	Currency string
	Amount   decimal.Decimal
}

// Leg is one side of a trade: the currency and the positive amount moved
type Leg struct {
	Currency string
	Amount   decimal.Decimal
}

// StatusChange moves an existing pending transaction to a final status
type StatusChange struct {
	TransactionID uuid.UUID
	To            TransactionStatus
	At            time.Time
}

// Settlement is the set of writes applied atomically for one user: either all of it
// lands or none of it does.
type Settlement struct {
	UserID      uuid.UUID
	Deltas      []Delta
	Transaction *Transaction
	Order       *Order
	Resolve     *StatusChange
}
