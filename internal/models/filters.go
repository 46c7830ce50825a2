package models

import "time"

// TxFilter narrows a transaction listing or sum. Zero fields match everything.
type TxFilter struct {
	Kind     TransactionKind
	Status   TransactionStatus
	Currency string
	Since    time.Time // created_at >= Since
	Limit    int
	Offset   int
}

// Match reports whether t passes every set field of f
func (f TxFilter) Match(t Transaction) bool {
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Currency != "" && t.Currency != f.Currency {
		return false
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// OrderFilter narrows an order listing. Zero fields match everything.
type OrderFilter struct {
	Status        OrderStatus
	ExecutedSince time.Time
	Limit         int
	Offset        int
}

// Match reports whether o passes every set field of f
func (f OrderFilter) Match(o Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if !f.ExecutedSince.IsZero() && (o.ExecutedAt == nil || o.ExecutedAt.Before(f.ExecutedSince)) {
		return false
	}
	return true
}

// Page applies offset and limit to n items and returns the bounds to slice with
func Page(n, offset, limit int) (lo, hi int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	hi = n
	if limit > 0 && offset+limit < n {
		hi = offset + limit
	}
	return offset, hi
}
