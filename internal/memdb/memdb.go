// Package memdb is an in-process ledger and order store. Each user has a partition with
// its own lock, so settlements of different users never contend.
package memdb

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotdesk/internal/models"
)

type account struct {
	mu      sync.Mutex
	balance models.Balance
	txs     []models.Transaction
	txIdx   map[uuid.UUID]int
	orders  []models.Order
	ordIdx  map[uuid.UUID]int
}

// DB holds every user partition
type DB struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*account
}

// New creates an empty store
func New() *DB {
	return &DB{users: make(map[uuid.UUID]*account)}
}

func (d *DB) get(userID uuid.UUID) (*account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.users[userID]
	return a, ok
}

func (d *DB) getOrCreate(userID uuid.UUID) *account {
	if a, ok := d.get(userID); ok {
		return a
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.users[userID]; ok {
		return a
	}
	a := &account{
		balance: make(models.Balance),
		txIdx:   make(map[uuid.UUID]int),
		ordIdx:  make(map[uuid.UUID]int),
	}
	d.users[userID] = a
	return a
}

// Settle validates every part of s before writing any of it
func (d *DB) Settle(_ context.Context, s models.Settlement) error {
	a := d.getOrCreate(s.UserID)
	a.mu.Lock()
	defer a.mu.Unlock()

	next, err := a.balance.Apply(s.Deltas)
	if err != nil {
		return err
	}

	resolveIdx := -1
	if s.Resolve != nil {
		i, ok := a.txIdx[s.Resolve.TransactionID]
		if !ok {
			return models.ErrTransactionNotFound
		}
		if a.txs[i].Status != models.TxPending {
			return models.ErrTransactionNotPending
		}
		resolveIdx = i
	}

	a.balance = next
	if resolveIdx >= 0 {
		a.txs[resolveIdx].Status = s.Resolve.To
		a.txs[resolveIdx].UpdatedAt = s.Resolve.At
	}
	if s.Order != nil {
		a.ordIdx[s.Order.ID] = len(a.orders)
		a.orders = append(a.orders, *s.Order)
	}
	if s.Transaction != nil {
		a.txIdx[s.Transaction.ID] = len(a.txs)
		a.txs = append(a.txs, *s.Transaction)
	}
	return nil
}

// Balance returns a copy of the user's balances
func (d *DB) Balance(_ context.Context, userID uuid.UUID) (models.Balance, error) {
	a, ok := d.get(userID)
	if !ok {
		return models.Balance{}, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance.Clone(), nil
}

// Transaction returns one of the user's transactions
func (d *DB) Transaction(_ context.Context, userID, id uuid.UUID) (models.Transaction, error) {
	a, ok := d.get(userID)
	if !ok {
		return models.Transaction{}, models.ErrTransactionNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.txIdx[id]
	if !ok {
		return models.Transaction{}, models.ErrTransactionNotFound
	}
	return a.txs[i], nil
}

// Transactions lists matching transactions, newest first
func (d *DB) Transactions(_ context.Context, userID uuid.UUID, f models.TxFilter) ([]models.Transaction, error) {
	a, ok := d.get(userID)
	if !ok {
		return []models.Transaction{}, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.Transaction, 0)
	for i := len(a.txs) - 1; i >= 0; i-- {
		if f.Match(a.txs[i]) {
			out = append(out, a.txs[i])
		}
	}
	lo, hi := models.Page(len(out), f.Offset, f.Limit)
	return out[lo:hi], nil
}

// SumTransactions adds up the amounts of matching transactions
func (d *DB) SumTransactions(_ context.Context, userID uuid.UUID, f models.TxFilter) (decimal.Decimal, error) {
	sum := decimal.Zero
	a, ok := d.get(userID)
	if !ok {
		return sum, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.txs {
		if f.Match(t) {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

// CreateOrder stores an order without any balance effect
func (d *DB) CreateOrder(_ context.Context, o models.Order) error {
	a := d.getOrCreate(o.UserID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ordIdx[o.ID] = len(a.orders)
	a.orders = append(a.orders, o)
	return nil
}

// GetOrder returns an order owned by userID
func (d *DB) GetOrder(_ context.Context, userID, id uuid.UUID) (models.Order, error) {
	a, ok := d.get(userID)
	if !ok {
		return models.Order{}, models.ErrOrderNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.ordIdx[id]
	if !ok {
		return models.Order{}, models.ErrOrderNotFound
	}
	return a.orders[i], nil
}

// CancelOrder moves an open order of userID to cancelled
func (d *DB) CancelOrder(_ context.Context, userID, id uuid.UUID) (models.Order, error) {
	a, ok := d.get(userID)
	if !ok {
		return models.Order{}, models.ErrOrderNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.ordIdx[id]
	if !ok {
		return models.Order{}, models.ErrOrderNotFound
	}
	if a.orders[i].Status != models.OrderStatusOpen {
		return models.Order{}, models.ErrOrderNotCancellable
	}
	a.orders[i].Status = models.OrderStatusCancelled
	return a.orders[i], nil
}

// ListOrders lists matching orders, newest first
func (d *DB) ListOrders(_ context.Context, userID uuid.UUID, f models.OrderFilter) ([]models.Order, error) {
	a, ok := d.get(userID)
	if !ok {
		return []models.Order{}, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.Order, 0)
	for i := len(a.orders) - 1; i >= 0; i-- {
		if f.Match(a.orders[i]) {
			out = append(out, a.orders[i])
		}
	}
	lo, hi := models.Page(len(out), f.Offset, f.Limit)
	return out[lo:hi], nil
}
