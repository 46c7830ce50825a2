package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotdesk/internal/models"
)

var (
	ErrInsufficientBalance   = models.ErrInsufficientBalance
	ErrTransactionNotFound   = models.ErrTransactionNotFound
	ErrTransactionNotPending = models.ErrTransactionNotPending
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidLeg            = errors.New("debit and credit must be different currencies")
)

// Store persists balances and transactions. Settle must apply the whole settlement or
// nothing, and must refuse with ErrInsufficientBalance any delta that would leave a
// balance below zero.
type Store interface {
	Settle(ctx context.Context, s models.Settlement) error
	Balance(ctx context.Context, userID uuid.UUID) (models.Balance, error)
	Transaction(ctx context.Context, userID, id uuid.UUID) (models.Transaction, error)
	Transactions(ctx context.Context, userID uuid.UUID, f models.TxFilter) ([]models.Transaction, error)
	SumTransactions(ctx context.Context, userID uuid.UUID, f models.TxFilter) (decimal.Decimal, error)
}

// lockStripes bounds the lock table regardless of how many users the ledger sees
const lockStripes = 256

// Ledger owns every balance mutation. Mutations of one user are serialized; users that
// hash to the same stripe share a mutex. A mutation never holds more than one stripe.
type Ledger struct {
	store Store
	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over store
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func stripe(userID uuid.UUID) int {
	h := fnv.New32a()
	h.Write(userID[:])
	return int(h.Sum32() % lockStripes)
}

func (l *Ledger) lock(userID uuid.UUID) func() {
	mu := &l.locks[stripe(userID)]
	mu.Lock()
	return mu.Unlock
}

// Settle applies s under the user's lock
func (l *Ledger) Settle(ctx context.Context, s models.Settlement) error {
	unlock := l.lock(s.UserID)
	defer unlock()
	return l.store.Settle(ctx, s)
}

// Trade is the economic effect of one fill
type Trade struct {
	Debit  models.Leg
	Credit models.Leg
	// Notional is recorded as the trade transaction amount; defaults to Debit
	Notional    models.Leg
	Order       *models.Order
	Description string
}

// ApplyTrade debits and credits the user and records a completed trade transaction,
// together with t.Order when set.
func (l *Ledger) ApplyTrade(ctx context.Context, userID uuid.UUID, t Trade) (models.Transaction, error) {
	if !t.Debit.Amount.IsPositive() || !t.Credit.Amount.IsPositive() {
		return models.Transaction{}, ErrInvalidAmount
	}
	if t.Debit.Currency == t.Credit.Currency {
		return models.Transaction{}, ErrInvalidLeg
	}
	notional := t.Notional
	if notional.Currency == "" {
		notional = t.Debit
	}

	tx := l.newTransaction(userID, models.KindTrade, models.TxCompleted, notional, t.Description)
	if t.Order != nil {
		id := t.Order.ID
		tx.OrderID = &id
	}

	err := l.Settle(ctx, models.Settlement{
		UserID: userID,
		Deltas: []models.Delta{
			{Currency: t.Debit.Currency, Amount: t.Debit.Amount.Neg()},
			{Currency: t.Credit.Currency, Amount: t.Credit.Amount},
		},
		Transaction: &tx,
		Order:       t.Order,
	})
	if err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

// ApplyDeposit credits amount and records a completed deposit
func (l *Ledger) ApplyDeposit(ctx context.Context, userID uuid.UUID, amount models.Leg, description string) (models.Transaction, error) {
	if !amount.Amount.IsPositive() {
		return models.Transaction{}, ErrInvalidAmount
	}
	tx := l.newTransaction(userID, models.KindDeposit, models.TxCompleted, amount, description)
	err := l.Settle(ctx, models.Settlement{
		UserID:      userID,
		Deltas:      []models.Delta{{Currency: amount.Currency, Amount: amount.Amount}},
		Transaction: &tx,
	})
	if err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

// RequestDeposit records a pending deposit without touching balances
func (l *Ledger) RequestDeposit(ctx context.Context, userID uuid.UUID, amount models.Leg, description string) (models.Transaction, error) {
	if !amount.Amount.IsPositive() {
		return models.Transaction{}, ErrInvalidAmount
	}
	tx := l.newTransaction(userID, models.KindDeposit, models.TxPending, amount, description)
	if err := l.Settle(ctx, models.Settlement{UserID: userID, Transaction: &tx}); err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

// ConfirmDeposit completes a pending deposit and credits its amount
func (l *Ledger) ConfirmDeposit(ctx context.Context, userID, txID uuid.UUID) (models.Transaction, error) {
	return l.resolve(ctx, userID, txID, models.KindDeposit, models.TxCompleted, 1)
}

// RejectDeposit fails a pending deposit; balances are untouched
func (l *Ledger) RejectDeposit(ctx context.Context, userID, txID uuid.UUID) (models.Transaction, error) {
	return l.resolve(ctx, userID, txID, models.KindDeposit, models.TxFailed, 0)
}

// ApplyWithdrawalHold debits amount immediately and records a pending withdrawal
func (l *Ledger) ApplyWithdrawalHold(ctx context.Context, userID uuid.UUID, amount models.Leg, description string) (models.Transaction, error) {
	if !amount.Amount.IsPositive() {
		return models.Transaction{}, ErrInvalidAmount
	}
	tx := l.newTransaction(userID, models.KindWithdrawal, models.TxPending, amount, description)
	err := l.Settle(ctx, models.Settlement{
		UserID:      userID,
		Deltas:      []models.Delta{{Currency: amount.Currency, Amount: amount.Amount.Neg()}},
		Transaction: &tx,
	})
	if err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

// CompleteWithdrawal marks a held withdrawal as paid out
func (l *Ledger) CompleteWithdrawal(ctx context.Context, userID, txID uuid.UUID) (models.Transaction, error) {
	return l.resolve(ctx, userID, txID, models.KindWithdrawal, models.TxCompleted, 0)
}

// FailWithdrawal fails a held withdrawal and refunds the held amount
func (l *Ledger) FailWithdrawal(ctx context.Context, userID, txID uuid.UUID) (models.Transaction, error) {
	return l.resolve(ctx, userID, txID, models.KindWithdrawal, models.TxFailed, 1)
}

// resolve moves a pending transaction to status to, crediting sign*amount
func (l *Ledger) resolve(ctx context.Context, userID, txID uuid.UUID, kind models.TransactionKind, to models.TransactionStatus, sign int64) (models.Transaction, error) {
	unlock := l.lock(userID)
	defer unlock()

	tx, err := l.store.Transaction(ctx, userID, txID)
	if err != nil {
		return models.Transaction{}, err
	}
	if tx.Kind != kind {
		return models.Transaction{}, fmt.Errorf("%w: %s is a %s", ErrTransactionNotFound, txID, tx.Kind)
	}
	if tx.Status != models.TxPending {
		return models.Transaction{}, ErrTransactionNotPending
	}

	s := models.Settlement{
		UserID:  userID,
		Resolve: &models.StatusChange{TransactionID: txID, To: to, At: l.now().UTC()},
	}
	if sign != 0 {
		s.Deltas = []models.Delta{{Currency: tx.Currency, Amount: tx.Amount.Mul(decimal.NewFromInt(sign))}}
	}
	if err := l.store.Settle(ctx, s); err != nil {
		return models.Transaction{}, err
	}

	tx.Status = to
	tx.UpdatedAt = s.Resolve.At
	return tx, nil
}

// WindowStart returns the most recent UTC midnight at or before t
func WindowStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// UsedToday sums completed transactions of kind in currency since the last UTC midnight
func (l *Ledger) UsedToday(ctx context.Context, userID uuid.UUID, kind models.TransactionKind, currency string) (decimal.Decimal, error) {
	return l.store.SumTransactions(ctx, userID, models.TxFilter{
		Kind:     kind,
		Status:   models.TxCompleted,
		Currency: currency,
		Since:    WindowStart(l.now()),
	})
}

// PendingToday sums still pending transactions of kind in currency since the last UTC midnight
func (l *Ledger) PendingToday(ctx context.Context, userID uuid.UUID, kind models.TransactionKind, currency string) (decimal.Decimal, error) {
	return l.store.SumTransactions(ctx, userID, models.TxFilter{
		Kind:     kind,
		Status:   models.TxPending,
		Currency: currency,
		Since:    WindowStart(l.now()),
	})
}

// Balance returns a snapshot of the user's balances
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (models.Balance, error) {
	return l.store.Balance(ctx, userID)
}

// Transactions lists the user's transactions, newest first
func (l *Ledger) Transactions(ctx context.Context, userID uuid.UUID, f models.TxFilter) ([]models.Transaction, error) {
	return l.store.Transactions(ctx, userID, f)
}

func (l *Ledger) newTransaction(userID uuid.UUID, kind models.TransactionKind, status models.TransactionStatus, amount models.Leg, description string) models.Transaction {
	now := l.now().UTC()
	return models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount.Amount,
		Currency:    amount.Currency,
		Kind:        kind,
		Status:      status,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
