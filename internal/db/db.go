package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xtrntr/spotdesk/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Settle applies a settlement in one database transaction. The per-user advisory lock
// serializes settlements of the same user across processes.
func (db *DB) Settle(ctx context.Context, s models.Settlement) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", s.UserID.String()); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}

	for _, d := range s.Deltas {
		if err := applyDelta(ctx, tx, s.UserID, d); err != nil {
			return err
		}
	}

	if s.Resolve != nil {
		if err := resolveTransaction(ctx, tx, s.UserID, *s.Resolve); err != nil {
			return err
		}
	}
	if s.Order != nil {
		if err := insertOrder(ctx, tx, *s.Order); err != nil {
			return err
		}
	}
	if s.Transaction != nil {
		if err := insertTransaction(ctx, tx, *s.Transaction); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func applyDelta(ctx context.Context, tx pgx.Tx, userID uuid.UUID, d models.Delta) error {
	if d.Amount.IsNegative() {
		// Conditional debit: no row changes when the balance does not cover it
		tag, err := tx.Exec(ctx,
			`UPDATE balances SET amount = amount + $3::numeric, updated_at = now()
			 WHERE user_id = $1 AND currency = $2 AND amount + $3::numeric >= 0`,
			userID, d.Currency, d.Amount.String())
		if err != nil {
			return fmt.Errorf("failed to debit %s: %w", d.Currency, err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrInsufficientBalance
		}
		return nil
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO balances (user_id, currency, amount) VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (user_id, currency) DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = now()`,
		userID, d.Currency, d.Amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", d.Currency, err)
	}
	return nil
}

func resolveTransaction(ctx context.Context, tx pgx.Tx, userID uuid.UUID, c models.StatusChange) error {
	var status string
	err := tx.QueryRow(ctx,
		"SELECT status FROM transactions WHERE id = $1 AND user_id = $2 FOR UPDATE",
		c.TransactionID, userID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrTransactionNotFound
		}
		return fmt.Errorf("failed to get transaction: %w", err)
	}
	if models.TransactionStatus(status) != models.TxPending {
		return models.ErrTransactionNotPending
	}

	_, err = tx.Exec(ctx,
		"UPDATE transactions SET status = $3, updated_at = $4 WHERE id = $1 AND user_id = $2",
		c.TransactionID, userID, string(c.To), c.At)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

func insertOrder(ctx context.Context, q querier, o models.Order) error {
	_, err := q.Exec(ctx,
		`INSERT INTO orders (id, user_id, pair, side, type, amount, price, filled_amount, status, created_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11)`,
		o.ID, o.UserID, o.Pair, string(o.Side), string(o.Type),
		o.Amount.String(), o.Price.String(), o.FilledAmount.String(), string(o.Status), o.CreatedAt, o.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, q querier, t models.Transaction) error {
	_, err := q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, amount, currency, type, status, order_id, description, created_at, updated_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.UserID, t.Amount.String(), t.Currency, string(t.Kind), string(t.Status),
		t.OrderID, t.Description, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Balance returns every currency the user holds
func (db *DB) Balance(ctx context.Context, userID uuid.UUID) (models.Balance, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT currency, amount::text FROM balances WHERE user_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	defer rows.Close()

	bal := make(models.Balance)
	for rows.Next() {
		var currency, amount string
		if err := rows.Scan(&currency, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		v, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance: %w", err)
		}
		bal[currency] = v
	}
	return bal, rows.Err()
}

const transactionColumns = "id, user_id, amount::text, currency, type, status, order_id, description, created_at, updated_at"

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var t models.Transaction
	var amount, kind, status string
	err := row.Scan(&t.ID, &t.UserID, &amount, &t.Currency, &kind, &status, &t.OrderID, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return models.Transaction{}, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return models.Transaction{}, fmt.Errorf("failed to parse amount: %w", err)
	}
	t.Kind = models.TransactionKind(kind)
	t.Status = models.TransactionStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

// Transaction returns one of the user's transactions
func (db *DB) Transaction(ctx context.Context, userID, id uuid.UUID) (models.Transaction, error) {
	row := db.Pool.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1 AND user_id = $2", id, userID)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Transaction{}, models.ErrTransactionNotFound
		}
		return models.Transaction{}, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// txWhere builds the WHERE clause shared by listing and summing
func txWhere(userID uuid.UUID, f models.TxFilter) (string, []any) {
	conds := []string{"user_id = $1"}
	args := []any{userID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Kind != "" {
		add("type = $%d", string(f.Kind))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Currency != "" {
		add("currency = $%d", f.Currency)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	return strings.Join(conds, " AND "), args
}

// Transactions lists matching transactions, newest first
func (db *DB) Transactions(ctx context.Context, userID uuid.UUID, f models.TxFilter) ([]models.Transaction, error) {
	where, args := txWhere(userID, f)
	query := "SELECT " + transactionColumns + " FROM transactions WHERE " + where + " ORDER BY created_at DESC, id"
	query, args = paginate(query, args, f.Limit, f.Offset)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	txs := []models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// SumTransactions adds up the amounts of matching transactions
func (db *DB) SumTransactions(ctx context.Context, userID uuid.UUID, f models.TxFilter) (decimal.Decimal, error) {
	where, args := txWhere(userID, f)
	var sum string
	err := db.Pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0)::text FROM transactions WHERE "+where, args...).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return decimal.NewFromString(sum)
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
