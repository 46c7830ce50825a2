package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/spotdesk/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const orderColumns = "id, user_id, pair, side, type, amount::text, price::text, filled_amount::text, status, created_at, executed_at"

func scanOrder(row pgx.Row) (models.Order, error) {
	var o models.Order
	var side, typ, status, amount, price, filled string
	err := row.Scan(&o.ID, &o.UserID, &o.Pair, &side, &typ, &amount, &price, &filled, &status, &o.CreatedAt, &o.ExecutedAt)
	if err != nil {
		return models.Order{}, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Amount, amount}, {&o.Price, price}, {&o.FilledAmount, filled}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return models.Order{}, fmt.Errorf("failed to parse order numeric: %w", err)
		}
	}
	o.Side = models.Side(side)
	o.Type = models.OrderType(typ)
	o.Status = models.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	if o.ExecutedAt != nil {
		at := o.ExecutedAt.UTC()
		o.ExecutedAt = &at
	}
	return o, nil
}

// CreateOrder inserts an order that carries no balance effect (an open limit order)
func (db *DB) CreateOrder(ctx context.Context, o models.Order) error {
	return insertOrder(ctx, db.Pool, o)
}

// GetOrder returns an order owned by userID
func (db *DB) GetOrder(ctx context.Context, userID, id uuid.UUID) (models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2", id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, models.ErrOrderNotFound
		}
		return models.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// CancelOrder cancels an order if it belongs to the user and is open
func (db *DB) CancelOrder(ctx context.Context, userID, id uuid.UUID) (models.Order, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the row for update to prevent concurrent modifications
	o, err := scanOrder(tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE", id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, models.ErrOrderNotFound
		}
		return models.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	if o.Status != models.OrderStatusOpen {
		return models.Order{}, models.ErrOrderNotCancellable
	}

	tag, err := tx.Exec(ctx,
		"UPDATE orders SET status = 'cancelled' WHERE id = $1 AND user_id = $2 AND status = 'open'",
		id, userID)
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Order{}, models.ErrOrderNotCancellable
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	o.Status = models.OrderStatusCancelled
	return o, nil
}

// ListOrders lists matching orders, newest first
func (db *DB) ListOrders(ctx context.Context, userID uuid.UUID, f models.OrderFilter) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE user_id = $1"
	args := []any{userID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !f.ExecutedSince.IsZero() {
		args = append(args, f.ExecutedSince)
		query += fmt.Sprintf(" AND executed_at >= $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id"
	query, args = paginate(query, args, f.Limit, f.Offset)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
