package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xtrntr/spotdesk/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// QuoteStore keeps the last quote of each symbol in the quotes table
type QuoteStore struct {
	db *DB
}

// Quotes returns the quote store view of db
func (db *DB) Quotes() *QuoteStore {
	return &QuoteStore{db: db}
}

const quoteColumns = "symbol, price::text, price_secondary::text, change_24h, volume_24h, market_cap, high_24h, low_24h, source, fetched_at"

func scanQuote(row pgx.Row) (models.Quote, error) {
	var q models.Quote
	var price, secondary string
	err := row.Scan(&q.Symbol, &price, &secondary, &q.Change24h, &q.Volume24h, &q.MarketCap, &q.High24h, &q.Low24h, &q.Source, &q.FetchedAt)
	if err != nil {
		return models.Quote{}, err
	}
	if q.Price, err = decimal.NewFromString(price); err != nil {
		return models.Quote{}, fmt.Errorf("failed to parse price: %w", err)
	}
	if q.PriceSecondary, err = decimal.NewFromString(secondary); err != nil {
		return models.Quote{}, fmt.Errorf("failed to parse secondary price: %w", err)
	}
	q.FetchedAt = q.FetchedAt.UTC()
	return q, nil
}

// Get returns the stored quote for symbol
func (s *QuoteStore) Get(ctx context.Context, symbol string) (models.Quote, bool, error) {
	q, err := scanQuote(s.db.Pool.QueryRow(ctx,
		"SELECT "+quoteColumns+" FROM quotes WHERE symbol = $1", strings.ToUpper(symbol)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Quote{}, false, nil
		}
		return models.Quote{}, false, fmt.Errorf("failed to get quote: %w", err)
	}
	return q, true, nil
}

// Put upserts q unless the stored row has a later fetched_at
func (s *QuoteStore) Put(ctx context.Context, q models.Quote) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`INSERT INTO quotes (symbol, price, price_secondary, change_24h, volume_24h, market_cap, high_24h, low_24h, source, fetched_at)
		 VALUES ($1, $2::numeric, $3::numeric, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (symbol) DO UPDATE SET
		   price = EXCLUDED.price,
		   price_secondary = EXCLUDED.price_secondary,
		   change_24h = EXCLUDED.change_24h,
		   volume_24h = EXCLUDED.volume_24h,
		   market_cap = EXCLUDED.market_cap,
		   high_24h = EXCLUDED.high_24h,
		   low_24h = EXCLUDED.low_24h,
		   source = EXCLUDED.source,
		   fetched_at = EXCLUDED.fetched_at
		 WHERE quotes.fetched_at <= EXCLUDED.fetched_at`,
		strings.ToUpper(q.Symbol), q.Price.String(), q.PriceSecondary.String(),
		q.Change24h, q.Volume24h, q.MarketCap, q.High24h, q.Low24h, q.Source, q.FetchedAt)
	if err != nil {
		return false, fmt.Errorf("failed to store quote: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// All returns every stored quote ordered by symbol
func (s *QuoteStore) All(ctx context.Context) ([]models.Quote, error) {
	rows, err := s.db.Pool.Query(ctx, "SELECT "+quoteColumns+" FROM quotes ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to list quotes: %w", err)
	}
	defer rows.Close()

	quotes := []models.Quote{}
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}
