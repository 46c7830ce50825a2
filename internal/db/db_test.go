package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotdesk/internal/ledger"
	"github.com/xtrntr/spotdesk/internal/models"
)

var testDB *DB

func TestMain(m *testing.M) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		// Store tests skip individually
		os.Exit(m.Run())
	}

	var err error
	testDB, err = NewDB(context.Background(), dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	// Apply migration if not already applied
	migration, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read migration: %v\n", err)
		os.Exit(1)
	}
	_, err = testDB.Pool.Exec(context.Background(), string(migration))
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	// Truncate tables before running tests
	_, err = testDB.Pool.Exec(context.Background(), "TRUNCATE TABLE transactions, orders, balances, quotes")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to truncate tables: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func requireDB(t *testing.T) *DB {
	t.Helper()
	if testDB == nil {
		t.Skip("TEST_DATABASE_URL not set")
	}
	return testDB
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDB_SettleAllOrNothing(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, db.Settle(ctx, models.Settlement{
		UserID: user,
		Deltas: []models.Delta{{Currency: "USDT", Amount: dec("100")}},
	}))

	now := time.Now().UTC().Truncate(time.Microsecond)
	order := models.Order{
		ID: uuid.New(), UserID: user, Pair: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeMarket,
		Amount: dec("1"), Price: dec("150"), FilledAmount: dec("1"), Status: models.OrderStatusFilled,
		CreatedAt: now, ExecutedAt: &now,
	}
	tx := models.Transaction{
		ID: uuid.New(), UserID: user, Amount: dec("150"), Currency: "USDT", Kind: models.KindTrade,
		Status: models.TxCompleted, OrderID: &order.ID, CreatedAt: now, UpdatedAt: now,
	}

	err := db.Settle(ctx, models.Settlement{
		UserID: user,
		Deltas: []models.Delta{
			{Currency: "BTC", Amount: dec("1")},
			{Currency: "USDT", Amount: dec("-150")},
		},
		Order:       &order,
		Transaction: &tx,
	})
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	bal, err := db.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.Get("USDT").String())
	assert.True(t, bal.Get("BTC").IsZero())

	_, err = db.GetOrder(ctx, user, order.ID)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
	_, err = db.Transaction(ctx, user, tx.ID)
	assert.ErrorIs(t, err, models.ErrTransactionNotFound)
}

func TestDB_ConcurrentDebits(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	user := uuid.New()

	// Two ledgers over one database behave like two processes
	ledgers := []*ledger.Ledger{ledger.New(db), ledger.New(db)}
	_, err := ledgers[0].ApplyDeposit(ctx, user, models.Leg{Currency: "USDT", Amount: dec("50")}, "")
	require.NoError(t, err)

	var mu sync.Mutex
	ok, insufficient := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(l *ledger.Ledger) {
			defer wg.Done()
			_, err := l.ApplyTrade(ctx, user, ledger.Trade{
				Debit:  models.Leg{Currency: "USDT", Amount: dec("1")},
				Credit: models.Leg{Currency: "PTS", Amount: dec("1")},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, models.ErrInsufficientBalance):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(ledgers[i%2])
	}
	wg.Wait()

	assert.Equal(t, 50, ok)
	assert.Equal(t, 50, insufficient)
	bal, err := db.Balance(ctx, user)
	require.NoError(t, err)
	assert.True(t, bal.Get("USDT").IsZero())
}

func TestDB_DailyWindow(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	user := uuid.New()
	today := time.Now().UTC().Truncate(24 * time.Hour)

	for _, at := range []time.Time{today.Add(-time.Second), today} {
		at := at
		l := ledger.New(db, ledger.WithClock(func() time.Time { return at }))
		_, err := l.ApplyDeposit(ctx, user, models.Leg{Currency: "TMN", Amount: dec("100")}, "")
		require.NoError(t, err)
	}

	used, err := ledger.New(db).UsedToday(ctx, user, models.KindDeposit, "TMN")
	require.NoError(t, err)
	assert.Equal(t, "100", used.String())
}

func TestDB_ResolvePending(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	user := uuid.New()
	l := ledger.New(db)

	tx, err := l.RequestDeposit(ctx, user, models.Leg{Currency: "TMN", Amount: dec("75.5")}, "card")
	require.NoError(t, err)

	got, err := db.Transaction(ctx, user, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, got.Status)
	assert.Equal(t, "75.5", got.Amount.String())
	assert.Nil(t, got.OrderID)

	_, err = l.ConfirmDeposit(ctx, user, tx.ID)
	require.NoError(t, err)
	_, err = l.ConfirmDeposit(ctx, user, tx.ID)
	assert.ErrorIs(t, err, models.ErrTransactionNotPending)

	bal, err := db.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "75.5", bal.Get("TMN").String())

	txs, err := db.Transactions(ctx, user, models.TxFilter{Kind: models.KindDeposit, Limit: 10})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TxCompleted, txs[0].Status)
}

func TestDB_CancelOrder(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	user, other := uuid.New(), uuid.New()
	now := time.Now().UTC()

	open := models.Order{
		ID: uuid.New(), UserID: user, Pair: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeLimit,
		Amount: dec("0.5"), Price: dec("40000"), FilledAmount: decimal.Zero, Status: models.OrderStatusOpen, CreatedAt: now,
	}
	require.NoError(t, db.CreateOrder(ctx, open))

	tests := []struct {
		name        string
		userID      uuid.UUID
		expectedErr error
	}{
		{name: "NotOwner", userID: other, expectedErr: models.ErrOrderNotFound},
		{name: "Success", userID: user},
		{name: "AlreadyCancelled", userID: user, expectedErr: models.ErrOrderNotCancellable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := db.CancelOrder(ctx, tt.userID, open.ID)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.OrderStatusCancelled, o.Status)
			assert.Equal(t, "40000", o.Price.String())
		})
	}

	orders, err := db.ListOrders(ctx, user, models.OrderFilter{Status: models.OrderStatusCancelled})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, open.ID, orders[0].ID)
}

func TestQuoteStore_LastFetchedAtWins(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	store := db.Quotes()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	put := func(price string, at time.Time) bool {
		ok, err := store.Put(ctx, models.Quote{Symbol: "pgtest", Price: dec(price), Source: "test", FetchedAt: at})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, put("100", base))
	assert.False(t, put("90", base.Add(-time.Minute)))
	assert.True(t, put("110", base.Add(time.Minute)))

	q, ok, err := store.Get(ctx, "PGTEST")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "110", q.Price.String())
	assert.Equal(t, base.Add(time.Minute), q.FetchedAt)

	_, ok, err = store.Get(ctx, "MISSING")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, all)
}
