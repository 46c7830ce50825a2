package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotdesk/internal/models"
	"github.com/xtrntr/spotdesk/internal/sources"
)

type fakeFetcher struct {
	mu     sync.Mutex
	quotes map[string]models.Quote
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (f *fakeFetcher) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.Quote{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Quote{}, f.err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return models.Quote{}, errors.New("symbol not listed upstream")
	}
	return q, nil
}

var errUpstreamDown = errors.New("upstream down")

func TestResolver_Live(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)
	store := NewMemoryStore()
	live := &fakeFetcher{quotes: map[string]models.Quote{
		"BTC": quoteAt("BTC", "50000", now.Add(-10*time.Second)),
	}}
	r := NewResolver(live, store, WithClock(func() time.Time { return now }))

	res, err := r.Resolve(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, models.FreshnessLive, res.Freshness)
	assert.Equal(t, "50000", res.Quote.Price.String())
	assert.Equal(t, 10*time.Second, res.Age)
	assert.NoError(t, res.UpstreamErr)

	// Write-through
	stored, ok, _ := store.Get(ctx, "BTC")
	require.True(t, ok)
	assert.Equal(t, "50000", stored.Price.String())
}

func TestResolver_FallbackDegradation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.Put(ctx, quoteAt("ETH", "3000", now.Add(-time.Hour)))
	live := &fakeFetcher{err: errUpstreamDown}
	r := NewResolver(live, store, WithClock(func() time.Time { return now }))

	tests := []struct {
		name            string
		symbol          string
		expectFreshness models.Freshness
		expectPrice     string
		expectUnknown   bool
	}{
		{name: "CachedRegardlessOfAge", symbol: "ETH", expectFreshness: models.FreshnessCached, expectPrice: "3000"},
		{name: "StaticWhenNeverCached", symbol: "BTC", expectFreshness: models.FreshnessStatic, expectPrice: "67850"},
		{name: "Unknown", symbol: "NOPE", expectUnknown: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, tt.symbol)
			if tt.expectUnknown {
				assert.ErrorIs(t, err, ErrUnknownSymbol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectFreshness, res.Freshness)
			assert.Equal(t, tt.expectPrice, res.Quote.Price.String())
			assert.ErrorIs(t, res.UpstreamErr, errUpstreamDown)
		})
	}

	cached, _ := r.Resolve(ctx, "ETH")
	assert.Equal(t, time.Hour, cached.Age)
}

func TestResolver_NoLiveSource(t *testing.T) {
	r := NewResolver(nil, NewMemoryStore())
	res, err := r.Resolve(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, models.FreshnessStatic, res.Freshness)
	assert.Error(t, res.UpstreamErr)
}

func TestResolver_Idempotent(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Live", func(t *testing.T) {
		live := &fakeFetcher{quotes: map[string]models.Quote{"BTC": quoteAt("BTC", "50000.5", at)}}
		r := NewResolver(live, NewMemoryStore())
		a, err := r.Resolve(ctx, "BTC")
		require.NoError(t, err)
		b, err := r.Resolve(ctx, "BTC")
		require.NoError(t, err)
		assertSameBytes(t, a.Quote, b.Quote)
	})

	t.Run("Cached", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put(ctx, quoteAt("BTC", "50000.5", at))
		r := NewResolver(&fakeFetcher{err: errUpstreamDown}, store)
		a, _ := r.Resolve(ctx, "BTC")
		b, _ := r.Resolve(ctx, "BTC")
		assertSameBytes(t, a.Quote, b.Quote)
	})
}

func assertSameBytes(t *testing.T, a, b models.Quote) {
	t.Helper()
	ab, err := json.Marshal(a)
	require.NoError(t, err)
	bb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(ab), string(bb))
}

func TestResolver_TimeoutFallsBack(t *testing.T) {
	live := &fakeFetcher{delay: time.Second, quotes: map[string]models.Quote{"BTC": quoteAt("BTC", "1", time.Now())}}
	r := NewResolver(live, NewMemoryStore(), WithTimeout(20*time.Millisecond))

	start := time.Now()
	res, err := r.Resolve(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, models.FreshnessStatic, res.Freshness)
	assert.ErrorIs(t, res.UpstreamErr, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestResolver_SharesInFlightCall(t *testing.T) {
	live := &fakeFetcher{delay: 50 * time.Millisecond, quotes: map[string]models.Quote{"BTC": quoteAt("BTC", "50000", time.Now())}}
	r := NewResolver(live, NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), "BTC")
			assert.NoError(t, err)
			assert.Equal(t, models.FreshnessLive, res.Freshness)
		}()
	}
	wg.Wait()
	assert.Less(t, live.calls.Load(), int32(20))
}

func TestResolver_RejectsUnusableQuote(t *testing.T) {
	live := &fakeFetcher{quotes: map[string]models.Quote{"BTC": quoteAt("BTC", "0", time.Now())}}
	r := NewResolver(live, NewMemoryStore())
	res, err := r.Resolve(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, models.FreshnessStatic, res.Freshness)
}

func TestResolver_UnchangedUpstreamKeepsStoredQuote(t *testing.T) {
	body := `{"result": {"success": true, "markets": [
		{"symbol": "BTCUSDT", "base_asset": "BTC", "quote_asset": "USDT", "price": "50000.5", "change_24h": "1.25"},
		{"symbol": "BTCTMN", "base_asset": "BTC", "quote_asset": "TMN", "price": "2900000000"}
	]}}`
	var upstream atomic.Value
	upstream.Store(body)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(upstream.Load().(string)))
	}))
	defer srv.Close()

	wallex := sources.NewWallex(sources.WallexConfig{
		BaseURL:    srv.URL,
		Currencies: sources.Currencies{Primary: "USDT", Secondary: "TMN", Rate: decimal.NewFromInt(42000)},
	})
	store := NewMemoryStore()
	r := NewResolver(wallex, store)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "BTC")
	require.NoError(t, err)
	require.Equal(t, models.FreshnessLive, first.Freshness)
	time.Sleep(2 * time.Millisecond)
	second, err := r.Resolve(ctx, "BTC")
	require.NoError(t, err)
	require.Equal(t, models.FreshnessLive, second.Freshness)
	assertSameBytes(t, first.Quote, second.Quote)

	stored, _, _ := store.Get(ctx, "BTC")
	assert.Equal(t, first.Quote.FetchedAt, stored.FetchedAt)

	// New upstream data is written through with its own fetch time
	upstream.Store(strings.Replace(body, "50000.5", "50100", 1))
	third, err := r.Resolve(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "50100", third.Quote.Price.String())
	assert.True(t, third.Quote.FetchedAt.After(first.Quote.FetchedAt))
	stored, _, _ = store.Get(ctx, "BTC")
	assert.Equal(t, "50100", stored.Price.String())
}

// ctxStore fails reads on a done context the way network-backed stores do
type ctxStore struct {
	Store
}

func (s ctxStore) Get(ctx context.Context, symbol string) (models.Quote, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Quote{}, false, err
	}
	return s.Store.Get(ctx, symbol)
}

func TestResolver_CachedAfterCallerDeadline(t *testing.T) {
	store := ctxStore{NewMemoryStore()}
	_, err := store.Put(context.Background(), quoteAt("BTC", "50000", time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	live := &fakeFetcher{delay: time.Second, quotes: map[string]models.Quote{"BTC": quoteAt("BTC", "1", time.Now())}}
	r := NewResolver(live, store)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := r.Resolve(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, models.FreshnessCached, res.Freshness)
	assert.Equal(t, "50000", res.Quote.Price.String())
	assert.ErrorIs(t, res.UpstreamErr, context.DeadlineExceeded)
}
