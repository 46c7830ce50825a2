package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCurrencies = Currencies{
	Primary:   "USDT",
	Secondary: "TMN",
	Rate:      decimal.NewFromInt(42000),
	Aliases:   []string{"IRT"},
}

const wallexMarkets = `{
  "result": {
    "success": true,
    "markets": [
      {"symbol": "BTCUSDT", "base_asset": "BTC", "quote_asset": "USDT", "price": "50000.5", "change_24h": "1.25", "volume_24h": 1200},
      {"symbol": "BTCTMN", "base_asset": "BTC", "quote_asset": "TMN", "price": "2900000000"},
      {"symbol": "ETHUSDT", "en_base_asset": "ETH", "is_usdt_based": true, "price": 3000, "change_24h": -2, "volume_24h": "55.5"},
      {"symbol": "USDTTMN", "base_asset": "USDT", "quote_asset": "TMN", "price": "58000"},
      {"symbol": "DOGEUSDT", "base_asset": "DOGE", "quote_asset": "USDT", "price": "0.1"},
      {"symbol": "ADAUSDT", "price": "0"},
      {"symbol": "XRPTMN", "base_asset": "XRP", "quote_asset": "TMN", "price": "30000"}
    ]
  }
}`

func newWallexServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hector/web/v1/markets" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("x-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWallex_Snapshot(t *testing.T) {
	srv := newWallexServer(t, http.StatusOK, wallexMarkets)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	w := NewWallex(WallexConfig{
		BaseURL:    srv.URL,
		APIKey:     "secret",
		Currencies: testCurrencies,
		Tracked:    []string{"BTC", "ETH", "USDT", "ADA", "XRP"},
	})
	w.now = func() time.Time { return fixed }

	quotes, err := w.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, quotes, 3)

	btc, eth, usdt := quotes[0], quotes[1], quotes[2]

	assert.Equal(t, "BTC", btc.Symbol)
	assert.Equal(t, "50000.5", btc.Price.String())
	assert.Equal(t, "2900000000", btc.PriceSecondary.String())
	assert.Equal(t, 1.25, btc.Change24h)
	assert.Equal(t, 1200.0, btc.Volume24h)
	assert.Equal(t, SourceWallex, btc.Source)
	assert.Equal(t, fixed, btc.FetchedAt)

	// No TMN market, secondary derived from the configured rate
	assert.Equal(t, "ETH", eth.Symbol)
	assert.Equal(t, "126000000", eth.PriceSecondary.String())
	assert.Equal(t, -2.0, eth.Change24h)

	assert.Equal(t, "USDT", usdt.Symbol)
	assert.Equal(t, "1", usdt.Price.String())
	assert.Equal(t, "58000", usdt.PriceSecondary.String())
}

func TestWallex_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{}`},
		{name: "not successful", status: http.StatusOK, body: `{"result":{"success":false}}`},
		{name: "garbage", status: http.StatusOK, body: `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newWallexServer(t, tt.status, tt.body)
			w := NewWallex(WallexConfig{BaseURL: srv.URL, APIKey: "secret", Currencies: testCurrencies})

			_, err := w.Snapshot(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestWallex_FetchQuote(t *testing.T) {
	srv := newWallexServer(t, http.StatusOK, wallexMarkets)
	w := NewWallex(WallexConfig{BaseURL: srv.URL, APIKey: "secret", Currencies: testCurrencies})

	q, err := w.FetchQuote(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, "3000", q.Price.String())

	_, err = w.FetchQuote(context.Background(), "XRP")
	assert.ErrorIs(t, err, errNotListed)
}

func TestCurrencies_SplitMarket(t *testing.T) {
	tests := []struct {
		market    string
		wantBase  string
		wantQuote string
		wantOK    bool
	}{
		{"BTCUSDT", "BTC", "USDT", true},
		{"ethtmn", "ETH", "TMN", true},
		{"SOLIRT", "SOL", "TMN", true},
		{"USDT", "", "", false},
		{"BTCEUR", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.market, func(t *testing.T) {
			base, quote, ok := testCurrencies.SplitMarket(tt.market)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantBase, base)
			assert.Equal(t, tt.wantQuote, quote)
		})
	}
}
