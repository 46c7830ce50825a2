package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/xtrntr/spotdesk/internal/models"
)

// SourceCoinGecko identifies quotes produced by the CoinGecko adapter
const SourceCoinGecko = "coingecko"

// DefaultCoinGeckoIDs maps tracked symbols to CoinGecko coin ids
func DefaultCoinGeckoIDs() map[string]string {
	return map[string]string{
		"BTC":  "bitcoin",
		"ETH":  "ethereum",
		"USDT": "tether",
		"BNB":  "binancecoin",
		"ADA":  "cardano",
		"SOL":  "solana",
		"DOT":  "polkadot",
		"LINK": "chainlink",
		"UNI":  "uniswap",
		"LTC":  "litecoin",
	}
}

// CoinGecko polls the public /coins/markets endpoint
type CoinGecko struct {
	baseURL    string
	client     *http.Client
	ids        map[string]string
	currencies Currencies
	now        func() time.Time
}

type geckoMarket struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Price       flexDecimal `json:"current_price"`
	Change24h   flexFloat   `json:"price_change_percentage_24h"`
	Volume      flexFloat   `json:"total_volume"`
	MarketCap   flexFloat   `json:"market_cap"`
	High24h     flexFloat   `json:"high_24h"`
	Low24h      flexFloat   `json:"low_24h"`
	LastUpdated string      `json:"last_updated"`
}

// NewCoinGecko creates a CoinGecko adapter for the given symbol to coin id mapping
func NewCoinGecko(baseURL string, client *http.Client, ids map[string]string, cur Currencies) *CoinGecko {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CoinGecko{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     client,
		ids:        ids,
		currencies: cur,
		now:        time.Now,
	}
}

// Name returns the adapter identifier
func (c *CoinGecko) Name() string { return SourceCoinGecko }

// Snapshot fetches every mapped symbol in one request
func (c *CoinGecko) Snapshot(ctx context.Context) ([]models.Quote, error) {
	symbolByID := make(map[string]string, len(c.ids))
	ids := make([]string, 0, len(c.ids))
	for sym, id := range c.ids {
		symbolByID[id] = strings.ToUpper(sym)
		ids = append(ids, id)
	}
	sort.Strings(ids)

	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("ids", strings.Join(ids, ","))
	q.Set("order", "market_cap_desc")
	q.Set("sparkline", "false")
	q.Set("price_change_percentage", "24h")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/coins/markets?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var markets []geckoMarket
	if err := getJSON(req, c.client, &markets); err != nil {
		return nil, err
	}

	out := make([]models.Quote, 0, len(markets))
	for _, m := range markets {
		sym, ok := symbolByID[m.ID]
		if !ok || !m.Price.IsPositive() {
			continue
		}
		out = append(out, models.Quote{
			Symbol:         sym,
			Price:          m.Price.Decimal,
			PriceSecondary: m.Price.Mul(c.currencies.Rate),
			Change24h:      float64(m.Change24h),
			Volume24h:      float64(m.Volume),
			MarketCap:      float64(m.MarketCap),
			High24h:        float64(m.High24h),
			Low24h:         float64(m.Low24h),
			Source:         SourceCoinGecko,
			FetchedAt:      c.observedAt(m.LastUpdated),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// FetchQuote fetches the snapshot and picks one symbol
func (c *CoinGecko) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	if _, ok := c.ids[strings.ToUpper(symbol)]; !ok {
		return models.Quote{}, fmt.Errorf("%w: %s", errNotListed, symbol)
	}
	quotes, err := c.Snapshot(ctx)
	if err != nil {
		return models.Quote{}, err
	}
	return pick(quotes, symbol)
}

// observedAt prefers the upstream timestamp so refetching unchanged data yields the same quote
func (c *CoinGecko) observedAt(lastUpdated string) time.Time {
	if t, err := time.Parse(time.RFC3339, lastUpdated); err == nil {
		return t.UTC()
	}
	return c.now().UTC()
}
