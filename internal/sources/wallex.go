package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotdesk/internal/models"
)

// SourceWallex identifies quotes produced by the Wallex adapters
const SourceWallex = "wallex"

var (
	errNotListed   = errors.New("symbol not listed")
	errWallexError = errors.New("wallex rejected the request")
)

// Currencies names the primary and secondary quote currencies and the rate used to
// derive a secondary price when upstream does not list one.
type Currencies struct {
	Primary   string
	Secondary string
	Rate      decimal.Decimal
	// Aliases are extra market suffixes treated as the secondary currency (IRT for TMN)
	Aliases []string
}

// SplitMarket splits a market symbol such as BTCUSDT into base and quote currency
func (c Currencies) SplitMarket(market string) (base, quote string, ok bool) {
	market = strings.ToUpper(market)
	suffixes := map[string]string{c.Primary: c.Primary, c.Secondary: c.Secondary}
	for _, a := range c.Aliases {
		suffixes[a] = c.Secondary
	}
	for suffix, cur := range suffixes {
		if suffix != "" && strings.HasSuffix(market, suffix) && len(market) > len(suffix) {
			return strings.TrimSuffix(market, suffix), cur, true
		}
	}
	return "", "", false
}

func (c Currencies) isQuoteAsset(symbol string) bool {
	if symbol == c.Primary || symbol == c.Secondary {
		return true
	}
	for _, a := range c.Aliases {
		if symbol == a {
			return true
		}
	}
	return false
}

// Wallex polls the Wallex markets endpoint
type Wallex struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	currencies Currencies
	tracked    map[string]bool
	now        func() time.Time
}

// WallexConfig configures the Wallex REST adapter. Tracked limits the snapshot to the
// given base symbols; empty means every listed market.
type WallexConfig struct {
	BaseURL    string
	APIKey     string
	Client     *http.Client
	Currencies Currencies
	Tracked    []string
}

type wallexMarket struct {
	Symbol      string      `json:"symbol"`
	BaseAsset   string      `json:"base_asset"`
	EnBaseAsset string      `json:"en_base_asset"`
	QuoteAsset  string      `json:"quote_asset"`
	Price       flexDecimal `json:"price"`
	Change24h   flexFloat   `json:"change_24h"`
	Volume24h   flexFloat   `json:"volume_24h"`
	IsUSDTBased bool        `json:"is_usdt_based"`
	IsTMNBased  bool        `json:"is_tmn_based"`
}

type wallexMarketsResponse struct {
	Result struct {
		Success bool           `json:"success"`
		Markets []wallexMarket `json:"markets"`
	} `json:"result"`
}

// NewWallex creates a Wallex REST adapter
func NewWallex(cfg WallexConfig) *Wallex {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	tracked := make(map[string]bool, len(cfg.Tracked))
	for _, s := range cfg.Tracked {
		tracked[strings.ToUpper(s)] = true
	}
	return &Wallex{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		client:     client,
		currencies: cfg.Currencies,
		tracked:    tracked,
		now:        time.Now,
	}
}

// Name returns the adapter identifier
func (w *Wallex) Name() string { return SourceWallex }

// Snapshot fetches every tracked symbol. USDT and TMN markets of one base asset are
// merged into a single quote.
func (w *Wallex) Snapshot(ctx context.Context) ([]models.Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/hector/web/v1/markets", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if w.apiKey != "" {
		req.Header.Set("x-api-key", w.apiKey)
	}

	var body wallexMarketsResponse
	if err := getJSON(req, w.client, &body); err != nil {
		return nil, err
	}
	if !body.Result.Success {
		return nil, errWallexError
	}

	fetchedAt := w.now().UTC()
	bySymbol := make(map[string]*models.Quote)
	secondarySeen := make(map[string]bool)

	for _, m := range body.Result.Markets {
		base, quote, ok := w.classify(m)
		if !ok || (base != w.currencies.Primary && w.currencies.isQuoteAsset(base)) {
			continue
		}
		if len(w.tracked) > 0 && !w.tracked[base] {
			continue
		}
		if !m.Price.IsPositive() {
			continue
		}

		q, ok := bySymbol[base]
		if !ok {
			q = &models.Quote{Symbol: base, Source: SourceWallex, FetchedAt: fetchedAt}
			bySymbol[base] = q
		}
		switch quote {
		case w.currencies.Primary:
			q.Price = m.Price.Decimal
			q.Change24h = float64(m.Change24h)
			q.Volume24h = float64(m.Volume24h)
		case w.currencies.Secondary:
			q.PriceSecondary = m.Price.Decimal
			secondarySeen[base] = true
			if base == w.currencies.Primary {
				q.Price = decimal.NewFromInt(1)
			}
		}
	}

	out := make([]models.Quote, 0, len(bySymbol))
	for sym, q := range bySymbol {
		// A TMN-only market has no primary price and cannot back a quote
		if !q.Price.IsPositive() {
			continue
		}
		if !secondarySeen[sym] {
			q.PriceSecondary = q.Price.Mul(w.currencies.Rate)
		}
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// FetchQuote fetches the snapshot and picks one symbol
func (w *Wallex) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	quotes, err := w.Snapshot(ctx)
	if err != nil {
		return models.Quote{}, err
	}
	return pick(quotes, symbol)
}

func (w *Wallex) classify(m wallexMarket) (base, quote string, ok bool) {
	quote = strings.ToUpper(m.QuoteAsset)
	switch {
	case quote != "":
	case m.IsUSDTBased:
		quote = w.currencies.Primary
	case m.IsTMNBased:
		quote = w.currencies.Secondary
	}
	for _, a := range w.currencies.Aliases {
		if quote == a {
			quote = w.currencies.Secondary
		}
	}

	base = strings.ToUpper(m.BaseAsset)
	if base == "" {
		base = strings.ToUpper(m.EnBaseAsset)
	}
	if base == "" || quote == "" {
		return w.currencies.SplitMarket(m.Symbol)
	}
	if quote != w.currencies.Primary && quote != w.currencies.Secondary {
		return "", "", false
	}
	return base, quote, true
}

func pick(quotes []models.Quote, symbol string) (models.Quote, error) {
	symbol = strings.ToUpper(symbol)
	for _, q := range quotes {
		if q.Symbol == symbol {
			return q, nil
		}
	}
	return models.Quote{}, fmt.Errorf("%w: %s", errNotListed, symbol)
}
