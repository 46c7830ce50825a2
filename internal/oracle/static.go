package oracle

import (
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotdesk/internal/models"
)

// SourceStatic marks quotes taken from the built-in reference table
const SourceStatic = "static"

func staticQuote(symbol, price, secondary string, change, volume, mcap, high, low float64) models.Quote {
	return models.Quote{
		Symbol:         symbol,
		Price:          decimal.RequireFromString(price),
		PriceSecondary: decimal.RequireFromString(secondary),
		Change24h:      change,
		Volume24h:      volume,
		MarketCap:      mcap,
		High24h:        high,
		Low24h:         low,
		Source:         SourceStatic,
	}
}

// DefaultStaticTable is the compiled-in last-resort reference table
func DefaultStaticTable() map[string]models.Quote {
	quotes := []models.Quote{
		staticQuote("BTC", "67850", "2849670000", 2.45, 28500000000, 1335000000000, 68200, 66800),
		staticQuote("ETH", "3850", "161700000", -1.23, 15200000000, 463000000000, 3920, 3810),
		staticQuote("USDT", "1", "42000", 0.05, 45000000000, 118000000000, 1.002, 0.998),
		staticQuote("BNB", "625", "26250000", 3.67, 1850000000, 89500000000, 635, 610),
		staticQuote("ADA", "0.95", "39900", -2.15, 750000000, 33500000000, 0.98, 0.92),
		staticQuote("SOL", "145", "6090000", 5.23, 2800000000, 68500000000, 148, 138),
	}

	table := make(map[string]models.Quote, len(quotes))
	for _, q := range quotes {
		table[q.Symbol] = q
	}
	return table
}
