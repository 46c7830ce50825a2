package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.QuoteStore)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.LiveQuoteTimeout)
	assert.Equal(t, 5*time.Second, cfg.StreamReconnectDelay)
	assert.Equal(t, []string{"BTC", "ETH", "USDT", "BNB", "ADA", "SOL", "DOT", "LINK", "UNI", "LTC"}, cfg.TrackedSymbols)
	assert.Equal(t, "42000", cfg.SecondaryRate.String())
	assert.Equal(t, "10000", cfg.LargeOrderNotional.String())
	assert.Equal(t, []string{"Bronze", "Gold", "Platinum", "Silver"}, cfg.LevelLimits.Levels())
	assert.Equal(t, "50000000", cfg.LevelLimits["Bronze"].Deposit.String())
	assert.Equal(t, "1000000000", cfg.LevelLimits["Platinum"].Withdrawal.String())
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("TRACKED_SYMBOLS", "btc, eth")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("LARGE_ORDER_NOTIONAL", "2500.5")
	t.Setenv("LEVEL_LIMITS", "Bronze:100:50")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC", "ETH"}, cfg.TrackedSymbols)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, "2500.5", cfg.LargeOrderNotional.String())
	assert.Equal(t, "50", cfg.LevelLimits.For("Gold").Withdrawal.String())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown quote store", key: "QUOTE_STORE", value: "etcd"},
		{name: "postgres without dsn", key: "QUOTE_STORE", value: "postgres"},
		{name: "bad limits", key: "LEVEL_LIMITS", value: "Bronze:abc:1"},
		{name: "limits missing default level", key: "LEVEL_LIMITS", value: "Gold:1:1"},
		{name: "same currencies", key: "SECONDARY_CURRENCY", value: "usdt"},
		{name: "bad duration", key: "POLL_INTERVAL", value: "soon"},
		{name: "zero rate", key: "SECONDARY_RATE", value: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Parse()
			assert.Error(t, err)
		})
	}
}

func TestLevelLimits_UnmarshalText(t *testing.T) {
	var l LevelLimits
	require.NoError(t, l.UnmarshalText([]byte(" Bronze:10:5 , Silver:20:10,")))

	assert.Len(t, l, 2)
	assert.Equal(t, "20", l["Silver"].Deposit.String())
	assert.Equal(t, "5", l.For("Unknown").Withdrawal.String())

	assert.Error(t, l.UnmarshalText([]byte("Bronze:10")))
}
