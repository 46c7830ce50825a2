package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// DefaultLevel applies when a token carries no level
const DefaultLevel = "Bronze"

type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	QuoteStore  string `env:"QUOTE_STORE" envDefault:"memory"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecretKey   string        `env:"JWT_SECRET_KEY" envDefault:"dev-secret-change-me"`
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"30m"`
	CORSOrigins    []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`

	PollInterval         time.Duration `env:"POLL_INTERVAL" envDefault:"5m"`
	LiveQuoteTimeout     time.Duration `env:"LIVE_QUOTE_TIMEOUT" envDefault:"2s"`
	StreamReconnectDelay time.Duration `env:"STREAM_RECONNECT_DELAY" envDefault:"5s"`

	WallexAPIURL     string `env:"WALLEX_API_URL" envDefault:"https://api.wallex.ir"`
	WallexWSURL      string `env:"WALLEX_WS_URL" envDefault:"wss://api.wallex.ir/ws"`
	WallexAPIKey     string `env:"WALLEX_API_KEY"`
	CoinGeckoAPIURL  string `env:"COINGECKO_API_URL" envDefault:"https://api.coingecko.com/api/v3"`
	CoinGeckoEnabled bool   `env:"COINGECKO_ENABLED" envDefault:"true"`

	TrackedSymbols     []string        `env:"TRACKED_SYMBOLS" envDefault:"BTC,ETH,USDT,BNB,ADA,SOL,DOT,LINK,UNI,LTC" envSeparator:","`
	PrimaryCurrency    string          `env:"PRIMARY_CURRENCY" envDefault:"USDT"`
	SecondaryCurrency  string          `env:"SECONDARY_CURRENCY" envDefault:"TMN"`
	SecondaryRate      decimal.Decimal `env:"SECONDARY_RATE" envDefault:"42000"`
	StaleQuoteMaxAge   time.Duration   `env:"STALE_QUOTE_MAX_AGE" envDefault:"5m"`
	LargeOrderNotional decimal.Decimal `env:"LARGE_ORDER_NOTIONAL" envDefault:"10000"`

	LevelLimits    LevelLimits `env:"LEVEL_LIMITS" envDefault:"Bronze:50000000:10000000,Silver:200000000:50000000,Gold:1000000000:200000000,Platinum:5000000000:1000000000"`
	WalletCurrency string      `env:"WALLET_CURRENCY" envDefault:"TMN"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"order-events"`
}

// Load reads an optional .env file from the working directory, then the environment.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment only
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, cfg.validate()
}

func (c *Config) normalize() {
	for i, s := range c.TrackedSymbols {
		c.TrackedSymbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	c.PrimaryCurrency = strings.ToUpper(c.PrimaryCurrency)
	c.SecondaryCurrency = strings.ToUpper(c.SecondaryCurrency)
	c.WalletCurrency = strings.ToUpper(c.WalletCurrency)
	c.QuoteStore = strings.ToLower(c.QuoteStore)
}

func (c Config) validate() error {
	switch c.QuoteStore {
	case "memory", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("QUOTE_STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown QUOTE_STORE %q", c.QuoteStore)
	}
	if c.PrimaryCurrency == c.SecondaryCurrency {
		return errors.New("PRIMARY_CURRENCY and SECONDARY_CURRENCY must differ")
	}
	if c.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}
	if !c.SecondaryRate.IsPositive() {
		return errors.New("SECONDARY_RATE must be positive")
	}
	if _, ok := c.LevelLimits[DefaultLevel]; !ok {
		return fmt.Errorf("LEVEL_LIMITS must define %s", DefaultLevel)
	}
	return nil
}

// DailyLimits caps the per-UTC-day totals of one user level
type DailyLimits struct {
	Deposit    decimal.Decimal `json:"deposit"`
	Withdrawal decimal.Decimal `json:"withdrawal"`
}

// LevelLimits maps a user level to its daily limits.
// Text form: "Level:deposit:withdrawal,Level:deposit:withdrawal".
type LevelLimits map[string]DailyLimits

func (l *LevelLimits) UnmarshalText(text []byte) error {
	out := make(LevelLimits)
	for _, entry := range strings.Split(string(text), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" {
			return fmt.Errorf("invalid level limit %q, want Level:deposit:withdrawal", entry)
		}
		dep, err := decimal.NewFromString(parts[1])
		if err != nil || dep.IsNegative() {
			return fmt.Errorf("invalid deposit limit in %q", entry)
		}
		wd, err := decimal.NewFromString(parts[2])
		if err != nil || wd.IsNegative() {
			return fmt.Errorf("invalid withdrawal limit in %q", entry)
		}
		out[parts[0]] = DailyLimits{Deposit: dep, Withdrawal: wd}
	}
	*l = out
	return nil
}

// For returns the limits of level, falling back to DefaultLevel
func (l LevelLimits) For(level string) DailyLimits {
	if lim, ok := l[level]; ok {
		return lim
	}
	return l[DefaultLevel]
}

// Levels returns the configured level names in sorted order
func (l LevelLimits) Levels() []string {
	out := make([]string, 0, len(l))
	for name := range l {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
