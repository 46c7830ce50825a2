package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/spotdesk/internal/api"
	"github.com/xtrntr/spotdesk/internal/auth"
	"github.com/xtrntr/spotdesk/internal/cache"
	"github.com/xtrntr/spotdesk/internal/config"
	"github.com/xtrntr/spotdesk/internal/db"
	"github.com/xtrntr/spotdesk/internal/events"
	"github.com/xtrntr/spotdesk/internal/exchange"
	"github.com/xtrntr/spotdesk/internal/ledger"
	"github.com/xtrntr/spotdesk/internal/memdb"
	"github.com/xtrntr/spotdesk/internal/oracle"
	"github.com/xtrntr/spotdesk/internal/refresh"
	"github.com/xtrntr/spotdesk/internal/sources"
	"github.com/xtrntr/spotdesk/internal/wallet"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// accountStore backs both the ledger and the open-order book
type accountStore interface {
	ledger.Store
	exchange.OrderStore
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Main entry point: wires stores, price sources, settlement and the HTTP server
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ledger and order storage
	var accounts accountStore = memdb.New()
	var database *db.DB
	if cfg.DatabaseURL != "" {
		d, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer d.Close()
		database, accounts = d, d
		logger.Info("using postgres ledger")
	} else {
		logger.Warn("DATABASE_URL not set, balances are kept in memory")
	}

	quotes, closeQuotes, err := newQuoteStore(ctx, cfg, database, logger)
	if err != nil {
		return err
	}
	defer closeQuotes()

	// Price sources
	currencies := sources.Currencies{
		Primary:   cfg.PrimaryCurrency,
		Secondary: cfg.SecondaryCurrency,
		Rate:      cfg.SecondaryRate,
		Aliases:   []string{"IRT"},
	}
	wallex := sources.NewWallex(sources.WallexConfig{
		BaseURL:    cfg.WallexAPIURL,
		APIKey:     cfg.WallexAPIKey,
		Currencies: currencies,
		Tracked:    cfg.TrackedSymbols,
	})
	chain := sources.Chain{wallex}
	pollers := []refresh.Poller{wallex}
	if cfg.CoinGeckoEnabled {
		gecko := sources.NewCoinGecko(cfg.CoinGeckoAPIURL, nil, sources.DefaultCoinGeckoIDs(), currencies)
		chain = append(chain, gecko)
		pollers = append(pollers, gecko)
	}
	stream := sources.NewWallexStream(cfg.WallexWSURL, currencies, logger)

	resolver := oracle.NewResolver(chain, quotes,
		oracle.WithTimeout(cfg.LiveQuoteTimeout),
		oracle.WithLogger(logger),
	)
	scheduler := refresh.New(quotes, pollers, stream, resolver.Static, refresh.Config{
		PollInterval:   cfg.PollInterval,
		ReconnectDelay: cfg.StreamReconnectDelay,
		Currencies:     currencies,
	}, logger)

	// Events
	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	// Settlement and wallet flows
	l := ledger.New(accounts)
	ex := exchange.NewExchange(resolver, l, accounts, publisher, exchange.Config{
		Primary:            cfg.PrimaryCurrency,
		Secondary:          cfg.SecondaryCurrency,
		Symbols:            cfg.TrackedSymbols,
		LargeOrderNotional: cfg.LargeOrderNotional,
		StaleQuoteMaxAge:   cfg.StaleQuoteMaxAge,
	}, logger)
	wallets := wallet.New(l, cfg.LevelLimits, cfg.WalletCurrency, publisher, logger)

	// HTTP
	feed := api.NewFeed(quotes, cfg.CORSOrigins, logger)
	tokens := auth.NewTokenService(cfg.JWTSecretKey, cfg.AccessTokenTTL)
	handler := api.NewHandler(ex, wallets, l, resolver, tokens, feed, cfg.TrackedSymbols, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		feed.Run(gctx, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// newQuoteStore selects the quote store. An unreachable Redis degrades to memory so
// prices keep resolving from live and static sources.
func newQuoteStore(ctx context.Context, cfg config.Config, database *db.DB, logger *zap.Logger) (oracle.Store, func(), error) {
	switch cfg.QuoteStore {
	case "postgres":
		if database == nil {
			return nil, nil, errors.New("QUOTE_STORE=postgres requires DATABASE_URL")
		}
		return database.Quotes(), func() {}, nil
	case "redis":
		rs, err := cache.NewRedisQuoteStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory quote store", zap.Error(err))
			return oracle.NewMemoryStore(), func() {}, nil
		}
		return rs, func() { rs.Close() }, nil
	default:
		return oracle.NewMemoryStore(), func() {}, nil
	}
}
