package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotdesk/internal/auth"
	"github.com/xtrntr/spotdesk/internal/config"
	"github.com/xtrntr/spotdesk/internal/db"
	"github.com/xtrntr/spotdesk/internal/ledger"
	"github.com/xtrntr/spotdesk/internal/models"

	"go.uber.org/zap"
)

// Seed credits a demo user and prints a bearer token for it.
// SEED_USER_ID reuses an existing user, SEED_LEVEL sets the token level.
func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required to seed balances")
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	userID := uuid.New()
	if s := os.Getenv("SEED_USER_ID"); s != "" {
		if userID, err = uuid.Parse(s); err != nil {
			logger.Fatal("invalid SEED_USER_ID", zap.Error(err))
		}
	}
	level := os.Getenv("SEED_LEVEL")
	if level == "" {
		level = config.DefaultLevel
	}

	l := ledger.New(database)
	credits := []models.Leg{
		{Currency: cfg.PrimaryCurrency, Amount: decimal.NewFromInt(10000)},
		{Currency: cfg.SecondaryCurrency, Amount: decimal.NewFromInt(100000000)},
	}
	for _, leg := range credits {
		tx, err := l.ApplyDeposit(ctx, userID, leg, "demo balance")
		if err != nil {
			logger.Fatal("failed to credit demo balance", zap.String("currency", leg.Currency), zap.Error(err))
		}
		logger.Info("credited", zap.String("currency", leg.Currency), zap.String("amount", leg.Amount.String()), zap.String("tx_id", tx.ID.String()))
	}

	token, err := auth.NewTokenService(cfg.JWTSecretKey, cfg.AccessTokenTTL).Issue(userID, level)
	if err != nil {
		logger.Fatal("failed to issue token", zap.Error(err))
	}
	fmt.Printf("user_id: %s\nlevel:   %s\ntoken:   %s\n", userID, level, token)
}
