package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotdesk/internal/config"
	"github.com/xtrntr/spotdesk/internal/events"
	"github.com/xtrntr/spotdesk/internal/ledger"
	"github.com/xtrntr/spotdesk/internal/models"

	"go.uber.org/zap"
)

var (
	ErrLimitExceeded = errors.New("daily limit exceeded")
	ErrInvalidAmount = ledger.ErrInvalidAmount
)

// Service runs deposit and withdrawal requests through the level limits before
// recording them in the ledger.
type Service struct {
	ledger    *ledger.Ledger
	limits    config.LevelLimits
	currency  string
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a wallet service for currency
func New(l *ledger.Ledger, limits config.LevelLimits, currency string, publisher events.Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:    l,
		limits:    limits,
		currency:  currency,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Currency is the fiat currency handled by the wallet flows
func (s *Service) Currency() string { return s.currency }

// Limits is the state of one user's daily allowances
type Limits struct {
	Level               string          `json:"level"`
	Currency            string          `json:"currency"`
	DailyDepositLimit   decimal.Decimal `json:"daily_deposit_limit"`
	DailyWithdrawLimit  decimal.Decimal `json:"daily_withdrawal_limit"`
	UsedDepositToday    decimal.Decimal `json:"used_deposit_today"`
	UsedWithdrawToday   decimal.Decimal `json:"used_withdrawal_today"`
	RemainingDeposit    decimal.Decimal `json:"remaining_deposit"`
	RemainingWithdrawal decimal.Decimal `json:"remaining_withdrawal"`
}

// Deposit records a pending deposit once it fits the level's daily deposit limit
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, level string, amount decimal.Decimal, description string) (models.Transaction, error) {
	if !amount.IsPositive() {
		return models.Transaction{}, ErrInvalidAmount
	}
	if err := s.checkLimit(ctx, userID, models.KindDeposit, s.limits.For(level).Deposit, amount); err != nil {
		return models.Transaction{}, err
	}

	tx, err := s.ledger.RequestDeposit(ctx, userID, models.Leg{Currency: s.currency, Amount: amount}, description)
	if err != nil {
		return models.Transaction{}, err
	}
	s.publish(ctx, events.DepositRequested, userID, tx)
	return tx, nil
}

// Withdraw holds amount immediately once it fits the level's daily withdrawal limit
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, level string, amount decimal.Decimal, description string) (models.Transaction, error) {
	if !amount.IsPositive() {
		return models.Transaction{}, ErrInvalidAmount
	}
	if err := s.checkLimit(ctx, userID, models.KindWithdrawal, s.limits.For(level).Withdrawal, amount); err != nil {
		return models.Transaction{}, err
	}

	tx, err := s.ledger.ApplyWithdrawalHold(ctx, userID, models.Leg{Currency: s.currency, Amount: amount}, description)
	if err != nil {
		return models.Transaction{}, err
	}
	s.publish(ctx, events.WithdrawalHeld, userID, tx)
	return tx, nil
}

// ApproveDeposit credits a pending deposit
func (s *Service) ApproveDeposit(ctx context.Context, userID, txID uuid.UUID) (models.Transaction, error) {
	return s.settled(ctx, userID)(s.ledger.ConfirmDeposit(ctx, userID, txID))
}

// RejectDeposit fails a pending deposit
func (s *Service) RejectDeposit(ctx context.Context, userID, txID uuid.UUID) (models.Transaction, error) {
	return s.settled(ctx, userID)(s.ledger.RejectDeposit(ctx, userID, txID))
}

// ApproveWithdrawal completes a held withdrawal
func (s *Service) ApproveWithdrawal(ctx context.Context, userID, txID uuid.UUID) (models.Transaction, error) {
	return s.settled(ctx, userID)(s.ledger.CompleteWithdrawal(ctx, userID, txID))
}

// RejectWithdrawal fails a held withdrawal and returns the funds
func (s *Service) RejectWithdrawal(ctx context.Context, userID, txID uuid.UUID) (models.Transaction, error) {
	return s.settled(ctx, userID)(s.ledger.FailWithdrawal(ctx, userID, txID))
}

// Limits reports the level limits with today's usage
func (s *Service) Limits(ctx context.Context, userID uuid.UUID, level string) (Limits, error) {
	if _, ok := s.limits[level]; !ok {
		level = config.DefaultLevel
	}
	lim := s.limits.For(level)

	usedDep, err := s.committed(ctx, userID, models.KindDeposit)
	if err != nil {
		return Limits{}, err
	}
	usedWd, err := s.committed(ctx, userID, models.KindWithdrawal)
	if err != nil {
		return Limits{}, err
	}

	return Limits{
		Level:               level,
		Currency:            s.currency,
		DailyDepositLimit:   lim.Deposit,
		DailyWithdrawLimit:  lim.Withdrawal,
		UsedDepositToday:    usedDep,
		UsedWithdrawToday:   usedWd,
		RemainingDeposit:    decimal.Max(decimal.Zero, lim.Deposit.Sub(usedDep)),
		RemainingWithdrawal: decimal.Max(decimal.Zero, lim.Withdrawal.Sub(usedWd)),
	}, nil
}

// committed is today's completed plus still pending amount of kind. Pending requests
// count so repeated requests within a day cannot exceed the limit before approval.
func (s *Service) committed(ctx context.Context, userID uuid.UUID, kind models.TransactionKind) (decimal.Decimal, error) {
	used, err := s.ledger.UsedToday(ctx, userID, kind, s.currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read daily usage: %w", err)
	}
	pending, err := s.ledger.PendingToday(ctx, userID, kind, s.currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read pending usage: %w", err)
	}
	return used.Add(pending), nil
}

func (s *Service) checkLimit(ctx context.Context, userID uuid.UUID, kind models.TransactionKind, limit, amount decimal.Decimal) error {
	if amount.GreaterThan(limit) {
		return fmt.Errorf("%w: %s exceeds the %s limit of %s", ErrLimitExceeded, amount, kind, limit)
	}
	used, err := s.committed(ctx, userID, kind)
	if err != nil {
		return err
	}
	if used.Add(amount).GreaterThan(limit) {
		return fmt.Errorf("%w: %s of %s %s already used today", ErrLimitExceeded, used, limit, kind)
	}
	return nil
}

func (s *Service) settled(ctx context.Context, userID uuid.UUID) func(models.Transaction, error) (models.Transaction, error) {
	return func(tx models.Transaction, err error) (models.Transaction, error) {
		if err != nil {
			return models.Transaction{}, err
		}
		s.publish(ctx, events.TransactionSettled, userID, tx)
		return tx, nil
	}
}

func (s *Service) publish(ctx context.Context, t events.Type, userID uuid.UUID, tx models.Transaction) {
	err := s.publisher.Publish(ctx, events.Event{Type: t, UserID: userID, Transaction: &tx, At: s.now().UTC()})
	if err != nil {
		s.logger.Warn("failed to publish event", zap.String("type", string(t)), zap.Error(err))
	}
}
