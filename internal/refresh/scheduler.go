package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/spotdesk/internal/models"
	"github.com/xtrntr/spotdesk/internal/oracle"
	"github.com/xtrntr/spotdesk/internal/sources"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Poller returns a snapshot of every tracked symbol
type Poller interface {
	Name() string
	Snapshot(ctx context.Context) ([]models.Quote, error)
}

// Streamer pushes price updates until the connection drops or ctx is done
type Streamer interface {
	Stream(ctx context.Context, handle func(sources.Update)) error
}

// StaticLookup returns the reference quote of a symbol
type StaticLookup func(symbol string) (models.Quote, bool)

// Config holds the scheduler cadence
type Config struct {
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	Currencies     sources.Currencies
}

// Scheduler keeps the quote store warm from a poll loop and a stream loop.
// No pollers or a nil streamer disables the corresponding loop.
type Scheduler struct {
	store    oracle.Store
	pollers  []Poller
	streamer Streamer
	static   StaticLookup
	cfg      Config
	logger   *zap.Logger
}

// New creates a scheduler
func New(store oracle.Store, pollers []Poller, streamer Streamer, static StaticLookup, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if static == nil {
		static = func(string) (models.Quote, bool) { return models.Quote{}, false }
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Scheduler{
		store:    store,
		pollers:  pollers,
		streamer: streamer,
		static:   static,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run starts both loops and blocks until ctx is cancelled and both have exited
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if len(s.pollers) > 0 {
		g.Go(func() error { return s.pollLoop(ctx) })
	}
	if s.streamer != nil {
		g.Go(func() error { return s.streamLoop(ctx) })
	}
	return g.Wait()
}

// PollOnce polls every adapter in turn and returns how many quotes were written.
// One adapter failing does not keep the others from being polled.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	applied := 0
	var errs []error
	for _, p := range s.pollers {
		n, err := s.poll(ctx, p)
		applied += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			if ctx.Err() == nil {
				s.logger.Warn("poll failed", zap.String("source", p.Name()), zap.Error(err))
			}
			continue
		}
		s.logger.Debug("poll complete", zap.String("source", p.Name()), zap.Int("applied", n))
	}
	return applied, errors.Join(errs...)
}

// poll folds one adapter's snapshot into the stored quotes
func (s *Scheduler) poll(ctx context.Context, p Poller) (int, error) {
	quotes, err := p.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, q := range quotes {
		ok, err := s.applyPolled(ctx, q)
		if err != nil {
			s.logger.Warn("failed to store polled quote",
				zap.String("source", p.Name()), zap.String("symbol", q.Symbol), zap.Error(err))
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func (s *Scheduler) applyPolled(ctx context.Context, q models.Quote) (bool, error) {
	stored, ok, err := s.store.Get(ctx, q.Symbol)
	if err != nil {
		return false, err
	}
	if ok {
		q = mergePolled(stored, q)
		if q.SameMarket(stored) {
			// Nothing new upstream; the stored record stays as it is
			return false, nil
		}
	}
	return s.store.Put(ctx, q)
}

// mergePolled folds a polled quote into the stored record. The newer observation wins
// every field it reports; statistics a source leaves at zero keep their stored values.
func mergePolled(stored, q models.Quote) models.Quote {
	out := stored
	out.Symbol = q.Symbol
	newer := !q.FetchedAt.Before(stored.FetchedAt) || !stored.Price.IsPositive()
	if newer {
		out.Price = q.Price
		if q.PriceSecondary.IsPositive() {
			out.PriceSecondary = q.PriceSecondary
		}
		out.Change24h = q.Change24h
		out.Source = q.Source
		if q.FetchedAt.After(stored.FetchedAt) {
			out.FetchedAt = q.FetchedAt
		}
	}
	// An older observation only fills statistics the stored record lacks
	stat := func(dst *float64, v float64) {
		if v != 0 && (newer || *dst == 0) {
			*dst = v
		}
	}
	stat(&out.Volume24h, q.Volume24h)
	stat(&out.MarketCap, q.MarketCap)
	stat(&out.High24h, q.High24h)
	stat(&out.Low24h, q.Low24h)
	return out
}

func (s *Scheduler) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// A failed poll leaves the store untouched until the next tick
		s.PollOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) streamLoop(ctx context.Context) error {
	for {
		err := s.streamer.Stream(ctx, func(u sources.Update) {
			if _, err := s.ApplyUpdate(ctx, u); err != nil && ctx.Err() == nil {
				s.logger.Warn("failed to apply stream update", zap.String("symbol", u.Symbol), zap.Error(err))
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("stream closed")
		}
		s.logger.Warn("stream disconnected, reconnecting",
			zap.Duration("delay", s.cfg.ReconnectDelay), zap.Error(err))

		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// ApplyUpdate merges u into the stored quote of its symbol and writes the complete record back
func (s *Scheduler) ApplyUpdate(ctx context.Context, u sources.Update) (bool, error) {
	base, ok, err := s.store.Get(ctx, u.Symbol)
	if err != nil {
		return false, err
	}
	if !ok {
		base, ok = s.static(u.Symbol)
		if !ok {
			base = models.Quote{Symbol: u.Symbol}
		}
	}

	q := merge(base, u, s.cfg.Currencies)
	if !q.Price.IsPositive() {
		// Secondary-only ticks cannot seed a tradable quote
		return false, nil
	}
	return s.store.Put(ctx, q)
}

func merge(base models.Quote, u sources.Update, cur sources.Currencies) models.Quote {
	q := base
	q.Symbol = u.Symbol
	switch u.Currency {
	case cur.Primary:
		q.Price = u.Price
		if q.PriceSecondary.IsZero() && !cur.Rate.IsZero() {
			q.PriceSecondary = u.Price.Mul(cur.Rate)
		}
		if u.Change24h != nil {
			q.Change24h = *u.Change24h
		}
	case cur.Secondary:
		q.PriceSecondary = u.Price
	}
	q.Source = sources.SourceWallex
	q.FetchedAt = u.At
	return q
}
