package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xtrntr/spotdesk/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownSymbol is returned when no live, cached or static quote exists for a symbol
var ErrUnknownSymbol = errors.New("unknown symbol")

var (
	errNoLiveSource = errors.New("no live source configured")
	errBadQuote     = errors.New("upstream returned an unusable quote")
)

// Fetcher fetches a fresh quote for one symbol from an upstream provider
type Fetcher interface {
	FetchQuote(ctx context.Context, symbol string) (models.Quote, error)
}

// Resolution is a resolved quote together with how it was obtained.
// UpstreamErr is set whenever a fallback path was taken.
type Resolution struct {
	Quote       models.Quote
	Freshness   models.Freshness
	Age         time.Duration
	UpstreamErr error
}

// Resolver returns the best available quote: live adapter, then the store, then the static table
type Resolver struct {
	live    Fetcher
	store   Store
	static       map[string]models.Quote
	timeout      time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
	group        singleflight.Group
}

// Option configures a Resolver
type Option func(*Resolver)

// WithTimeout bounds the live adapter call
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger used for fallback diagnostics
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithStaticTable replaces the compiled-in reference table
func WithStaticTable(table map[string]models.Quote) Option {
	return func(r *Resolver) { r.static = table }
}

// NewResolver creates a resolver. live may be nil, in which case every resolve falls back.
func NewResolver(live Fetcher, store Store, opts ...Option) *Resolver {
	r := &Resolver{
		live:         live,
		store:        store,
		static:       DefaultStaticTable(),
		timeout:      2 * time.Second,
		storeTimeout: time.Second,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve never fails for a symbol that is live, stored or in the static table
func (r *Resolver) Resolve(ctx context.Context, symbol string) (Resolution, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	q, err := r.fetchLive(ctx, symbol)
	if err == nil {
		return r.resolution(r.writeThrough(ctx, q), models.FreshnessLive, nil), nil
	}
	upstreamErr := err

	// The caller's deadline may already have been spent on the live call
	sctx, cancel := r.storeContext(ctx)
	defer cancel()
	cached, ok, serr := r.store.Get(sctx, symbol)
	if serr != nil {
		r.logger.Warn("quote store read failed", zap.String("symbol", symbol), zap.Error(serr))
	}
	if serr == nil && ok {
		r.logger.Debug("serving cached quote", zap.String("symbol", symbol), zap.Error(upstreamErr))
		return r.resolution(cached, models.FreshnessCached, upstreamErr), nil
	}

	if st, ok := r.static[symbol]; ok {
		r.logger.Debug("serving static quote", zap.String("symbol", symbol), zap.Error(upstreamErr))
		return r.resolution(st, models.FreshnessStatic, upstreamErr), nil
	}

	return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// Snapshot resolves each symbol, skipping unknown ones
func (r *Resolver) Snapshot(ctx context.Context, symbols []string) []Resolution {
	out := make([]Resolution, 0, len(symbols))
	for _, s := range symbols {
		res, err := r.Resolve(ctx, s)
		if err != nil {
			continue
		}
		out = append(out, res)
	}
	return out
}

// Static returns the reference quote for symbol
func (r *Resolver) Static(symbol string) (models.Quote, bool) {
	q, ok := r.static[strings.ToUpper(symbol)]
	return q, ok
}

// storeContext detaches store access from the caller's cancellation
func (r *Resolver) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
}

// writeThrough stores a live quote and returns the record to serve. A quote carrying
// the same market data as the stored one only differs by its fetch time, so the stored
// record is served unchanged. A store failure does not make the live quote unusable.
func (r *Resolver) writeThrough(ctx context.Context, q models.Quote) models.Quote {
	sctx, cancel := r.storeContext(ctx)
	defer cancel()

	stored, ok, err := r.store.Get(sctx, q.Symbol)
	if err == nil && ok && stored.SameMarket(q) {
		return stored
	}
	if _, err := r.store.Put(sctx, q); err != nil {
		r.logger.Warn("quote write-through failed", zap.String("symbol", q.Symbol), zap.Error(err))
	}
	return q
}

func (r *Resolver) fetchLive(ctx context.Context, symbol string) (models.Quote, error) {
	if r.live == nil {
		return models.Quote{}, errNoLiveSource
	}

	// Concurrent resolves of one symbol share a single upstream call. The shared call is
	// detached from any one caller's cancellation and bounded by the resolver timeout.
	ch := r.group.DoChan(symbol, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.live.FetchQuote(fctx, symbol)
	})

	select {
	case <-ctx.Done():
		return models.Quote{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Quote{}, res.Err
		}
		q := res.Val.(models.Quote)
		if q.Symbol != symbol || !q.Price.IsPositive() {
			return models.Quote{}, errBadQuote
		}
		return q, nil
	}
}

func (r *Resolver) resolution(q models.Quote, f models.Freshness, upstreamErr error) Resolution {
	var age time.Duration
	if !q.FetchedAt.IsZero() {
		age = r.now().Sub(q.FetchedAt)
		if age < 0 {
			age = 0
		}
	}
	return Resolution{Quote: q, Freshness: f, Age: age, UpstreamErr: upstreamErr}
}
