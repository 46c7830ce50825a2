package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xtrntr/spotdesk/internal/models"
)

// Adapter is an upstream quote provider
type Adapter interface {
	Name() string
	Snapshot(ctx context.Context) ([]models.Quote, error)
	FetchQuote(ctx context.Context, symbol string) (models.Quote, error)
}

// Chain tries adapters in order and returns the first success
type Chain []Adapter

// Name lists the chained adapters
func (c Chain) Name() string {
	names := make([]string, 0, len(c))
	for _, a := range c {
		names = append(names, a.Name())
	}
	return strings.Join(names, ",")
}

// Snapshot returns the first non-empty snapshot
func (c Chain) Snapshot(ctx context.Context) ([]models.Quote, error) {
	var errs []error
	for _, a := range c {
		quotes, err := a.Snapshot(ctx)
		if err == nil && len(quotes) > 0 {
			return quotes, nil
		}
		if err == nil {
			err = errors.New("empty snapshot")
		}
		errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
	}
	if len(errs) == 0 {
		return nil, errors.New("no adapters configured")
	}
	return nil, errors.Join(errs...)
}

// FetchQuote returns the first adapter's quote for symbol
func (c Chain) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	var errs []error
	for _, a := range c {
		q, err := a.FetchQuote(ctx, symbol)
		if err == nil {
			return q, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
	}
	if len(errs) == 0 {
		return models.Quote{}, errors.New("no adapters configured")
	}
	return models.Quote{}, errors.Join(errs...)
}
