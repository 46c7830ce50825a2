package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultPriceChannel is the Wallex channel carrying every market's last price
const DefaultPriceChannel = "all@price"

var errSkipFrame = errors.New("frame skipped")

// Update is one price tick for a single market
type Update struct {
	Symbol    string // base asset, e.g. BTC
	Currency  string // quote currency of Price
	Price     decimal.Decimal
	Change24h *float64
	At        time.Time
}

// WallexStream subscribes to the Wallex price channel
type WallexStream struct {
	url        string
	channel    string
	dialer     *websocket.Dialer
	currencies Currencies
	logger     *zap.Logger
	now        func() time.Time
}

// NewWallexStream creates a streaming adapter for the given websocket url
func NewWallexStream(url string, cur Currencies, logger *zap.Logger) *WallexStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WallexStream{
		url:        url,
		channel:    DefaultPriceChannel,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		currencies: cur,
		logger:     logger,
		now:        time.Now,
	}
}

// Stream connects, subscribes and calls handle for every well-formed price frame. It returns
// when the connection fails or ctx is done; malformed frames are skipped.
func (s *WallexStream) Stream(ctx context.Context, handle func(Update)) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial stream: %w", err)
	}
	defer conn.Close()

	// ReadMessage does not take a context
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sub := []any{"subscribe", map[string]string{"channel": s.channel}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		u, err := s.decode(data)
		if err != nil {
			s.logger.Debug("skipping stream frame", zap.Error(err))
			continue
		}
		handle(u)
	}
}

type wallexTick struct {
	Symbol       string      `json:"symbol"`
	Price        flexDecimal `json:"price"`
	Change       *flexFloat  `json:"24h_ch"`
	ChangeLegacy *flexFloat  `json:"change_24h"`
}

func (s *WallexStream) decode(data []byte) (Update, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		return Update{}, fmt.Errorf("%w: not a channel frame", errSkipFrame)
	}

	var channel string
	if err := json.Unmarshal(frame[0], &channel); err != nil || channel != s.channel {
		return Update{}, fmt.Errorf("%w: channel %s", errSkipFrame, frame[0])
	}

	var tick wallexTick
	if err := json.Unmarshal(frame[1], &tick); err != nil {
		return Update{}, fmt.Errorf("%w: %v", errSkipFrame, err)
	}

	base, cur, ok := s.currencies.SplitMarket(strings.TrimSpace(tick.Symbol))
	if !ok {
		return Update{}, fmt.Errorf("%w: market %q", errSkipFrame, tick.Symbol)
	}
	if !tick.Price.IsPositive() {
		return Update{}, fmt.Errorf("%w: price %s", errSkipFrame, tick.Price.String())
	}

	u := Update{Symbol: base, Currency: cur, Price: tick.Price.Decimal, At: s.now().UTC()}
	switch {
	case tick.Change != nil:
		v := float64(*tick.Change)
		u.Change24h = &v
	case tick.ChangeLegacy != nil:
		v := float64(*tick.ChangeLegacy)
		u.Change24h = &v
	}
	return u, nil
}
