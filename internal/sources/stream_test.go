package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStreamServer accepts one subscription and replays frames, then holds the connection open
func newStreamServer(t *testing.T, frames []string, subscribed chan<- []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- sub

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Block until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWallexStream_Stream(t *testing.T) {
	frames := []string{
		`["all@price",{"symbol":"BTCUSDT","price":"50100","24h_ch":"1.5"}]`,
		`not json`,
		`["other@channel",{"symbol":"BTCUSDT","price":"1"}]`,
		`["all@price",{"symbol":"ETHUSDT","price":"0"}]`,
		`["all@price",{"symbol":"BTCEUR","price":"10"}]`,
		`["all@price"]`,
		`["all@price",{"symbol":"ETHTMN","price":126000000}]`,
	}
	subscribed := make(chan []byte, 1)
	srv := newStreamServer(t, frames, subscribed)

	s := NewWallexStream("ws"+strings.TrimPrefix(srv.URL, "http"), testCurrencies, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan Update, 10)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Stream(ctx, func(u Update) { updates <- u })
	}()

	select {
	case sub := <-subscribed:
		assert.JSONEq(t, `["subscribe",{"channel":"all@price"}]`, string(sub))
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	var got []Update
	for len(got) < 2 {
		select {
		case u := <-updates:
			got = append(got, u)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d updates, want 2", len(got))
		}
	}

	assert.Equal(t, "BTC", got[0].Symbol)
	assert.Equal(t, "USDT", got[0].Currency)
	assert.Equal(t, "50100", got[0].Price.String())
	require.NotNil(t, got[0].Change24h)
	assert.Equal(t, 1.5, *got[0].Change24h)

	assert.Equal(t, "ETH", got[1].Symbol)
	assert.Equal(t, "TMN", got[1].Currency)
	assert.Nil(t, got[1].Change24h)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}

func TestWallexStream_DialError(t *testing.T) {
	s := NewWallexStream("ws://127.0.0.1:1/ws", testCurrencies, nil)

	err := s.Stream(context.Background(), func(Update) {})
	assert.ErrorContains(t, err, "failed to dial stream")
}
