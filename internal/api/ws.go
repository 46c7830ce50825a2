package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/spotdesk/internal/models"
	"github.com/xtrntr/spotdesk/internal/oracle"

	"go.uber.org/zap"
)

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Feed pushes the stored quotes to every connected websocket client
type Feed struct {
	store    oracle.Store
	upgrader websocket.Upgrader
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewFeed creates a quote feed over store. An origin list of "*" accepts any origin.
func NewFeed(store oracle.Store, origins []string, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Feed{
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
		logger:  logger,
		now:     time.Now,
		clients: make(map[*wsClient]bool),
	}
}

// feedMessage is one broadcast frame
type feedMessage struct {
	Type   string      `json:"type"`
	Quotes []feedQuote `json:"quotes"`
	At     time.Time   `json:"at"`
}

type feedQuote struct {
	models.Quote
	AgeSeconds float64 `json:"age_seconds"`
}

func (f *Feed) message(ctx context.Context) ([]byte, error) {
	quotes, err := f.store.All(ctx)
	if err != nil {
		return nil, err
	}
	now := f.now().UTC()
	msg := feedMessage{Type: "quotes", Quotes: make([]feedQuote, 0, len(quotes)), At: now}
	for _, q := range quotes {
		age := now.Sub(q.FetchedAt)
		if age < 0 {
			age = 0
		}
		msg.Quotes = append(msg.Quotes, feedQuote{Quote: q, AgeSeconds: age.Round(time.Second).Seconds()})
	}
	return json.Marshal(msg)
}

// Broadcast sends the current quotes to every client, dropping those that fail
func (f *Feed) Broadcast(ctx context.Context) {
	data, err := f.message(ctx)
	if err != nil {
		f.logger.Warn("failed to build quote feed", zap.Error(err))
		return
	}

	f.mu.RLock()
	clients := make([]*wsClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			f.logger.Debug("dropping websocket client", zap.Error(err))
			f.remove(c)
		}
	}
}

// Run broadcasts on every tick until ctx is done
func (f *Feed) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			return
		case <-ticker.C:
			f.Broadcast(ctx)
		}
	}
}

// Clients is the number of connected clients
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// ServeHTTP upgrades the connection, sends the current quotes and keeps the client
// registered until it disconnects
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	f.mu.Lock()
	f.clients[client] = true
	f.mu.Unlock()

	// Send initial snapshot to the new client only
	if data, err := f.message(r.Context()); err == nil {
		if err := client.send(data); err != nil {
			f.remove(client)
			return
		}
	}

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.remove(client)
			return
		}
	}
}

func (f *Feed) remove(c *wsClient) {
	f.mu.Lock()
	_, ok := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		c.conn.Close()
		delete(f.clients, c)
	}
}
