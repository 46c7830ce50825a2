package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotdesk/internal/models"
)

func TestMessage(t *testing.T) {
	user := uuid.New()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	order := &models.Order{ID: uuid.New(), UserID: user, Pair: "BTC/USDT", Status: models.OrderStatusFilled}

	msg, err := message(Event{Type: OrderFilled, UserID: user, Order: order, At: at})
	require.NoError(t, err)

	assert.Equal(t, user.String(), string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "order.filled", string(msg.Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "order.filled", decoded["type"])
	assert.Equal(t, "BTC/USDT", decoded["order"].(map[string]any)["pair"])
	assert.NotContains(t, decoded, "transaction")
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Publish(context.Background(), Event{Type: OrderPlaced}))

	r.Err = errors.New("broker down")
	assert.Error(t, r.Publish(context.Background(), Event{Type: OrderCancelled}))

	got := r.Events()
	require.Len(t, got, 2)
	assert.Equal(t, OrderCancelled, got[1].Type)
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
