package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/config"
)

func TestChatSubject(t *testing.T) {
	assert.Equal(t, "chat.C42", ChatSubject("C42"))
}

// Requires a running NATS server on localhost:4222.
func TestRelay_RoundTrip(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg, config.Discard())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer client.Close()

	got := make(chan chat.RelayEvent, 1)
	require.NoError(t, client.SubscribeChatEvents(func(ev chat.RelayEvent) {
		got <- ev
	}))
	require.NoError(t, client.conn.Flush())

	frame := json.RawMessage(`{"event":"typing:started","data":{"chatId":"C42"}}`)
	require.NoError(t, NewRelay(client).Publish(chat.RelayEvent{
		Origin: "a", ChatID: "C42", Exclude: "conn-1", Frame: frame,
	}))

	select {
	case ev := <-got:
		assert.Equal(t, "a", ev.Origin)
		assert.Equal(t, "C42", ev.ChatID)
		assert.Equal(t, "conn-1", ev.Exclude)
		assert.JSONEq(t, string(frame), string(ev.Frame))
	case <-time.After(2 * time.Second):
		t.Fatal("relay event not received")
	}
}
