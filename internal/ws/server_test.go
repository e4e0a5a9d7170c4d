package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklink/chat-realtime/internal/auth"
	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/config"
	"github.com/tasklink/chat-realtime/internal/hub"
	"github.com/tasklink/chat-realtime/internal/protocol"
	"github.com/tasklink/chat-realtime/internal/storage"
)

type testEnv struct {
	hub    *hub.Hub
	store  *storage.Store
	auth   *auth.Authenticator
	url    string
	chatID string
}

var (
	userU     = chat.Identity{UserID: "U"}
	providerP = chat.Identity{UserID: "P9", IsProvider: true}
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := config.Discard()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := storage.Open(ctx, storage.DriverSQLite, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := store.EnsureChat(ctx, "U", "P9")
	require.NoError(t, err)

	authenticator, err := auth.New("ws-test-secret", "", "")
	require.NoError(t, err)

	h := hub.New(hub.Config{InstanceID: "test"}, store, store, nil, logger)
	dispatcher := NewMessageDispatcher(ctx, h, logger)

	cfg := DefaultServerConfig()
	cfg.ReadTimeout = time.Second
	srv := NewServer(cfg, authenticator, h, nil, dispatcher.Dispatch, logger)
	require.NoError(t, srv.Start())

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Shutdown()
		ts.Close()
	})

	return &testEnv{
		hub:    h,
		store:  store,
		auth:   authenticator,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http"),
		chatID: c.ID,
	}
}

// dial connects as id and consumes connection:success.
func (e *testEnv) dial(t *testing.T, id chat.Identity) *websocket.Conn {
	t.Helper()
	token, err := e.auth.Issue(id, time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Cookie", "token="+token)
	conn, _, err := websocket.DefaultDialer.Dial(e.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ev := readEvent(t, conn)
	success, ok := ev.(protocol.ConnectionSuccess)
	require.True(t, ok, "first frame must be connection:success, got %T", ev)
	assert.Equal(t, id.UserID, success.UserID)
	assert.Equal(t, id.IsProvider, success.IsProvider)
	assert.NotEmpty(t, success.ConnectionID)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, ev protocol.ClientEvent) {
	t.Helper()
	data, err := protocol.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.ParseServerEvent(data)
	require.NoError(t, err)
	return ev
}

// until reads events until one named name arrives and returns it along with
// everything read before it.
func until(t *testing.T, conn *websocket.Conn, name string) (protocol.ServerEvent, []protocol.ServerEvent) {
	t.Helper()
	var before []protocol.ServerEvent
	for i := 0; i < 20; i++ {
		ev := readEvent(t, conn)
		if ev.EventName() == name {
			return ev, before
		}
		before = append(before, ev)
	}
	t.Fatalf("event %q not received", name)
	return nil, nil
}

func join(t *testing.T, conn *websocket.Conn, chatID string) protocol.ChatJoined {
	t.Helper()
	send(t, conn, protocol.JoinChat{ChatID: chatID})
	ev, _ := until(t, conn, protocol.EventChatJoined)
	return ev.(protocol.ChatJoined)
}

// ---------------------------------------------------------------------------
// Test: Handshake without a credential is rejected
// ---------------------------------------------------------------------------

func TestServer_RejectsUnauthenticatedHandshake(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Cookie", "token=garbage")
	_, resp, err = websocket.DefaultDialer.Dial(env.url, header)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ---------------------------------------------------------------------------
// Test: End-to-end send between customer and provider
// ---------------------------------------------------------------------------

func TestServer_SendScenario(t *testing.T) {
	env := newTestEnv(t)
	u := env.dial(t, userU)
	p := env.dial(t, providerP)

	ack := join(t, u, env.chatID)
	assert.Equal(t, "P9", ack.Participants.ProviderID)
	join(t, p, env.chatID)

	send(t, u, protocol.SendMessage{ChatID: env.chatID, Content: "hola", TempID: "temp-1"})

	ev, _ := until(t, u, protocol.EventMessageSent)
	sent := ev.(protocol.MessageSent)
	assert.Equal(t, "temp-1", sent.TempID)
	assert.NotEmpty(t, sent.ID)

	ev, _ = until(t, p, protocol.EventMessageReceived)
	recv := ev.(protocol.MessageReceived)
	assert.Equal(t, sent.ID, recv.ID)
	assert.Equal(t, "hola", recv.Content)
	assert.True(t, recv.Timestamp.Equal(sent.Timestamp))

	msgs, err := env.store.ListMessages(context.Background(), env.chatID, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)

	// Provider reads; the customer hears about it.
	send(t, p, protocol.MarkRead{ChatID: env.chatID})
	ev, _ = until(t, u, protocol.EventMessagesRead)
	assert.Equal(t, protocol.MessagesRead{ChatID: env.chatID, IsProvider: true}, ev)
}

// ---------------------------------------------------------------------------
// Test: Request errors go to the sender and keep the connection open
// ---------------------------------------------------------------------------

func TestServer_ErrorsStayWithSender(t *testing.T) {
	env := newTestEnv(t)
	u := env.dial(t, userU)
	stranger := env.dial(t, chat.Identity{UserID: "S"})

	send(t, u, protocol.SendMessage{ChatID: env.chatID, Content: "hola", TempID: "temp-9"})
	ev, _ := until(t, u, protocol.EventError)
	errMsg := ev.(protocol.ErrorMsg)
	assert.Equal(t, chat.CodeNotJoined, errMsg.Code)
	assert.Equal(t, "temp-9", errMsg.TempID)

	send(t, stranger, protocol.JoinChat{ChatID: env.chatID})
	ev, _ = until(t, stranger, protocol.EventError)
	assert.Equal(t, chat.CodeForbidden, ev.(protocol.ErrorMsg).Code)

	require.NoError(t, u.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	ev, _ = until(t, u, protocol.EventError)
	assert.Equal(t, chat.CodeProtocolError, ev.(protocol.ErrorMsg).Code)

	send(t, u, protocol.Ping{})
	_, before := until(t, u, protocol.EventPong)
	assert.Empty(t, before)

	msgs, err := env.store.ListMessages(context.Background(), env.chatID, 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// ---------------------------------------------------------------------------
// Test: Two devices, one offline event
// ---------------------------------------------------------------------------

func TestServer_TwoDevicePresence(t *testing.T) {
	env := newTestEnv(t)
	p := env.dial(t, providerP)
	join(t, p, env.chatID)

	d1 := env.dial(t, userU)
	until(t, p, protocol.EventUserOnline)
	d2 := env.dial(t, userU)
	assert.True(t, env.hub.IsOnline(userU))

	require.NoError(t, d1.Close())
	require.Eventually(t, func() bool {
		return len(env.hub.ConnectionsFor(userU)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, env.hub.IsOnline(userU))

	send(t, p, protocol.Ping{})
	_, before := until(t, p, protocol.EventPong)
	for _, ev := range before {
		assert.NotEqual(t, protocol.EventUserOffline, ev.EventName())
		assert.NotEqual(t, protocol.EventUserOnline, ev.EventName())
	}

	require.NoError(t, d2.Close())
	ev, _ := until(t, p, protocol.EventUserOffline)
	assert.Equal(t, "U", ev.(protocol.UserOffline).UserID)
	assert.False(t, env.hub.IsOnline(userU))

	send(t, p, protocol.Ping{})
	_, before = until(t, p, protocol.EventPong)
	for _, ev := range before {
		assert.NotEqual(t, protocol.EventUserOffline, ev.EventName())
	}
}

// ---------------------------------------------------------------------------
// Test: Fragmented messages are reassembled and capped as a whole
// ---------------------------------------------------------------------------

// writeFragments writes payload as a text message split into parts, with a
// ping between the first two fragments.
func writeFragments(t *testing.T, conn *websocket.Conn, parts ...[]byte) {
	t.Helper()
	raw := conn.UnderlyingConn()
	for i, part := range parts {
		op := ws.OpContinuation
		if i == 0 {
			op = ws.OpText
		}
		fin := i == len(parts)-1
		require.NoError(t, ws.WriteFrame(raw, ws.MaskFrame(ws.NewFrame(op, fin, part))))
		if i == 0 {
			require.NoError(t, ws.WriteFrame(raw, ws.MaskFrame(ws.NewPingFrame(nil))))
		}
	}
}

func TestServer_FragmentedMessageIsReassembled(t *testing.T) {
	env := newTestEnv(t)
	u := env.dial(t, userU)
	join(t, u, env.chatID)

	data, err := protocol.Encode(protocol.SendMessage{ChatID: env.chatID, Content: "sent in pieces", TempID: "temp-frag"})
	require.NoError(t, err)
	third := len(data) / 3
	writeFragments(t, u, data[:third], data[third:2*third], data[2*third:])

	ev, _ := until(t, u, protocol.EventMessageSent)
	sent := ev.(protocol.MessageSent)
	assert.Equal(t, "temp-frag", sent.TempID)
	assert.Equal(t, "sent in pieces", sent.Content)
}

func TestServer_OversizedFragmentedMessageClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	u := env.dial(t, userU)

	part := []byte(strings.Repeat("a", MaxFrameSize/2+1))
	writeFragments(t, u, part, part)

	require.NoError(t, u.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := u.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) {
				assert.False(t, netErr.Timeout(), "connection should be closed, not idle")
			}
			break
		}
	}
	require.Eventually(t, func() bool { return !env.hub.IsOnline(userU) }, 3*time.Second, 10*time.Millisecond)
}
