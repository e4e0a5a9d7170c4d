package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/protocol"
)

func TestSend_AckToSenderReceivedToPeer(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, u, "C42")
	f.join(t, p, "C42")
	u.reset()
	p.reset()

	msg, err := f.hub.Send(context.Background(), u.ID(), "C42", "hola", "temp-1")
	require.NoError(t, err)

	sent := u.named(protocol.EventMessageSent)
	require.Len(t, sent, 1)
	ack := sent[0].(protocol.MessageSent)
	assert.Equal(t, "temp-1", ack.TempID)
	assert.Equal(t, msg.ID, ack.ID)
	assert.Empty(t, u.named(protocol.EventMessageReceived))

	recv := p.named(protocol.EventMessageReceived)
	require.Len(t, recv, 1)
	got := recv[0].(protocol.MessageReceived)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hola", got.Content)
	assert.Equal(t, "U", got.SenderID)
	assert.True(t, got.Timestamp.Equal(ack.Timestamp))
	assert.Empty(t, p.named(protocol.EventMessageSent))
}

func TestSend_OtherDevicesOfSenderReceive(t *testing.T) {
	f := newFixture(t, Config{})
	d1 := f.connect(t, "u-1", customerU)
	d2 := f.connect(t, "u-2", customerU)
	f.join(t, d1, "C42")
	f.join(t, d2, "C42")

	_, err := f.hub.Send(context.Background(), d1.ID(), "C42", "sync", "t-1")
	require.NoError(t, err)
	assert.Len(t, d2.named(protocol.EventMessageReceived), 1)
	assert.Empty(t, d2.named(protocol.EventMessageSent))
}

func TestSend_NotJoined(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, p, "C42")
	p.reset()

	_, err := f.hub.Send(context.Background(), u.ID(), "C42", "hola", "temp-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrNotJoined))
	assert.Equal(t, 0, f.store.count())
	assert.Empty(t, p.received())
	assert.Empty(t, u.received())
}

func TestSend_InvalidContent(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.connect(t, "u-1", customerU)
	f.join(t, u, "C42")

	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := f.hub.Send(context.Background(), u.ID(), "C42", content, "t")
		assert.True(t, errors.Is(err, chat.ErrInvalidContent), "content %q", content)
	}
	assert.Equal(t, 0, f.store.count())
}

func TestSend_PersistenceFailureNotBroadcast(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.persist = errors.New("disk on fire")
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, u, "C42")
	f.join(t, p, "C42")
	p.reset()
	u.reset()

	_, err := f.hub.Send(context.Background(), u.ID(), "C42", "hola", "temp-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrPersistence))
	assert.Empty(t, p.received())
	assert.Empty(t, u.received())

	ev := protocol.NewError(err, "C42", "temp-1")
	assert.Equal(t, chat.CodePersistenceFailure, ev.Code)
	assert.Equal(t, "temp-1", ev.TempID)
}

func TestSend_PersistTimeout(t *testing.T) {
	f := newFixture(t, Config{PersistTimeout: 20 * time.Millisecond})
	f.store.delay = time.Second
	u := f.connect(t, "u-1", customerU)
	f.join(t, u, "C42")

	start := time.Now()
	_, err := f.hub.Send(context.Background(), u.ID(), "C42", "slow", "t-1")
	assert.True(t, errors.Is(err, chat.ErrPersistence))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSend_StopsTypingBeforeReceived(t *testing.T) {
	f := newFixture(t, Config{TypingWindow: time.Minute})
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, u, "C42")
	f.join(t, p, "C42")
	p.reset()

	require.NoError(t, f.hub.StartTyping(u.ID(), "C42"))
	_, err := f.hub.Send(context.Background(), u.ID(), "C42", "hola", "t-1")
	require.NoError(t, err)

	var names []string
	for _, ev := range p.received() {
		names = append(names, ev.EventName())
	}
	assert.Equal(t, []string{
		protocol.EventTypingStarted,
		protocol.EventTypingStopped,
		protocol.EventMessageReceived,
	}, names)
	assert.False(t, f.hub.IsTyping(u.ID(), "C42"))
}

func TestSend_PerChatOrderPreserved(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, u, "C42")
	f.join(t, p, "C42")
	p.reset()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.hub.Send(context.Background(), u.ID(), "C42", "x", "t")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	recv := p.named(protocol.EventMessageReceived)
	require.Len(t, recv, n)
	for i := 1; i < n; i++ {
		prev := recv[i-1].(protocol.MessageReceived)
		cur := recv[i].(protocol.MessageReceived)
		assert.True(t, cur.Timestamp.After(prev.Timestamp), "delivery order must follow persist order")
	}
}

func TestPostMessage_ParticipantOnly(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.connect(t, "p-1", providerP)
	f.join(t, p, "C42")
	p.reset()

	_, err := f.hub.PostMessage(context.Background(), strangerS, "C42", "hi")
	assert.True(t, errors.Is(err, chat.ErrForbidden))

	msg, err := f.hub.PostMessage(context.Background(), customerU, "C42", "from http")
	require.NoError(t, err)
	recv := p.named(protocol.EventMessageReceived)
	require.Len(t, recv, 1)
	assert.Equal(t, msg.ID, recv[0].(protocol.MessageReceived).ID)
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

func TestTyping_ExpiryFiresExactlyOnce(t *testing.T) {
	window := 40 * time.Millisecond
	f := newFixture(t, Config{TypingWindow: window})
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, u, "C42")
	f.join(t, p, "C42")
	p.reset()

	require.NoError(t, f.hub.StartTyping(u.ID(), "C42"))
	require.NoError(t, f.hub.StartTyping(u.ID(), "C42"))
	assert.Len(t, p.named(protocol.EventTypingStarted), 1)

	assert.Eventually(t, func() bool {
		return len(p.named(protocol.EventTypingStopped)) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(3 * window)
	assert.Len(t, p.named(protocol.EventTypingStopped), 1)
	assert.Empty(t, u.named(protocol.EventTypingStopped))
}

func TestTyping_RefreshExtendsWindow(t *testing.T) {
	window := 80 * time.Millisecond
	f := newFixture(t, Config{TypingWindow: window})
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, u, "C42")
	f.join(t, p, "C42")

	require.NoError(t, f.hub.StartTyping(u.ID(), "C42"))
	time.Sleep(window / 2)
	require.NoError(t, f.hub.StartTyping(u.ID(), "C42"))
	time.Sleep(window / 2)
	assert.Empty(t, p.named(protocol.EventTypingStopped))
	assert.True(t, f.hub.IsTyping(u.ID(), "C42"))
}

func TestTyping_ExplicitStop(t *testing.T) {
	f := newFixture(t, Config{TypingWindow: time.Minute})
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, u, "C42")
	f.join(t, p, "C42")

	require.NoError(t, f.hub.StopTyping(u.ID(), "C42"))
	assert.Empty(t, p.named(protocol.EventTypingStopped))

	require.NoError(t, f.hub.StartTyping(u.ID(), "C42"))
	require.NoError(t, f.hub.StopTyping(u.ID(), "C42"))
	stopped := p.named(protocol.EventTypingStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, "U", stopped[0].(protocol.TypingStopped).UserID)
}

func TestTyping_RequiresMembership(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.connect(t, "u-1", customerU)

	assert.True(t, errors.Is(f.hub.StartTyping(u.ID(), "C42"), chat.ErrNotJoined))
	assert.True(t, errors.Is(f.hub.StopTyping(u.ID(), "C42"), chat.ErrNotJoined))
}

func TestTyping_DiscardedOnDisconnect(t *testing.T) {
	window := 30 * time.Millisecond
	f := newFixture(t, Config{TypingWindow: window})
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, u, "C42")
	f.join(t, p, "C42")

	require.NoError(t, f.hub.StartTyping(u.ID(), "C42"))
	f.hub.Unregister(u.ID())
	assert.False(t, f.hub.IsTyping(u.ID(), "C42"))

	time.Sleep(3 * window)
	assert.Len(t, p.named(protocol.EventTypingStopped), 1)
}

// ---------------------------------------------------------------------------
// Read receipts
// ---------------------------------------------------------------------------

func TestMarkRead_IdempotentBroadcast(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, u, "C42")
	f.join(t, p, "C42")

	_, err := f.hub.Send(context.Background(), u.ID(), "C42", "hola", "t-1")
	require.NoError(t, err)
	u.reset()

	require.NoError(t, f.hub.MarkRead(context.Background(), p.ID(), "C42"))
	read := u.named(protocol.EventMessagesRead)
	require.Len(t, read, 1)
	assert.Equal(t, protocol.MessagesRead{ChatID: "C42", IsProvider: true}, read[0])
	assert.Empty(t, p.named(protocol.EventMessagesRead))

	require.NoError(t, f.hub.MarkRead(context.Background(), p.ID(), "C42"))
	assert.Len(t, u.named(protocol.EventMessagesRead), 1)

	for _, m := range f.store.messages {
		assert.True(t, m.ReadByProvider)
	}
}

func TestMarkRead_RequiresMembership(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.connect(t, "p-1", providerP)

	err := f.hub.MarkRead(context.Background(), p.ID(), "C42")
	assert.True(t, errors.Is(err, chat.ErrNotJoined))
}

func TestMarkReadAs_ForbiddenForStranger(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.hub.MarkReadAs(context.Background(), strangerS, "C42")
	assert.True(t, errors.Is(err, chat.ErrForbidden))

	n, err := f.hub.MarkReadAs(context.Background(), providerP, "C42")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

// ---------------------------------------------------------------------------
// End-to-end scenario: C42
// ---------------------------------------------------------------------------

func TestScenario_C42(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.connect(t, "u-1", customerU)
	p := f.connect(t, "p-1", providerP)
	f.join(t, u, "C42")
	f.join(t, p, "C42")

	_, err := f.hub.Send(context.Background(), u.ID(), "C42", "hola", "temp-1")
	require.NoError(t, err)

	recv := p.named(protocol.EventMessageReceived)
	sent := u.named(protocol.EventMessageSent)
	require.Len(t, recv, 1)
	require.Len(t, sent, 1)

	r := recv[0].(protocol.MessageReceived)
	s := sent[0].(protocol.MessageSent)
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.Timestamp.IsZero())
	assert.Equal(t, r.ID, s.ID)
	assert.Equal(t, "temp-1", s.TempID)
}
