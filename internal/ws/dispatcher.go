package ws

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/hub"
	"github.com/tasklink/chat-realtime/internal/metrics"
	"github.com/tasklink/chat-realtime/internal/protocol"
)

// MessageDispatcher decodes inbound frames into client events and routes
// them to the hub. Failures are reported to the originating connection only.
type MessageDispatcher struct {
	hub    *hub.Hub
	ctx    context.Context
	logger *slog.Logger
}

// NewMessageDispatcher creates a dispatcher. ctx bounds every hub call and is
// cancelled on shutdown.
func NewMessageDispatcher(ctx context.Context, h *hub.Hub, logger *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		hub:    h,
		ctx:    ctx,
		logger: logger.With("component", "dispatcher"),
	}
}

// Dispatch is the onMessage callback. A panic in a handler is contained to
// the one event.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "conn_id", conn.ID(), "panic", r, "stack", string(debug.Stack()))
			d.reply(conn, protocol.ErrorMsg{Code: chat.CodeInternal, Message: "internal error"})
		}
	}()

	ev, err := protocol.ParseClientEvent(data)
	if err != nil {
		d.logger.Warn("protocol error", "conn_id", conn.ID(), "error", err)
		d.fail(conn, err, "", "")
		return
	}
	metrics.EventsTotal.WithLabelValues(ev.EventName()).Inc()

	switch m := ev.(type) {
	case protocol.JoinChat:
		if err := d.hub.Join(d.ctx, conn.ID(), m.ChatID); err != nil {
			d.fail(conn, err, m.ChatID, "")
		}
	case protocol.LeaveChat:
		if err := d.hub.Leave(conn.ID(), m.ChatID); err != nil {
			d.fail(conn, err, m.ChatID, "")
		}
	case protocol.SendMessage:
		if _, err := d.hub.Send(d.ctx, conn.ID(), m.ChatID, m.Content, m.TempID); err != nil {
			d.fail(conn, err, m.ChatID, m.TempID)
		}
	case protocol.StartTyping:
		if err := d.hub.StartTyping(conn.ID(), m.ChatID); err != nil {
			d.fail(conn, err, m.ChatID, "")
		}
	case protocol.StopTyping:
		if err := d.hub.StopTyping(conn.ID(), m.ChatID); err != nil {
			d.fail(conn, err, m.ChatID, "")
		}
	case protocol.MarkRead:
		if err := d.hub.MarkRead(d.ctx, conn.ID(), m.ChatID); err != nil {
			d.fail(conn, err, m.ChatID, "")
		}
	case protocol.Ping:
		d.reply(conn, protocol.Pong{})
	default:
		d.logger.Error("unhandled client event", "event", ev.EventName())
	}
}

// fail sends an error event for err. Internal failures are logged in full and
// reported generically.
func (d *MessageDispatcher) fail(conn *Connection, err error, chatID, tempID string) {
	ev := protocol.NewError(err, chatID, tempID)
	if ev.Code == chat.CodeInternal {
		if !errors.Is(err, hub.ErrUnknownConnection) {
			d.logger.Error("request failed", "conn_id", conn.ID(), "chat_id", chatID, "error", err)
		}
		ev.Message = "internal error"
	}
	metrics.ErrorsTotal.WithLabelValues(ev.Code).Inc()
	d.reply(conn, ev)
}

func (d *MessageDispatcher) reply(conn *Connection, ev protocol.ServerEvent) {
	data, err := protocol.Encode(ev)
	if err != nil {
		d.logger.Error("encode reply failed", "event", ev.EventName(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		d.logger.Debug("reply not delivered", "conn_id", conn.ID(), "event", ev.EventName(), "error", err)
	}
}
