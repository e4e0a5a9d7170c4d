// Package messaging provides a NATS client wrapper that relays chat-scoped
// broadcasts between server instances. Each instance publishes the frames it
// fans out on chat.<chat_id> and delivers frames from other instances to the
// connections it holds.
package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tasklink/chat-realtime/internal/chat"
)

// NATS subject patterns.
const (
	SubjectChat    = "chat"   // + .<chat_id>
	SubjectChatAll = "chat.>" // every chat
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	logger = logger.With("component", "nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishChatEvent sends ev on chat.<chat_id>.
func (c *NATSClient) PublishChatEvent(ev chat.RelayEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal relay event: %w", err)
	}
	return c.Publish(ChatSubject(ev.ChatID), data)
}

// SubscribeChatEvents delivers every relayed chat event to handler.
// Undecodable payloads are logged and dropped.
func (c *NATSClient) SubscribeChatEvents(handler func(ev chat.RelayEvent)) error {
	return c.Subscribe(SubjectChatAll, func(msg *nats.Msg) {
		var ev chat.RelayEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn("dropping malformed relay event", "subject", msg.Subject, "error", err)
			return
		}
		if ev.ChatID == "" {
			ev.ChatID = strings.TrimPrefix(msg.Subject, SubjectChat+".")
		}
		handler(ev)
	})
}

// ChatSubject returns the subject for one chat.
func ChatSubject(chatID string) string {
	return SubjectChat + "." + chatID
}

// Relay adapts the client to the hub's Relay interface.
type Relay struct {
	client *NATSClient
}

// NewRelay wraps client.
func NewRelay(client *NATSClient) *Relay {
	return &Relay{client: client}
}

// Publish sends a chat-scoped event to the other instances.
func (r *Relay) Publish(ev chat.RelayEvent) error {
	return r.client.PublishChatEvent(ev)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain failed", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain failed", "error", err)
	}

	c.logger.Info("client closed")
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
