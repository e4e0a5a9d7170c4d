// Package client is the consumer side of the chat protocol. Model is a pure
// state machine reconciling optimistic sends with server acknowledgements;
// Client drives it over a live connection with automatic reconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/protocol"
)

const (
	DefaultMaxAttempts   = 5
	DefaultRetryInterval = time.Second
	DefaultTypingIdle    = 2 * time.Second

	// typingRefresh keeps the server's typing window open while the user
	// keeps typing.
	typingRefresh = time.Second

	outboundBuffer = 256
	updatesBuffer  = 16
)

var (
	ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")
	ErrClosed             = errors.New("client: closed")
)

// Options configures a Client.
type Options struct {
	Dialer        Dialer
	Identity      chat.Identity
	MaxAttempts   int
	RetryInterval time.Duration
	TypingIdle    time.Duration
	Logger        *slog.Logger
}

// Client owns one Model and the connection feeding it. Views are published
// on a single updates channel and frames leave through a single outbound
// queue drained by the connection's writer.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	model       *Model
	typing      bool
	typingGen   uint64
	typingTimer *time.Timer
	lastStart   time.Time

	out       chan []byte
	updates   chan View
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a disconnected client. Call Run to connect.
func New(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = DefaultTypingIdle
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:    opts,
		logger:  opts.Logger.With("component", "client", "user_id", opts.Identity.UserID),
		model:   NewModel(opts.Identity),
		out:     make(chan []byte, outboundBuffer),
		updates: make(chan View, updatesBuffer),
		done:    make(chan struct{}),
	}
}

// Updates delivers a fresh View after every state change. Slow consumers
// only miss intermediate views, never the latest one.
func (c *Client) Updates() <-chan View {
	return c.updates
}

// View returns the current state.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model.View()
}

// Run connects and keeps reconnecting until ctx ends, Close is called, or
// MaxAttempts consecutive dials fail.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		c.mu.Lock()
		c.model.Connecting()
		c.publishLocked()
		c.mu.Unlock()

		conn, err := c.opts.Dialer.Dial(ctx)
		if err != nil {
			attempts++
			c.logger.Warn("dial failed", "attempt", attempts, "max_attempts", c.opts.MaxAttempts, "error", err)
			if attempts >= c.opts.MaxAttempts {
				c.setDisconnected()
				return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, err)
			}
			if err := c.wait(ctx); err != nil {
				c.setDisconnected()
				return err
			}
			continue
		}

		attempts = 0
		err = c.serve(ctx, conn)
		c.setDisconnected()

		select {
		case <-c.done:
			return nil
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("connection lost, reconnecting", "error", err)
		if err := c.wait(ctx); err != nil {
			return err
		}
	}
}

// serve pumps one connection until it fails.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	c.drain()

	errc := make(chan error, 2)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case frame := <-c.out:
				if err := conn.WriteFrame(frame); err != nil {
					errc <- fmt.Errorf("write: %w", err)
					return
				}
			case <-stop:
				return
			}
		}
	}()

	c.mu.Lock()
	for _, ev := range c.model.Connected() {
		c.enqueueLocked(ev)
	}
	c.publishLocked()
	c.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			data, err := conn.ReadFrame()
			if err != nil {
				errc <- fmt.Errorf("read: %w", err)
				return
			}
			ev, err := protocol.ParseServerEvent(data)
			if err != nil {
				c.logger.Warn("dropping unreadable frame", "error", err)
				continue
			}
			c.mu.Lock()
			c.model.Apply(ev)
			c.publishLocked()
			c.mu.Unlock()
		}
	}()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.done:
		err = ErrClosed
	}
	close(stop)
	_ = conn.Close()
	wg.Wait()
	return err
}

// OpenChat makes chatID the active chat and joins it when connected.
func (c *Client) OpenChat(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTypingLocked()
	for _, ev := range c.model.OpenChat(chatID) {
		c.enqueueLocked(ev)
	}
	c.publishLocked()
}

// CloseChat leaves the active chat.
func (c *Client) CloseChat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTypingLocked()
	for _, ev := range c.model.CloseChat() {
		c.enqueueLocked(ev)
	}
	c.publishLocked()
}

// Send adds an optimistic entry to the active chat and returns its tempId.
// While disconnected the entry stays sending.
func (c *Client) Send(content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tempID := "temp-" + uuid.NewString()
	ev, err := c.model.Send(content, tempID, time.Now())
	if err != nil {
		return "", err
	}
	// The server clears our typing state when the message lands.
	c.cancelTypingLocked()
	c.enqueueLocked(ev)
	c.publishLocked()
	return tempID, nil
}

// LoadHistory merges persisted messages into the active chat.
func (c *Client) LoadHistory(chatID string, msgs []chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model.LoadHistory(chatID, msgs)
	c.publishLocked()
}

// MarkRead marks the active chat read.
func (c *Client) MarkRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chatID := c.model.ChatID(); chatID != "" {
		c.enqueueLocked(protocol.MarkRead{ChatID: chatID})
	}
}

// Typing records a keystroke. typing:start is sent on the first keystroke
// and refreshed while typing continues; typing:stop follows TypingIdle
// after the last keystroke.
func (c *Client) Typing() {
	c.mu.Lock()
	defer c.mu.Unlock()

	chatID := c.model.ChatID()
	if chatID == "" || c.model.State() < StateConnected {
		return
	}
	now := time.Now()
	if !c.typing || now.Sub(c.lastStart) >= typingRefresh {
		c.enqueueLocked(protocol.StartTyping{ChatID: chatID})
		c.lastStart = now
	}
	c.typing = true

	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingGen++
	gen := c.typingGen
	c.typingTimer = time.AfterFunc(c.opts.TypingIdle, func() { c.typingIdle(gen, chatID) })
}

func (c *Client) typingIdle(gen uint64, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.typingGen || !c.typing {
		return
	}
	c.typing = false
	c.typingTimer = nil
	if c.model.ChatID() == chatID {
		c.enqueueLocked(protocol.StopTyping{ChatID: chatID})
	}
}

// Close stops Run and cancels any pending typing timer.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancelTypingLocked()
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) cancelTypingLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingGen++
	c.typing = false
}

// enqueueLocked queues a frame when connected. Frames are never queued
// across a reconnect: the rejoin has to go first.
func (c *Client) enqueueLocked(ev protocol.ClientEvent) {
	if c.model.State() < StateConnected {
		return
	}
	frame, err := protocol.Encode(ev)
	if err != nil {
		c.logger.Error("encode failed", "event", ev.EventName(), "error", err)
		return
	}
	select {
	case c.out <- frame:
	default:
		c.logger.Warn("outbound queue full, dropping frame", "event", ev.EventName())
	}
}

func (c *Client) publishLocked() {
	v := c.model.View()
	select {
	case c.updates <- v:
		return
	default:
	}
	// Replace the oldest pending view with the newest.
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- v:
	default:
	}
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTypingLocked()
	c.model.Disconnected()
	c.publishLocked()
}

func (c *Client) drain() {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

func (c *Client) wait(ctx context.Context) error {
	t := time.NewTimer(c.opts.RetryInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}
