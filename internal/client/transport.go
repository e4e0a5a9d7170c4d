package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one live connection to the chat server.
type Conn interface {
	// ReadFrame blocks until the next text frame arrives.
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the server's WebSocket endpoint, presenting the token as a
// cookie the way a browser would.
type WSDialer struct {
	URL          string
	Token        string
	CookieName   string
	WriteTimeout time.Duration
}

// Dial performs the WebSocket handshake.
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	cookie := d.CookieName
	if cookie == "" {
		cookie = "token"
	}
	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: cookie, Value: d.Token}).String())

	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}
	conn, br, _, err := dialer.Dial(ctx, d.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	var src io.Reader = conn
	if br != nil {
		// The server speaks first; its opening frame may already be buffered.
		src = br
	}
	c := &wsConn{conn: conn, writeTimeout: d.WriteTimeout}
	c.rd = wsutil.Reader{
		Source:    src,
		State:     ws.StateClientSide,
		CheckUTF8: true,
	}
	c.control = wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateClientSide)
	return c, nil
}

type wsConn struct {
	conn         net.Conn
	rd           wsutil.Reader
	control      wsutil.FrameHandlerFunc
	writeTimeout time.Duration

	mu sync.Mutex
}

// lockedWriter serializes control replies with data frames.
type lockedWriter struct{ c *wsConn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.conn.Write(p)
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, &c.rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := c.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&c.rd)
	}
}

func (c *wsConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientText(c.conn, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
	c.mu.Unlock()
	return c.conn.Close()
}
