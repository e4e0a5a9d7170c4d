package ws

import (
	"context"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns the production defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and evicts those with
// no inbound frame for Interval + Timeout. Eviction goes through
// RemoveConnection, so the hub sees it as an ordinary disconnect. The
// goroutine exits on Shutdown.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	def := DefaultHeartbeatConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			server.logger.Info("heartbeat timeout", "conn_id", c.ID(), "idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.logger.Info("heartbeat ping failed", "conn_id", c.ID(), "error", err)
			server.RemoveConnection(c)
			continue
		}

		if server.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = server.sessions.Touch(ctx, c.ID(), c.Identity())
			cancel()
		}
	}
}

// WritePing sends a protocol-level ping frame; browsers answer with pong.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
