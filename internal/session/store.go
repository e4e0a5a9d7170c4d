// Package session mirrors live connections into Redis so that every server
// instance, and anything else sharing the Redis, can see who is connected
// where. The in-process hub stays authoritative for presence transitions.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tasklink/chat-realtime/internal/chat"
)

const (
	// SessionPrefix is the Redis key prefix for per-connection hashes.
	SessionPrefix = "session:"

	// PresencePrefix is the key prefix for the sorted set of connection ids
	// an identity holds, scored by last activity: presence:<role>:<user_id>.
	PresencePrefix = "presence:"

	// SessionTTL bounds how long a mirrored connection outlives a crashed
	// instance. Heartbeats refresh it.
	SessionTTL = 1 * time.Hour

	// DefaultStaleAfter is how long a connection may go without a heartbeat
	// before ConnectionCount stops counting it.
	DefaultStaleAfter = 2 * time.Minute
)

// Session is one mirrored connection.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Role       string `redis:"role"`
	Server     string `redis:"server"`      // which instance holds the socket
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages mirrored sessions in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	staleAfter time.Duration
	now        func() time.Time
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{
		client:     client,
		serverName: serverName,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}, nil
}

// SetStaleAfter changes how long an entry survives without a Touch. It should
// cover a few heartbeat intervals.
func (s *Store) SetStaleAfter(d time.Duration) {
	if d > 0 {
		s.staleAfter = d
	}
}

func presenceKey(id chat.Identity) string {
	return PresencePrefix + string(id.Role()) + ":" + id.UserID
}

// Create records a new connection for id.
func (s *Store) Create(ctx context.Context, connID string, id chat.Identity) error {
	key := SessionPrefix + connID
	now := s.now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          connID,
		"user_id":     id.UserID,
		"role":        string(id.Role()),
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	pipe.ZAdd(ctx, presenceKey(id), redis.Z{Score: float64(now), Member: connID})
	pipe.Expire(ctx, presenceKey(id), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, SessionPrefix+connID).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// Touch marks activity, refreshes the connection's presence score and both
// TTLs. A connection already deleted is not brought back.
func (s *Store) Touch(ctx context.Context, connID string, id chat.Identity) error {
	key := SessionPrefix + connID
	now := s.now().Unix()
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", now)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.ZAddXX(ctx, presenceKey(id), redis.Z{Score: float64(now), Member: connID})
	pipe.Expire(ctx, presenceKey(id), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection and its presence entry.
func (s *Store) Delete(ctx context.Context, connID string, id chat.Identity) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+connID)
	pipe.ZRem(ctx, presenceKey(id), connID)
	_, err := pipe.Exec(ctx)
	return err
}

// ConnectionCount returns how many live connections id holds across all
// instances sharing this Redis. Entries not touched within the stale window,
// such as those left by a crashed instance, are pruned first.
func (s *Store) ConnectionCount(ctx context.Context, id chat.Identity) (int64, error) {
	key := presenceKey(id)
	cutoff := s.now().Add(-s.staleAfter).Unix()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
