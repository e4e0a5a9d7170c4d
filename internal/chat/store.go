package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ChatPrefix is the Redis key prefix for cached participant hashes.
	ChatPrefix = "chat:"

	// DefaultParticipantsTTL bounds how long a cached participant pair lives.
	DefaultParticipantsTTL = 10 * time.Minute
)

// ParticipantSource is the durable lookup behind the cache.
type ParticipantSource interface {
	ChatParticipants(ctx context.Context, chatID string) (Participants, error)
}

// ParticipantStore caches chat participants in Redis in front of durable
// storage. Participants never change once a chat exists, so entries only
// expire to bound memory.
type ParticipantStore struct {
	rdb    *redis.Client
	source ParticipantSource
	ttl    time.Duration
	logger *slog.Logger
}

// NewParticipantStore creates a cache over source. A nil rdb disables caching
// and every lookup goes to source.
func NewParticipantStore(rdb *redis.Client, source ParticipantSource, ttl time.Duration, logger *slog.Logger) *ParticipantStore {
	if ttl <= 0 {
		ttl = DefaultParticipantsTTL
	}
	return &ParticipantStore{
		rdb:    rdb,
		source: source,
		ttl:    ttl,
		logger: logger.With("component", "participants"),
	}
}

// ChatParticipants returns the chat's participants, from cache when possible.
// Cache failures fall through to the durable source.
func (s *ParticipantStore) ChatParticipants(ctx context.Context, chatID string) (Participants, error) {
	if s.rdb != nil {
		p, ok, err := s.get(ctx, chatID)
		if err != nil {
			s.logger.Warn("cache read failed", "chat_id", chatID, "error", err)
		} else if ok {
			return p, nil
		}
	}

	p, err := s.source.ChatParticipants(ctx, chatID)
	if err != nil {
		return Participants{}, err
	}

	if s.rdb != nil {
		if err := s.put(ctx, chatID, p); err != nil {
			s.logger.Warn("cache write failed", "chat_id", chatID, "error", err)
		}
	}
	return p, nil
}

// Forget drops a cached entry.
func (s *ParticipantStore) Forget(ctx context.Context, chatID string) error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Del(ctx, ChatPrefix+chatID).Err()
}

func (s *ParticipantStore) get(ctx context.Context, chatID string) (Participants, bool, error) {
	result, err := s.rdb.HGetAll(ctx, ChatPrefix+chatID).Result()
	if errors.Is(err, redis.Nil) {
		return Participants{}, false, nil
	}
	if err != nil {
		return Participants{}, false, fmt.Errorf("chat: cache get: %w", err)
	}
	if len(result) == 0 || result["user_id"] == "" || result["provider_id"] == "" {
		return Participants{}, false, nil
	}
	return Participants{UserID: result["user_id"], ProviderID: result["provider_id"]}, true, nil
}

func (s *ParticipantStore) put(ctx context.Context, chatID string, p Participants) error {
	key := ChatPrefix + chatID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":     p.UserID,
		"provider_id": p.ProviderID,
	})
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}
