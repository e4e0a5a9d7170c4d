package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklink/chat-realtime/internal/config"
)

type countingSource struct {
	calls atomic.Int32
	p     Participants
	err   error
}

func (s *countingSource) ChatParticipants(ctx context.Context, chatID string) (Participants, error) {
	s.calls.Add(1)
	return s.p, s.err
}

func TestParticipantStore_NoRedisPassesThrough(t *testing.T) {
	src := &countingSource{p: Participants{UserID: "U", ProviderID: "P9"}}
	store := NewParticipantStore(nil, src, 0, config.Discard())

	for i := 0; i < 3; i++ {
		p, err := store.ChatParticipants(context.Background(), "C42")
		require.NoError(t, err)
		assert.Equal(t, "P9", p.ProviderID)
	}
	assert.EqualValues(t, 3, src.calls.Load())
}

func TestParticipantStore_SourceError(t *testing.T) {
	src := &countingSource{err: ErrChatNotFound}
	store := NewParticipantStore(nil, src, 0, config.Discard())

	_, err := store.ChatParticipants(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrChatNotFound))
}

// Requires a running Redis on localhost:6379.
func TestParticipantStore_CachesInRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.Del(ctx, ChatPrefix+"test_cache_chat")
		client.Close()
	})

	src := &countingSource{p: Participants{UserID: "U", ProviderID: "P9"}}
	store := NewParticipantStore(client, src, 0, config.Discard())
	require.NoError(t, store.Forget(ctx, "test_cache_chat"))

	for i := 0; i < 3; i++ {
		p, err := store.ChatParticipants(ctx, "test_cache_chat")
		require.NoError(t, err)
		assert.Equal(t, Participants{UserID: "U", ProviderID: "P9"}, p)
	}
	assert.EqualValues(t, 1, src.calls.Load())

	ttl, err := client.TTL(ctx, ChatPrefix+"test_cache_chat").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl.Seconds(), 0.0)
}
