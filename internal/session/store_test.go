package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklink/chat-realtime/internal/chat"
)

// Requires a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("localhost:6379", "test-server")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PresenceAcrossConnections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := chat.Identity{UserID: "session_test_user"}
	t.Cleanup(func() {
		s.Client().Del(ctx, presenceKey(id), SessionPrefix+"st-1", SessionPrefix+"st-2")
	})

	require.NoError(t, s.Create(ctx, "st-1", id))
	require.NoError(t, s.Create(ctx, "st-2", id))

	n, err := s.ConnectionCount(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	sess, err := s.Get(ctx, "st-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "session_test_user", sess.UserID)
	assert.Equal(t, "customer", sess.Role)
	assert.Equal(t, "test-server", sess.Server)

	require.NoError(t, s.Touch(ctx, "st-1", id))
	require.NoError(t, s.Delete(ctx, "st-1", id))

	n, err = s.ConnectionCount(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	sess, err = s.Get(ctx, "st-1")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestStore_RolesAreSeparate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	customer := chat.Identity{UserID: "session_dual"}
	provider := chat.Identity{UserID: "session_dual", IsProvider: true}
	t.Cleanup(func() {
		s.Client().Del(ctx, presenceKey(customer), presenceKey(provider), SessionPrefix+"sd-1")
	})

	require.NoError(t, s.Create(ctx, "sd-1", provider))

	n, err := s.ConnectionCount(ctx, customer)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = s.ConnectionCount(ctx, provider)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStore_StaleEntriesAreNotCounted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := chat.Identity{UserID: "session_stale"}
	t.Cleanup(func() {
		s.Client().Del(ctx, presenceKey(id), SessionPrefix+"ss-live", SessionPrefix+"ss-crashed")
	})
	s.SetStaleAfter(time.Minute)

	// A connection mirrored by an instance that died ten minutes ago.
	now := time.Now()
	s.now = func() time.Time { return now.Add(-10 * time.Minute) }
	require.NoError(t, s.Create(ctx, "ss-crashed", id))

	s.now = func() time.Time { return now }
	require.NoError(t, s.Create(ctx, "ss-live", id))
	require.NoError(t, s.Touch(ctx, "ss-live", id))

	n, err := s.ConnectionCount(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	members, err := s.Client().ZRange(ctx, presenceKey(id), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"ss-live"}, members)

	// Touch never resurrects a deleted connection.
	require.NoError(t, s.Delete(ctx, "ss-live", id))
	require.NoError(t, s.Touch(ctx, "ss-live", id))
	n, err = s.ConnectionCount(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
