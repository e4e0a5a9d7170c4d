//go:build integration

package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/config"
)

var postgresDSN string

// TestMain starts a PostgreSQL container shared by the integration tests.
func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "chat",
				"POSTGRES_PASSWORD": "chat",
				"POSTGRES_DB":       "chat",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}
	postgresDSN = fmt.Sprintf("postgres://chat:chat@%s:%s/chat?sslmode=disable", host, port.Port())

	code := m.Run()

	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestPostgres_MessageLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, DriverPostgres, postgresDSN, config.Discard())
	require.NoError(t, err)
	defer s.Close()

	// Re-running migrations on an up-to-date schema is a no-op.
	require.NoError(t, migrateUp(ctx, s.db, DriverPostgres))

	c, err := s.EnsureChat(ctx, "U", "P9")
	require.NoError(t, err)

	p, err := s.ChatParticipants(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "P9", p.ProviderID)

	_, err = s.PersistMessage(ctx, c.ID, chat.Identity{UserID: "U"}, "hola")
	require.NoError(t, err)

	n, err := s.MarkChatRead(ctx, c.ID, chat.RoleProvider)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.MarkChatRead(ctx, c.ID, chat.RoleProvider)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	chats, err := s.ListChats(ctx, chat.Identity{UserID: "U"})
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "hola", chats[0].LastMessage.Content)
}

func TestPostgres_ConcurrentSendsGetDistinctTimestamps(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, DriverPostgres, postgresDSN, config.Discard())
	require.NoError(t, err)
	defer s.Close()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	c, err := s.EnsureChat(ctx, "U-concurrent", "P9")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.PersistMessage(ctx, c.ID, chat.Identity{UserID: "U-concurrent"}, fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx, c.ID, 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, writers)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].Timestamp.After(msgs[i-1].Timestamp))
	}
}
