// Package storage provides the SQL-backed persistence the chat subsystem
// consumes: chats, their participants and messages with per-role read flags.
// PostgreSQL (lib/pq) is the production driver; SQLite (modernc) serves
// single-node deployments and tests.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tasklink/chat-realtime/internal/chat"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Store persists chats and messages.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the database, verifies the connection and applies the
// embedded migrations.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage: dsn is required")
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", driver, err)
	}

	if err := migrateUp(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Store{
		db:     db,
		driver: driver,
		logger: logger.With("component", "storage", "driver", driver),
		now:    time.Now,
	}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureChat returns the chat between a customer and a provider, creating it
// on first use.
func (s *Store) EnsureChat(ctx context.Context, userID, providerID string) (chat.Chat, error) {
	userID = strings.TrimSpace(userID)
	providerID = strings.TrimSpace(providerID)
	if userID == "" || providerID == "" {
		return chat.Chat{}, fmt.Errorf("storage: user id and provider id are required")
	}

	c, err := s.chatByPair(ctx, userID, providerID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, chat.ErrChatNotFound) {
		return chat.Chat{}, err
	}

	c = chat.Chat{
		ID:         uuid.NewString(),
		UserID:     userID,
		ProviderID: providerID,
		CreatedAt:  s.timestamp(),
	}
	const query = `
		INSERT INTO chats (id, user_id, provider_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, provider_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), c.ID, c.UserID, c.ProviderID, toMillis(c.CreatedAt)); err != nil {
		return chat.Chat{}, fmt.Errorf("storage: insert chat: %w", err)
	}
	// A concurrent creator may have won the unique constraint.
	return s.chatByPair(ctx, userID, providerID)
}

// GetChat loads one chat.
func (s *Store) GetChat(ctx context.Context, chatID string) (chat.Chat, error) {
	const query = `SELECT id, user_id, provider_id, created_at FROM chats WHERE id = $1`
	return s.scanChat(s.db.QueryRowContext(ctx, s.rebind(query), chatID))
}

// ChatParticipants returns the two parties of a chat.
func (s *Store) ChatParticipants(ctx context.Context, chatID string) (chat.Participants, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return chat.Participants{}, err
	}
	return c.Participants(), nil
}

// PersistMessage stores a message and returns it with its durable id and
// server timestamp. The sender's own read flag starts true. Timestamps are
// strictly increasing within a chat: a message stamped in the same
// millisecond as (or earlier than) the chat's latest one is moved to one
// millisecond after it, so the timestamp doubles as a paging cursor.
func (s *Store) PersistMessage(ctx context.Context, chatID string, sender chat.Identity, content string) (chat.Message, error) {
	msg := chat.Message{
		ChatID:         chatID,
		SenderID:       sender.UserID,
		Content:        content,
		ReadByUser:     !sender.IsProvider,
		ReadByProvider: sender.IsProvider,
	}

	query := `
		INSERT INTO messages (id, chat_id, sender_id, content, created_at, read_by_user, read_by_provider)
		SELECT $1::TEXT, $2::TEXT, $3::TEXT, $4::TEXT, GREATEST($5::BIGINT, COALESCE(MAX(created_at) + 1, 0)), $6::BOOLEAN, $7::BOOLEAN
		FROM messages WHERE chat_id = $2::TEXT
		RETURNING created_at`
	if s.driver == DriverSQLite {
		query = `
		INSERT INTO messages (id, chat_id, sender_id, content, created_at, read_by_user, read_by_provider)
		SELECT $1, $2, $3, $4, max($5, COALESCE(MAX(created_at) + 1, 0)), $6, $7
		FROM messages WHERE chat_id = $2
		RETURNING created_at`
	}

	for attempt := 1; ; attempt++ {
		msg.ID = uuid.NewString()
		var created int64
		err := s.db.QueryRowContext(ctx, s.rebind(query),
			msg.ID, msg.ChatID, msg.SenderID, msg.Content, toMillis(s.timestamp()), msg.ReadByUser, msg.ReadByProvider,
		).Scan(&created)
		if err == nil {
			msg.Timestamp = fromMillis(created)
			return msg, nil
		}
		// Concurrent writers to one chat can pick the same slot; the unique
		// (chat_id, created_at) index rejects the loser, which tries again.
		if isUniqueViolation(err) && attempt < persistAttempts {
			s.logger.Debug("message timestamp taken, retrying", "chat_id", chatID, "attempt", attempt)
			continue
		}
		return chat.Message{}, fmt.Errorf("storage: insert message: %w", err)
	}
}

const persistAttempts = 5

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// MarkChatRead flips the role's read flag on every unread message of the chat
// and returns how many rows changed. Flags only move from false to true.
func (s *Store) MarkChatRead(ctx context.Context, chatID string, role chat.Role) (int64, error) {
	column := "read_by_user"
	if role == chat.RoleProvider {
		column = "read_by_provider"
	}
	query := fmt.Sprintf(`UPDATE messages SET %[1]s = TRUE WHERE chat_id = $1 AND %[1]s = FALSE`, column)

	res, err := s.db.ExecContext(ctx, s.rebind(query), chatID)
	if err != nil {
		return 0, fmt.Errorf("storage: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: mark read rows: %w", err)
	}
	return n, nil
}

// ListChats returns every chat the identity participates in, most recently
// active first, with the last message and the identity's unread count.
func (s *Store) ListChats(ctx context.Context, id chat.Identity) ([]chat.ChatSummary, error) {
	column, readColumn := "user_id", "read_by_user"
	if id.IsProvider {
		column, readColumn = "provider_id", "read_by_provider"
	}

	// created_at is unique per chat, so the join yields at most one last
	// message per chat.
	query := fmt.Sprintf(`
		SELECT c.id, c.user_id, c.provider_id, c.created_at,
		       (SELECT COUNT(*) FROM messages u WHERE u.chat_id = c.id AND u.%[2]s = FALSE) AS unread,
		       m.id, m.sender_id, m.content, m.created_at, m.read_by_user, m.read_by_provider
		FROM chats c
		LEFT JOIN messages m ON m.chat_id = c.id
		     AND m.created_at = (SELECT MAX(l.created_at) FROM messages l WHERE l.chat_id = c.id)
		WHERE c.%[1]s = $1
		ORDER BY COALESCE(m.created_at, c.created_at) DESC, c.id`, column, readColumn)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), id.UserID)
	if err != nil {
		return nil, fmt.Errorf("storage: list chats: %w", err)
	}
	defer rows.Close()

	var summaries []chat.ChatSummary
	for rows.Next() {
		var (
			sum     chat.ChatSummary
			created int64
			lastID  sql.NullString
			sender  sql.NullString
			content sql.NullString
			sentAt  sql.NullInt64
			byUser  sql.NullBool
			byProv  sql.NullBool
		)
		if err := rows.Scan(&sum.ID, &sum.UserID, &sum.ProviderID, &created, &sum.Unread,
			&lastID, &sender, &content, &sentAt, &byUser, &byProv); err != nil {
			return nil, fmt.Errorf("storage: scan chat: %w", err)
		}
		sum.CreatedAt = fromMillis(created)
		if lastID.Valid {
			sum.LastMessage = &chat.Message{
				ID:             lastID.String,
				ChatID:         sum.ID,
				SenderID:       sender.String,
				Content:        content.String,
				Timestamp:      fromMillis(sentAt.Int64),
				ReadByUser:     byUser.Bool,
				ReadByProvider: byProv.Bool,
			}
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list chats: %w", err)
	}
	return summaries, nil
}

// ListMessages returns up to limit messages of a chat in chronological order.
// When before is non-zero only messages strictly older than it are returned,
// which lets callers page backwards with the oldest timestamp they hold.
func (s *Store) ListMessages(ctx context.Context, chatID string, limit int, before time.Time) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if before.IsZero() {
		const query = `
			SELECT id, chat_id, sender_id, content, created_at, read_by_user, read_by_provider
			FROM messages WHERE chat_id = $1
			ORDER BY created_at DESC LIMIT $2`
		rows, err = s.db.QueryContext(ctx, s.rebind(query), chatID, limit)
	} else {
		const query = `
			SELECT id, chat_id, sender_id, content, created_at, read_by_user, read_by_provider
			FROM messages WHERE chat_id = $1 AND created_at < $2
			ORDER BY created_at DESC LIMIT $3`
		rows, err = s.db.QueryContext(ctx, s.rebind(query), chatID, toMillis(before), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m       chat.Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &created, &m.ReadByUser, &m.ReadByProvider); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Timestamp = fromMillis(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}

	// Newest-first from the query; callers want oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) chatByPair(ctx context.Context, userID, providerID string) (chat.Chat, error) {
	const query = `SELECT id, user_id, provider_id, created_at FROM chats WHERE user_id = $1 AND provider_id = $2`
	return s.scanChat(s.db.QueryRowContext(ctx, s.rebind(query), userID, providerID))
}

func (s *Store) scanChat(row *sql.Row) (chat.Chat, error) {
	var (
		c       chat.Chat
		created int64
	)
	err := row.Scan(&c.ID, &c.UserID, &c.ProviderID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Chat{}, chat.ErrChatNotFound
	}
	if err != nil {
		return chat.Chat{}, fmt.Errorf("storage: scan chat: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	return c, nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind turns PostgreSQL $N placeholders into SQLite ?N placeholders.
func (s *Store) rebind(query string) string {
	if s.driver != DriverSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
