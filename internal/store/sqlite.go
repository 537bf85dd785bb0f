package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/convokeeper/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded backend. It holds a single connection so
// that transactions never contend for the write lock inside one process.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("[store] sqlite opened at %s", dbPath)
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Times are stored as unix nanoseconds; 0 stands for the zero time.
func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			locale TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			daily_tokens INTEGER NOT NULL DEFAULT 0,
			monthly_tokens INTEGER NOT NULL DEFAULT 0,
			daily_messages INTEGER NOT NULL DEFAULT 0,
			last_daily_reset INTEGER NOT NULL DEFAULT 0,
			last_monthly_reset INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			active INTEGER NOT NULL DEFAULT 1,
			message_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_one_active ON conversations(user_id) WHERE active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			text TEXT NOT NULL,
			message_count_at_summary INTEGER NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries(conversation_id, created_at, seq)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const (
	sqliteUserColumns         = `id, external_id, username, display_name, locale, active, daily_tokens, monthly_tokens, daily_messages, last_daily_reset, last_monthly_reset, created_at, updated_at`
	sqliteConversationColumns = `id, user_id, active, message_count, total_tokens, created_at, updated_at`
	sqliteMessageColumns      = `id, conversation_id, role, content, tokens, created_at`
	sqliteSummaryColumns      = `id, conversation_id, text, message_count_at_summary, tokens, created_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(r rowScanner) (*domain.User, error) {
	var (
		u                                 domain.User
		active                            int
		dailyReset, monthlyReset, created int64
		updated                           int64
	)
	err := r.Scan(&u.ID, &u.ExternalID, &u.Username, &u.DisplayName, &u.Locale, &active,
		&u.Usage.DailyTokens, &u.Usage.MonthlyTokens, &u.Usage.DailyMessages,
		&dailyReset, &monthlyReset, &created, &updated)
	if err != nil {
		return nil, err
	}
	u.Active = active != 0
	u.Usage.LastDailyReset = fromNanos(dailyReset)
	u.Usage.LastMonthlyReset = fromNanos(monthlyReset)
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	return &u, nil
}

func scanSQLiteConversation(r rowScanner) (*domain.Conversation, error) {
	var (
		c                domain.Conversation
		active           int
		created, updated int64
	)
	if err := r.Scan(&c.ID, &c.UserID, &active, &c.MessageCount, &c.TotalTokens, &created, &updated); err != nil {
		return nil, err
	}
	c.Active = active != 0
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

func scanSQLiteMessage(r rowScanner) (*domain.Message, error) {
	var (
		m       domain.Message
		role    string
		created int64
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Tokens, &created); err != nil {
		return nil, err
	}
	m.Role = domain.Role(role)
	m.CreatedAt = fromNanos(created)
	return &m, nil
}

func scanSQLiteSummary(r rowScanner) (*domain.Summary, error) {
	var (
		sm      domain.Summary
		created int64
	)
	if err := r.Scan(&sm.ID, &sm.ConversationID, &sm.Text, &sm.MessageCountAtSummary, &sm.Tokens, &created); err != nil {
		return nil, err
	}
	sm.CreatedAt = fromNanos(created)
	return &sm, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, profile domain.UserProfile) (*domain.User, error) {
	if strings.TrimSpace(profile.ExternalID) == "" {
		return nil, fmt.Errorf("upsert user: empty external id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert user: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	u, err := scanSQLiteUser(tx.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE external_id = ?`, profile.ExternalID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		u = &domain.User{
			ID:          uuid.NewString(),
			ExternalID:  profile.ExternalID,
			Username:    profile.Username,
			DisplayName: profile.DisplayName,
			Locale:      profile.Locale,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, external_id, username, display_name, locale, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		`, u.ID, u.ExternalID, u.Username, u.DisplayName, u.Locale, toNanos(now), toNanos(now))
		if err != nil {
			return nil, fmt.Errorf("insert user: %w", err)
		}
		log.Printf("[store] new user %s (external %s)", u.ID, u.ExternalID)
	case err != nil:
		return nil, fmt.Errorf("find user: %w", err)
	default:
		if profileChanged(u, profile) {
			u.Username, u.DisplayName, u.Locale = profile.Username, profile.DisplayName, profile.Locale
			u.UpdatedAt = now
			_, err = tx.ExecContext(ctx,
				`UPDATE users SET username = ?, display_name = ?, locale = ?, updated_at = ? WHERE id = ?`,
				u.Username, u.DisplayName, u.Locale, toNanos(now), u.ID)
			if err != nil {
				return nil, fmt.Errorf("update user profile: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) FindUserByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	u, err := scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE external_id = ?`, externalID))
	if err != nil {
		return nil, wrapNotFound("find user", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, wrapNotFound("get user", err)
	}
	return u, nil
}

func (s *SQLiteStore) UpdateUsage(ctx context.Context, userID string, fn func(*domain.Usage) error) (domain.Usage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Usage{}, fmt.Errorf("begin update usage: %w", err)
	}
	defer tx.Rollback()

	u, err := scanSQLiteUser(tx.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, userID))
	if err != nil {
		return domain.Usage{}, wrapNotFound("load usage", err)
	}

	usage := u.Usage
	if err := fn(&usage); err != nil {
		return domain.Usage{}, err
	}
	if usage == u.Usage {
		return usage, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET daily_tokens = ?, monthly_tokens = ?, daily_messages = ?,
			last_daily_reset = ?, last_monthly_reset = ?, updated_at = ?
		WHERE id = ?
	`, usage.DailyTokens, usage.MonthlyTokens, usage.DailyMessages,
		toNanos(usage.LastDailyReset), toNanos(usage.LastMonthlyReset), toNanos(s.now()), userID)
	if err != nil {
		return domain.Usage{}, fmt.Errorf("write usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Usage{}, fmt.Errorf("commit usage: %w", err)
	}
	return usage, nil
}

func (s *SQLiteStore) ActiveConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	c, err := scanSQLiteConversation(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteConversationColumns+` FROM conversations
		WHERE user_id = ? AND active = 1
		ORDER BY created_at DESC
		LIMIT 1
	`, userID))
	if err != nil {
		return nil, wrapNotFound("active conversation", err)
	}
	return c, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create conversation: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET active = 0, updated_at = ? WHERE user_id = ? AND active = 1`,
		toNanos(now), userID); err != nil {
		return nil, fmt.Errorf("deactivate conversations: %w", err)
	}

	c := &domain.Conversation{ID: uuid.NewString(), UserID: userID, Active: true, CreatedAt: now, UpdatedAt: now}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, active, message_count, total_tokens, created_at, updated_at)
		VALUES (?, ?, 1, 0, 0, ?, ?)
	`, c.ID, userID, toNanos(now), toNanos(now)); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := scanSQLiteConversation(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteConversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, wrapNotFound("get conversation", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListActiveConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteConversationColumns+` FROM conversations WHERE active = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, tokens int) (*domain.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("append message: invalid role %q", role)
	}
	if tokens < 0 {
		return nil, fmt.Errorf("append message: negative token count %d", tokens)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback()

	var latest int64
	err = tx.QueryRowContext(ctx, `
		SELECT `+sqliteLatestActivity+`
		FROM conversations WHERE id = ?
	`, conversationID, conversationID, conversationID).Scan(&latest)
	if err != nil {
		return nil, wrapNotFound("append message", err)
	}

	now := s.now()
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         tokens,
		CreatedAt:      nextCreatedAt(now, fromNanos(latest), time.Nanosecond),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, conversationID, string(role), content, tokens, toNanos(m.CreatedAt)); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1, total_tokens = total_tokens + ?, updated_at = ?
		WHERE id = ?
	`, tokens, toNanos(now), conversationID); err != nil {
		return nil, fmt.Errorf("increment conversation aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx, "recent messages", `
		SELECT `+sqliteMessageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, conversationID, limit)
}

func (s *SQLiteStore) MessagesSince(ctx context.Context, conversationID string, since time.Time) ([]domain.Message, error) {
	return s.queryMessages(ctx, "messages since", `
		SELECT `+sqliteMessageColumns+` FROM messages
		WHERE conversation_id = ? AND created_at > ?
		ORDER BY created_at ASC, seq ASC
	`, conversationID, toNanos(since))
}

func (s *SQLiteStore) queryMessages(ctx context.Context, op, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", op, err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) (*domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete message: %w", err)
	}
	defer tx.Rollback()

	m, err := scanSQLiteMessage(tx.QueryRowContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, wrapNotFound("delete message", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = MAX(message_count - 1, 0), total_tokens = MAX(total_tokens - ?, 0), updated_at = ?
		WHERE id = ?
	`, m.Tokens, toNanos(s.now()), m.ConversationID); err != nil {
		return nil, fmt.Errorf("decrement conversation aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) PruneOlderThan(ctx context.Context, conversationID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE conversation_id = ? AND seq NOT IN (
			SELECT seq FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
	`, conversationID, conversationID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) CleanupConsecutiveUserMessages(ctx context.Context, conversationID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC
	`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("query cleanup messages: %w", err)
	}
	var msgs []domain.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan cleanup message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate cleanup messages: %w", err)
	}

	ids := consecutiveUserDuplicates(msgs)
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return 0, fmt.Errorf("delete duplicate user messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return len(ids), nil
}

func (s *SQLiteStore) Summaries(ctx context.Context, conversationID string) ([]domain.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteSummaryColumns+` FROM summaries
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []domain.Summary
	for rows.Next() {
		sm, err := scanSQLiteSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, *sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddSummary(ctx context.Context, conversationID, text string, tokens int) (*domain.Summary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin add summary: %w", err)
	}
	defer tx.Rollback()

	var count int
	var latest int64
	err = tx.QueryRowContext(ctx, `
		SELECT message_count, `+sqliteLatestActivity+`
		FROM conversations WHERE id = ?
	`, conversationID, conversationID, conversationID).Scan(&count, &latest)
	if err != nil {
		return nil, wrapNotFound("add summary", err)
	}

	sm := &domain.Summary{
		ID:                    uuid.NewString(),
		ConversationID:        conversationID,
		Text:                  text,
		MessageCountAtSummary: count,
		Tokens:                tokens,
		CreatedAt:             nextCreatedAt(s.now(), fromNanos(latest), time.Nanosecond),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO summaries (id, conversation_id, text, message_count_at_summary, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sm.ID, conversationID, text, count, tokens, toNanos(sm.CreatedAt)); err != nil {
		return nil, fmt.Errorf("insert summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit add summary: %w", err)
	}
	return sm, nil
}

// sqliteLatestActivity selects the newest message or summary time of a
// conversation, 0 when it has neither. Both placeholders take its id.
const sqliteLatestActivity = `MAX(
			COALESCE((SELECT MAX(created_at) FROM messages WHERE conversation_id = ?), 0),
			COALESCE((SELECT MAX(created_at) FROM summaries WHERE conversation_id = ?), 0))`

func wrapNotFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func profileChanged(u *domain.User, p domain.UserProfile) bool {
	return u.Username != p.Username || u.DisplayName != p.DisplayName || u.Locale != p.Locale
}
