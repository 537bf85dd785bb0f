package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stellarlinkco/convokeeper/internal/domain"
)

// PostgresStore is the production backend. Usage updates take a row lock
// with SELECT ... FOR UPDATE so several gateway processes can share one
// database.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to databaseURL and creates the schema if it is
// missing.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStoreFromPool(pool)
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Printf("[store] postgres connected")
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The schema is not
// touched.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Postgres keeps microseconds, so times are truncated before they are
// compared or handed back.
func (s *PostgresStore) clock() time.Time {
	return s.now().Truncate(time.Microsecond)
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			locale TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			daily_tokens INTEGER NOT NULL DEFAULT 0,
			monthly_tokens INTEGER NOT NULL DEFAULT 0,
			daily_messages INTEGER NOT NULL DEFAULT 0,
			last_daily_reset TIMESTAMPTZ,
			last_monthly_reset TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			active BOOLEAN NOT NULL DEFAULT TRUE,
			message_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_one_active ON conversations(user_id) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			text TEXT NOT NULL,
			message_count_at_summary INTEGER NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries(conversation_id, created_at, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const (
	pgUserColumns         = `id, external_id, username, display_name, locale, active, daily_tokens, monthly_tokens, daily_messages, last_daily_reset, last_monthly_reset, created_at, updated_at`
	pgConversationColumns = `id, user_id, active, message_count, total_tokens, created_at, updated_at`
	pgMessageColumns      = `id, conversation_id, role, content, tokens, created_at`
	pgSummaryColumns      = `id, conversation_id, text, message_count_at_summary, tokens, created_at`
)

func scanPgUser(r pgx.Row) (*domain.User, error) {
	var (
		u                        domain.User
		dailyReset, monthlyReset *time.Time
	)
	err := r.Scan(&u.ID, &u.ExternalID, &u.Username, &u.DisplayName, &u.Locale, &u.Active,
		&u.Usage.DailyTokens, &u.Usage.MonthlyTokens, &u.Usage.DailyMessages,
		&dailyReset, &monthlyReset, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dailyReset != nil {
		u.Usage.LastDailyReset = *dailyReset
	}
	if monthlyReset != nil {
		u.Usage.LastMonthlyReset = *monthlyReset
	}
	return &u, nil
}

func scanPgConversation(r pgx.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := r.Scan(&c.ID, &c.UserID, &c.Active, &c.MessageCount, &c.TotalTokens, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanPgMessage(r pgx.Row) (*domain.Message, error) {
	var (
		m    domain.Message
		role string
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Tokens, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = domain.Role(role)
	return &m, nil
}

func scanPgSummary(r pgx.Row) (*domain.Summary, error) {
	var sm domain.Summary
	if err := r.Scan(&sm.ID, &sm.ConversationID, &sm.Text, &sm.MessageCountAtSummary, &sm.Tokens, &sm.CreatedAt); err != nil {
		return nil, err
	}
	return &sm, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, profile domain.UserProfile) (*domain.User, error) {
	if strings.TrimSpace(profile.ExternalID) == "" {
		return nil, fmt.Errorf("upsert user: empty external id")
	}
	now := s.clock()
	// ON CONFLICT keeps concurrent first contacts from racing on the
	// unique external id.
	u, err := scanPgUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (id, external_id, username, display_name, locale, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
		ON CONFLICT (external_id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			locale = EXCLUDED.locale,
			updated_at = CASE
				WHEN users.username IS DISTINCT FROM EXCLUDED.username
				  OR users.display_name IS DISTINCT FROM EXCLUDED.display_name
				  OR users.locale IS DISTINCT FROM EXCLUDED.locale
				THEN EXCLUDED.updated_at ELSE users.updated_at END
		RETURNING `+pgUserColumns,
		uuid.NewString(), profile.ExternalID, profile.Username, profile.DisplayName, profile.Locale, now))
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) FindUserByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	u, err := scanPgUser(s.pool.QueryRow(ctx,
		`SELECT `+pgUserColumns+` FROM users WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, wrapPgNotFound("find user", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanPgUser(s.pool.QueryRow(ctx,
		`SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, wrapPgNotFound("get user", err)
	}
	return u, nil
}

func (s *PostgresStore) UpdateUsage(ctx context.Context, userID string, fn func(*domain.Usage) error) (domain.Usage, error) {
	var usage domain.Usage
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		u, err := scanPgUser(tx.QueryRow(ctx,
			`SELECT `+pgUserColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
		if err != nil {
			return wrapPgNotFound("load usage", err)
		}
		usage = u.Usage
		if err := fn(&usage); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE users SET daily_tokens = $1, monthly_tokens = $2, daily_messages = $3,
				last_daily_reset = $4, last_monthly_reset = $5, updated_at = $6
			WHERE id = $7
		`, usage.DailyTokens, usage.MonthlyTokens, usage.DailyMessages,
			nullableTime(usage.LastDailyReset), nullableTime(usage.LastMonthlyReset), s.clock(), userID)
		if err != nil {
			return fmt.Errorf("write usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Usage{}, err
	}
	return usage, nil
}

func (s *PostgresStore) ActiveConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	c, err := scanPgConversation(s.pool.QueryRow(ctx, `
		SELECT `+pgConversationColumns+` FROM conversations
		WHERE user_id = $1 AND active
		ORDER BY created_at DESC
		LIMIT 1
	`, userID))
	if err != nil {
		return nil, wrapPgNotFound("active conversation", err)
	}
	return c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	now := s.clock()
	c := &domain.Conversation{ID: uuid.NewString(), UserID: userID, Active: true, CreatedAt: now, UpdatedAt: now}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Lock the user row so concurrent creations for one user queue up.
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id); err != nil {
			return wrapPgNotFound("create conversation", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET active = FALSE, updated_at = $1 WHERE user_id = $2 AND active`,
			now, userID); err != nil {
			return fmt.Errorf("deactivate conversations: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, user_id, active, message_count, total_tokens, created_at, updated_at)
			VALUES ($1, $2, TRUE, 0, 0, $3, $3)
		`, c.ID, userID, now); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := scanPgConversation(s.pool.QueryRow(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, wrapPgNotFound("get conversation", err)
	}
	return c, nil
}

func (s *PostgresStore) ListActiveConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations WHERE active ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanPgConversation(rows)
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

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, tokens int) (*domain.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("append message: invalid role %q", role)
	}
	if tokens < 0 {
		return nil, fmt.Errorf("append message: negative token count %d", tokens)
	}
	var m *domain.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The conversation row lock orders appends and carries the
		// aggregate increment.
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&id)
		if err != nil {
			return wrapPgNotFound("append message", err)
		}
		var latest *time.Time
		if err := tx.QueryRow(ctx, pgLatestActivity, conversationID).Scan(&latest); err != nil {
			return fmt.Errorf("latest activity time: %w", err)
		}

		now := s.clock()
		createdAt := now
		if latest != nil {
			createdAt = nextCreatedAt(now, *latest, time.Microsecond)
		}
		m = &domain.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			Tokens:         tokens,
			CreatedAt:      createdAt,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, tokens, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, m.ID, conversationID, string(role), content, tokens, createdAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE conversations
			SET message_count = message_count + 1, total_tokens = total_tokens + $1, updated_at = $2
			WHERE id = $3
		`, tokens, now, conversationID); err != nil {
			return fmt.Errorf("increment conversation aggregates: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx, s.pool, "recent messages", `
		SELECT `+pgMessageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, conversationID, limit)
}

func (s *PostgresStore) MessagesSince(ctx context.Context, conversationID string, since time.Time) ([]domain.Message, error) {
	if since.IsZero() {
		return s.queryMessages(ctx, s.pool, "messages since", `
			SELECT `+pgMessageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at ASC, seq ASC
		`, conversationID)
	}
	return s.queryMessages(ctx, s.pool, "messages since", `
		SELECT `+pgMessageColumns+` FROM messages
		WHERE conversation_id = $1 AND created_at > $2
		ORDER BY created_at ASC, seq ASC
	`, conversationID, since)
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) queryMessages(ctx context.Context, q pgQuerier, op, query string, args ...any) ([]domain.Message, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanPgMessage(rows)
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

func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) (*domain.Message, error) {
	var m *domain.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		m, err = scanPgMessage(tx.QueryRow(ctx,
			`DELETE FROM messages WHERE id = $1 RETURNING `+pgMessageColumns, id))
		if err != nil {
			return wrapPgNotFound("delete message", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE conversations
			SET message_count = GREATEST(message_count - 1, 0),
			    total_tokens = GREATEST(total_tokens - $1, 0),
			    updated_at = $2
			WHERE id = $3
		`, m.Tokens, s.clock(), m.ConversationID); err != nil {
			return fmt.Errorf("decrement conversation aggregates: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) PruneOlderThan(ctx context.Context, conversationID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM messages
		WHERE conversation_id = $1 AND seq NOT IN (
			SELECT seq FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		)
	`, conversationID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CleanupConsecutiveUserMessages(ctx context.Context, conversationID string) (int, error) {
	var deleted int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		msgs, err := s.queryMessages(ctx, tx, "cleanup messages", `
			SELECT `+pgMessageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at ASC, seq ASC
		`, conversationID)
		if err != nil {
			return err
		}
		ids := consecutiveUserDuplicates(msgs)
		if len(ids) == 0 {
			return nil
		}
		tag, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("delete duplicate user messages: %w", err)
		}
		deleted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *PostgresStore) Summaries(ctx context.Context, conversationID string) ([]domain.Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgSummaryColumns+` FROM summaries
		WHERE conversation_id = $1
		ORDER BY created_at ASC, seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []domain.Summary
	for rows.Next() {
		sm, err := scanPgSummary(rows)
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

func (s *PostgresStore) AddSummary(ctx context.Context, conversationID, text string, tokens int) (*domain.Summary, error) {
	var sm *domain.Summary
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			count  int
			latest *time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT message_count FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&count)
		if err != nil {
			return wrapPgNotFound("add summary", err)
		}
		if err := tx.QueryRow(ctx, pgLatestActivity, conversationID).Scan(&latest); err != nil {
			return fmt.Errorf("latest activity time: %w", err)
		}

		createdAt := s.clock()
		if latest != nil {
			createdAt = nextCreatedAt(createdAt, *latest, time.Microsecond)
		}
		sm = &domain.Summary{
			ID:                    uuid.NewString(),
			ConversationID:        conversationID,
			Text:                  text,
			MessageCountAtSummary: count,
			Tokens:                tokens,
			CreatedAt:             createdAt,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO summaries (id, conversation_id, text, message_count_at_summary, tokens, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, sm.ID, conversationID, text, count, tokens, createdAt); err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sm, nil
}

// pgLatestActivity selects the newest message or summary time of a
// conversation. GREATEST skips NULLs, so it is NULL only for an empty one.
const pgLatestActivity = `SELECT GREATEST(
	(SELECT MAX(created_at) FROM messages WHERE conversation_id = $1),
	(SELECT MAX(created_at) FROM summaries WHERE conversation_id = $1))`

func wrapPgNotFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
