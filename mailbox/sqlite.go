package mailbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/schema"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq                   INTEGER PRIMARY KEY AUTOINCREMENT,
	id                    TEXT NOT NULL UNIQUE,
	to_agent              TEXT NOT NULL,
	from_agent            TEXT NOT NULL,
	type                  TEXT NOT NULL,
	priority              TEXT NOT NULL,
	payload               TEXT NOT NULL DEFAULT '{}',
	requires_confirmation INTEGER NOT NULL DEFAULT 0,
	confirmation_timeout  INTEGER NOT NULL DEFAULT 0,
	created_at            INTEGER NOT NULL,
	expires_at            INTEGER NOT NULL DEFAULT 0,
	retry_count           INTEGER NOT NULL DEFAULT 0,
	acknowledged_at       INTEGER,
	read_at               INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_to ON messages (to_agent, seq);
CREATE INDEX IF NOT EXISTS idx_messages_from ON messages (from_agent, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages (expires_at);
`

const messageColumns = `id, from_agent, to_agent, type, priority, payload, requires_confirmation,
	confirmation_timeout, created_at, expires_at, retry_count, acknowledged_at, read_at`

// SQLiteStore persists mailboxes in a SQLite database.
// Timestamps are stored as Unix nanoseconds; zero ExpiresAt means never.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	closed atomic.Bool
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the messages table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string, cfg Config) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, cfg: cfg.withDefaults()}, nil
}

func (s *SQLiteStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullUnixNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*message.Message, error) {
	var (
		m                message.Message
		typ, prio, pl    string
		confirm          int
		confirmTimeout   int64
		created, expires int64
		acked, read      sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.From, &m.To, &typ, &prio, &pl, &confirm,
		&confirmTimeout, &created, &expires, &m.RetryCount, &acked, &read); err != nil {
		return nil, err
	}

	m.Type = schema.Type(typ)
	m.Priority = message.Priority(prio)
	m.RequiresConfirmation = confirm != 0
	m.ConfirmationTimeout = time.Duration(confirmTimeout)
	m.Timestamp = fromUnixNano(created)
	m.ExpiresAt = fromUnixNano(expires)
	if acked.Valid {
		t := fromUnixNano(acked.Int64)
		m.AcknowledgedAt = &t
	}
	if read.Valid {
		t := fromUnixNano(read.Int64)
		m.ReadAt = &t
	}
	if err := json.Unmarshal([]byte(pl), &m.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", m.ID, err)
	}
	return &m, nil
}

// Append inserts msg and trims the mailbox head in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, agentID string, msg *message.Message) ([]string, error) {
	if err := validate(agentID, msg); err != nil {
		return nil, err
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, to_agent, from_agent, type, priority, payload, requires_confirmation,
			 confirmation_timeout, created_at, expires_at, retry_count, acknowledged_at, read_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		msg.ID, agentID, msg.From, string(msg.Type), string(msg.Priority), string(payload),
		boolInt(msg.RequiresConfirmation), int64(msg.ConfirmationTimeout), unixNano(msg.Timestamp), unixNano(msg.ExpiresAt),
		msg.RetryCount, nullUnixNano(msg.AcknowledgedAt), nullUnixNano(msg.ReadAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if n == 0 {
		return nil, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM messages WHERE to_agent = ?
		ORDER BY seq DESC LIMIT -1 OFFSET ?`,
		agentID, s.cfg.MaxMessagesPerAgent,
	)
	if err != nil {
		return nil, fmt.Errorf("select overflow: %w", err)
	}
	var evicted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		evicted = append(evicted, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Oldest first, matching append order.
	for i, j := 0, len(evicted)-1; i < j; i, j = i+1, j-1 {
		evicted[i], evicted[j] = evicted[j], evicted[i]
	}
	for _, id := range evicted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("evict %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return evicted, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Drain returns messages matching filter.
func (s *SQLiteStore) Drain(ctx context.Context, agentID string, filter message.Filter) ([]*message.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	now := s.cfg.Clock()
	q := strings.Builder{}
	q.WriteString("SELECT " + messageColumns + " FROM messages WHERE to_agent = ? AND (expires_at = 0 OR expires_at >= ?)")
	args := []any{agentID, now.UnixNano()}

	if filter.Type != "" {
		q.WriteString(" AND type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.From != "" {
		q.WriteString(" AND from_agent = ?")
		args = append(args, filter.From)
	}
	if filter.Priority != "" {
		q.WriteString(" AND priority = ?")
		args = append(args, string(filter.Priority))
	}
	if !filter.Since.IsZero() {
		q.WriteString(" AND created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if filter.Unacknowledged {
		q.WriteString(" AND acknowledged_at IS NULL")
	}
	if filter.Oldest {
		q.WriteString(" ORDER BY seq ASC")
	} else {
		q.WriteString(" ORDER BY seq DESC")
	}
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}
	var msgs []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.MarkRead {
		readAt := now.UTC()
		for _, m := range msgs {
			if m.ReadAt != nil {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`,
				readAt.UnixNano(), m.ID); err != nil {
				return nil, fmt.Errorf("mark read: %w", err)
			}
			t := fromUnixNano(readAt.UnixNano())
			m.ReadAt = &t
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msgs, nil
}

// Get returns one message.
func (s *SQLiteStore) Get(ctx context.Context, agentID, messageID string) (*message.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.get(ctx, s.db, agentID, messageID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryRower, agentID, messageID string) (*message.Message, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE to_agent = ? AND id = ? AND (expires_at = 0 OR expires_at >= ?)`,
		agentID, messageID, s.cfg.Clock().UnixNano(),
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// MarkAcknowledged records the acknowledgment time.
func (s *SQLiteStore) MarkAcknowledged(ctx context.Context, agentID, messageID string, at time.Time) (*message.Message, error) {
	return s.update(ctx, agentID, messageID,
		`UPDATE messages SET acknowledged_at = COALESCE(acknowledged_at, ?), read_at = COALESCE(read_at, ?)
		 WHERE to_agent = ? AND id = ?`,
		at.UnixNano(), at.UnixNano(), agentID, messageID,
	)
}

// IncrementRetry bumps RetryCount.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, agentID, messageID string) (*message.Message, error) {
	return s.update(ctx, agentID, messageID,
		`UPDATE messages SET retry_count = retry_count + 1 WHERE to_agent = ? AND id = ?`,
		agentID, messageID,
	)
}

// update checks the message is live, applies stmt and returns the new row.
func (s *SQLiteStore) update(ctx context.Context, agentID, messageID, stmt string, args ...any) (*message.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.get(ctx, tx, agentID, messageID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	m, err := s.get(ctx, tx, agentID, messageID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// Remove deletes a message.
func (s *SQLiteStore) Remove(ctx context.Context, agentID, messageID string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE to_agent = ? AND id = ?`, agentID, messageID)
	if err != nil {
		return false, fmt.Errorf("remove message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove message: %w", err)
	}
	return n > 0, nil
}

// EvictExpired deletes expired messages in a single statement.
func (s *SQLiteStore) EvictExpired(ctx context.Context, now time.Time) ([]Eviction, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM messages WHERE expires_at > 0 AND expires_at < ?
		RETURNING to_agent, id`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("evict expired: %w", err)
	}
	defer rows.Close()

	var evicted []Eviction
	for rows.Next() {
		e := Eviction{Reason: EvictExpired}
		if err := rows.Scan(&e.AgentID, &e.MessageID); err != nil {
			return nil, err
		}
		evicted = append(evicted, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortEvictions(evicted)
	return evicted, nil
}

// Len returns the number of stored messages for agentID.
func (s *SQLiteStore) Len(ctx context.Context, agentID string) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE to_agent = ?`, agentID).Scan(&n)
	return n, err
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
