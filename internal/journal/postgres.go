package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the journal tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS live_sessions (
    id          UUID PRIMARY KEY,
    model       TEXT NOT NULL DEFAULT '',
    remote_addr TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    end_reason  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_live_sessions_started ON live_sessions(started_at);

CREATE TABLE IF NOT EXISTS live_tool_calls (
    id          BIGSERIAL PRIMARY KEY,
    session_id  UUID NOT NULL REFERENCES live_sessions(id) ON DELETE CASCADE,
    call_id     TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL,
    args        JSONB NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL,
    message     TEXT NOT NULL DEFAULT '',
    duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_live_tool_calls_session ON live_tool_calls(session_id);
`

// pgForeignKeyViolation is the SQLSTATE for a foreign key violation.
const pgForeignKeyViolation = "23503"

// DB is the database interface used by [PostgresStore]. *pgxpool.Pool
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on db. Call [PostgresStore.Migrate]
// before the first write.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// StartSession implements [Store].
func (s *PostgresStore) StartSession(ctx context.Context, sess Session) error {
	const query = `
		INSERT INTO live_sessions (id, model, remote_addr, started_at)
		VALUES ($1, $2, $3, $4)`
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	if _, err := s.db.Exec(ctx, query, sess.ID, sess.Model, sess.RemoteAddr, sess.StartedAt); err != nil {
		return fmt.Errorf("journal: start session: %w", err)
	}
	return nil
}

// EndSession implements [Store].
func (s *PostgresStore) EndSession(ctx context.Context, id uuid.UUID, reason EndReason, at time.Time) error {
	const query = `
		UPDATE live_sessions SET ended_at = $2, end_reason = $3
		WHERE id = $1 AND ended_at IS NULL`
	if _, err := s.db.Exec(ctx, query, id, at, string(reason)); err != nil {
		return fmt.Errorf("journal: end session: %w", err)
	}
	return nil
}

// RecordToolCall implements [Store].
func (s *PostgresStore) RecordToolCall(ctx context.Context, c ToolCall) error {
	args := c.Args
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("journal: marshal args: %w", err)
	}
	if c.At.IsZero() {
		c.At = time.Now()
	}

	const query = `
		INSERT INTO live_tool_calls (session_id, call_id, name, args, status, message, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.Exec(ctx, query,
		c.SessionID, c.CallID, c.Name, argsJSON, c.Status, c.Message,
		float64(c.Duration)/float64(time.Millisecond), c.At,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("journal: record tool call: %w", ErrUnknownSession)
		}
		return fmt.Errorf("journal: record tool call: %w", err)
	}
	return nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
