package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB
// ---------------------------------------------------------------------------

type execCall struct {
	sql  string
	args []any
}

type mockDB struct {
	mu      sync.Mutex
	calls   []execCall
	execErr error
	pingErr error
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), m.execErr
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

func (m *mockDB) last(t *testing.T) execCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		t.Fatal("no Exec calls")
	}
	return m.calls[len(m.calls)-1]
}

// ---------------------------------------------------------------------------
// Unit tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	sql := db.last(t).sql
	for _, table := range []string{"live_sessions", "live_tool_calls"} {
		if !strings.Contains(sql, table) {
			t.Errorf("schema lacks %s", table)
		}
	}
}

func TestPostgresStore_StartAndEndSession(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	s := NewPostgresStore(db)
	ctx := context.Background()
	id := uuid.New()

	if err := s.StartSession(ctx, Session{ID: id, Model: "models/x", RemoteAddr: "10.0.0.1:5000"}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	c := db.last(t)
	if !strings.Contains(c.sql, "INSERT INTO live_sessions") || c.args[0] != id || c.args[1] != "models/x" {
		t.Errorf("start exec = %+v", c)
	}
	if ts, ok := c.args[3].(time.Time); !ok || ts.IsZero() {
		t.Errorf("started_at = %v, want defaulted timestamp", c.args[3])
	}

	at := time.Now()
	if err := s.EndSession(ctx, id, ReasonTransport, at); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	c = db.last(t)
	if !strings.Contains(c.sql, "ended_at IS NULL") || c.args[2] != "transport" {
		t.Errorf("end exec = %+v", c)
	}
}

func TestPostgresStore_RecordToolCall(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	s := NewPostgresStore(db)
	id := uuid.New()

	err := s.RecordToolCall(context.Background(), ToolCall{
		SessionID: id,
		CallID:    "c1",
		Name:      "show_weather",
		Args:      map[string]any{"location": "Melaka"},
		Status:    "ok",
		Duration:  1500 * time.Microsecond,
	})
	if err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}

	c := db.last(t)
	var args map[string]any
	if err := json.Unmarshal(c.args[3].([]byte), &args); err != nil {
		t.Fatalf("args not JSON: %v", err)
	}
	if args["location"] != "Melaka" {
		t.Errorf("args = %v", args)
	}
	if ms := c.args[6].(float64); ms != 1.5 {
		t.Errorf("duration_ms = %v, want 1.5", ms)
	}
}

func TestPostgresStore_ForeignKeyViolation(t *testing.T) {
	t.Parallel()
	db := &mockDB{execErr: &pgconn.PgError{Code: pgForeignKeyViolation}}
	err := NewPostgresStore(db).RecordToolCall(context.Background(), ToolCall{SessionID: uuid.New(), Name: "x"})
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("err = %v, want ErrUnknownSession", err)
	}
}

func TestPostgresStore_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	s := NewPostgresStore(&mockDB{execErr: boom, pingErr: boom})
	ctx := context.Background()

	if err := s.Migrate(ctx); !errors.Is(err, boom) {
		t.Errorf("Migrate err = %v", err)
	}
	if err := s.StartSession(ctx, Session{ID: uuid.New()}); !errors.Is(err, boom) {
		t.Errorf("StartSession err = %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, boom) {
		t.Errorf("Ping err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Integration test: needs a real database
// ---------------------------------------------------------------------------

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("MAIA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAIA_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	id := uuid.New()
	t.Cleanup(func() { _, _ = pool.Exec(ctx, "DELETE FROM live_sessions WHERE id = $1", id) })

	if err := s.StartSession(ctx, Session{ID: id, Model: "models/test"}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := s.RecordToolCall(ctx, ToolCall{SessionID: id, CallID: "1", Name: "show_map", Status: "ok"}); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}
	if err := s.RecordToolCall(ctx, ToolCall{SessionID: uuid.New(), Name: "x", Status: "ok"}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("orphan call err = %v, want ErrUnknownSession", err)
	}
	if err := s.EndSession(ctx, id, ReasonClient, time.Now()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	var reason string
	if err := pool.QueryRow(ctx, "SELECT end_reason FROM live_sessions WHERE id = $1", id).Scan(&reason); err != nil {
		t.Fatalf("select: %v", err)
	}
	if reason != "client" {
		t.Errorf("end_reason = %q", reason)
	}
}
