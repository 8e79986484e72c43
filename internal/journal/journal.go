// Package journal records Live sessions and the tool calls answered in them.
//
// [Memory] keeps everything in process and is the default when no database
// is configured. [PostgresStore] persists to PostgreSQL through pgx.
package journal

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EndReason says why a session ended.
type EndReason string

const (
	ReasonClient     EndReason = "client"
	ReasonInactivity EndReason = "inactivity"
	ReasonTransport  EndReason = "transport"
	ReasonShutdown   EndReason = "shutdown"
)

// ErrUnknownSession is returned when a tool call references a session that
// was never started.
var ErrUnknownSession = errors.New("journal: unknown session")

// Session is one browser connection bridged to the Live API.
type Session struct {
	ID         uuid.UUID
	Model      string
	RemoteAddr string
	StartedAt  time.Time
	EndedAt    time.Time
	EndReason  EndReason
}

// Ended reports whether the session was closed.
func (s Session) Ended() bool { return !s.EndedAt.IsZero() }

// ToolCall is one answered function call.
type ToolCall struct {
	SessionID uuid.UUID
	CallID    string
	Name      string
	Args      map[string]any
	Status    string
	Message   string
	Duration  time.Duration
	At        time.Time
}

// Store persists the journal. Implementations must be safe for concurrent
// use.
type Store interface {
	// StartSession records a new session.
	StartSession(ctx context.Context, s Session) error

	// EndSession marks a session as ended. Ending an already ended session
	// keeps the first reason.
	EndSession(ctx context.Context, id uuid.UUID, reason EndReason, at time.Time) error

	// RecordToolCall appends one answered call.
	RecordToolCall(ctx context.Context, c ToolCall) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// ── Memory ────────────────────────────────────────────────────────────────────

// Memory is an in-process [Store].
type Memory struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	order    []uuid.UUID
	calls    []ToolCall
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[uuid.UUID]*Session)}
}

// StartSession implements [Store].
func (m *Memory) StartSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return errors.New("journal: session " + s.ID.String() + " already started")
	}
	m.sessions[s.ID] = &s
	m.order = append(m.order, s.ID)
	return nil
}

// EndSession implements [Store].
func (m *Memory) EndSession(_ context.Context, id uuid.UUID, reason EndReason, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if !s.Ended() {
		s.EndedAt = at
		s.EndReason = reason
	}
	return nil
}

// RecordToolCall implements [Store].
func (m *Memory) RecordToolCall(_ context.Context, c ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[c.SessionID]; !ok {
		return ErrUnknownSession
	}
	c.Args = maps.Clone(c.Args)
	m.calls = append(m.calls, c)
	return nil
}

// Ping implements [Store]. It never fails.
func (m *Memory) Ping(context.Context) error { return nil }

// Sessions returns a copy of all sessions in start order.
func (m *Memory) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.sessions[id])
	}
	return out
}

// ToolCalls returns a copy of the calls recorded for session id.
func (m *Memory) ToolCalls(id uuid.UUID) []ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ToolCall
	for _, c := range m.calls {
		if c.SessionID == id {
			out = append(out, c)
		}
	}
	return out
}
