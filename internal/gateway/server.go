// Package gateway bridges browser websocket connections to Live API
// sessions.
//
// Every browser connection on GET /live gets its own [Conn]: a Live client,
// a lifecycle controller, a tool dispatcher, a geolocation provider and a
// paced playback pipeline whose output is the browser itself. The browser
// speaks the small JSON protocol defined in protocol.go plus binary PCM16
// frames in both directions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/maia/internal/assistant"
	"github.com/MrWong99/maia/internal/config"
	"github.com/MrWong99/maia/internal/journal"
	"github.com/MrWong99/maia/internal/lifecycle"
	"github.com/MrWong99/maia/internal/observe"
	"github.com/MrWong99/maia/internal/resilience"
	"github.com/MrWong99/maia/internal/tools"
	"github.com/MrWong99/maia/pkg/live"
)

// Path is the websocket endpoint mounted by [Server.Register].
const Path = "/live"

// LiveClient is the part of [*live.Client] a connection uses. A client that
// also implements io.Closer is closed when its connection ends.
type LiveClient interface {
	lifecycle.Client
	tools.Responder
	Send(msg live.Message) error
}

// ClientFactory returns a fresh, unconnected client for one browser
// connection.
type ClientFactory func() LiveClient

// Settings are the per-connection parameters. They are read once when a
// browser connects; [Server.Apply] affects later connections only.
type Settings struct {
	Model     string
	Assistant *assistant.Builder
	Widgets   []string

	InactivityTimeout time.Duration
	ToolResponseDelay time.Duration

	InputSampleRate  int
	OutputSampleRate int
	Quantum          time.Duration
	InitialDelay     time.Duration
	MeterInterval    time.Duration

	LocationTimeout time.Duration
	LocationMaxAge  time.Duration
}

// SettingsFromConfig derives connection settings from a validated config.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	a := cfg.Assistant
	opts := []assistant.Option{
		assistant.WithVoice(a.Voice),
		assistant.WithTimeZone(a.TimeZone),
		assistant.WithGoogleSearch(a.SearchEnabled()),
		assistant.WithTranscription(a.Transcription),
	}
	if a.Persona != "" {
		opts = append(opts, assistant.WithPersona(a.Persona))
	}
	b, err := assistant.New(opts...)
	if err != nil {
		return Settings{}, fmt.Errorf("gateway: assistant: %w", err)
	}
	return Settings{
		Model:             cfg.Live.Model,
		Assistant:         b,
		Widgets:           a.Widgets,
		InactivityTimeout: cfg.Session.InactivityTimeout,
		ToolResponseDelay: cfg.Session.ToolResponseDelay,
		InputSampleRate:   cfg.Audio.InputSampleRate,
		OutputSampleRate:  cfg.Audio.OutputSampleRate,
		Quantum:           cfg.Audio.Quantum,
		InitialDelay:      cfg.Audio.InitialDelay,
		MeterInterval:     cfg.Audio.MeterInterval,
		LocationTimeout:   cfg.Location.Timeout,
		LocationMaxAge:    cfg.Location.MaxAge,
	}, nil
}

// Option configures a [Server].
type Option func(*Server)

// WithBreaker guards every upstream connect with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = cb }
}

// WithJournal records sessions and tool calls in store. Defaults to an
// in-memory journal.
func WithJournal(store journal.Store) Option {
	return func(s *Server) { s.journal = store }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithOriginPatterns lists the cross-origin hosts allowed to connect, as
// accepted by websocket.AcceptOptions.OriginPatterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// ErrDraining is reported to browsers that connect during shutdown.
var ErrDraining = errors.New("gateway: server is shutting down")

// Server accepts browser connections. It is safe for concurrent use.
type Server struct {
	newClient ClientFactory
	breaker   *resilience.CircuitBreaker
	journal   journal.Store
	metrics   *observe.Metrics
	log       *slog.Logger
	origins   []string

	settings atomic.Pointer[Settings]

	mu       sync.Mutex
	conns    map[uuid.UUID]*Conn
	draining bool
	wg       sync.WaitGroup
}

// New creates a server that builds one client per connection with
// newClient.
func New(settings Settings, newClient ClientFactory, opts ...Option) *Server {
	s := &Server{
		newClient: newClient,
		log:       slog.Default(),
		conns:     make(map[uuid.UUID]*Conn),
	}
	for _, o := range opts {
		o(s)
	}
	if s.journal == nil {
		s.journal = journal.NewMemory()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.Apply(settings)
	return s
}

// Apply replaces the settings used for new connections.
func (s *Server) Apply(settings Settings) {
	s.settings.Store(&settings)
}

// Settings returns the settings new connections will use.
func (s *Server) Settings() Settings {
	return *s.settings.Load()
}

// Register mounts the websocket endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, s)
}

// Len returns the number of open browser connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		http.Error(w, ErrDraining.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("gateway: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	// The request context ends when the handler returns; the connection gets
	// its own lifetime, detached from it but keeping its trace.
	c, err := newConn(context.WithoutCancel(r.Context()), s, ws, r.RemoteAddr, s.Settings())
	if err != nil {
		s.log.Error("gateway: cannot set up connection", "remote", r.RemoteAddr, "err", err)
		ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		c.release()
		ws.Close(websocket.StatusGoingAway, ErrDraining.Error())
		return
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	c.serve()
}

// Shutdown refuses new connections, ends every open connection and waits for
// them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
	}
}

// connect runs fn through the breaker, if any.
func (s *Server) connect(ctx context.Context, fn func(context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Execute(ctx, fn)
}
