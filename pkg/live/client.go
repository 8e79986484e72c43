// Package live is a client for Google's Gemini Live API
// (BidiGenerateContent over a websocket).
//
// A [Client] owns at most one session at a time and drives it through
// [StateIdle] → [StateConnecting] → [StateOpen] → [StateClosed]. Outbound
// application messages are encoded into wire frames by the codec in this
// package; inbound frames are decoded into typed [Event] values and fanned
// out to subscribers registered with [Client.On] or [Handle].
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"google.golang.org/genai"
)

// Compile-time assertion that Client is an event source.
var _ Source = (*Client)(nil)

const (
	defaultBaseURL      = "wss://generativelanguage.googleapis.com/ws"
	defaultSetupTimeout = 15 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound frame. Base64 audio inside JSON
	// easily exceeds the websocket library's 32 KiB default.
	readLimit = 16 << 20

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// State is the primary connection state of a [Client].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the base websocket URL. Primarily used in tests to
// point at a local mock server. An empty u keeps the default.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithSetupTimeout bounds how long Connect waits for setup-complete.
func WithSetupTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.setupTimeout = d
		}
	}
}

// WithKeepalive sets the websocket ping interval. Zero or negative disables
// pings.
func WithKeepalive(d time.Duration) Option {
	return func(c *Client) { c.keepalive = d }
}

// WithLogger sets the logger used for dropped frames and session lifecycle.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDroppedFrameHook registers fn to be called for every inbound frame that
// fails to decode, after it has been logged.
func WithDroppedFrameHook(fn func(*ProtocolError)) Option {
	return func(c *Client) { c.onDrop = fn }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is the realtime session client. All methods are safe for concurrent
// use. Events are delivered on a single internal goroutine in the order the
// frames were decoded; handlers may call back into the client.
type Client struct {
	apiKey       string
	baseURL      string
	setupTimeout time.Duration
	keepalive    time.Duration
	log          *slog.Logger
	onDrop       func(*ProtocolError)

	bus   Bus
	queue *eventQueue

	mu         sync.Mutex
	state      State
	sess       *session
	turnActive bool
}

// session is the per-connection state. A session is never reused: a new
// Connect always builds a fresh one.
type session struct {
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	setupDone chan struct{}
	setupOnce sync.Once
	done      chan struct{}

	// guarded by Client.mu
	closing bool
	cause   error
}

// New creates a Client authenticating with apiKey. Call [Client.Close] to
// release its event goroutine.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
		keepalive:    keepaliveInterval,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.queue = newEventQueue(&c.bus)
	return c
}

// On registers h for events of the given kind.
func (c *Client) On(kind EventKind, h Handler) Subscription { return c.bus.On(kind, h) }

// Off removes a subscription registered with On.
func (c *Client) Off(sub Subscription) bool { return c.bus.Off(sub) }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TurnActive reports whether the model is currently producing a turn.
func (c *Client) TurnActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnActive
}

// Connect opens a session for model with cfg, sends the setup frame and
// waits for the server's setup-complete.
//
// It fails with [ErrAlreadyConnected] while a session is connecting or open,
// with [ErrSetupTimeout] when the setup window elapses, and with a
// [*TransportError] when the socket fails. In those failure cases the client
// ends in [StateClosed] after emitting error and close events. A concurrent
// [Client.Disconnect] makes Connect return nil with the client closed.
func (c *Client) Connect(ctx context.Context, model string, cfg Config) error {
	setup, err := EncodeSetup(model, cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		ctx:       sessCtx,
		cancel:    sessCancel,
		setupDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.sess = sess
	c.state = StateConnecting
	c.turnActive = false
	c.mu.Unlock()

	// ── Dial ──────────────────────────────────────────────────────────────────
	dialCtx, cancelDial := context.WithTimeout(ctx, c.setupTimeout)
	stop := context.AfterFunc(sessCtx, cancelDial)
	conn, _, err := websocket.Dial(dialCtx, c.endpoint(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	stop()
	dialTimedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancelDial()
	if err != nil {
		switch {
		case sessCtx.Err() != nil:
			// Disconnected while dialing.
			return nil
		case ctx.Err() != nil:
			c.teardown(sess, nil, "connect cancelled")
			return ctx.Err()
		case dialTimedOut:
			c.teardown(sess, ErrSetupTimeout, "setup timeout")
			return ErrSetupTimeout
		}
		terr := &TransportError{Op: "dial", Err: err}
		c.teardown(sess, terr, "dial failed")
		return terr
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if sess.closing {
		c.mu.Unlock()
		conn.CloseNow()
		return nil
	}
	sess.conn = conn
	c.mu.Unlock()

	// ── Setup ─────────────────────────────────────────────────────────────────
	if err := conn.Write(sessCtx, websocket.MessageText, setup); err != nil {
		if sessCtx.Err() != nil {
			return nil
		}
		terr := &TransportError{Op: "write setup", Err: err}
		c.teardown(sess, terr, "setup failed")
		return terr
	}

	c.emitFor(sess, OpenEvent{})

	go c.receiveLoop(sess)
	if c.keepalive > 0 {
		go c.keepaliveLoop(sess)
	}

	timer := time.NewTimer(c.setupTimeout)
	defer timer.Stop()

	select {
	case <-sess.setupDone:
		return nil
	case <-sess.done:
		select {
		case <-sess.setupDone:
			return nil
		default:
		}
		c.mu.Lock()
		cause := sess.cause
		c.mu.Unlock()
		return cause
	case <-timer.C:
		c.teardown(sess, ErrSetupTimeout, "setup timeout")
		return ErrSetupTimeout
	case <-ctx.Done():
		c.teardown(sess, nil, "connect cancelled")
		return ctx.Err()
	}
}

// Disconnect closes the current session. It is idempotent and safe from any
// state, including during an in-flight Connect and from event handlers.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		c.mu.Lock()
		if c.state == StateIdle {
			c.state = StateClosed
		}
		c.mu.Unlock()
		return nil
	}
	c.teardown(sess, nil, CloseReasonLocal)
	return nil
}

// Close disconnects and stops event delivery. Pending events are still
// delivered. The client must not be used afterwards.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.queue.close()
	return err
}

// ── Send ───────────────────────────────────────────────────────────────────────

// Message is an outbound application message. The set of implementations is
// closed: [AudioInput], [MediaInput], [TextInput] and [ToolResponse].
type Message interface {
	frame() ([]byte, error)
}

// AudioInput is a chunk of microphone PCM16 at SampleRate (zero means 16 kHz).
type AudioInput struct {
	PCM        []byte
	SampleRate int
}

// MediaInput carries realtime blobs such as camera or screen frames.
type MediaInput struct {
	Chunks []MediaChunk
}

// TextInput carries client content turns.
type TextInput struct {
	Turns        []Turn
	TurnComplete bool
}

// ToolResponse answers one or more function calls.
type ToolResponse struct {
	Responses []*genai.FunctionResponse
}

func (m AudioInput) frame() ([]byte, error)   { return EncodeAudioChunk(m.PCM, m.SampleRate) }
func (m MediaInput) frame() ([]byte, error)   { return EncodeMediaChunks(m.Chunks) }
func (m TextInput) frame() ([]byte, error)    { return EncodeClientContent(m.Turns, m.TurnComplete) }
func (m ToolResponse) frame() ([]byte, error) { return EncodeToolResponse(m.Responses) }

// Send encodes msg and writes it. Outside [StateOpen] it fails with
// [ErrNotConnected] and writes nothing. A write failure is fatal for the
// session and is returned as a [*TransportError].
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	sess := c.sess
	open := c.state == StateOpen && sess != nil && !sess.closing
	c.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	data, err := msg.frame()
	if err != nil {
		return err
	}
	if err := sess.conn.Write(sess.ctx, websocket.MessageText, data); err != nil {
		if sess.ctx.Err() != nil {
			return ErrNotConnected
		}
		terr := &TransportError{Op: "write", Err: err}
		c.teardown(sess, terr, "write failed")
		return terr
	}
	return nil
}

// SendAudio sends microphone PCM16 at sampleRate.
func (c *Client) SendAudio(pcm []byte, sampleRate int) error {
	return c.Send(AudioInput{PCM: pcm, SampleRate: sampleRate})
}

// SendMedia sends realtime blobs such as image/jpeg frames.
func (c *Client) SendMedia(chunks ...MediaChunk) error {
	return c.Send(MediaInput{Chunks: chunks})
}

// SendText sends a single user text turn.
func (c *Client) SendText(text string, turnComplete bool) error {
	return c.Send(TextInput{Turns: []Turn{{Role: "user", Text: text}}, TurnComplete: turnComplete})
}

// SendToolResponse answers function calls in one frame.
func (c *Client) SendToolResponse(responses ...*genai.FunctionResponse) error {
	return c.Send(ToolResponse{Responses: responses})
}

// ── internals ──────────────────────────────────────────────────────────────────

func (c *Client) endpoint() string {
	return c.baseURL + bidiPath + "?key=" + url.QueryEscape(c.apiKey)
}

// emitFor queues ev unless sess has been torn down or replaced.
func (c *Client) emitFor(sess *session, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess.closing || c.sess != sess {
		return
	}
	c.queue.push(ev)
}

// apply updates state for a decoded event and queues it, atomically with
// respect to teardown so no event of a closed session is delivered after its
// close event.
func (c *Client) apply(sess *session, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess.closing || c.sess != sess {
		return
	}
	switch ev.(type) {
	case SetupCompleteEvent:
		c.state = StateOpen
		sess.setupOnce.Do(func() { close(sess.setupDone) })
	case AudioEvent, ContentEvent:
		c.turnActive = true
	case TurnCompleteEvent, InterruptedEvent:
		c.turnActive = false
	}
	c.queue.push(ev)
}

// teardown closes sess once. cause is nil for local or clean closes; a
// non-nil cause is emitted as an ErrorEvent before the CloseEvent.
func (c *Client) teardown(sess *session, cause error, reason string) {
	c.teardownWithStatus(sess, cause, -1, reason)
}

func (c *Client) teardownWithStatus(sess *session, cause error, code int, reason string) {
	c.mu.Lock()
	if sess.closing {
		c.mu.Unlock()
		return
	}
	sess.closing = true
	sess.cause = cause
	if c.sess == sess {
		c.state = StateClosed
		c.turnActive = false
		if cause != nil {
			c.queue.push(ErrorEvent{Err: cause})
		}
		c.queue.push(CloseEvent{Code: code, Reason: reason})
	}
	conn := sess.conn
	c.mu.Unlock()

	sess.cancel() // unblocks receiveLoop and keepaliveLoop
	if conn != nil {
		status := websocket.StatusNormalClosure
		if cause != nil {
			status = websocket.StatusInternalError
		}
		conn.Close(status, "session closed")
	}
	close(sess.done)

	if cause != nil {
		c.log.Warn("live: session closed", "reason", reason, "err", cause)
	} else {
		c.log.Debug("live: session closed", "reason", reason, "code", code)
	}
}

// receiveLoop reads frames until the session ends. Malformed frames are
// logged and dropped.
func (c *Client) receiveLoop(sess *session) {
	for {
		_, data, err := sess.conn.Read(sess.ctx)
		if err != nil {
			if sess.ctx.Err() != nil {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				switch ce.Code {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					c.teardownWithStatus(sess, nil, int(ce.Code), ce.Reason)
					return
				}
				terr := &TransportError{Op: "read", Err: fmt.Errorf("closed by server (%d): %s", ce.Code, ce.Reason)}
				c.teardownWithStatus(sess, terr, int(ce.Code), ce.Reason)
				return
			}
			c.teardown(sess, &TransportError{Op: "read", Err: err}, "read failed")
			return
		}

		events, err := DecodeFrame(data)
		if err != nil {
			c.log.Warn("live: dropping frame", "err", err)
			var perr *ProtocolError
			if c.onDrop != nil && errors.As(err, &perr) {
				c.onDrop(perr)
			}
			continue
		}
		for _, ev := range events {
			c.apply(sess, ev)
		}
	}
}

// keepaliveLoop sends websocket pings to keep the connection alive. A ping
// never waits longer than the interval.
func (c *Client) keepaliveLoop(sess *session) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	timeout := min(keepaliveTimeout, c.keepalive)

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(sess.ctx, timeout)
			err := sess.conn.Ping(pingCtx)
			cancel()
			if err != nil && sess.ctx.Err() == nil {
				c.log.Debug("live: keepalive ping failed", "err", err)
			}
		}
	}
}
