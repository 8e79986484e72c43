// Package lifecycle wraps a realtime Live client in the controller the
// gateway drives: it owns the model and session configuration, feeds model
// speech into the playback pipeline, and hangs up idle sessions.
//
// A [Controller] is the only component that calls Connect and Disconnect on
// its client. Tool responses and media go to the client directly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/maia/internal/observe"
	"github.com/MrWong99/maia/pkg/audio"
	"github.com/MrWong99/maia/pkg/live"
)

const (
	// DefaultInactivityTimeout is how long a session may stay silent before
	// the controller disconnects it.
	DefaultInactivityTimeout = 3 * time.Minute

	// DefaultModel is the Live model used when none is set.
	DefaultModel = "models/gemini-2.0-flash-exp"
)

var (
	// ErrConfigNotSet is returned by [Controller.Connect] before
	// [Controller.SetConfig] was ever called.
	ErrConfigNotSet = errors.New("lifecycle: config not set")

	// ErrClosed is returned by [Controller.Connect] after [Controller.Close].
	ErrClosed = errors.New("lifecycle: controller closed")
)

// Client is the part of [*live.Client] the controller drives.
type Client interface {
	live.Source
	Connect(ctx context.Context, model string, cfg live.Config) error
	Disconnect() error
	State() live.State
}

// Player receives model speech and is stopped on barge-in.
type Player interface {
	AddPCM16(pcm []byte) error
	Stop()
}

// Meter reports the current output volume in [0, 1].
type Meter interface {
	Volume() float64
}

// Option configures a [Controller].
type Option func(*Controller)

// WithInactivityTimeout overrides [DefaultInactivityTimeout]. Non-positive
// values are ignored.
func WithInactivityTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMeter sets the volume source reported by [Controller.Volume].
func WithMeter(m Meter) Option {
	return func(c *Controller) { c.meter = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithOnInactivity registers fn to run after an idle session was
// disconnected by the timer.
func WithOnInactivity(fn func()) Option {
	return func(c *Controller) { c.onInactivity = fn }
}

// WithOnConnectedChange registers fn to run whenever [Controller.Connected]
// flips. It is called outside the controller's lock.
func WithOnConnectedChange(fn func(connected bool)) Option {
	return func(c *Controller) { c.onConnected = fn }
}

// Controller tracks connection state for one Live client and enforces the
// inactivity policy. All methods are safe for concurrent use.
type Controller struct {
	client       Client
	player       Player
	meter        Meter
	timeout      time.Duration
	log          *slog.Logger
	metrics      *observe.Metrics
	onInactivity func()
	onConnected  func(bool)
	subs         []live.Subscription

	mu        sync.Mutex
	model     string
	cfg       *live.Config
	connected bool
	closed    bool
	timer     *time.Timer
	// gen invalidates timers that already fired but have not yet taken mu.
	gen uint64
}

// New creates a controller for client and subscribes it to the client's
// events. player may be nil when no audio output is available.
func New(client Client, player Player, opts ...Option) *Controller {
	c := &Controller{
		client:  client,
		player:  player,
		timeout: DefaultInactivityTimeout,
		log:     slog.Default(),
		model:   DefaultModel,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.meter == nil {
		if m, ok := player.(Meter); ok {
			c.meter = m
		}
	}

	for k := live.KindOpen; k <= live.KindUsage; k++ {
		c.subs = append(c.subs, client.On(k, c.handle))
	}
	return c
}

// SetModel replaces the model used by the next [Controller.Connect].
func (c *Controller) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Model returns the model used by the next connect.
func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetConfig replaces the session configuration used by the next
// [Controller.Connect]. The running session keeps its configuration.
func (c *Controller) SetConfig(cfg live.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = &cfg
}

// Config returns the configuration used by the next connect and whether one
// was set.
func (c *Controller) Config() (live.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg == nil {
		return live.Config{}, false
	}
	return *c.cfg, true
}

// Connect tears down any running session and opens a fresh one with the
// current model and configuration. It blocks until the server acknowledged
// the setup frame or the attempt failed.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cfg == nil {
		c.mu.Unlock()
		return ErrConfigNotSet
	}
	model, cfg := c.model, *c.cfg
	c.cancelTimerLocked()
	c.mu.Unlock()

	// No resume: the previous session is fully gone before the next dial.
	if err := c.client.Disconnect(); err != nil {
		c.log.Warn("lifecycle: disconnect before connect", "err", err)
	}
	c.setConnected(false)
	if c.player != nil {
		c.player.Stop()
	}

	if err := c.client.Connect(ctx, model, cfg); err != nil {
		return fmt.Errorf("lifecycle: connect: %w", err)
	}
	return nil
}

// Disconnect closes the running session, if any, and cancels the inactivity
// timer. It is idempotent.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.mu.Unlock()

	err := c.client.Disconnect()
	c.setConnected(false)
	if err != nil {
		return fmt.Errorf("lifecycle: disconnect: %w", err)
	}
	return nil
}

// Connected reports whether the client has an open session.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Volume returns the current output volume, or 0 without a meter.
func (c *Controller) Volume() float64 {
	if c.meter == nil {
		return 0
	}
	return c.meter.Volume()
}

// Close disconnects, stops playback and unsubscribes from the client. The
// controller cannot connect again afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelTimerLocked()
	c.mu.Unlock()

	err := c.client.Disconnect()
	for _, s := range c.subs {
		c.client.Off(s)
	}
	c.setConnected(false)
	if c.player != nil {
		c.player.Stop()
	}
	if err != nil {
		return fmt.Errorf("lifecycle: close: %w", err)
	}
	return nil
}

// ── Event handling ────────────────────────────────────────────────────────────

func (c *Controller) handle(ev live.Event) {
	ctx := context.Background()
	c.metrics.RecordLiveEvent(ctx, ev.Kind().String())

	switch e := ev.(type) {
	case live.OpenEvent:
		c.setConnected(true)
		c.restartTimer()

	case live.SetupCompleteEvent, live.ContentEvent, live.TurnCompleteEvent:
		c.restartTimer()

	case live.AudioEvent:
		c.restartTimer()
		if c.player == nil {
			return
		}
		if err := c.player.AddPCM16(e.Data); err != nil {
			c.log.Debug("lifecycle: playback unavailable", "err", err)
			return
		}
		rate := e.SampleRate
		if rate <= 0 {
			rate = live.OutputSampleRate
		}
		c.metrics.RecordPlayedAudio(ctx, audio.PCMDuration(len(e.Data), rate))

	case live.InterruptedEvent:
		if c.player != nil {
			c.player.Stop()
		}
		c.restartTimer()

	case live.CloseEvent:
		c.mu.Lock()
		c.cancelTimerLocked()
		c.mu.Unlock()
		c.setConnected(false)
		c.log.Info("lifecycle: session closed", "code", e.Code, "reason", e.Reason)

	case live.ErrorEvent:
		// Fatal errors are followed by a CloseEvent, which stops the
		// countdown; server error frames leave the session open.
		c.log.Warn("lifecycle: session error", "err", e.Err)

	case live.GoAwayEvent:
		c.log.Warn("lifecycle: server going away", "time_left", e.TimeLeft)

	case live.UsageEvent:
		c.metrics.RecordTokens(ctx, e.PromptTokens, e.ResponseTokens)
	}
}

func (c *Controller) setConnected(v bool) {
	c.mu.Lock()
	changed := c.connected != v
	c.connected = v
	c.mu.Unlock()
	if changed && c.onConnected != nil {
		c.onConnected(v)
	}
}

// ── Inactivity timer ──────────────────────────────────────────────────────────

// restartTimer replaces the running countdown. Signals that arrive while no
// session is open are ignored.
func (c *Controller) restartTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.closed {
		return
	}
	c.cancelTimerLocked()
	gen := c.gen
	c.timer = time.AfterFunc(c.timeout, func() { c.expire(gen) })
}

// cancelTimerLocked stops the countdown. Must be called with c.mu held.
func (c *Controller) cancelTimerLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.connected {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.timer = nil
	c.mu.Unlock()

	c.log.Info("lifecycle: disconnecting idle session", "timeout", c.timeout)
	c.metrics.RecordInactivityDisconnect(context.Background())
	if err := c.client.Disconnect(); err != nil {
		c.log.Warn("lifecycle: inactivity disconnect", "err", err)
	}
	c.setConnected(false)
	if c.onInactivity != nil {
		c.onInactivity()
	}
}
