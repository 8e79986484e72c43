package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/maia/internal/geo"
	"github.com/MrWong99/maia/internal/journal"
	"github.com/MrWong99/maia/internal/lifecycle"
	"github.com/MrWong99/maia/internal/observe"
	"github.com/MrWong99/maia/internal/resilience"
	"github.com/MrWong99/maia/internal/tools"
	"github.com/MrWong99/maia/pkg/audio"
	"github.com/MrWong99/maia/pkg/live"
)

const (
	// outboundQueue holds about five seconds of 20 ms audio quanta.
	outboundQueue  = 256
	maxMessageSize = 4 << 20
	writeTimeout   = 5 * time.Second
	journalTimeout = 5 * time.Second
	playbackKey    = "assistant"
	volumeEpsilon  = 0.01
)

var errOutboundFull = errors.New("gateway: outbound queue full")

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Conn is one browser connection and the Live session it drives.
type Conn struct {
	srv      *Server
	ws       *websocket.Conn
	id       uuid.UUID
	remote   string
	settings Settings
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	out    chan frame

	client     LiveClient
	ctrl       *lifecycle.Controller
	dispatcher *tools.Dispatcher
	detach     func()
	subs       []live.Subscription
	geo        *geo.Reported

	gesture  *audio.Gesture
	registry *audio.Registry
	streamer *audio.Streamer
	meter    *audio.VolumeMeter

	// read loop only
	capture     audio.Converter
	inputFormat audio.Format

	mu         sync.Mutex
	live       *journal.Session
	connecting bool
	stopping   bool
	lastVolume float64
}

func newConn(ctx context.Context, s *Server, ws *websocket.Conn, remote string, set Settings) (*Conn, error) {
	c := &Conn{
		srv:         s,
		ws:          ws,
		id:          uuid.New(),
		remote:      remote,
		settings:    set,
		out:         make(chan frame, outboundQueue),
		capture:     audio.Converter{Target: audio.Format{SampleRate: live.InputSampleRate, Channels: 1}},
		inputFormat: audio.Format{SampleRate: set.InputSampleRate, Channels: 1},
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.log = s.log.With("session_id", c.id.String(), "remote", remote)
	if cid := observe.CorrelationID(ctx); cid != "" {
		c.log = c.log.With("trace_id", cid)
	}
	if c.inputFormat.SampleRate <= 0 {
		c.inputFormat.SampleRate = live.InputSampleRate
	}

	c.gesture = &audio.Gesture{}
	c.registry = audio.NewRegistry(func(context.Context, string) (audio.Output, error) {
		return browserSink{c: c}, nil
	}, c.gesture)
	c.meter = audio.NewVolumeMeter(
		audio.WithMeterInterval(set.MeterInterval),
		audio.WithOnVolume(c.pushVolume),
	)
	c.streamer = audio.NewStreamer(c.registry, playbackKey,
		audio.WithSampleRate(set.OutputSampleRate),
		audio.WithQuantum(set.Quantum),
		audio.WithInitialDelay(set.InitialDelay),
		audio.WithStreamerLogger(c.log),
	)
	c.streamer.AddTap("meter", c.meter)

	c.geo = geo.NewReported(
		geo.WithTimeout(set.LocationTimeout),
		geo.WithMaxAge(set.LocationMaxAge),
		geo.WithLogger(c.log),
	)

	widgets, err := tools.Widgets(tools.WidgetFunc(c.showWidget), set.Widgets...)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("gateway: widgets: %w", err)
	}

	c.client = s.newClient()
	c.ctrl = lifecycle.New(c.client, c.streamer,
		lifecycle.WithMeter(c.meter),
		lifecycle.WithInactivityTimeout(set.InactivityTimeout),
		lifecycle.WithLogger(c.log),
		lifecycle.WithMetrics(s.metrics),
		lifecycle.WithOnInactivity(func() { c.endSession(journal.ReasonInactivity) }),
		lifecycle.WithOnConnectedChange(c.pushState),
	)
	c.ctrl.SetModel(set.Model)

	c.dispatcher = tools.NewDispatcher(c.client, widgets,
		tools.WithResponseDelay(set.ToolResponseDelay),
		tools.WithLogger(c.log),
		tools.WithMetrics(s.metrics),
		tools.WithRecorder(c.recordToolCall),
	)
	c.detach = c.dispatcher.Attach(c.client)
	c.subs = []live.Subscription{
		live.Handle(c.client, c.onSetupComplete),
		live.Handle(c.client, c.onClose),
		live.Handle(c.client, c.onError),
		live.Handle(c.client, c.onTranscription),
		live.Handle(c.client, c.onGoAway),
	}
	return c, nil
}

// ── Serving ───────────────────────────────────────────────────────────────────

func (c *Conn) serve() {
	start := time.Now()
	ctx := c.ctx
	c.srv.metrics.ActiveSessions.Add(ctx, 1)
	c.log.Info("gateway: browser connected")

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.sendJSON(ReadyMessage{
		Type:             TypeReady,
		SessionID:        c.id.String(),
		InputSampleRate:  c.inputFormat.SampleRate,
		OutputSampleRate: c.streamer.SampleRate(),
	})
	_ = c.sendJSON(StateMessage{Type: TypeState, Connected: false})

	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	g.Go(func() error {
		defer c.cancel()
		return c.readLoop(gctx)
	})
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error {
		c.meter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := c.streamer.Run(gctx); err != nil {
			c.log.Warn("gateway: assistant audio unavailable", "err", err)
		}
		return nil
	})

	err := g.Wait()

	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	reason := journal.ReasonClient
	if stopping {
		reason = journal.ReasonShutdown
	}
	c.endSession(reason)
	c.release()

	status, text := websocket.StatusNormalClosure, ""
	switch {
	case stopping:
		status, text = websocket.StatusGoingAway, "server shutting down"
	case err != nil:
		status, text = websocket.StatusInternalError, "connection error"
	}
	_ = c.ws.Close(status, text)

	d := time.Since(start)
	bg := context.WithoutCancel(ctx)
	c.srv.metrics.ActiveSessions.Add(bg, -1)
	c.srv.metrics.RecordSession(bg, d)
	if err != nil {
		c.log.Warn("gateway: browser connection failed", "err", err, "duration", d)
		return
	}
	c.log.Info("gateway: browser disconnected", "duration", d)
}

// release tears down the Live side of the connection. It does not touch the
// websocket.
func (c *Conn) release() {
	c.cancel()
	c.detach()
	c.dispatcher.Close()
	if err := c.ctrl.Close(); err != nil {
		c.log.Debug("gateway: close controller", "err", err)
	}
	for _, sub := range c.subs {
		c.client.Off(sub)
	}
	if cl, ok := c.client.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			c.log.Debug("gateway: close live client", "err", err)
		}
	}
	c.streamer.Close()
	if err := c.registry.Close(); err != nil {
		c.log.Debug("gateway: close playback", "err", err)
	}
}

// shutdown ends the connection on behalf of the server.
func (c *Conn) shutdown() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.cancel()
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("gateway: read: %w", err)
		}
		if typ == websocket.MessageBinary {
			c.forwardMic(data, c.inputFormat)
			continue
		}
		msg, err := DecodeClientMessage(data)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				_ = c.sendError(de.Code, de.Error())
			}
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, f.typ, f.data)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("gateway: write: %w", err)
			}
		}
	}
}

func (c *Conn) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case GestureMessage:
		c.gesture.Signal()

	case ConnectMessage:
		c.gesture.Signal()
		c.startConnect(ctx)

	case DisconnectMessage:
		c.endSession(journal.ReasonClient)
		if err := c.ctrl.Disconnect(); err != nil {
			c.log.Warn("gateway: disconnect", "err", err)
		}

	case AudioMessage:
		f := c.inputFormat
		if m.SampleRate > 0 {
			f.SampleRate = m.SampleRate
		}
		if m.Channels > 0 {
			f.Channels = m.Channels
		}
		c.inputFormat = f
		c.forwardMic(m.Data, f)

	case VideoMessage:
		c.forward(live.MediaInput{Chunks: []live.MediaChunk{{MIMEType: m.MIMEType, Data: m.Data}}})

	case TextMessage:
		c.forward(live.TextInput{Turns: []live.Turn{{Role: "user", Text: m.Text}}, TurnComplete: true})

	case LocationMessage:
		var at time.Time
		if m.Timestamp > 0 {
			at = time.UnixMilli(m.Timestamp)
		}
		c.geo.Report(geo.Location{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Accuracy:  m.Accuracy,
			Timestamp: at,
		})

	case LocationErrorMessage:
		c.geo.ReportError(geo.ErrorCode(m.Code), m.Message)
	}
}

func (c *Conn) forwardMic(pcm []byte, f audio.Format) {
	conv, err := c.capture.Convert(audio.AudioFrame{Data: pcm, SampleRate: f.SampleRate, Channels: f.Channels})
	if err != nil {
		_ = c.sendError(CodeBadRequest, err.Error())
		return
	}
	c.forward(live.AudioInput{PCM: conv.Data, SampleRate: conv.SampleRate})
}

// forward sends msg upstream. Input that arrives while no session is open is
// dropped.
func (c *Conn) forward(msg live.Message) {
	err := c.client.Send(msg)
	switch {
	case err == nil:
	case errors.Is(err, live.ErrNotConnected):
		c.log.Debug("gateway: dropping input, not connected", "type", fmt.Sprintf("%T", msg))
	default:
		c.log.Warn("gateway: send upstream", "err", err)
		_ = c.sendError(CodeSendFailed, err.Error())
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

// startConnect runs one connect attempt in the background. Requests made
// while an attempt is in flight are ignored.
func (c *Conn) startConnect(ctx context.Context) {
	c.mu.Lock()
	if c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	c.group.Go(func() error {
		err := c.connect(ctx)
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			code := CodeConnectFailed
			if errors.Is(err, resilience.ErrCircuitOpen) {
				code = CodeUpstreamUnavailable
			}
			c.log.Warn("gateway: live connect failed", "err", err)
			_ = c.sendError(code, err.Error())
		}
		return nil
	})
}

func (c *Conn) connect(ctx context.Context) error {
	loc, lerr := c.location(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	c.ctrl.SetConfig(c.settings.Assistant.Config(loc, lerr, c.dispatcher.Declarations()))

	// A reconnect replaces the current session.
	c.endSession(journal.ReasonClient)

	ctx, span := observe.StartSpan(ctx, "live.connect")
	span.SetAttributes(
		observe.Attr("session_id", c.id.String()),
		observe.Attr("model", c.ctrl.Model()),
	)
	start := time.Now()
	err := c.srv.connect(ctx, c.ctrl.Connect)
	observe.EndSpan(span, err)

	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "rejected"
	case err != nil:
		status = "error"
	}
	c.srv.metrics.RecordLiveConnect(ctx, time.Since(start), status)
	if err != nil {
		return err
	}
	c.log.Info("gateway: live session connected", "model", c.ctrl.Model(), "took", time.Since(start))
	return nil
}

// location returns the browser's position for the system instruction. When
// nothing was reported yet it waits up to the location timeout, which ends
// as a timeout error.
func (c *Conn) location(ctx context.Context) (*geo.Location, *geo.LocationError) {
	if loc, lerr := c.geo.Last(); loc != nil || lerr != nil {
		return loc, lerr
	}
	loc, err := c.geo.CurrentLocation(ctx)
	if err == nil {
		return &loc, nil
	}
	var lerr *geo.LocationError
	if errors.As(err, &lerr) {
		return nil, lerr
	}
	return nil, nil
}

// ── Live events ───────────────────────────────────────────────────────────────

func (c *Conn) onSetupComplete(live.SetupCompleteEvent) {
	sess := journal.Session{
		ID:         uuid.New(),
		Model:      c.ctrl.Model(),
		RemoteAddr: c.remote,
		StartedAt:  time.Now(),
	}
	c.mu.Lock()
	if c.live != nil {
		c.mu.Unlock()
		return
	}
	c.live = &sess
	c.mu.Unlock()

	ctx, cancel := c.journalContext()
	defer cancel()
	if err := c.srv.journal.StartSession(ctx, sess); err != nil {
		c.log.Warn("gateway: journal start session", "live_session", sess.ID, "err", err)
	}
}

// onClose ends the journal entry of sessions the peer or a failure closed.
// Local disconnects are journalled by whoever asked for them.
func (c *Conn) onClose(e live.CloseEvent) {
	if e.Reason != live.CloseReasonLocal {
		c.endSession(journal.ReasonTransport)
	}
}

func (c *Conn) onError(e live.ErrorEvent) {
	_ = c.sendError(CodeUpstream, e.Err.Error())
}

func (c *Conn) onTranscription(e live.TranscriptionEvent) {
	_ = c.sendJSON(TranscriptMessage{Type: TypeTranscript, Role: string(e.Role), Text: e.Text})
}

func (c *Conn) onGoAway(e live.GoAwayEvent) {
	_ = c.sendJSON(GoAwayMessage{Type: TypeGoAway, TimeLeftMS: e.TimeLeft.Milliseconds()})
}

// ── Journal ───────────────────────────────────────────────────────────────────

func (c *Conn) journalContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.ctx), journalTimeout)
}

// endSession closes the journal entry of the current Live session, if any.
// Only the first call per session has an effect.
func (c *Conn) endSession(reason journal.EndReason) {
	c.mu.Lock()
	sess := c.live
	c.live = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}

	at := time.Now()
	ctx, cancel := c.journalContext()
	defer cancel()
	if err := c.srv.journal.EndSession(ctx, sess.ID, reason, at); err != nil {
		c.log.Warn("gateway: journal end session", "live_session", sess.ID, "err", err)
	}
	c.log.Info("gateway: live session ended", "live_session", sess.ID, "reason", reason, "duration", at.Sub(sess.StartedAt))
}

func (c *Conn) recordToolCall(ctx context.Context, rec tools.CallRecord) {
	c.mu.Lock()
	sess := c.live
	c.mu.Unlock()
	if sess == nil {
		return
	}
	err := c.srv.journal.RecordToolCall(ctx, journal.ToolCall{
		SessionID: sess.ID,
		CallID:    rec.ID,
		Name:      rec.Name,
		Args:      rec.Args,
		Status:    rec.Status,
		Message:   rec.Message,
		Duration:  rec.Duration,
		At:        time.Now(),
	})
	if err != nil {
		c.log.Warn("gateway: journal tool call", "tool", rec.Name, "err", err)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func (c *Conn) showWidget(widget string, args map[string]string) {
	_ = c.sendJSON(WidgetMessage{Type: TypeWidget, Widget: widget, Args: args})
}

func (c *Conn) pushState(connected bool) {
	_ = c.sendJSON(StateMessage{Type: TypeState, Connected: connected})
}

// pushVolume forwards level changes. Meter ticks that barely move the level
// are skipped.
func (c *Conn) pushVolume(v float64) {
	c.mu.Lock()
	last := c.lastVolume
	if v == last || (v != 0 && math.Abs(v-last) < volumeEpsilon) {
		c.mu.Unlock()
		return
	}
	c.lastVolume = v
	c.mu.Unlock()

	data, err := json.Marshal(VolumeMessage{Type: TypeVolume, Volume: v})
	if err != nil {
		return
	}
	select {
	case c.out <- frame{typ: websocket.MessageText, data: data}:
	default:
	}
}

func (c *Conn) sendError(code, message string) error {
	return c.sendJSON(ErrorMessage{Type: TypeError, Code: code, Message: message})
}

func (c *Conn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: encode %T: %w", v, err)
	}
	select {
	case c.out <- frame{typ: websocket.MessageText, data: data}:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// browserSink is the playback output: paced PCM16 goes to the page as binary
// frames, and a flush tells the page to drop what it has buffered.
type browserSink struct {
	c *Conn
}

var (
	_ audio.Output  = browserSink{}
	_ audio.Flusher = browserSink{}
)

func (b browserSink) WritePCM(pcm []byte) error {
	data := append([]byte(nil), pcm...)
	select {
	case b.c.out <- frame{typ: websocket.MessageBinary, data: data}:
		return nil
	case <-b.c.ctx.Done():
		return b.c.ctx.Err()
	default:
		return errOutboundFull
	}
}

func (b browserSink) Flush() error {
	return b.c.sendJSON(FlushMessage{Type: TypeFlush})
}

func (browserSink) Close() error { return nil }
