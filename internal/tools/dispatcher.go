// Package tools answers server-initiated function calls of a Live session.
//
// A [Dispatcher] resolves every call of a tool-call request against its
// table of [Tool] values, runs the matching UI callback and sends one
// batched tool response per request after a short delay. Every call id is
// answered: unknown tools get a generic success acknowledgement, invalid
// arguments and failing callbacks get a failure-flagged response.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/maia/internal/observe"
	"github.com/MrWong99/maia/pkg/live"
)

// DefaultResponseDelay lets widget side effects start before the model
// continues speaking.
const DefaultResponseDelay = 200 * time.Millisecond

// Call statuses reported to metrics and the [Recorder].
const (
	StatusOK          = "ok"
	StatusUnknown     = "unknown"
	StatusInvalidArgs = "invalid_args"
	StatusError       = "error"
)

// Tool binds a declaration to the code that handles its calls.
type Tool struct {
	Declaration *genai.FunctionDeclaration

	// Message is the success message sent back. Empty means
	// [MessageSuccess].
	Message string

	// Invoke runs the side effect. A returned error, including an
	// [*ArgumentValidationError], produces a failure-flagged response.
	Invoke func(Args) error
}

// Responder is the part of the Live client the dispatcher may use.
type Responder interface {
	SendToolResponse(responses ...*genai.FunctionResponse) error
}

// CallRecord describes one answered call.
type CallRecord struct {
	ID       string
	Name     string
	Args     map[string]any
	Status   string
	Message  string
	Duration time.Duration
}

// Recorder receives a [CallRecord] for every call.
type Recorder func(ctx context.Context, rec CallRecord)

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithResponseDelay overrides [DefaultResponseDelay]. Zero sends at once.
func WithResponseDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.delay = delay
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRecorder registers r to observe every answered call.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.record = r }
}

// batch is one tool-call request waiting for its response delay.
type batch struct {
	timer     *time.Timer
	responses []*genai.FunctionResponse
}

// Dispatcher routes function calls to tools. It is safe for concurrent use.
type Dispatcher struct {
	out     Responder
	tools   map[string]Tool
	decls   []*genai.FunctionDeclaration
	delay   time.Duration
	log     *slog.Logger
	metrics *observe.Metrics
	record  Recorder

	mu      sync.Mutex
	pending map[*batch]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher that answers through out. Later tools
// replace earlier ones with the same name.
func NewDispatcher(out Responder, tools []Tool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		out:     out,
		tools:   make(map[string]Tool, len(tools)),
		delay:   DefaultResponseDelay,
		log:     slog.Default(),
		pending: make(map[*batch]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	for _, t := range tools {
		if t.Declaration == nil {
			continue
		}
		if _, dup := d.tools[t.Declaration.Name]; !dup {
			d.decls = append(d.decls, t.Declaration)
		}
		d.tools[t.Declaration.Name] = t
	}
	return d
}

// Declarations returns the declarations to put in the session setup, in
// registration order.
func (d *Dispatcher) Declarations() []*genai.FunctionDeclaration {
	return append([]*genai.FunctionDeclaration(nil), d.decls...)
}

// Attach subscribes the dispatcher to tool-call and cancellation events of
// src. Batches still pending when the session closes are dropped so they
// never reach the next session. The returned function undoes the
// subscription.
func (d *Dispatcher) Attach(src live.Source) (detach func()) {
	s1 := live.Handle(src, func(ev live.ToolCallEvent) { d.Dispatch(context.Background(), ev.Calls) })
	s2 := live.Handle(src, func(ev live.ToolCallCancellationEvent) { d.Cancel(ev.IDs...) })
	s3 := live.Handle(src, func(live.CloseEvent) { d.dropPending() })
	return func() {
		src.Off(s1)
		src.Off(s2)
		src.Off(s3)
	}
}

// Dispatch answers one tool-call request. Callbacks run synchronously; the
// batched response is sent after the response delay. It returns the
// responses it scheduled.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []*genai.FunctionCall) []*genai.FunctionResponse {
	if len(calls) == 0 {
		return nil
	}
	start := time.Now()

	responses := make([]*genai.FunctionResponse, 0, len(calls))
	for _, fc := range calls {
		if fc == nil {
			continue
		}
		responses = append(responses, d.answer(ctx, fc))
	}
	d.metrics.RecordToolDispatch(ctx, time.Since(start))

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return responses
	}
	if d.delay == 0 {
		d.mu.Unlock()
		d.send(responses)
		return responses
	}

	b := &batch{responses: responses}
	d.pending[b] = struct{}{}
	d.wg.Add(1)
	b.timer = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		_, ok := d.pending[b]
		delete(d.pending, b)
		out := b.responses
		d.mu.Unlock()
		if ok {
			d.send(out)
		}
	})
	d.mu.Unlock()
	return responses
}

// Cancel drops responses for ids the server no longer waits for. Batches
// that end up empty are not sent.
func (d *Dispatcher) Cancel(ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for b := range d.pending {
		kept := b.responses[:0:0]
		for _, r := range b.responses {
			if !drop[r.ID] {
				kept = append(kept, r)
			}
		}
		b.responses = kept
		if len(kept) == 0 && b.timer.Stop() {
			delete(d.pending, b)
			d.wg.Done()
		}
	}
}

// Close cancels every pending batch and waits for batches already being
// sent. Dispatch after Close still runs callbacks but sends nothing.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.dropPendingLocked()
	d.mu.Unlock()
	d.wg.Wait()
}

// dropPending cancels every pending batch but keeps the dispatcher usable
// for the next session.
func (d *Dispatcher) dropPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.pending); n > 0 {
		d.log.Debug("tools: session closed, dropping pending responses", "batches", n)
	}
	d.dropPendingLocked()
}

func (d *Dispatcher) dropPendingLocked() {
	for b := range d.pending {
		if b.timer.Stop() {
			d.wg.Done()
		}
		delete(d.pending, b)
	}
}

func (d *Dispatcher) send(responses []*genai.FunctionResponse) {
	if len(responses) == 0 {
		return
	}
	if err := d.out.SendToolResponse(responses...); err != nil {
		d.log.Warn("tools: send tool response", "calls", len(responses), "err", err)
	}
}

// answer resolves one call into its response.
func (d *Dispatcher) answer(ctx context.Context, fc *genai.FunctionCall) *genai.FunctionResponse {
	start := time.Now()
	status, msg := StatusOK, MessageSuccess

	tool, ok := d.tools[fc.Name]
	switch {
	case !ok:
		status = StatusUnknown
		d.log.Debug("tools: unknown tool acknowledged", "tool", fc.Name, "id", fc.ID)
	default:
		if tool.Message != "" {
			msg = tool.Message
		}
		if err := d.invoke(tool, NewArgs(fc.Name, fc.Args)); err != nil {
			msg = err.Error()
			status = StatusError
			var ave *ArgumentValidationError
			if errors.As(err, &ave) {
				status = StatusInvalidArgs
			}
			d.log.Warn("tools: call failed", "tool", fc.Name, "id", fc.ID, "status", status, "err", err)
		}
	}

	d.metrics.RecordToolCall(ctx, fc.Name, status)
	if d.record != nil {
		d.record(ctx, CallRecord{
			ID:       fc.ID,
			Name:     fc.Name,
			Args:     fc.Args,
			Status:   status,
			Message:  msg,
			Duration: time.Since(start),
		})
	}

	return &genai.FunctionResponse{
		ID:   fc.ID,
		Name: fc.Name,
		Response: map[string]any{
			"output": map[string]any{
				"success": status == StatusOK || status == StatusUnknown,
				"message": msg,
			},
		},
	}
}

// invoke runs the tool, turning a panicking callback into an error.
func (d *Dispatcher) invoke(t Tool, a Args) (err error) {
	if t.Invoke == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tools: %s: callback panicked: %v", t.Declaration.Name, r)
		}
	}()
	return t.Invoke(a)
}
