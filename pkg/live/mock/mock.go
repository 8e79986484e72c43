// Package mock provides a test double for the live.Client surface used by the
// lifecycle controller, the tool dispatcher and the gateway.
//
// Client records every call and lets tests inject events synchronously:
//
//	c := &mock.Client{AutoSetup: true}
//	_ = c.Connect(ctx, "models/x", live.Config{})
//	c.Emit(live.AudioEvent{Data: pcm, SampleRate: 24000})
package mock

import (
	"context"
	"sync"

	"google.golang.org/genai"

	"github.com/MrWong99/maia/pkg/live"
)

// ConnectCall records a single invocation of Client.Connect.
type ConnectCall struct {
	Ctx   context.Context
	Model string
	Cfg   live.Config
}

// Client is a mock realtime session client. Events are delivered
// synchronously on the goroutine that calls Emit, Connect or Disconnect.
type Client struct {
	live.Bus

	mu sync.Mutex

	// ConnectErr, if non-nil, is returned by Connect and leaves the client
	// closed.
	ConnectErr error

	// SendErr, if non-nil, is returned by every send method.
	SendErr error

	// AutoSetup makes Connect emit OpenEvent and SetupCompleteEvent before
	// returning, like a real server that acknowledges immediately.
	AutoSetup bool

	// Sent, if non-nil, receives a copy of every tool response batch. Sends
	// are non-blocking; size the buffer accordingly.
	Sent chan []*genai.FunctionResponse

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// DisconnectCalls counts calls to Disconnect.
	DisconnectCalls int

	// ToolResponses records every SendToolResponse batch in order.
	ToolResponses [][]*genai.FunctionResponse

	// Messages records every message passed to Send.
	Messages []live.Message

	state live.State
}

// Connect records the call and moves to open (or closed on ConnectErr).
func (c *Client) Connect(ctx context.Context, model string, cfg live.Config) error {
	c.mu.Lock()
	c.ConnectCalls = append(c.ConnectCalls, ConnectCall{Ctx: ctx, Model: model, Cfg: cfg})
	if c.state == live.StateConnecting || c.state == live.StateOpen {
		c.mu.Unlock()
		return live.ErrAlreadyConnected
	}
	if c.ConnectErr != nil {
		c.state = live.StateClosed
		err := c.ConnectErr
		c.mu.Unlock()
		return err
	}
	c.state = live.StateOpen
	auto := c.AutoSetup
	c.mu.Unlock()

	if auto {
		c.Publish(live.OpenEvent{})
		c.Publish(live.SetupCompleteEvent{})
	}
	return nil
}

// Disconnect records the call, moves to closed and emits CloseEvent if a
// session was open.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.DisconnectCalls++
	wasOpen := c.state == live.StateOpen || c.state == live.StateConnecting
	c.state = live.StateClosed
	c.mu.Unlock()

	if wasOpen {
		c.Publish(live.CloseEvent{Code: -1, Reason: live.CloseReasonLocal})
	}
	return nil
}

// State returns the mock connection state.
func (c *Client) State() live.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState forces the connection state without emitting events.
func (c *Client) SetState(s live.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Emit delivers ev to subscribers synchronously.
func (c *Client) Emit(ev live.Event) { c.Publish(ev) }

// Send records msg. It fails with live.ErrNotConnected unless open.
func (c *Client) Send(msg live.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != live.StateOpen {
		return live.ErrNotConnected
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Messages = append(c.Messages, msg)
	return nil
}

// SendToolResponse records the batch, subject to the same rules as Send.
func (c *Client) SendToolResponse(responses ...*genai.FunctionResponse) error {
	c.mu.Lock()
	if c.state != live.StateOpen {
		c.mu.Unlock()
		return live.ErrNotConnected
	}
	if c.SendErr != nil {
		err := c.SendErr
		c.mu.Unlock()
		return err
	}
	batch := append([]*genai.FunctionResponse(nil), responses...)
	c.ToolResponses = append(c.ToolResponses, batch)
	sent := c.Sent
	c.mu.Unlock()

	if sent != nil {
		select {
		case sent <- batch:
		default:
		}
	}
	return nil
}

// Connects returns the number of Connect calls. Thread-safe.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ConnectCalls)
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (c *Client) Calls() []ConnectCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConnectCall(nil), c.ConnectCalls...)
}

// Disconnects returns the number of Disconnect calls. Thread-safe.
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DisconnectCalls
}

// Batches returns a copy of the recorded tool response batches.
func (c *Client) Batches() [][]*genai.FunctionResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]*genai.FunctionResponse(nil), c.ToolResponses...)
}

// Inputs returns a copy of the messages recorded by Send.
func (c *Client) Inputs() []live.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.Message(nil), c.Messages...)
}

// Reset clears all recorded calls. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls = nil
	c.DisconnectCalls = 0
	c.ToolResponses = nil
	c.Messages = nil
}
