package live

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected is returned by [Client.Connect] while a session is
	// connecting or open.
	ErrAlreadyConnected = errors.New("live: already connected")

	// ErrNotConnected is returned by [Client.Send] and its wrappers when the
	// client is not in [StateOpen]. No frame is written in that case.
	ErrNotConnected = errors.New("live: not connected")

	// ErrSetupTimeout is returned by [Client.Connect] when the server does not
	// acknowledge the setup frame within the setup window. The session is
	// closed.
	ErrSetupTimeout = errors.New("live: setup timed out")
)

// maxFrameSnippet bounds how much of an offending frame a [ProtocolError]
// keeps for logging.
const maxFrameSnippet = 256

// ProtocolError reports a frame that could not be decoded. It is recoverable:
// the frame is dropped and the session keeps running.
type ProtocolError struct {
	// Reason is a short description of what was wrong with the frame.
	Reason string

	// Frame holds the first bytes of the offending frame.
	Frame []byte

	// Err is the underlying decode error, if any.
	Err error
}

func newProtocolError(reason string, frame []byte, err error) *ProtocolError {
	if len(frame) > maxFrameSnippet {
		frame = frame[:maxFrameSnippet]
	}
	snippet := make([]byte, len(frame))
	copy(snippet, frame)
	return &ProtocolError{Reason: reason, Frame: snippet, Err: err}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("live: protocol error: %s: %v", e.Reason, e.Err)
	}
	return "live: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError reports a socket-level failure. It is fatal for the session:
// the client moves to [StateClosed] and emits an [ErrorEvent] followed by a
// [CloseEvent].
type TransportError struct {
	// Op is the transport operation that failed ("dial", "read", "write", ...).
	Op string

	// Err is the underlying network or websocket error.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("live: transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is an error frame sent by the Live API. It is surfaced as an
// [ErrorEvent]; whether the session survives is up to the server, which
// usually closes the socket right after.
type ServerError struct {
	Code    int
	Message string
	Status  string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("live: server error %d (%s): %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("live: server error %d: %s", e.Code, msg)
}
