package live

import (
	"time"

	"google.golang.org/genai"
)

// EventKind discriminates the variants of [Event].
type EventKind uint8

const (
	KindOpen EventKind = iota + 1
	KindClose
	KindError
	KindSetupComplete
	KindAudio
	KindContent
	KindToolCall
	KindToolCallCancellation
	KindTurnComplete
	KindInterrupted
	KindTranscription
	KindGoAway
	KindUsage
)

// String returns the wire-style name of the kind, used as a metric attribute.
func (k EventKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindError:
		return "error"
	case KindSetupComplete:
		return "setupcomplete"
	case KindAudio:
		return "audio"
	case KindContent:
		return "content"
	case KindToolCall:
		return "toolcall"
	case KindToolCallCancellation:
		return "toolcallcancellation"
	case KindTurnComplete:
		return "turncomplete"
	case KindInterrupted:
		return "interrupted"
	case KindTranscription:
		return "transcription"
	case KindGoAway:
		return "goaway"
	case KindUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Event is the tagged union of everything a [Client] emits. Switch on the
// concrete type or on Kind.
type Event interface {
	Kind() EventKind
}

// Compile-time assertions that every variant is an Event.
var (
	_ Event = OpenEvent{}
	_ Event = CloseEvent{}
	_ Event = ErrorEvent{}
	_ Event = SetupCompleteEvent{}
	_ Event = AudioEvent{}
	_ Event = ContentEvent{}
	_ Event = ToolCallEvent{}
	_ Event = ToolCallCancellationEvent{}
	_ Event = TurnCompleteEvent{}
	_ Event = InterruptedEvent{}
	_ Event = TranscriptionEvent{}
	_ Event = GoAwayEvent{}
	_ Event = UsageEvent{}
)

// OpenEvent fires once the transport is up and the setup frame was written.
type OpenEvent struct{}

// CloseReasonLocal is the [CloseEvent] reason of a session ended by
// Disconnect rather than by the peer or a failure.
const CloseReasonLocal = "client disconnect"

// CloseEvent fires exactly once per session when it reaches [StateClosed].
type CloseEvent struct {
	// Code is the websocket close status, or -1 when none was received.
	Code int
	// Reason is the close reason sent by the peer or chosen locally.
	Reason string
}

// ErrorEvent carries a fatal [*TransportError], [ErrSetupTimeout] or a
// [*ServerError] frame.
type ErrorEvent struct {
	Err error
}

// SetupCompleteEvent fires when the server acknowledges the setup frame.
type SetupCompleteEvent struct{}

// AudioEvent carries one chunk of model speech as 16-bit little-endian PCM.
type AudioEvent struct {
	Data       []byte
	SampleRate int
}

// ContentEvent carries a non-audio part of the model turn.
type ContentEvent struct {
	Text string
}

// ToolCallEvent carries every function call of one server tool-call request.
type ToolCallEvent struct {
	Calls []*genai.FunctionCall
}

// ToolCallCancellationEvent lists call ids the server no longer needs.
type ToolCallCancellationEvent struct {
	IDs []string
}

// TurnCompleteEvent marks the end of the model turn.
type TurnCompleteEvent struct{}

// InterruptedEvent signals that the user barged in; playback must stop.
type InterruptedEvent struct{}

// TranscriptionRole tells which side of the conversation was transcribed.
type TranscriptionRole string

const (
	TranscriptionInput  TranscriptionRole = "user"
	TranscriptionOutput TranscriptionRole = "model"
)

// TranscriptionEvent carries incremental speech transcription text.
type TranscriptionEvent struct {
	Role TranscriptionRole
	Text string
}

// GoAwayEvent announces that the server will close the session soon.
type GoAwayEvent struct {
	TimeLeft time.Duration
}

// UsageEvent reports token accounting for the session so far.
type UsageEvent struct {
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
}

func (OpenEvent) Kind() EventKind                 { return KindOpen }
func (CloseEvent) Kind() EventKind                { return KindClose }
func (ErrorEvent) Kind() EventKind                { return KindError }
func (SetupCompleteEvent) Kind() EventKind        { return KindSetupComplete }
func (AudioEvent) Kind() EventKind                { return KindAudio }
func (ContentEvent) Kind() EventKind              { return KindContent }
func (ToolCallEvent) Kind() EventKind             { return KindToolCall }
func (ToolCallCancellationEvent) Kind() EventKind { return KindToolCallCancellation }
func (TurnCompleteEvent) Kind() EventKind         { return KindTurnComplete }
func (InterruptedEvent) Kind() EventKind          { return KindInterrupted }
func (TranscriptionEvent) Kind() EventKind        { return KindTranscription }
func (GoAwayEvent) Kind() EventKind               { return KindGoAway }
func (UsageEvent) Kind() EventKind                { return KindUsage }
