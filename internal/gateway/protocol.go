package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Browser -> gateway message types. Binary frames carry microphone PCM16 at
// the most recently declared input rate.
const (
	TypeGesture       = "gesture"
	TypeConnect       = "connect"
	TypeDisconnect    = "disconnect"
	TypeAudio         = "audio"
	TypeVideo         = "video"
	TypeText          = "text"
	TypeLocation      = "location"
	TypeLocationError = "location_error"
)

// Gateway -> browser message types. Binary frames carry paced assistant
// speech at the output rate announced in [ReadyMessage].
const (
	TypeReady      = "ready"
	TypeState      = "state"
	TypeVolume     = "volume"
	TypeWidget     = "widget"
	TypeTranscript = "transcript"
	TypeFlush      = "flush"
	TypeGoAway     = "go_away"
	TypeError      = "error"
)

// Error codes sent in [ErrorMessage].
const (
	CodeBadRequest          = "bad_request"
	CodeUnsupported         = "unsupported"
	CodeConnectFailed       = "connect_failed"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstream            = "upstream_error"
	CodeSendFailed          = "send_failed"
)

// DecodeError describes a browser message the gateway could not accept.
// The connection stays open; the error is reported back as an
// [ErrorMessage].
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: CodeUnsupported, Message: message, Param: param}
}

// ── Browser -> gateway ────────────────────────────────────────────────────────

// GestureMessage reports the first user interaction; playback may start.
type GestureMessage struct{}

// ConnectMessage asks for a Live session. It also counts as a gesture.
type ConnectMessage struct{}

// DisconnectMessage ends the Live session but keeps the browser connection.
type DisconnectMessage struct{}

// AudioMessage carries microphone PCM16. SampleRate and Channels also become
// the format of later binary frames.
type AudioMessage struct {
	Data       []byte `json:"data"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// VideoMessage carries one camera or screen frame.
type VideoMessage struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mime_type"`
}

// TextMessage is a typed user turn.
type TextMessage struct {
	Text string `json:"text"`
}

// LocationMessage is a geolocation fix. Timestamp is in Unix milliseconds.
type LocationMessage struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

// LocationErrorMessage reports a failed geolocation lookup.
type LocationErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DecodeClientMessage parses one JSON text frame from the browser. It returns
// one of the *Message types of this package or a [*DecodeError].
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeGesture:
		return GestureMessage{}, nil
	case TypeConnect:
		return ConnectMessage{}, nil
	case TypeDisconnect:
		return DisconnectMessage{}, nil
	case TypeAudio:
		var msg AudioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if len(msg.Data) == 0 {
			return nil, badRequest("audio.data is required", "data")
		}
		if msg.SampleRate < 0 || msg.Channels < 0 {
			return nil, badRequest("audio format must not be negative", "sample_rate")
		}
		return msg, nil
	case TypeVideo:
		var msg VideoMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid video frame", "")
		}
		if len(msg.Data) == 0 {
			return nil, badRequest("video.data is required", "data")
		}
		if msg.MIMEType == "" {
			msg.MIMEType = "image/jpeg"
		}
		if !strings.HasPrefix(msg.MIMEType, "image/") {
			return nil, unsupported("video.mime_type must be an image type", "mime_type")
		}
		return msg, nil
	case TypeText:
		var msg TextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text.text is required", "text")
		}
		return msg, nil
	case TypeLocation:
		var msg LocationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid location frame", "")
		}
		if msg.Latitude < -90 || msg.Latitude > 90 {
			return nil, badRequest("location.latitude out of range", "latitude")
		}
		if msg.Longitude < -180 || msg.Longitude > 180 {
			return nil, badRequest("location.longitude out of range", "longitude")
		}
		if msg.Accuracy < 0 {
			return nil, badRequest("location.accuracy must not be negative", "accuracy")
		}
		return msg, nil
	case TypeLocationError:
		var msg LocationErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid location_error frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unknown message type", typ)
	}
}

// ── Gateway -> browser ────────────────────────────────────────────────────────

// ReadyMessage is the first frame on every connection.
type ReadyMessage struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	InputSampleRate  int    `json:"input_sample_rate"`
	OutputSampleRate int    `json:"output_sample_rate"`
}

// StateMessage reports whether a Live session is open.
type StateMessage struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

// VolumeMessage carries the assistant output level in [0, 1].
type VolumeMessage struct {
	Type   string  `json:"type"`
	Volume float64 `json:"volume"`
}

// WidgetMessage asks the page to open a widget.
type WidgetMessage struct {
	Type   string            `json:"type"`
	Widget string            `json:"widget"`
	Args   map[string]string `json:"args,omitempty"`
}

// TranscriptMessage forwards a user or model transcript fragment.
type TranscriptMessage struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

// FlushMessage tells the page to drop audio it has buffered but not played.
type FlushMessage struct {
	Type string `json:"type"`
}

// GoAwayMessage forwards the server's advance notice of a disconnect.
type GoAwayMessage struct {
	Type       string `json:"type"`
	TimeLeftMS int64  `json:"time_left_ms"`
}

// ErrorMessage reports a problem without closing the connection.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
