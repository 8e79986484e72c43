package live

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	// InputSampleRate is the rate the Live API expects for microphone audio.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of model speech when the server does not
	// state one in the MIME type.
	OutputSampleRate = 24000

	modelPrefix = "models/"
)

// Config is the session configuration sent in the setup frame.
type Config struct {
	// ResponseModalities defaults to AUDIO when empty.
	ResponseModalities []genai.Modality

	// Voice selects a prebuilt voice (e.g. "Aoede"). Empty keeps the server
	// default.
	Voice string

	// SystemInstruction is sent as one text part per element.
	SystemInstruction []string

	// GoogleSearch enables the server-side search grounding tool.
	GoogleSearch bool

	// FunctionDeclarations lists the tools the model may call.
	FunctionDeclarations []*genai.FunctionDeclaration

	// InputTranscription and OutputTranscription request speech
	// transcripts of the user and the model respectively.
	InputTranscription  bool
	OutputTranscription bool
}

// MediaChunk is one realtime input blob, such as a camera frame.
type MediaChunk struct {
	MIMEType string
	Data     []byte
}

// Turn is one text turn of client content. Role "assistant" is mapped to the
// protocol's "model"; anything else but "model" is sent as "user".
type Turn struct {
	Role string
	Text string
}

// ── Encoders ───────────────────────────────────────────────────────────────────

// EncodeSetup builds the initial setup frame. A model without the "models/"
// prefix gets one.
func EncodeSetup(model string, cfg Config) ([]byte, error) {
	if model == "" {
		return nil, errors.New("live: encode setup: empty model")
	}
	if !strings.HasPrefix(model, modelPrefix) {
		model = modelPrefix + model
	}

	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []genai.Modality{genai.ModalityAudio}
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.SystemInstruction) > 0 {
		parts := make([]part, 0, len(cfg.SystemInstruction))
		for _, text := range cfg.SystemInstruction {
			if text != "" {
				parts = append(parts, part{Text: text})
			}
		}
		if len(parts) > 0 {
			msg.Setup.SystemInstruction = &content{Parts: parts}
		}
	}

	if cfg.GoogleSearch {
		msg.Setup.Tools = append(msg.Setup.Tools, tool{GoogleSearch: &struct{}{}})
	}
	if len(cfg.FunctionDeclarations) > 0 {
		msg.Setup.Tools = append(msg.Setup.Tools, tool{FunctionDeclarations: cfg.FunctionDeclarations})
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return marshal(msg)
}

// EncodeAudioChunk wraps raw PCM16 in a realtimeInput frame. The bytes are
// base64-encoded inside the JSON envelope; sampleRate only labels the MIME
// type (zero means [InputSampleRate]).
func EncodeAudioChunk(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("live: encode audio: odd byte count %d for PCM16", len(pcm))
	}
	if sampleRate <= 0 {
		sampleRate = InputSampleRate
	}
	return EncodeMediaChunks([]MediaChunk{{
		MIMEType: "audio/pcm;rate=" + strconv.Itoa(sampleRate),
		Data:     pcm,
	}})
}

// EncodeMediaChunks wraps arbitrary realtime blobs (audio or image/jpeg
// frames) in a realtimeInput frame.
func EncodeMediaChunks(chunks []MediaChunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, errors.New("live: encode media: no chunks")
	}
	blobs := make([]blob, len(chunks))
	for i, c := range chunks {
		if c.MIMEType == "" {
			return nil, fmt.Errorf("live: encode media: chunk %d has no MIME type", i)
		}
		blobs[i] = blob{
			MIMEType: c.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(c.Data),
		}
	}
	return marshal(realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: blobs}})
}

// EncodeClientContent builds a clientContent frame from text turns.
func EncodeClientContent(turns []Turn, turnComplete bool) ([]byte, error) {
	out := make([]content, len(turns))
	for i, t := range turns {
		role := t.Role
		switch role {
		case "assistant":
			role = "model"
		case "model":
		default:
			role = "user"
		}
		out[i] = content{Role: role, Parts: []part{{Text: t.Text}}}
	}
	return marshal(clientContentMessage{
		ClientContent: clientContent{Turns: out, TurnComplete: turnComplete},
	})
}

// EncodeToolResponse builds a toolResponse frame.
func EncodeToolResponse(responses []*genai.FunctionResponse) ([]byte, error) {
	if len(responses) == 0 {
		return nil, errors.New("live: encode tool response: no responses")
	}
	return marshal(toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: responses},
	})
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("live: marshal: %w", err)
	}
	return data, nil
}

// ── Decoder ────────────────────────────────────────────────────────────────────

// DecodeFrame classifies one server frame into events, in protocol order:
// setup-complete, model-turn parts (audio and content, in part order),
// transcriptions, interrupted, turn-complete, tool calls, cancellations,
// go-away, usage, server error.
//
// The Live API sends JSON in both text and binary websocket messages, so the
// message type is irrelevant here. A frame that is not JSON, carries an
// undecodable payload, or matches no known shape yields a [*ProtocolError].
// A recognised frame that carries nothing of interest yields no events and
// no error.
func DecodeFrame(frame []byte) ([]Event, error) {
	if len(frame) == 0 {
		return nil, newProtocolError("empty frame", frame, nil)
	}

	var msg serverMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, newProtocolError("malformed JSON", frame, err)
	}

	var events []Event
	recognised := false

	if msg.SetupComplete != nil {
		recognised = true
		events = append(events, SetupCompleteEvent{})
	}

	if sc := msg.ServerContent; sc != nil {
		recognised = true
		decoded, err := decodeServerContent(sc)
		if err != nil {
			return nil, newProtocolError("bad serverContent", frame, err)
		}
		events = append(events, decoded...)
	}

	if tc := msg.ToolCall; tc != nil {
		recognised = true
		calls := make([]*genai.FunctionCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			if fc.Name == "" {
				return nil, newProtocolError("function call without name", frame, nil)
			}
			calls = append(calls, fc)
		}
		if len(calls) > 0 {
			events = append(events, ToolCallEvent{Calls: calls})
		}
	}

	if tcc := msg.ToolCallCancellation; tcc != nil {
		recognised = true
		if len(tcc.IDs) > 0 {
			events = append(events, ToolCallCancellationEvent{IDs: tcc.IDs})
		}
	}

	if ga := msg.GoAway; ga != nil {
		recognised = true
		ev := GoAwayEvent{}
		if ga.TimeLeft != "" {
			d, err := time.ParseDuration(ga.TimeLeft)
			if err != nil {
				return nil, newProtocolError("bad goAway.timeLeft", frame, err)
			}
			ev.TimeLeft = d
		}
		events = append(events, ev)
	}

	if um := msg.UsageMetadata; um != nil {
		recognised = true
		events = append(events, UsageEvent{
			PromptTokens:   um.PromptTokenCount,
			ResponseTokens: um.ResponseTokenCount,
			TotalTokens:    um.TotalTokenCount,
		})
	}

	if msg.SessionResumption != nil {
		recognised = true
	}

	if se := msg.Error; se != nil {
		recognised = true
		events = append(events, ErrorEvent{Err: &ServerError{
			Code:    se.Code,
			Message: se.Message,
			Status:  se.Status,
		}})
	}

	if !recognised {
		return nil, newProtocolError("unrecognised frame", frame, nil)
	}
	return events, nil
}

func decodeServerContent(sc *serverContent) ([]Event, error) {
	var events []Event

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				ev, ok, err := decodeInline(p.InlineData)
				if err != nil {
					return nil, err
				}
				if ok {
					events = append(events, ev)
				}
			}
			if p.Text != "" {
				events = append(events, ContentEvent{Text: p.Text})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, TranscriptionEvent{Role: TranscriptionInput, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, TranscriptionEvent{Role: TranscriptionOutput, Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		events = append(events, InterruptedEvent{})
	}
	if sc.TurnComplete {
		events = append(events, TurnCompleteEvent{})
	}
	return events, nil
}

// decodeInline turns an inlineData part into an AudioEvent. Non-audio blobs
// are skipped.
func decodeInline(b *blob) (Event, bool, error) {
	if !strings.HasPrefix(b.MIMEType, "audio/") {
		return nil, false, nil
	}
	data, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, false, fmt.Errorf("inlineData: %w", err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	if len(data)%2 != 0 {
		return nil, false, fmt.Errorf("inlineData: odd byte count %d for PCM16", len(data))
	}
	return AudioEvent{Data: data, SampleRate: sampleRateFromMIME(b.MIMEType)}, true, nil
}

// sampleRateFromMIME extracts the rate parameter of "audio/pcm;rate=24000".
func sampleRateFromMIME(mime string) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return OutputSampleRate
}
