// Package assistant builds the Live session configuration for the Maia
// persona: system instruction, voice, tools and modality.
package assistant

import (
	"fmt"
	"strconv"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/maia/internal/geo"
	"github.com/MrWong99/maia/pkg/live"
)

// Defaults applied by [New].
const (
	DefaultVoice    = "Aoede"
	DefaultTimeZone = "Asia/Kuala_Lumpur"

	DefaultPersona = `You are a helpful AI assistant named Maia. Your AI model was developed and trained by Maia AI Organization. Follow these guidelines:
1. Respond concisely in the user's language
2. Maintain context of the conversation history provided
3. Maintain professional yet friendly tone
4. Use the current date and time given below for time-sensitive info
5. For traffic updates, use Google Search to get real-time traffic information and combine it with the user's location
6. When providing traffic updates, include current conditions, estimated travel times, alternative routes if available, and any incidents or construction`
)

// dateLayout renders a 12-hour clock, e.g.
// "Friday, 16 October 2026, 3:04:05 pm +08".
const dateLayout = "Monday, 2 January 2006, 3:04:05 pm MST"

// Option configures a [Builder].
type Option func(*Builder)

// WithPersona replaces [DefaultPersona]. Empty keeps the default.
func WithPersona(text string) Option {
	return func(b *Builder) {
		if text != "" {
			b.persona = text
		}
	}
}

// WithVoice selects the prebuilt voice.
func WithVoice(name string) Option {
	return func(b *Builder) {
		if name != "" {
			b.voice = name
		}
	}
}

// WithTimeZone sets the IANA zone the date line is rendered in.
func WithTimeZone(name string) Option {
	return func(b *Builder) { b.zoneName = name }
}

// WithGoogleSearch toggles the search grounding tool. On by default.
func WithGoogleSearch(on bool) Option {
	return func(b *Builder) { b.search = on }
}

// WithTranscription requests input and output transcripts.
func WithTranscription(on bool) Option {
	return func(b *Builder) { b.transcribe = on }
}

// WithClock overrides time.Now. Tests only.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// Builder renders [live.Config] values. It is immutable after [New] and
// safe for concurrent use.
type Builder struct {
	persona    string
	voice      string
	zoneName   string
	zone       *time.Location
	search     bool
	transcribe bool
	now        func() time.Time
}

// New creates a builder. It fails when the time zone is unknown.
func New(opts ...Option) (*Builder, error) {
	b := &Builder{
		persona:  DefaultPersona,
		voice:    DefaultVoice,
		zoneName: DefaultTimeZone,
		search:   true,
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.zoneName == "" {
		b.zoneName = DefaultTimeZone
	}
	zone, err := time.LoadLocation(b.zoneName)
	if err != nil {
		return nil, fmt.Errorf("assistant: time zone %q: %w", b.zoneName, err)
	}
	b.zone = zone
	return b, nil
}

// Config renders the session configuration for the given location state and
// tool declarations. loc and lerr may both be nil while the position is
// still being looked up.
func (b *Builder) Config(loc *geo.Location, lerr *geo.LocationError, decls []*genai.FunctionDeclaration) live.Config {
	return live.Config{
		ResponseModalities:   []genai.Modality{genai.ModalityAudio},
		Voice:                b.voice,
		SystemInstruction:    b.Instruction(loc, lerr),
		GoogleSearch:         b.search,
		FunctionDeclarations: decls,
		InputTranscription:   b.transcribe,
		OutputTranscription:  b.transcribe,
	}
}

// Instruction returns the system instruction parts: persona, date line and
// location line.
func (b *Builder) Instruction(loc *geo.Location, lerr *geo.LocationError) []string {
	return []string{b.persona, b.DateLine(), LocationLine(loc, lerr)}
}

// DateLine renders the current date and time in the builder's zone.
func (b *Builder) DateLine() string {
	return fmt.Sprintf("The current date and time (%s) is: %s",
		b.zoneName, b.now().In(b.zone).Format(dateLayout))
}

// LocationLine describes what is known about the user's position. A known
// fix wins over an error.
func LocationLine(loc *geo.Location, lerr *geo.LocationError) string {
	switch {
	case loc != nil:
		return fmt.Sprintf("The user's current location is: Latitude %s, Longitude %s (accuracy: %sm). "+
			"Use this for location-based queries including traffic updates.",
			formatFloat(loc.Latitude), formatFloat(loc.Longitude), formatFloat(loc.Accuracy))
	case lerr != nil:
		return fmt.Sprintf("The application was unable to retrieve the user's location: %s. "+
			"For traffic queries, ask the user to specify their location.", lerr.Message)
	default:
		return "The application is attempting to retrieve the user's location for traffic and location-based services."
	}
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
