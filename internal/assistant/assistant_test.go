package assistant_test

import (
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"google.golang.org/genai"

	"github.com/MrWong99/maia/internal/assistant"
	"github.com/MrWong99/maia/internal/geo"
)

// 2026-10-16 07:30:00 UTC is 3:30:00 pm in Kuala Lumpur.
var fixedNow = time.Date(2026, 10, 16, 7, 30, 0, 0, time.UTC)

func newBuilder(t *testing.T, opts ...assistant.Option) *assistant.Builder {
	t.Helper()
	opts = append([]assistant.Option{assistant.WithClock(func() time.Time { return fixedNow })}, opts...)
	b, err := assistant.New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestDateLine_TwelveHourInZone(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)

	line := b.DateLine()
	for _, want := range []string{"Asia/Kuala_Lumpur", "Friday, 16 October 2026", "3:30:00 pm"} {
		if !strings.Contains(line, want) {
			t.Errorf("date line %q lacks %q", line, want)
		}
	}
}

func TestNew_UnknownZone(t *testing.T) {
	t.Parallel()
	if _, err := assistant.New(assistant.WithTimeZone("Mars/Olympus_Mons")); err == nil {
		t.Error("expected error for unknown zone")
	}
}

func TestLocationLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		loc  *geo.Location
		lerr *geo.LocationError
		want string
	}{
		{
			name: "known",
			loc:  &geo.Location{Latitude: 3.139, Longitude: 101.6869, Accuracy: 25},
			want: "Latitude 3.139, Longitude 101.6869 (accuracy: 25m)",
		},
		{
			name: "error",
			lerr: geo.NewLocationError(geo.CodePermissionDenied),
			want: "unable to retrieve the user's location: Location access denied by user",
		},
		{
			name: "pending",
			want: "attempting to retrieve the user's location",
		},
		{
			name: "fix wins over error",
			loc:  &geo.Location{Latitude: 1, Longitude: 2, Accuracy: 3},
			lerr: geo.NewLocationError(geo.CodeTimeout),
			want: "Latitude 1, Longitude 2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := assistant.LocationLine(tt.loc, tt.lerr); !strings.Contains(got, tt.want) {
				t.Errorf("LocationLine = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)
	decls := []*genai.FunctionDeclaration{{Name: "show_map"}}

	cfg := b.Config(nil, nil, decls)

	if cfg.Voice != assistant.DefaultVoice {
		t.Errorf("voice = %q", cfg.Voice)
	}
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("modalities = %v", cfg.ResponseModalities)
	}
	if !cfg.GoogleSearch {
		t.Error("google search grounding should default on")
	}
	if len(cfg.FunctionDeclarations) != 1 {
		t.Errorf("declarations = %v", cfg.FunctionDeclarations)
	}
	if len(cfg.SystemInstruction) != 3 || !strings.Contains(cfg.SystemInstruction[0], "Maia") {
		t.Errorf("instruction = %q", cfg.SystemInstruction)
	}
}

func TestConfig_Options(t *testing.T) {
	t.Parallel()
	b := newBuilder(t,
		assistant.WithPersona("You are a terse assistant."),
		assistant.WithVoice("Puck"),
		assistant.WithGoogleSearch(false),
		assistant.WithTranscription(true),
		assistant.WithTimeZone("UTC"),
	)

	cfg := b.Config(nil, nil, nil)
	if cfg.Voice != "Puck" || cfg.GoogleSearch || !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SystemInstruction[0] != "You are a terse assistant." {
		t.Errorf("persona = %q", cfg.SystemInstruction[0])
	}
	if !strings.Contains(cfg.SystemInstruction[1], "7:30:00 am") {
		t.Errorf("date line = %q", cfg.SystemInstruction[1])
	}
}
