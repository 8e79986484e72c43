package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/maia/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{Live: config.LiveConfig{APIKey: "k"}}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("diff = %+v, want empty", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.AssistantChanged || d.SessionChanged {
		t.Errorf("unrelated flags set: %+v", d)
	}
}

func TestDiff_Assistant(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantWidgets bool
	}{
		{"persona", func(c *config.Config) { c.Assistant.Persona = "new persona" }, false},
		{"voice", func(c *config.Config) { c.Assistant.Voice = "Kore" }, false},
		{"zone", func(c *config.Config) { c.Assistant.TimeZone = "UTC" }, false},
		{"search", func(c *config.Config) { c.Assistant.GoogleSearch = &off }, false},
		{"transcription", func(c *config.Config) { c.Assistant.Transcription = true }, false},
		{"widgets", func(c *config.Config) { c.Assistant.Widgets = []string{"show_map"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !d.AssistantChanged {
				t.Error("AssistantChanged = false")
			}
			if d.WidgetsChanged != tt.wantWidgets {
				t.Errorf("WidgetsChanged = %v, want %v", d.WidgetsChanged, tt.wantWidgets)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("restart required for hot-reloadable field: %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_ExplicitSearchTrueEqualsDefault(t *testing.T) {
	t.Parallel()
	on := true
	old, new := baseConfig(), baseConfig()
	new.Assistant.GoogleSearch = &on
	if d := config.Diff(old, new); d.AssistantChanged {
		t.Error("nil and true google_search should compare equal")
	}
}

func TestDiff_SessionAndModel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Session.InactivityTimeout = time.Minute
	new.Live.Model = "models/other"

	d := config.Diff(old, new)
	if !d.SessionChanged || !d.ModelChanged {
		t.Errorf("diff = %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":1234"
	new.Journal.PostgresDSN = "postgres://db/maia"
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}

	d := config.Diff(old, new)
	for _, want := range []string{"server.listen_addr", "journal.postgres_dsn", "server.tls"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %s", d.RestartRequired, want)
		}
	}
	if d.Empty() {
		t.Error("Empty() = true")
	}
}
