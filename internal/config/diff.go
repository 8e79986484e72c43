package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistantChanged is true if the persona, voice, time zone, search
	// grounding, transcription or widget set changed.
	AssistantChanged bool
	WidgetsChanged   bool

	// SessionChanged is true if the inactivity timeout or tool response
	// delay changed.
	SessionChanged bool

	ModelChanged bool

	// RestartRequired lists fields that changed but only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AssistantChanged && !d.SessionChanged &&
		!d.ModelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Assistant, new.Assistant
	d.WidgetsChanged = !slices.Equal(oa.Widgets, na.Widgets)
	d.AssistantChanged = d.WidgetsChanged ||
		oa.Persona != na.Persona ||
		oa.Voice != na.Voice ||
		oa.TimeZone != na.TimeZone ||
		oa.SearchEnabled() != na.SearchEnabled() ||
		oa.Transcription != na.Transcription

	d.SessionChanged = old.Session != new.Session
	d.ModelChanged = old.Live.Model != new.Live.Model

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("live.api_key", old.Live.APIKey != new.Live.APIKey)
	restart("live.base_url", old.Live.BaseURL != new.Live.BaseURL)
	restart("live.breaker", old.Live.Breaker != new.Live.Breaker)
	restart("audio", old.Audio != new.Audio)
	restart("journal.postgres_dsn", old.Journal.PostgresDSN != new.Journal.PostgresDSN)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
