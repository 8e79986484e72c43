package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/maia/internal/tools"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, resolves the API key from the
// environment when the file leaves it empty, applies defaults and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.Live.APIKey == "" {
		cfg.Live.APIKey = os.Getenv(APIKeyEnv)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Live
	if strings.TrimSpace(cfg.Live.APIKey) == "" {
		errs = append(errs, fmt.Errorf("live.api_key is required (or set %s)", APIKeyEnv))
	}
	if cfg.Live.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("live.breaker.max_failures %d must not be negative", cfg.Live.Breaker.MaxFailures))
	}
	errs = appendNegative(errs, "live.setup_timeout", cfg.Live.SetupTimeout)
	errs = appendNegative(errs, "live.breaker.reset_timeout", cfg.Live.Breaker.ResetTimeout)

	// Assistant
	if cfg.Assistant.TimeZone != "" {
		if _, err := time.LoadLocation(cfg.Assistant.TimeZone); err != nil {
			errs = append(errs, fmt.Errorf("assistant.time_zone %q: %w", cfg.Assistant.TimeZone, err))
		}
	}
	if _, err := tools.Widgets(tools.Callbacks{}, cfg.Assistant.Widgets...); err != nil {
		errs = append(errs, fmt.Errorf("assistant.widgets: %w; valid values: %s", err, strings.Join(tools.WidgetNames(), ", ")))
	}

	// Session
	errs = appendNegative(errs, "session.inactivity_timeout", cfg.Session.InactivityTimeout)
	errs = appendNegative(errs, "session.tool_response_delay", cfg.Session.ToolResponseDelay)
	if cfg.Session.InactivityTimeout > 0 && cfg.Session.InactivityTimeout < time.Second {
		slog.Warn("session.inactivity_timeout is below one second; sessions will drop almost immediately",
			"inactivity_timeout", cfg.Session.InactivityTimeout)
	}

	// Audio
	for name, rate := range map[string]int{
		"audio.input_sample_rate":  cfg.Audio.InputSampleRate,
		"audio.output_sample_rate": cfg.Audio.OutputSampleRate,
	} {
		if rate < 0 || (rate > 0 && (rate < 8000 || rate > 48000)) {
			errs = append(errs, fmt.Errorf("%s %d is out of range [8000, 48000]", name, rate))
		}
	}
	errs = appendNegative(errs, "audio.quantum", cfg.Audio.Quantum)
	errs = appendNegative(errs, "audio.initial_delay", cfg.Audio.InitialDelay)
	errs = appendNegative(errs, "audio.meter_interval", cfg.Audio.MeterInterval)

	// Location
	errs = appendNegative(errs, "location.timeout", cfg.Location.Timeout)
	errs = appendNegative(errs, "location.max_age", cfg.Location.MaxAge)

	// Journal
	if cfg.Journal.PostgresDSN == "" {
		slog.Debug("journal.postgres_dsn is empty; the session journal is kept in memory")
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

func appendNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}
