// Package config provides the configuration schema, loader and hot-reload
// watcher for the Maia gateway.
package config

import "time"

// LogLevel controls log verbosity for the Maia server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultModel             = "models/gemini-2.0-flash-exp"
	DefaultSetupTimeout      = 15 * time.Second
	DefaultKeepalive         = 20 * time.Second
	DefaultBreakerFailures   = 5
	DefaultBreakerReset      = 30 * time.Second
	DefaultVoice             = "Aoede"
	DefaultTimeZone          = "Asia/Kuala_Lumpur"
	DefaultInactivityTimeout = 3 * time.Minute
	DefaultToolResponseDelay = 200 * time.Millisecond
	DefaultInputSampleRate   = 16000
	DefaultOutputSampleRate  = 24000
	DefaultQuantum           = 20 * time.Millisecond
	DefaultInitialDelay      = 100 * time.Millisecond
	DefaultMeterInterval     = 25 * time.Millisecond
	DefaultLocationTimeout   = 15 * time.Second
	DefaultLocationMaxAge    = time.Minute
	DefaultServiceName       = "maia"
)

// APIKeyEnv is consulted when live.api_key is empty.
const APIKeyEnv = "GEMINI_API_KEY"

// Config is the root configuration structure for Maia.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Live      LiveConfig      `yaml:"live"`
	Assistant AssistantConfig `yaml:"assistant"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Location  LocationConfig  `yaml:"location"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins lists browser origins accepted on /live. Empty accepts
	// same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds paths to the TLS certificate and private key.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LiveConfig configures the upstream Live API connection.
type LiveConfig struct {
	// APIKey authenticates against the Live API. Falls back to the
	// GEMINI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the websocket endpoint. Tests and proxies only.
	BaseURL string `yaml:"base_url"`

	// Model is the Live model name, with or without the "models/" prefix.
	Model string `yaml:"model"`

	// SetupTimeout bounds the wait for the setup acknowledgement.
	SetupTimeout time.Duration `yaml:"setup_timeout"`

	// Keepalive is the ping interval. Negative disables pings.
	Keepalive time.Duration `yaml:"keepalive"`

	// Breaker guards upstream dials.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AssistantConfig shapes the persona sent in the session setup. All fields
// are hot-reloadable and apply to sessions connected afterwards.
type AssistantConfig struct {
	Persona  string `yaml:"persona"`
	Voice    string `yaml:"voice"`
	TimeZone string `yaml:"time_zone"`

	// GoogleSearch enables search grounding. Nil means enabled.
	GoogleSearch *bool `yaml:"google_search"`

	// Transcription requests user and model transcripts.
	Transcription bool `yaml:"transcription"`

	// Widgets lists the enabled widget tools. Empty enables all.
	Widgets []string `yaml:"widgets"`
}

// SearchEnabled resolves the GoogleSearch default.
func (a AssistantConfig) SearchEnabled() bool {
	return a.GoogleSearch == nil || *a.GoogleSearch
}

// SessionConfig holds per-session policy knobs.
type SessionConfig struct {
	// InactivityTimeout disconnects sessions with no liveness signal.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// ToolResponseDelay postpones tool responses so widgets can open first.
	ToolResponseDelay time.Duration `yaml:"tool_response_delay"`
}

// AudioConfig tunes the playback and capture path.
type AudioConfig struct {
	// InputSampleRate is the assumed rate of binary microphone frames until
	// the browser declares another.
	InputSampleRate  int           `yaml:"input_sample_rate"`
	OutputSampleRate int           `yaml:"output_sample_rate"`
	Quantum          time.Duration `yaml:"quantum"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MeterInterval    time.Duration `yaml:"meter_interval"`
}

// LocationConfig bounds the wait for browser geolocation.
type LocationConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	MaxAge  time.Duration `yaml:"max_age"`
}

// JournalConfig selects the journal store.
type JournalConfig struct {
	// PostgresDSN enables the PostgreSQL journal. Empty keeps the journal
	// in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName      string  `yaml:"service_name"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ApplyDefaults fills every zero field with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)

	setDefault(&cfg.Live.Model, DefaultModel)
	setDefault(&cfg.Live.SetupTimeout, DefaultSetupTimeout)
	setDefault(&cfg.Live.Keepalive, DefaultKeepalive)
	setDefault(&cfg.Live.Breaker.MaxFailures, DefaultBreakerFailures)
	setDefault(&cfg.Live.Breaker.ResetTimeout, DefaultBreakerReset)

	setDefault(&cfg.Assistant.Voice, DefaultVoice)
	setDefault(&cfg.Assistant.TimeZone, DefaultTimeZone)

	setDefault(&cfg.Session.InactivityTimeout, DefaultInactivityTimeout)
	setDefault(&cfg.Session.ToolResponseDelay, DefaultToolResponseDelay)

	setDefault(&cfg.Audio.InputSampleRate, DefaultInputSampleRate)
	setDefault(&cfg.Audio.OutputSampleRate, DefaultOutputSampleRate)
	setDefault(&cfg.Audio.Quantum, DefaultQuantum)
	setDefault(&cfg.Audio.InitialDelay, DefaultInitialDelay)
	setDefault(&cfg.Audio.MeterInterval, DefaultMeterInterval)

	setDefault(&cfg.Location.Timeout, DefaultLocationTimeout)
	setDefault(&cfg.Location.MaxAge, DefaultLocationMaxAge)

	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
	setDefault(&cfg.Telemetry.TraceSampleRatio, 1.0)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
