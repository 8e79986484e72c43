// Package observe provides application-wide observability primitives for
// Maia: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Maia metrics.
const meterName = "github.com/MrWong99/maia"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LiveConnectDuration tracks how long a Live API connect (dial + setup
	// handshake) takes. Use with attribute:
	//   attribute.String("status", ...)
	LiveConnectDuration metric.Float64Histogram

	// ToolDispatchDuration tracks the time from a tool-call event to the
	// batched response being sent, including the response delay.
	ToolDispatchDuration metric.Float64Histogram

	// SessionDuration tracks how long browser sessions stay connected.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// LiveEvents counts inbound Live events. Use with attribute:
	//   attribute.String("kind", ...)
	LiveEvents metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// InactivityDisconnects counts sessions closed by the idle reaper.
	InactivityDisconnects metric.Int64Counter

	// PlayedAudio accumulates seconds of assistant audio written to outputs.
	PlayedAudio metric.Float64Counter

	// Tokens counts model tokens reported by usage metadata. Use with
	// attribute:
	//   attribute.String("direction", "prompt"|"response")
	Tokens metric.Int64Counter

	// --- Error counters ---

	// ProtocolErrors counts dropped inbound frames. Use with attribute:
	//   attribute.String("reason", ...)
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected browser sessions.
	ActiveSessions metric.Int64UpDownCounter

	// OpenLiveSessions tracks the number of open upstream Live sessions.
	OpenLiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connect and dispatch latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// sessionBuckets covers sessions from seconds to an hour.
var sessionBuckets = []float64{
	5, 15, 30, 60, 180, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LiveConnectDuration, err = m.Float64Histogram("maia.live.connect.duration",
		metric.WithDescription("Latency of Live API connect including the setup handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDispatchDuration, err = m.Float64Histogram("maia.tool.dispatch.duration",
		metric.WithDescription("Time from a tool-call request to its batched response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("maia.session.duration",
		metric.WithDescription("Lifetime of browser sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.LiveEvents, err = m.Int64Counter("maia.live.events",
		metric.WithDescription("Total inbound Live events by kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("maia.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.InactivityDisconnects, err = m.Int64Counter("maia.inactivity.disconnects",
		metric.WithDescription("Total sessions disconnected for inactivity."),
	); err != nil {
		return nil, err
	}
	if met.PlayedAudio, err = m.Float64Counter("maia.audio.played",
		metric.WithDescription("Seconds of assistant audio played."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("maia.live.tokens",
		metric.WithDescription("Model tokens reported by usage metadata, by direction."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolErrors, err = m.Int64Counter("maia.live.protocol_errors",
		metric.WithDescription("Total dropped inbound frames by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("maia.active_sessions",
		metric.WithDescription("Number of connected browser sessions."),
	); err != nil {
		return nil, err
	}
	if met.OpenLiveSessions, err = m.Int64UpDownCounter("maia.live.open_sessions",
		metric.WithDescription("Number of open upstream Live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("maia.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLiveConnect records one connect attempt and its latency.
func (m *Metrics) RecordLiveConnect(ctx context.Context, d time.Duration, status string) {
	m.LiveConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordLiveEvent counts one inbound event of kind.
func (m *Metrics) RecordLiveEvent(ctx context.Context, kind string) {
	m.LiveEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProtocolError counts one dropped frame.
func (m *Metrics) RecordProtocolError(ctx context.Context, reason string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordToolDispatch records the latency of one batched tool response.
func (m *Metrics) RecordToolDispatch(ctx context.Context, d time.Duration) {
	m.ToolDispatchDuration.Record(ctx, d.Seconds())
}

// RecordInactivityDisconnect counts one idle-reaper disconnect.
func (m *Metrics) RecordInactivityDisconnect(ctx context.Context) {
	m.InactivityDisconnects.Add(ctx, 1)
}

// RecordPlayedAudio adds d of played assistant audio.
func (m *Metrics) RecordPlayedAudio(ctx context.Context, d time.Duration) {
	if d > 0 {
		m.PlayedAudio.Add(ctx, d.Seconds())
	}
}

// RecordTokens records prompt and response token counts from usage metadata.
func (m *Metrics) RecordTokens(ctx context.Context, prompt, response int) {
	if prompt > 0 {
		m.Tokens.Add(ctx, int64(prompt), metric.WithAttributes(attribute.String("direction", "prompt")))
	}
	if response > 0 {
		m.Tokens.Add(ctx, int64(response), metric.WithAttributes(attribute.String("direction", "response")))
	}
}

// RecordSession records the lifetime of one browser session.
func (m *Metrics) RecordSession(ctx context.Context, d time.Duration) {
	m.SessionDuration.Record(ctx, d.Seconds())
}
