// Package observe provides observability primitives for voicebridge:
// OpenTelemetry metrics, tracing helpers, structured logging, and HTTP
// middleware tying them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed via [InitProvider] so metrics remain
// scrapeable at /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all voicebridge metrics.
const meterName = "github.com/murmurapp/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the relay. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks the number of live relayed voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Counters ---

	// ForwardedFrames counts frames relayed between the legs. Use with
	// attribute.String("direction", "client_to_upstream"|"upstream_to_client").
	ForwardedFrames metric.Int64Counter

	// ConfigInjections counts session.update frames the relay synthesized
	// after session.created.
	ConfigInjections metric.Int64Counter

	// TokensIssued counts short-lived client tokens minted. Use with
	// attribute.String("status", "ok"|"denied").
	TokensIssued metric.Int64Counter

	// UpstreamDialFailures counts failed upstream connection attempts.
	UpstreamDialFailures metric.Int64Counter

	// PhantomCancels counts model responses cancelled because no user
	// speech confirmed the turn.
	PhantomCancels metric.Int64Counter

	// --- Histograms ---

	// SessionDuration tracks how long relayed sessions stay up.
	SessionDuration metric.Float64Histogram

	// UpstreamDialDuration tracks upstream connection establishment time.
	UpstreamDialDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// dialBuckets are histogram boundaries (seconds) sized for connection
// establishment latencies.
var dialBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// sessionBuckets are histogram boundaries (seconds) sized for voice session
// lifetimes.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.sessions.active",
		metric.WithDescription("Number of live relayed voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.ForwardedFrames, err = m.Int64Counter("voicebridge.relay.frames",
		metric.WithDescription("Total frames forwarded between the legs, by direction."),
	); err != nil {
		return nil, err
	}
	if met.ConfigInjections, err = m.Int64Counter("voicebridge.relay.injections",
		metric.WithDescription("Total session configuration frames injected after session.created."),
	); err != nil {
		return nil, err
	}
	if met.TokensIssued, err = m.Int64Counter("voicebridge.tokens.issued",
		metric.WithDescription("Total client token mint attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDialFailures, err = m.Int64Counter("voicebridge.upstream.dial_failures",
		metric.WithDescription("Total failed upstream connection attempts."),
	); err != nil {
		return nil, err
	}
	if met.PhantomCancels, err = m.Int64Counter("voicebridge.turn.phantom_cancels",
		metric.WithDescription("Total responses cancelled for lack of confirmed user speech."),
	); err != nil {
		return nil, err
	}

	if met.SessionDuration, err = m.Float64Histogram("voicebridge.session.duration",
		metric.WithDescription("Lifetime of relayed voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDialDuration, err = m.Float64Histogram("voicebridge.upstream.dial_duration",
		metric.WithDescription("Upstream connection establishment time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(dialBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordFrame records one forwarded frame in the given direction.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.ForwardedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordTokenIssued records one token mint attempt with its outcome.
func (m *Metrics) RecordTokenIssued(ctx context.Context, status string) {
	m.TokensIssued.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
