// Package observe provides application-wide observability primitives for
// callscribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callscribe metrics.
const meterName = "github.com/MrWong99/callscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTConnectDuration tracks the speech-to-text handshake latency.
	STTConnectDuration metric.Float64Histogram

	// AnalysisDuration tracks AI analysis request latency. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	AnalysisDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts frames offered to the relay. Use with attribute:
	//   attribute.String("status", "sent"|"dropped")
	AudioFrames metric.Int64Counter

	// RelayTransitions counts relay state changes. Use with attribute:
	//   attribute.String("state", ...)
	RelayTransitions metric.Int64Counter

	// RelayReconnects counts reconnect attempts. Use with attribute:
	//   attribute.String("outcome", "ok"|"error")
	RelayReconnects metric.Int64Counter

	// TranscriptEvents counts events received from the backend. Use with
	// attribute: attribute.Bool("final", ...)
	TranscriptEvents metric.Int64Counter

	// TranscriptsSuppressed counts transcripts dropped by the normalizer or
	// the ingestion hash guard. Use with attribute:
	//   attribute.String("reason", ...)
	TranscriptsSuppressed metric.Int64Counter

	// TranscriptRecords counts transcripts accepted into the session log.
	TranscriptRecords metric.Int64Counter

	// AnalysisRequests counts analysis submissions. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	AnalysisRequests metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BusPublishErrors counts failed event-bus publications.
	BusPublishErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks observability server latency. Recorded by
	// [Middleware] with the "method", "route" and "status" attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips to the STT and LLM backends.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTConnectDuration, err = m.Float64Histogram("callscribe.stt.connect.duration",
		metric.WithDescription("Latency of the speech-to-text streaming handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("callscribe.analysis.duration",
		metric.WithDescription("Latency of AI analysis requests by kind and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("callscribe.audio.frames",
		metric.WithDescription("Audio frames offered to the relay by status."),
	); err != nil {
		return nil, err
	}
	if met.RelayTransitions, err = m.Int64Counter("callscribe.relay.transitions",
		metric.WithDescription("Relay connection state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.RelayReconnects, err = m.Int64Counter("callscribe.relay.reconnects",
		metric.WithDescription("Relay reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEvents, err = m.Int64Counter("callscribe.transcript.events",
		metric.WithDescription("Transcript events received from the speech-to-text backend."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsSuppressed, err = m.Int64Counter("callscribe.transcript.suppressed",
		metric.WithDescription("Transcripts suppressed by reason."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptRecords, err = m.Int64Counter("callscribe.transcript.records",
		metric.WithDescription("Final transcripts accepted into the session log."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisRequests, err = m.Int64Counter("callscribe.analysis.requests",
		metric.WithDescription("AI analysis requests by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("callscribe.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("callscribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BusPublishErrors, err = m.Int64Counter("callscribe.bus.publish_errors",
		metric.WithDescription("Failed event bus publications."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("callscribe.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordFrame counts one audio frame as sent or dropped.
func (m *Metrics) RecordFrame(ctx context.Context, sent bool) {
	status := "dropped"
	if sent {
		status = "sent"
	}
	m.AudioFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSuppressed counts one suppressed transcript with the given reason.
func (m *Metrics) RecordSuppressed(ctx context.Context, reason string) {
	m.TranscriptsSuppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAnalysis records the outcome and latency of one analysis request.
func (m *Metrics) RecordAnalysis(ctx context.Context, kind, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.AnalysisRequests.Add(ctx, 1, attrs)
	m.AnalysisDuration.Record(ctx, seconds, attrs)
}
