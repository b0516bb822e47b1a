// Package observe provides application-wide observability primitives for the
// house agent: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all house-agent metrics.
const meterName = "github.com/ShinnosukeUesaka/house-agent"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Voice pipeline ---

	// WakeWordDetections counts keyword hits. Use with attributes:
	//   attribute.String("keyword", ...), attribute.String("result", "accepted"|"busy"|"in_flight"|"disabled")
	WakeWordDetections metric.Int64Counter

	// SessionOutcomes counts finished transcription sessions. Use with
	// attribute.String("outcome", ...).
	SessionOutcomes metric.Int64Counter

	// SessionDuration tracks wall time from detection hand-off to session close.
	SessionDuration metric.Float64Histogram

	// TimeToFirstPartial tracks latency from session start to the first
	// partial transcript.
	TimeToFirstPartial metric.Float64Histogram

	// ActiveSessions tracks the number of open transcription sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// DroppedFrames counts live frames dropped because a subscriber fell
	// behind. Use with attribute.String("tap", ...).
	DroppedFrames metric.Int64Counter

	// --- Backends ---

	// TokenFetchDuration tracks ephemeral token fetch latency. Use with
	// attribute.String("source", "cache"|"network").
	TokenFetchDuration metric.Float64Histogram

	// ProviderRequests counts backend calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts backend errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ChatMessages counts messages exchanged with the chat backend. Use with
	// attribute.String("direction", "out"|"in") and attribute.String("type", ...).
	ChatMessages metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers whole utterances up to the session deadline.
var sessionBuckets = []float64{
	0.5, 1, 2, 3, 5, 7.5, 10, 12.5, 15, 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Voice pipeline.
	if met.WakeWordDetections, err = m.Int64Counter("houseagent.wakeword.detections",
		metric.WithDescription("Wake word detections by keyword and result."),
	); err != nil {
		return nil, err
	}
	if met.SessionOutcomes, err = m.Int64Counter("houseagent.session.outcomes",
		metric.WithDescription("Finished transcription sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("houseagent.session.duration",
		metric.WithDescription("Transcription session wall time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstPartial, err = m.Float64Histogram("houseagent.session.first_partial",
		metric.WithDescription("Latency from session start to the first partial transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("houseagent.active_sessions",
		metric.WithDescription("Number of open transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("houseagent.capture.dropped_frames",
		metric.WithDescription("Capture frames dropped for slow subscribers."),
	); err != nil {
		return nil, err
	}

	// Backends.
	if met.TokenFetchDuration, err = m.Float64Histogram("houseagent.token.fetch.duration",
		metric.WithDescription("Latency of ephemeral token acquisition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("houseagent.provider.requests",
		metric.WithDescription("Total backend requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("houseagent.provider.errors",
		metric.WithDescription("Total backend errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ChatMessages, err = m.Int64Counter("houseagent.chat.messages",
		metric.WithDescription("Chat backend messages by direction and type."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("houseagent.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordDetection records one wake word detection with its result.
func (m *Metrics) RecordDetection(ctx context.Context, keyword, result string) {
	m.WakeWordDetections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("keyword", keyword),
			attribute.String("result", result),
		),
	)
}

// RecordSession records a finished session's outcome and duration.
func (m *Metrics) RecordSession(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.SessionOutcomes.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordDroppedFrames adds n dropped frames for tap. Zero is a no-op.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, tap string, n uint64) {
	if n == 0 {
		return
	}
	m.DroppedFrames.Add(ctx, int64(n), metric.WithAttributes(attribute.String("tap", tap)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordChatMessage records one chat backend message.
func (m *Metrics) RecordChatMessage(ctx context.Context, direction, typ string) {
	m.ChatMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("type", typ),
		),
	)
}

// RecordTokenFetch records token acquisition latency from source
// ("cache" or "network").
func (m *Metrics) RecordTokenFetch(ctx context.Context, source string, d time.Duration) {
	m.TokenFetchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("source", source)))
}
