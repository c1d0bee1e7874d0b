// Package observe provides application-wide observability primitives for
// Voxline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all Voxline metrics.
const meterName = "github.com/voxline/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ResponseLatency tracks speech-end to first agent audio latency.
	ResponseLatency metric.Float64Histogram

	// CallDuration tracks total call length from answer to hangup.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts audio frames moved through the bridge. Use with
	// attribute:
	//   attribute.String("direction", "ingress"|"egress")
	AudioFrames metric.Int64Counter

	// AudioDropped counts frames discarded under backpressure. Use with
	// attribute:
	//   attribute.String("stage", "router"|"model"|"inbox")
	AudioDropped metric.Int64Counter

	// CallsEnded counts terminated calls. Use with attribute:
	//   attribute.String("reason", ...)
	CallsEnded metric.Int64Counter

	// BargeIns counts caller interruptions that truncated agent speech.
	BargeIns metric.Int64Counter

	// CampaignDials counts outbound dial attempts. Use with attributes:
	//   attribute.String("campaign_id", ...), attribute.String("status", ...)
	CampaignDials metric.Int64Counter

	// ModelReconnects counts model session reconnect attempts.
	ModelReconnects metric.Int64Counter

	// --- Error counters ---

	// CarrierErrors counts carrier protocol faults. Use with attribute:
	//   attribute.String("carrier", ...)
	CarrierErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveCampaigns tracks the number of running campaigns.
	ActiveCampaigns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets covers call lengths from a hangup-on-answer to the
// ten-minute duration cap.
var callDurationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ResponseLatency, err = m.Float64Histogram("voxline.response.latency",
		metric.WithDescription("Latency from end of caller speech to first agent audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voxline.call.duration",
		metric.WithDescription("Total call duration from answer to hangup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("voxline.audio.frames",
		metric.WithDescription("Audio frames bridged by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioDropped, err = m.Int64Counter("voxline.audio.dropped",
		metric.WithDescription("Audio frames discarded under backpressure by stage."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("voxline.calls.ended",
		metric.WithDescription("Terminated calls by end reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxline.barge_ins",
		metric.WithDescription("Caller interruptions that truncated agent speech."),
	); err != nil {
		return nil, err
	}
	if met.CampaignDials, err = m.Int64Counter("voxline.campaign.dials",
		metric.WithDescription("Outbound dial attempts by campaign and status."),
	); err != nil {
		return nil, err
	}
	if met.ModelReconnects, err = m.Int64Counter("voxline.model.reconnects",
		metric.WithDescription("Model session reconnect attempts."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.CarrierErrors, err = m.Int64Counter("voxline.carrier.errors",
		metric.WithDescription("Carrier protocol faults by carrier."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxline.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCampaigns, err = m.Int64UpDownCounter("voxline.active_campaigns",
		metric.WithDescription("Number of running campaigns."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
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

// RecordCallEnded records a call termination with its end reason.
func (m *Metrics) RecordCallEnded(ctx context.Context, reason string, seconds float64) {
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.CallDuration.Record(ctx, seconds)
}

// RecordDial records an outbound dial attempt for a campaign.
func (m *Metrics) RecordDial(ctx context.Context, campaignID, status string) {
	m.CampaignDials.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("campaign_id", campaignID),
			attribute.String("status", status),
		),
	)
}

// RecordDrop records a frame discarded under backpressure at the given stage.
func (m *Metrics) RecordDrop(ctx context.Context, stage string, n int64) {
	m.AudioDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordCarrierError records a carrier protocol fault.
func (m *Metrics) RecordCarrierError(ctx context.Context, carrier string) {
	m.CarrierErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("carrier", carrier)),
	)
}
