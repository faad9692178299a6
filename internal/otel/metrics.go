package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all querygate metric instruments. A nil *Metrics is valid and
// records nothing, so components can take it as an optional dependency.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	CachedQueries      metric.Int64UpDownCounter
	QueryEvictions     metric.Int64Counter
	KeepAliveFailures  metric.Int64Counter
	QueryStopFailures  metric.Int64Counter
	ReattachRequests   metric.Int64Counter
	ActiveSenders      metric.Int64UpDownCounter
	ResponsesDelivered metric.Int64Counter
	SessionsClosed     metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("querygate.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CachedQueries, err = meter.Int64UpDownCounter("querygate.cache.entries",
		metric.WithDescription("Streaming queries currently tracked by the query cache"),
	)
	if err != nil {
		return nil, err
	}

	m.QueryEvictions, err = meter.Int64Counter("querygate.cache.evictions",
		metric.WithDescription("Cached queries removed after their grace period elapsed"),
	)
	if err != nil {
		return nil, err
	}

	m.KeepAliveFailures, err = meter.Int64Counter("querygate.cache.keepalive.failures",
		metric.WithDescription("Session keep-alive callbacks that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.QueryStopFailures, err = meter.Int64Counter("querygate.cache.stop.failures",
		metric.WithDescription("Best-effort query stops that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ReattachRequests, err = meter.Int64Counter("querygate.reattach.requests",
		metric.WithDescription("Reattach requests by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSenders, err = meter.Int64UpDownCounter("querygate.reattach.active_senders",
		metric.WithDescription("Response senders currently attached to an execution"),
	)
	if err != nil {
		return nil, err
	}

	m.ResponsesDelivered, err = meter.Int64Counter("querygate.responses.delivered",
		metric.WithDescription("Execution responses delivered to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsClosed, err = meter.Int64Counter("querygate.sessions.closed",
		metric.WithDescription("Sessions closed explicitly or reaped for idleness"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("querygate.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// AddCachedQueries adjusts the tracked-query gauge.
func (m *Metrics) AddCachedQueries(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.CachedQueries.Add(ctx, delta)
}

// RecordEvictions counts queries swept out of the cache.
func (m *Metrics) RecordEvictions(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.QueryEvictions.Add(ctx, n)
}

// RecordKeepAliveFailure counts a failed keep-alive callback.
func (m *Metrics) RecordKeepAliveFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.KeepAliveFailures.Add(ctx, 1)
}

// RecordStopFailure counts a failed best-effort query stop.
func (m *Metrics) RecordStopFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.QueryStopFailures.Add(ctx, 1)
}

// RecordReattach counts a reattach request with its outcome.
func (m *Metrics) RecordReattach(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ReattachRequests.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// AddActiveSenders adjusts the attached-sender gauge.
func (m *Metrics) AddActiveSenders(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSenders.Add(ctx, delta)
}

// RecordResponsesDelivered counts responses handed to a client sink.
func (m *Metrics) RecordResponsesDelivered(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.ResponsesDelivered.Add(ctx, n)
}

// RecordSessionClosed counts a session teardown.
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(AttrCloseReason.String(reason)))
}

// RecordRequest records a gateway request duration in seconds.
func (m *Metrics) RecordRequest(ctx context.Context, method string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("method", method)))
}

// RecordRateLimitReject counts a rate-limited request.
func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
