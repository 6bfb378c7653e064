package proxy

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics records cache and upstream activity.
type Metrics struct {
	lookups  metric.Int64Counter
	commits  metric.Int64Counter
	upstream metric.Float64Histogram
}

// NewMetrics registers the proxy instruments on meter. A nil meter records
// nothing.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("llmcache")
	}

	lookups, err := meter.Int64Counter(
		"llmcache.lookups",
		metric.WithDescription("Requests by cache outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	commits, err := meter.Int64Counter(
		"llmcache.commits",
		metric.WithDescription("Capture commit attempts by result"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}

	upstream, err := meter.Float64Histogram(
		"llmcache.upstream.duration_ms",
		metric.WithDescription("Upstream call duration in milliseconds, including relay"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{lookups: lookups, commits: commits, upstream: upstream}, nil
}

func (m *Metrics) lookup(ctx context.Context, outcome Outcome) {
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(outcome))))
}

func (m *Metrics) commit(ctx context.Context, result string) {
	m.commits.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) upstreamCall(ctx context.Context, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.upstream.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("result", result)))
}
