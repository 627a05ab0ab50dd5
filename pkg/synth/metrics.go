// MetricObserver derives request duration, count, error, and link metrics from spans.
// Uses the OTel Metrics API to record measurements with service, operation, and scenario attributes.
package synth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName identifies this module's meters, loggers, and tracers.
const InstrumentationName = "github.com/lkendrickd/trace-generator"

// MetricObserver records derived metrics for each observed span.
type MetricObserver struct {
	duration metric.Float64Histogram
	requests metric.Int64Counter
	errors   metric.Int64Counter
	links    metric.Int64Counter
}

// NewMetricObserver creates a MetricObserver backed by the given MeterProvider.
func NewMetricObserver(mp metric.MeterProvider) (*MetricObserver, error) {
	meter := mp.Meter(InstrumentationName)

	duration, err := meter.Float64Histogram("tracegen.span.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of generated spans in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	requests, err := meter.Int64Counter("tracegen.span.count",
		metric.WithDescription("Number of generated spans"),
	)
	if err != nil {
		return nil, err
	}

	errors, err := meter.Int64Counter("tracegen.error.count",
		metric.WithDescription("Number of generated spans marked failed"),
	)
	if err != nil {
		return nil, err
	}

	links, err := meter.Int64Counter("tracegen.link.count",
		metric.WithDescription("Number of spans linked to an exported context"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricObserver{
		duration: duration,
		requests: requests,
		errors:   errors,
		links:    links,
	}, nil
}

// Observe records metrics derived from the completed span.
func (m *MetricObserver) Observe(info SpanInfo) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("service.name", info.Service),
		attribute.String("operation.name", info.Operation),
		attribute.String("scenario.name", info.Scenario),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(info.Duration)/float64(time.Millisecond), attrs)
	if info.IsError {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service.name", info.Service),
			attribute.String("operation.name", info.Operation),
			attribute.String("scenario.name", info.Scenario),
			attribute.String("error.type", info.ErrorType),
		))
	}
	if info.Linked {
		m.links.Add(ctx, 1, attrs)
	}
}
