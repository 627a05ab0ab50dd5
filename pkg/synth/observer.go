// SpanObserver interface for deriving signals (metrics, logs) from emitted spans.
// Observers receive span metadata after each span completes.
package synth

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SpanInfo holds span metadata for signal derivation.
type SpanInfo struct {
	Service     string
	Operation   string
	Scenario    string
	Timestamp   time.Time
	Duration    time.Duration
	IsError     bool
	ErrorType   string
	Kind        trace.SpanKind
	Linked      bool
	SpanContext trace.SpanContext
	Attrs       []attribute.KeyValue
}

// SpanObserver receives span metadata after each span is emitted.
// Implementations are called concurrently from every worker.
type SpanObserver interface {
	Observe(info SpanInfo)
}
