// Trace sinks that the HTTP API reads recently finished spans from
// Records are flattened spans shaped like rows of the collector's otel_traces table
package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultMaxRecords is how many spans the in-memory store keeps.
	DefaultMaxRecords = 100
	// MaxQueryLimit caps the limit accepted by Reader.Traces.
	MaxQueryLimit = 1000
)

// Status codes as written by the OTel collector's ClickHouse exporter.
const (
	StatusUnset = "Unset"
	StatusOk    = "Ok"
	StatusError = "Error"
)

// Record is one finished span.
type Record struct {
	TraceID            string            `json:"trace_id"`
	SpanID             string            `json:"span_id"`
	ParentSpanID       string            `json:"parent_span_id,omitempty"`
	SpanName           string            `json:"span_name"`
	ServiceName        string            `json:"service_name"`
	Kind               string            `json:"kind"`
	StatusCode         string            `json:"status_code"`
	StatusMessage      string            `json:"status_message,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
	Duration           time.Duration     `json:"duration_ns"`
	SpanAttributes     map[string]string `json:"span_attributes,omitempty"`
	ResourceAttributes map[string]string `json:"resource_attributes,omitempty"`
}

// IsError reports whether the span finished with an error status.
func (r Record) IsError() bool {
	return r.StatusCode == StatusError
}

// Counts summarises the spans or traces a sink holds.
type Counts struct {
	Total   int64 `json:"total"`
	Errors  int64 `json:"errors"`
	Success int64 `json:"success"`
}

// Reader is the query side of a trace sink.
type Reader interface {
	// Traces returns up to limit records, newest first.
	Traces(ctx context.Context, limit int) ([]Record, error)
	Counts(ctx context.Context) (Counts, error)
	// ServiceNames returns the distinct service names, sorted.
	ServiceNames(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	// Kind names the backend, e.g. "inmemory" or "clickhouse".
	Kind() string
	Close() error
}

// ClampLimit bounds a requested record count to [1, MaxQueryLimit], using
// fallback when limit is not positive.
func ClampLimit(limit, fallback int) int {
	if limit <= 0 {
		limit = fallback
	}
	return min(max(limit, 1), MaxQueryLimit)
}

func stringMap(kvs []attribute.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}
