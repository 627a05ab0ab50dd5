// In-memory trace sink fed directly by the SDK as spans finish
// Keeps the newest spans in a fixed-size ring and never blocks span export
package store

import (
	"context"
	"slices"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const serviceNameKey = "service.name"

// MemoryStore is an sdktrace.SpanProcessor that remembers the most recent
// finished spans. Register it on every TracerProvider whose spans should be
// visible through the Reader methods.
type MemoryStore struct {
	logger *zap.Logger

	mu      sync.Mutex
	records []Record
	head    int // index of the oldest record once the ring is full
	full    bool
}

var (
	_ sdktrace.SpanProcessor = (*MemoryStore)(nil)
	_ Reader                 = (*MemoryStore)(nil)
)

// NewMemoryStore returns a store holding at most maxRecords spans
// (DefaultMaxRecords when maxRecords is not positive).
func NewMemoryStore(maxRecords int, logger *zap.Logger) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("in-memory trace store initialised", zap.Int("max_records", maxRecords))
	return &MemoryStore{
		logger:  logger,
		records: make([]Record, 0, maxRecords),
	}
}

// Add appends a record, evicting the oldest when the store is full.
func (m *MemoryStore) Add(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		m.records = append(m.records, r)
		m.full = len(m.records) == cap(m.records)
		return
	}
	m.records[m.head] = r
	m.head = (m.head + 1) % len(m.records)
}

// OnStart implements sdktrace.SpanProcessor.
func (m *MemoryStore) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

// OnEnd implements sdktrace.SpanProcessor.
func (m *MemoryStore) OnEnd(s sdktrace.ReadOnlySpan) {
	r := RecordFromSpan(s)
	m.Add(r)
	m.logger.Debug("span stored",
		zap.String("trace_id", r.TraceID),
		zap.String("service", r.ServiceName),
		zap.String("span", r.SpanName),
		zap.String("status", r.StatusCode),
	)
}

// Shutdown implements sdktrace.SpanProcessor.
func (m *MemoryStore) Shutdown(context.Context) error { return nil }

// ForceFlush implements sdktrace.SpanProcessor.
func (m *MemoryStore) ForceFlush(context.Context) error { return nil }

// RecordFromSpan flattens a finished SDK span.
func RecordFromSpan(s sdktrace.ReadOnlySpan) Record {
	r := Record{
		TraceID:            s.SpanContext().TraceID().String(),
		SpanID:             s.SpanContext().SpanID().String(),
		SpanName:           s.Name(),
		Kind:               s.SpanKind().String(),
		StatusCode:         s.Status().Code.String(),
		StatusMessage:      s.Status().Description,
		Timestamp:          s.StartTime(),
		Duration:           s.EndTime().Sub(s.StartTime()),
		SpanAttributes:     stringMap(s.Attributes()),
		ResourceAttributes: stringMap(s.Resource().Attributes()),
	}
	if s.Parent().HasSpanID() {
		r.ParentSpanID = s.Parent().SpanID().String()
	}
	r.ServiceName = r.ResourceAttributes[serviceNameKey]
	if name, ok := r.SpanAttributes[serviceNameKey]; ok && (r.ServiceName == "" || r.ServiceName == "unknown_service") {
		r.ServiceName = name
	}
	return r
}

// snapshot returns the records newest first. Caller holds m.mu.
func (m *MemoryStore) snapshot() []Record {
	out := make([]Record, 0, len(m.records))
	out = append(out, m.records[m.head:]...)
	out = append(out, m.records[:m.head]...)
	slices.Reverse(out)
	return out
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Traces returns up to limit records, newest first.
func (m *MemoryStore) Traces(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snapshot()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counts counts stored spans by status.
func (m *MemoryStore) Counts(context.Context) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for _, r := range m.records {
		c.Total++
		if r.IsError() {
			c.Errors++
		}
	}
	c.Success = c.Total - c.Errors
	return c, nil
}

// ServiceNames returns the distinct services of stored spans, sorted.
func (m *MemoryStore) ServiceNames(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var names []string
	for _, r := range m.records {
		if r.ServiceName == "" {
			continue
		}
		if _, ok := seen[r.ServiceName]; ok {
			continue
		}
		seen[r.ServiceName] = struct{}{}
		names = append(names, r.ServiceName)
	}
	slices.Sort(names)
	return names, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Kind returns "inmemory".
func (m *MemoryStore) Kind() string { return "inmemory" }

// Close discards all stored records.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = m.records[:0]
	m.head = 0
	m.full = false
	return nil
}
