// Bounded FIFO of exported span contexts used to link spans across traces
// Oldest entries are evicted once capacity is reached
package synth

import (
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Context store sizing bounds.
const (
	MinContextStoreSize     = 20
	MaxContextStoreSize     = 1000
	DefaultContextStoreSize = 10
)

// ExportedContext is a span handle published under a key by export_context_as.
type ExportedContext struct {
	Key         string
	SpanContext trace.SpanContext
	Attributes  map[string]any
}

// ContextStore is a mutex-guarded ring buffer of exported contexts.
// Entries are read by linkers but never removed except by eviction.
type ContextStore struct {
	mu      sync.Mutex
	entries []ExportedContext
	head    int // index of the oldest entry
	size    int
}

// NewContextStore creates a store holding at most capacity entries.
func NewContextStore(capacity int) *ContextStore {
	capacity = max(capacity, 1)
	return &ContextStore{entries: make([]ExportedContext, capacity)}
}

// Capacity returns the fixed maximum number of entries.
func (s *ContextStore) Capacity() int {
	return len(s.entries)
}

// Len returns the number of entries currently held.
func (s *ContextStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Put appends an entry, evicting the oldest when full.
func (s *ContextStore) Put(e ExportedContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size < len(s.entries) {
		s.entries[(s.head+s.size)%len(s.entries)] = e
		s.size++
		return
	}
	s.entries[s.head] = e
	s.head = (s.head + 1) % len(s.entries)
}

// Keys returns the keys of held entries accepted by match, oldest first.
// A key exported more than once appears once per entry.
func (s *ContextStore) Keys(match func(key string) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for i := range s.size {
		e := &s.entries[(s.head+i)%len(s.entries)]
		if match(e.Key) {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

// Get returns the oldest held entry stored under key.
func (s *ContextStore) Get(key string) (ExportedContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.size {
		e := s.entries[(s.head+i)%len(s.entries)]
		if e.Key == key {
			return e, true
		}
	}
	return ExportedContext{}, false
}

// ContextStoreCapacity sizes the store from the expected export rate: enough
// to hold clamp(exporting scenarios, 2, 10) minutes of exports with a 1.5x
// margin, clamped to [MinContextStoreSize, MaxContextStoreSize]. Scenario sets
// that never export get DefaultContextStoreSize.
func ContextStoreCapacity(scenarios []*Scenario, intervalMin, intervalMax time.Duration) int {
	var totalWeight, exportWeight float64
	exporting := 0
	for _, sc := range scenarios {
		totalWeight += sc.Weight
		if sc.Exports() {
			exportWeight += sc.Weight
			exporting++
		}
	}
	if exporting == 0 || totalWeight <= 0 {
		return DefaultContextStoreSize
	}

	avg := (intervalMin + intervalMax).Seconds() / 2
	if avg <= 0 {
		return MaxContextStoreSize
	}

	exportsPerMinute := 60 / avg * (exportWeight / totalWeight)
	window := float64(min(max(exporting, 2), 10))
	capacity := math.Round(exportsPerMinute * window * 1.5)
	return int(min(max(capacity, MinContextStoreSize), MaxContextStoreSize))
}
