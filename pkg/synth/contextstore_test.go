// Tests for the exported-context ring buffer and its capacity calculation
package synth

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(s *ContextStore, keys ...string) {
	for _, k := range keys {
		s.Put(ExportedContext{Key: k, Attributes: map[string]any{"key": k}})
	}
}

func all(string) bool { return true }

func TestContextStoreFIFOEviction(t *testing.T) {
	t.Parallel()

	s := NewContextStore(3)
	put(s, "a", "b", "c")
	assert.Equal(t, []string{"a", "b", "c"}, s.Keys(all))

	put(s, "d")
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"b", "c", "d"}, s.Keys(all))

	_, ok := s.Get("a")
	assert.False(t, ok, "evicted keys are no longer retrievable")

	put(s, "e", "f", "g")
	assert.Equal(t, []string{"e", "f", "g"}, s.Keys(all))
}

func TestContextStoreGetOldestDuplicate(t *testing.T) {
	t.Parallel()

	s := NewContextStore(4)
	s.Put(ExportedContext{Key: "k", Attributes: map[string]any{"n": 1}})
	s.Put(ExportedContext{Key: "k", Attributes: map[string]any{"n": 2}})

	assert.Equal(t, []string{"k", "k"}, s.Keys(all))
	e, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, e.Attributes["n"])
}

func TestContextStoreKeysFiltered(t *testing.T) {
	t.Parallel()

	s := NewContextStore(10)
	put(s, "order-1", "invoice-1", "order-2")
	keys := s.Keys(func(k string) bool { return strings.HasPrefix(k, "order-") })
	assert.Equal(t, []string{"order-1", "order-2"}, keys)
	assert.Empty(t, s.Keys(func(string) bool { return false }))
}

func TestContextStoreMinimumCapacity(t *testing.T) {
	t.Parallel()

	s := NewContextStore(0)
	assert.Equal(t, 1, s.Capacity())
	put(s, "a", "b")
	assert.Equal(t, []string{"b"}, s.Keys(all))
}

func TestContextStoreConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := NewContextStore(50)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Go(func() {
			for i := range 200 {
				key := fmt.Sprintf("w%d-%d", w, i)
				s.Put(ExportedContext{Key: key})
				for _, k := range s.Keys(all) {
					s.Get(k)
				}
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())
}

func scenariosWith(weights []float64, exports []bool) []*Scenario {
	out := make([]*Scenario, len(weights))
	for i, w := range weights {
		def := SpanDef{Service: "svc"}
		if exports[i] {
			def.ExportContextAs = "k"
		}
		out[i] = &Scenario{Name: fmt.Sprintf("s%d", i), Weight: w, Spans: []SpanDef{def}}
	}
	return out
}

func TestContextStoreCapacity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		weights  []float64
		exports  []bool
		min, max time.Duration
		want     int
	}{
		{
			name:    "no exporting scenario",
			weights: []float64{1, 3},
			exports: []bool{false, false},
			min:     500 * time.Millisecond,
			max:     2 * time.Second,
			want:    DefaultContextStoreSize,
		},
		{
			// 48 traces/min, two-minute minimum window, 1.5x margin
			name:    "single always-exporting scenario",
			weights: []float64{1},
			exports: []bool{true},
			min:     500 * time.Millisecond,
			max:     2 * time.Second,
			want:    144,
		},
		{
			// 48/min * 0.25 * 2 * 1.5
			name:    "quarter of traffic exports",
			weights: []float64{1, 3},
			exports: []bool{true, false},
			min:     500 * time.Millisecond,
			max:     2 * time.Second,
			want:    36,
		},
		{
			// 6/min * 2 * 1.5 = 18, raised to the floor
			name:    "clamped to minimum",
			weights: []float64{1},
			exports: []bool{true},
			min:     10 * time.Second,
			max:     10 * time.Second,
			want:    MinContextStoreSize,
		},
		{
			name:    "clamped to maximum",
			weights: []float64{1, 1, 1},
			exports: []bool{true, true, true},
			min:     10 * time.Millisecond,
			max:     10 * time.Millisecond,
			want:    MaxContextStoreSize,
		},
		{
			name:    "zero interval saturates",
			weights: []float64{1},
			exports: []bool{true},
			want:    MaxContextStoreSize,
		},
		{
			// 60/min * 12 exporting scenarios capped to a 10-minute window
			name:    "window capped at ten minutes",
			weights: []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
			exports: []bool{true, true, true, true, true, true, true, true, true, true, true, true},
			min:     time.Second,
			max:     time.Second,
			want:    900,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ContextStoreCapacity(scenariosWith(tt.weights, tt.exports), tt.min, tt.max)
			assert.Equal(t, tt.want, got)
		})
	}
}
