// Property-based tests for the synth engine using pgregory.net/rapid
// Covers span tree conformance, failure containment, ring buffer retention, and sizing bounds
package synth

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"
)

// --- Generators ---

// genSpanTree generates a span tree of bounded depth whose services are drawn
// from services. Error probabilities are either 0 or 100 so outcomes are exact.
func genSpanTree(t *rapid.T, services []string, depth int, label string) SpanConfig {
	span := SpanConfig{
		Service:   rapid.SampledFrom(services).Draw(t, label+".service"),
		Operation: label,
	}
	if rapid.Bool().Draw(t, label+".fails") {
		span.ErrorConditions = []ErrorConditionConfig{{Type: "Injected", Message: "boom", Probability: 100}}
	}
	if depth > 0 {
		n := rapid.IntRange(0, 3).Draw(t, label+".calls")
		for i := range n {
			span.Calls = append(span.Calls, genSpanTree(t, services, depth-1, fmt.Sprintf("%s.%d", label, i)))
		}
	}
	return span
}

func genConfig(t *rapid.T) *Config {
	nSvcs := rapid.IntRange(1, 4).Draw(t, "nSvcs")
	services := make([]string, nSvcs)
	for i := range nSvcs {
		services[i] = fmt.Sprintf("svc%d", i)
	}
	root := genSpanTree(t, services, rapid.IntRange(0, 3).Draw(t, "depth"), "root")
	return &Config{
		SchemaVersion: 1,
		Services:      services,
		Scenarios:     []ScenarioConfig{{Name: "generated", RootSpan: &root}},
	}
}

// expectedSpans counts the spans rendered for span: itself, plus its children
// when it does not fail.
func expectedSpans(span *SpanConfig) int {
	n := 1
	if len(span.ErrorConditions) > 0 {
		return n
	}
	for i := range span.Calls {
		n += expectedSpans(&span.Calls[i])
	}
	return n
}

func newPropertyEngine(t *rapid.T, cfg *Config) (*Engine, *tracetest.InMemoryExporter) {
	scenarios, err := BuildScenarios(cfg.Scenarios)
	if err != nil {
		t.Fatalf("BuildScenarios: %v", err)
	}
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracers := make(map[string]trace.Tracer, len(cfg.Services))
	for _, svc := range cfg.Services {
		tracers[svc] = tp.Tracer(svc)
	}
	engine, err := NewEngine(scenarios, tracers, Options{Seed: 7})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, exporter
}

// --- Properties ---

func TestPropertyGeneratedConfigsValidate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := genConfig(t)
		if err := ValidateConfig(cfg); err != nil {
			t.Fatalf("ValidateConfig rejected generated config: %v", err)
		}
	})
}

func TestPropertySpanCountMatchesTree(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := genConfig(t)
		engine, exporter := newPropertyEngine(t, cfg)

		engine.GenerateTrace(context.Background(), 0, rand.New(rand.NewPCG(1, 1))) //nolint:gosec // deterministic seed

		want := expectedSpans(cfg.Scenarios[0].RootSpan)
		if got := len(exporter.GetSpans()); got != want {
			t.Fatalf("rendered %d spans, want %d", got, want)
		}
	})
}

func TestPropertyFailedSpansHaveNoChildren(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := genConfig(t)
		engine, exporter := newPropertyEngine(t, cfg)
		engine.GenerateTrace(context.Background(), 0, rand.New(rand.NewPCG(2, 2))) //nolint:gosec // deterministic seed

		spans := exporter.GetSpans()
		failed := map[trace.SpanID]bool{}
		for _, s := range spans {
			if s.Status.Code == codes.Error {
				failed[s.SpanContext.SpanID()] = true
			}
		}
		for _, s := range spans {
			if s.Parent.IsValid() && failed[s.Parent.SpanID()] {
				t.Fatalf("span %q has a failed parent", s.Name)
			}
		}
	})
}

func TestPropertySpansShareOneTrace(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := genConfig(t)
		engine, exporter := newPropertyEngine(t, cfg)
		engine.GenerateTrace(context.Background(), 0, rand.New(rand.NewPCG(3, 3))) //nolint:gosec // deterministic seed

		spans := exporter.GetSpans()
		roots := 0
		for _, s := range spans {
			if s.SpanContext.TraceID() != spans[0].SpanContext.TraceID() {
				t.Fatalf("span %q belongs to a different trace", s.Name)
			}
			if !s.Parent.IsValid() {
				roots++
			}
		}
		if roots != 1 {
			t.Fatalf("found %d root spans, want 1", roots)
		}
	})
}

func TestPropertyContextStoreRetainsNewest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 32).Draw(t, "capacity")
		keys := rapid.SliceOf(rapid.StringMatching(`[a-z]{1,4}`)).Draw(t, "keys")

		s := NewContextStore(capacity)
		for _, k := range keys {
			s.Put(ExportedContext{Key: k})
		}

		want := keys[max(0, len(keys)-capacity):]
		got := s.Keys(func(string) bool { return true })
		if len(want) == 0 {
			want = nil
		}
		if !slices.Equal(got, want) {
			t.Fatalf("retained %v, want %v", got, want)
		}
		if s.Len() > s.Capacity() {
			t.Fatalf("len %d exceeds capacity %d", s.Len(), s.Capacity())
		}
	})
}

func TestPropertyContextStoreCapacityBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 15).Draw(t, "n")
		weights := make([]float64, n)
		exports := make([]bool, n)
		anyExport := false
		for i := range n {
			weights[i] = rapid.Float64Range(0.01, 100).Draw(t, fmt.Sprintf("w%d", i))
			exports[i] = rapid.Bool().Draw(t, fmt.Sprintf("e%d", i))
			anyExport = anyExport || exports[i]
		}
		lo := time.Duration(rapid.Int64Range(0, int64(10*time.Second)).Draw(t, "lo"))
		hi := lo + time.Duration(rapid.Int64Range(0, int64(10*time.Second)).Draw(t, "span"))

		got := ContextStoreCapacity(scenariosWith(weights, exports), lo, hi)
		switch {
		case !anyExport && got != DefaultContextStoreSize:
			t.Fatalf("non-exporting set sized %d, want %d", got, DefaultContextStoreSize)
		case anyExport && (got < MinContextStoreSize || got > MaxContextStoreSize):
			t.Fatalf("capacity %d outside [%d, %d]", got, MinContextStoreSize, MaxContextStoreSize)
		}
	})
}

func TestPropertyGlobLiteralMatchesItself(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[a-zA-Z0-9._+()$^|{}\-]{0,12}`).Draw(t, "literal")
		re, err := compileGlob(s)
		if err != nil {
			t.Fatalf("compileGlob(%q): %v", s, err)
		}
		if !re.MatchString(s) {
			t.Fatalf("literal pattern %q does not match itself", s)
		}
		if re.MatchString(s + "x") {
			t.Fatalf("pattern %q is not anchored", s)
		}
	})
}
