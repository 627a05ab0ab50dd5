// Structural analysis of compiled scenarios
// Computes worst-case depth, fan-out, and span count to catch oversized span trees
package synth

import (
	"context"
	"math/rand/v2"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// CheckResult holds the outcome of a single structural check.
type CheckResult struct {
	Name       string
	Pass       bool
	Limit      int
	Actual     int
	Sampled    *int
	SamplesRun int
	Scenario   string
	Path       []string
}

// CheckOptions configures the thresholds and sampling for Check.
type CheckOptions struct {
	MaxDepth  int
	MaxFanOut int
	MaxSpans  int
	Samples   int
	Seed      uint64
}

// SampleResults holds empirical measurements from sampled trace generation.
type SampleResults struct {
	MaxDepth  int
	MaxSpans  int
	MaxFanOut int
	TracesRun int
}

// spanLabel names a span definition in check output.
func spanLabel(d *SpanDef) string {
	return d.Service + " " + d.Operation
}

// MaxDepth returns the longest root-to-leaf path (edge count) in the scenario
// and the spans along it.
func MaxDepth(sc *Scenario) (int, []string) {
	var dfs func(idx int) (int, []string)
	dfs = func(idx int) (int, []string) {
		def := &sc.Spans[idx]
		best, path := 0, []string(nil)
		for _, c := range def.Children {
			d, p := dfs(c)
			if d+1 > best || path == nil {
				best, path = d+1, p
			}
		}
		return best, append([]string{spanLabel(def)}, path...)
	}
	return dfs(sc.Root)
}

// MaxFanOut returns the largest number of direct children of any span and
// which span has them.
func MaxFanOut(sc *Scenario) (int, string) {
	fan, worst := 0, ""
	for i := range sc.Spans {
		if n := len(sc.Spans[i].Children); n > fan {
			fan, worst = n, spanLabel(&sc.Spans[i])
		}
	}
	return fan, worst
}

// MaxSpans returns the worst-case span count of one trace. Every definition
// renders at most once per trace, and error conditions only prune subtrees.
func MaxSpans(sc *Scenario) int {
	return len(sc.Spans)
}

// SampleTraces renders n traces from the scenarios into an in-memory exporter
// and measures their depth, fan-out, and span count. Span delays are skipped.
func SampleTraces(scenarios []*Scenario, n int, seed uint64) (SampleResults, error) {
	if len(scenarios) == 0 || n <= 0 {
		return SampleResults{}, nil
	}
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // not security-sensitive
	}

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracers := make(map[string]trace.Tracer)
	for _, sc := range scenarios {
		for i := range sc.Spans {
			svc := sc.Spans[i].Service
			if _, ok := tracers[svc]; !ok {
				tracers[svc] = tp.Tracer(svc)
			}
		}
	}
	engine, err := NewEngine(scenarios, tracers, Options{Workers: 1, Seed: seed})
	if err != nil {
		return SampleResults{}, err
	}

	// A closed stop channel makes every delay return immediately.
	skipDelays := make(chan struct{})
	close(skipDelays)

	rng := rand.New(rand.NewPCG(seed, 0)) //nolint:gosec // not security-sensitive
	var results SampleResults
	for range n {
		exporter.Reset()
		engine.generate(context.Background(), 0, rng, skipDelays)

		spans := exporter.GetSpans()
		results.TracesRun++
		results.MaxSpans = max(results.MaxSpans, len(spans))
		depth, fanOut := measureTrace(spans)
		results.MaxDepth = max(results.MaxDepth, depth)
		results.MaxFanOut = max(results.MaxFanOut, fanOut)
	}
	return results, nil
}

// measureTrace computes the depth and max fan-out from exported spans.
func measureTrace(spans []tracetest.SpanStub) (depth, fanOut int) {
	if len(spans) == 0 {
		return 0, 0
	}

	children := make(map[trace.SpanID][]trace.SpanID)
	var roots []trace.SpanID
	for _, s := range spans {
		sid := s.SpanContext.SpanID()
		if pid := s.Parent.SpanID(); pid.IsValid() {
			children[pid] = append(children[pid], sid)
		} else {
			roots = append(roots, sid)
		}
	}

	for _, kids := range children {
		fanOut = max(fanOut, len(kids))
	}

	type entry struct {
		id    trace.SpanID
		depth int
	}
	queue := make([]entry, 0, len(spans))
	for _, r := range roots {
		queue = append(queue, entry{r, 0})
	}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		depth = max(depth, e.depth)
		for _, kid := range children[e.id] {
			queue = append(queue, entry{kid, e.depth + 1})
		}
	}
	return depth, fanOut
}

// Check runs the static checks over every scenario, reporting the worst
// scenario per check, plus sampled measurements when opts.Samples > 0.
func Check(scenarios []*Scenario, opts CheckOptions) ([]CheckResult, error) {
	depth := CheckResult{Name: "max-depth", Limit: opts.MaxDepth, Actual: -1}
	fanOut := CheckResult{Name: "max-fan-out", Limit: opts.MaxFanOut, Actual: -1}
	spans := CheckResult{Name: "max-spans", Limit: opts.MaxSpans, Actual: -1}

	for _, sc := range scenarios {
		if d, path := MaxDepth(sc); d > depth.Actual {
			depth.Actual, depth.Scenario, depth.Path = d, sc.Name, path
		}
		if f, worst := MaxFanOut(sc); f > fanOut.Actual {
			fanOut.Actual, fanOut.Scenario, fanOut.Path = f, sc.Name, []string{worst}
		}
		if n := MaxSpans(sc); n > spans.Actual {
			spans.Actual, spans.Scenario = n, sc.Name
		}
	}

	if opts.Samples > 0 {
		sampled, err := SampleTraces(scenarios, opts.Samples, opts.Seed)
		if err != nil {
			return nil, err
		}
		depth.Sampled, depth.SamplesRun = &sampled.MaxDepth, sampled.TracesRun
		fanOut.Sampled, fanOut.SamplesRun = &sampled.MaxFanOut, sampled.TracesRun
		spans.Sampled, spans.SamplesRun = &sampled.MaxSpans, sampled.TracesRun
	}

	results := []CheckResult{depth, fanOut, spans}
	for i := range results {
		results[i].Actual = max(results[i].Actual, 0)
		results[i].Pass = results[i].Actual <= results[i].Limit
	}
	return results, nil
}
