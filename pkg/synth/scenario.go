// Compiled scenarios: immutable span-definition arenas shared by all workers
// Built once from ScenarioConfig; link patterns and delays are resolved here
package synth

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// DefaultOperation names spans whose definition omits an operation.
const DefaultOperation = "Unknown Op"

// Scenario is a compiled, read-only trace template.
type Scenario struct {
	Name   string
	Weight float64
	Vars   Vars
	// Spans is the arena of span definitions; Spans[Root] is the root span.
	Spans []SpanDef
	Root  int
}

// SpanDef is one compiled node of a scenario's span tree.
type SpanDef struct {
	Service         string
	Operation       string
	Kind            trace.SpanKind
	Attributes      []AttrTemplate
	Events          []EventDef
	DelayMin        time.Duration
	DelayMax        time.Duration
	ErrorConditions []ErrorConditionConfig
	ExportContextAs string
	LinkPattern     string
	link            *regexp.Regexp
	Children        []int
}

// AttrTemplate is a span or event attribute whose value may hold template markers.
type AttrTemplate struct {
	Key   string
	Value any
}

// EventDef is a compiled span event.
type EventDef struct {
	Name       string
	Attributes []AttrTemplate
}

// Exports reports whether any span in the scenario exports its context.
func (s *Scenario) Exports() bool {
	return slices.ContainsFunc(s.Spans, func(d SpanDef) bool { return d.ExportContextAs != "" })
}

// HasDelay reports whether the span sleeps during rendering.
func (d *SpanDef) HasDelay() bool {
	return d.DelayMin > 0 || d.DelayMax > 0
}

// drawDelay picks a uniform duration within the span's delay range.
func (d *SpanDef) drawDelay(rng *rand.Rand) time.Duration {
	if d.DelayMax <= d.DelayMin {
		return d.DelayMin
	}
	return d.DelayMin + time.Duration(rng.Int64N(int64(d.DelayMax-d.DelayMin)+1))
}

// BuildScenarios compiles validated scenario configs into arenas.
func BuildScenarios(cfgs []ScenarioConfig) ([]*Scenario, error) {
	scenarios := make([]*Scenario, 0, len(cfgs))
	for _, sc := range cfgs {
		if sc.RootSpan == nil {
			return nil, fmt.Errorf("scenario %q: missing root_span", sc.Name)
		}
		s := &Scenario{
			Name:   sc.Name,
			Weight: 1,
			Vars:   sc.Vars,
		}
		if sc.Weight != nil {
			s.Weight = *sc.Weight
		}
		if s.Weight <= 0 {
			return nil, fmt.Errorf("scenario %q: weight must be positive", sc.Name)
		}
		root, err := s.add(sc.RootSpan)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
		}
		s.Root = root
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// add appends span and its subtree to the arena, returning span's index.
func (s *Scenario) add(span *SpanConfig) (int, error) {
	def := SpanDef{
		Service:         span.Service,
		Operation:       span.Operation,
		Kind:            trace.SpanKindInternal,
		Attributes:      attrTemplates(span.Attributes),
		ErrorConditions: span.ErrorConditions,
		ExportContextAs: span.ExportContextAs,
		LinkPattern:     span.LinkFromContext,
	}
	if def.Operation == "" {
		def.Operation = DefaultOperation
	}
	if kind, ok := parseSpanKind(span.Kind); ok {
		def.Kind = kind
	}

	for _, ev := range span.Events {
		def.Events = append(def.Events, EventDef{
			Name:       ev.Name,
			Attributes: attrTemplates(ev.Attributes),
		})
	}

	switch {
	case len(span.DelayMs) == 2:
		def.DelayMin, def.DelayMax = rangeDuration(span.DelayMs, time.Millisecond)
	case len(span.Delay) == 2:
		def.DelayMin, def.DelayMax = rangeDuration(span.Delay, time.Second)
	}

	if span.LinkFromContext != "" {
		re, err := compileGlob(span.LinkFromContext)
		if err != nil {
			return 0, fmt.Errorf("link_from_context %q: %w", span.LinkFromContext, err)
		}
		def.link = re
	}

	idx := len(s.Spans)
	s.Spans = append(s.Spans, def)

	children := make([]int, 0, len(span.Calls))
	for i := range span.Calls {
		child, err := s.add(&span.Calls[i])
		if err != nil {
			return 0, err
		}
		children = append(children, child)
	}
	s.Spans[idx].Children = children
	return idx, nil
}

func rangeDuration(r []float64, unit time.Duration) (time.Duration, time.Duration) {
	lo := time.Duration(r[0] * float64(unit))
	hi := time.Duration(r[1] * float64(unit))
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// attrTemplates copies attributes in the order they were written.
func attrTemplates(a Attrs) []AttrTemplate {
	if len(a) == 0 {
		return nil
	}
	return slices.Clone(a)
}

var spanKinds = map[string]trace.SpanKind{
	"INTERNAL": trace.SpanKindInternal,
	"SERVER":   trace.SpanKindServer,
	"CLIENT":   trace.SpanKindClient,
	"PRODUCER": trace.SpanKindProducer,
	"CONSUMER": trace.SpanKindConsumer,
}

// parseSpanKind maps a kind name (case-insensitive) to a span kind.
// An empty name is INTERNAL.
func parseSpanKind(s string) (trace.SpanKind, bool) {
	if s == "" {
		return trace.SpanKindInternal, true
	}
	kind, ok := spanKinds[strings.ToUpper(strings.TrimSpace(s))]
	return kind, ok
}
