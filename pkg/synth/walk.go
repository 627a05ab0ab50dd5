// Span tree rendering for one generated trace
// Resolves templates, links exported contexts, injects delays and failures
package synth

import (
	"context"
	"maps"
	"math/rand/v2"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Attribute keys set on every emitted span.
const (
	ServiceNameKey   = "service.name"
	ErrorTypeKey     = "error.type"
	StatusCodeKey    = "otel.status_code"
	StatusMessageKey = "otel.status_message"
)

// Values recorded under StatusCodeKey.
const (
	statusCodeOk    = 1
	statusCodeError = 2
)

const unnamedEvent = "unnamed_event"

// walker renders the span tree of one scenario for one worker.
type walker struct {
	e        *Engine
	worker   int
	rng      *rand.Rand
	stop     <-chan struct{}
	scenario *Scenario
	vars     map[string]any
}

// render emits the span at idx and, unless it failed, its subtree.
func (w *walker) render(ctx context.Context, idx int, parentAttrs map[string]any) {
	def := &w.scenario.Spans[idx]
	log := w.e.logger

	tracer, ok := w.e.tracers[def.Service]
	if !ok {
		log.Warn("no tracer for service, skipping subtree",
			zap.String("service", def.Service),
			zap.String("scenario", w.scenario.Name),
		)
		return
	}

	var links []trace.Link
	var linked map[string]any
	if def.link != nil {
		if ec, ok := w.linkFrom(def.link); ok {
			links = append(links, trace.Link{SpanContext: ec.SpanContext})
			linked = ec.Attributes
			log.Debug("linked span to exported context", zap.String("key", ec.Key))
		}
	}

	spanCtx := make(map[string]any, len(w.vars)+3)
	spanCtx["parent"] = map[string]any{"attributes": parentAttrs}
	maps.Copy(spanCtx, w.vars)
	if linked != nil {
		spanCtx["linked"] = map[string]any{"attributes": linked}
	}

	name := w.e.resolver.String(w.worker, def.Operation, spanCtx)

	var exportKey string
	if def.ExportContextAs != "" {
		exportKey = w.e.resolver.String(w.worker, def.ExportContextAs, spanCtx)
		spanCtx["context_key"] = exportKey
	}

	attrs := make(map[string]any, len(def.Attributes)+1)
	order := make([]string, 0, len(def.Attributes)+1)
	for _, a := range def.Attributes {
		attrs[a.Key] = w.e.resolver.Resolve(w.worker, a.Value, spanCtx)
		if a.Key != ServiceNameKey {
			order = append(order, a.Key)
		}
	}
	attrs[ServiceNameKey] = def.Service
	order = append(order, ServiceNameKey)

	opts := []trace.SpanStartOption{
		trace.WithSpanKind(def.Kind),
		trace.WithAttributes(typedAttributes(order, attrs)...),
	}
	if len(links) > 0 {
		opts = append(opts, trace.WithLinks(links...))
	}

	start := w.e.clock.Now()
	ctx, span := tracer.Start(ctx, name, opts...)
	failed, errType := w.emit(ctx, span, def, exportKey, spanCtx, attrs)
	duration := w.e.clock.Since(start)

	w.e.spanCount.Add(1)
	if failed {
		w.e.errorCount.Add(1)
	}

	info := SpanInfo{
		Service:     def.Service,
		Operation:   name,
		Scenario:    w.scenario.Name,
		Timestamp:   start,
		Duration:    duration,
		IsError:     failed,
		ErrorType:   errType,
		Kind:        def.Kind,
		Linked:      len(links) > 0,
		SpanContext: span.SpanContext(),
		Attrs:       typedAttributes(order, attrs),
	}
	for _, obs := range w.e.observers {
		obs.Observe(info)
	}
}

// emit performs the work done inside the span's lifetime and ends it.
// It reports whether an error condition fired, and its type.
func (w *walker) emit(ctx context.Context, span trace.Span, def *SpanDef, exportKey string, spanCtx, attrs map[string]any) (bool, string) {
	defer span.End()

	if exportKey != "" {
		w.e.contexts.Put(ExportedContext{
			Key:         exportKey,
			SpanContext: span.SpanContext(),
			Attributes:  attrs,
		})
	}

	if len(def.Events) > 0 {
		eventCtx := make(map[string]any, len(spanCtx)+len(attrs))
		maps.Copy(eventCtx, spanCtx)
		maps.Copy(eventCtx, attrs)
		for _, ev := range def.Events {
			name := unnamedEvent
			if ev.Name != "" {
				name = w.e.resolver.String(w.worker, ev.Name, eventCtx)
			}
			kvs := make([]attribute.KeyValue, 0, len(ev.Attributes))
			for _, a := range ev.Attributes {
				kvs = append(kvs, typedAttribute(a.Key, w.e.resolver.Resolve(w.worker, a.Value, eventCtx)))
			}
			span.AddEvent(name, trace.WithAttributes(kvs...))
		}
	}

	if def.HasDelay() {
		w.e.sleep(w.stop, def.drawDelay(w.rng))
	}

	for _, ec := range def.ErrorConditions {
		roll := 1 + w.rng.IntN(100)
		if float64(roll) <= ec.Probability {
			span.SetStatus(codes.Error, ec.Message)
			span.SetAttributes(
				attribute.String(ErrorTypeKey, ec.Type),
				attribute.Int(StatusCodeKey, statusCodeError),
				attribute.String(StatusMessageKey, ec.Message),
			)
			return true, ec.Type
		}
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int(StatusCodeKey, statusCodeOk))

	for _, child := range def.Children {
		w.render(ctx, child, attrs)
	}
	return false, ""
}

// linkFrom picks a random retained context whose key matches pattern.
// The key scan and the fetch are separate critical sections; an entry evicted
// in between yields no link.
func (w *walker) linkFrom(pattern *regexp.Regexp) (ExportedContext, bool) {
	keys := w.e.contexts.Keys(pattern.MatchString)
	if len(keys) == 0 {
		return ExportedContext{}, false
	}
	return w.e.contexts.Get(keys[w.rng.IntN(len(keys))])
}
