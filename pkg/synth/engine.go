// Generation engine: a pool of workers that repeatedly pick a scenario and render it
// Workers pace themselves with randomized sleeps that wake immediately on Stop
package synth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lkendrickd/trace-generator/pkg/synth/resolve"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Engine defaults.
const (
	DefaultWorkers     = 4
	DefaultIntervalMin = 500 * time.Millisecond
	DefaultIntervalMax = 2 * time.Second
	DefaultStopTimeout = 5 * time.Second
	faultBackoff       = time.Second
)

// Options configures an Engine.
type Options struct {
	Workers     int
	IntervalMin time.Duration
	IntervalMax time.Duration
	// StopTimeout bounds how long Stop waits for each worker.
	StopTimeout time.Duration
	// MaxTemplateIterations caps template resolution passes per value.
	MaxTemplateIterations int
	// Seed makes worker random streams deterministic when non-zero.
	Seed uint64

	Observers []SpanObserver
	// HealthCheck, when set, is consulted by Status to report tracer health,
	// typically by pinging the trace sink.
	HealthCheck func(context.Context) error

	Clock  clockz.Clock
	Logger *zap.Logger
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Running            bool  `json:"running"`
	TraceCount         int64 `json:"trace_count"`
	SpanCount          int64 `json:"span_count"`
	ErrorCount         int64 `json:"error_count"`
	ScenariosLoaded    int   `json:"scenarios_loaded"`
	ServicesConfigured int   `json:"services_configured"`
	TracerHealthy      bool  `json:"tracer_healthy"`
	ContextStoreSize   int   `json:"context_store_size"`
}

// Engine drives concurrent trace generation.
type Engine struct {
	scenarios []*Scenario
	selector  *WeightedChoice[*Scenario]
	tracers   map[string]trace.Tracer
	contexts  *ContextStore
	resolver  *resolve.Resolver
	observers []SpanObserver
	opts      Options
	clock     clockz.Clock
	logger    *zap.Logger

	traceCount atomic.Int64
	spanCount  atomic.Int64
	errorCount atomic.Int64
	running    atomic.Bool

	mu   sync.Mutex // serialises Start and Stop
	stop chan struct{}
	done []chan struct{}
	// nextSlot numbers last_match slots so a worker that outlives Stop never
	// shares a slot with a worker from a later pool.
	nextSlot int
}

// NewEngine builds an engine over compiled scenarios and one tracer per service.
// The tracer map is copied and never modified afterwards.
func NewEngine(scenarios []*Scenario, tracers map[string]trace.Tracer, opts Options) (*Engine, error) {
	if len(scenarios) == 0 {
		return nil, errors.New("no scenarios to generate traces from")
	}
	if len(tracers) == 0 {
		return nil, errors.New("no tracers configured")
	}

	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.IntervalMin == 0 && opts.IntervalMax == 0 {
		opts.IntervalMin, opts.IntervalMax = DefaultIntervalMin, DefaultIntervalMax
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.MaxTemplateIterations == 0 {
		opts.MaxTemplateIterations = resolve.DefaultMaxIterations
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", opts.Workers)
	}
	if opts.IntervalMin < 0 || opts.IntervalMax < opts.IntervalMin {
		return nil, fmt.Errorf("invalid interval range [%s, %s]", opts.IntervalMin, opts.IntervalMax)
	}
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	selector, err := NewWeightedChoice(scenarios, func(s *Scenario) float64 { return s.Weight })
	if err != nil {
		return nil, fmt.Errorf("scenario weights: %w", err)
	}

	resolver := resolve.New(opts.Logger.Named("resolve"))
	resolver.MaxIterations = opts.MaxTemplateIterations

	capacity := ContextStoreCapacity(scenarios, opts.IntervalMin, opts.IntervalMax)
	opts.Logger.Info("context store sized",
		zap.Int("capacity", capacity),
		zap.Int("scenarios", len(scenarios)),
	)

	return &Engine{
		scenarios: scenarios,
		selector:  selector,
		tracers:   maps.Clone(tracers),
		contexts:  NewContextStore(capacity),
		resolver:  resolver,
		observers: opts.Observers,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}, nil
}

// Services returns the services the engine has tracers for, sorted.
func (e *Engine) Services() []string {
	return slices.Sorted(maps.Keys(e.tracers))
}

// Scenarios returns the compiled scenarios the engine selects from.
func (e *Engine) Scenarios() []*Scenario {
	return e.scenarios
}

// ContextStore returns the shared store of exported span contexts.
func (e *Engine) ContextStore() *ContextStore {
	return e.contexts
}

// Start launches the worker pool. It returns false if the engine is already running.
func (e *Engine) Start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return false
	}

	e.stop = make(chan struct{})
	e.done = make([]chan struct{}, e.opts.Workers)
	for id := range e.opts.Workers {
		done := make(chan struct{})
		e.done[id] = done
		go e.worker(id, e.nextSlot, e.newRand(id), e.stop, done)
		e.nextSlot++
	}
	e.running.Store(true)

	e.logger.Info("trace generation started", zap.Int("workers", e.opts.Workers))
	return true
}

// Stop signals every worker and waits up to StopTimeout for each to exit.
// It returns false if the engine was not running.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return false
	}
	e.running.Store(false)
	close(e.stop)

	for id, done := range e.done {
		select {
		case <-done:
		case <-e.clock.After(e.opts.StopTimeout):
			e.logger.Warn("worker did not stop in time",
				zap.Int("worker", id),
				zap.Duration("timeout", e.opts.StopTimeout),
			)
		}
	}
	e.done = nil

	e.logger.Info("trace generation stopped", zap.Int64("traces", e.traceCount.Load()))
	return true
}

// Run starts the engine, blocks until ctx is cancelled, then stops it.
func (e *Engine) Run(ctx context.Context) error {
	if !e.Start() {
		return errors.New("engine already running")
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

// Running reports whether the worker pool is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Status returns a snapshot safe to take while workers run. TracerHealthy
// also consults the HealthCheck probe.
func (e *Engine) Status() Status {
	st := e.Snapshot()
	if st.TracerHealthy && e.opts.HealthCheck != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.opts.HealthCheck(ctx); err != nil {
			e.logger.Debug("health check failed", zap.Error(err))
			st.TracerHealthy = false
		}
	}
	return st
}

// Snapshot is Status without the HealthCheck probe, for callers that have
// just probed the sink themselves. TracerHealthy only reports whether any
// tracer is configured.
func (e *Engine) Snapshot() Status {
	return Status{
		Running:            e.running.Load(),
		TraceCount:         e.traceCount.Load(),
		SpanCount:          e.spanCount.Load(),
		ErrorCount:         e.errorCount.Load(),
		ScenariosLoaded:    len(e.scenarios),
		ServicesConfigured: len(e.tracers),
		TracerHealthy:      len(e.tracers) > 0,
		ContextStoreSize:   e.contexts.Capacity(),
	}
}

// GenerateTrace renders one trace synchronously on behalf of worker, which
// names the last_match slot used for template resolution.
// Span delays are slept in full.
func (e *Engine) GenerateTrace(ctx context.Context, worker int, rng *rand.Rand) {
	e.generate(ctx, worker, rng, nil)
}

func (e *Engine) generate(ctx context.Context, worker int, rng *rand.Rand, stop <-chan struct{}) {
	sc := e.selector.Pick(rng)

	vars := make(map[string]any, len(sc.Vars))
	for _, v := range sc.Vars {
		vars[v.Name] = e.resolver.Resolve(worker, v.Value, vars)
	}

	w := &walker{
		e:        e,
		worker:   worker,
		rng:      rng,
		stop:     stop,
		scenario: sc,
		vars:     vars,
	}
	w.render(ctx, sc.Root, map[string]any{})
	e.traceCount.Add(1)
}

func (e *Engine) worker(id, slot int, rng *rand.Rand, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer e.resolver.Forget(slot)

	log := e.logger.With(zap.Int("worker", id))
	log.Debug("worker started")

	for {
		select {
		case <-stop:
			log.Debug("worker stopped")
			return
		default:
		}

		if err := e.safeGenerate(slot, rng, stop); err != nil {
			log.Error("trace generation failed", zap.Error(err))
			if !e.sleep(stop, faultBackoff) {
				return
			}
			continue
		}

		if !e.sleep(stop, e.drawInterval(rng)) {
			log.Debug("worker stopped")
			return
		}
	}
}

// safeGenerate renders one trace, converting a panic into an error.
func (e *Engine) safeGenerate(slot int, rng *rand.Rand, stop <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic rendering trace: %v\n%s", r, debug.Stack())
		}
	}()
	e.generate(context.Background(), slot, rng, stop)
	return nil
}

// sleep waits for d or until stop is closed. It returns false if stopped.
func (e *Engine) sleep(stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	select {
	case <-stop:
		return false
	case <-e.clock.After(d):
		return true
	}
}

func (e *Engine) drawInterval(rng *rand.Rand) time.Duration {
	lo, hi := e.opts.IntervalMin, e.opts.IntervalMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int64N(int64(hi-lo)+1))
}

func (e *Engine) newRand(worker int) *rand.Rand {
	if e.opts.Seed != 0 {
		return rand.New(rand.NewPCG(e.opts.Seed, uint64(worker))) //nolint:gosec // deterministic synthetic data
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // synthetic data
}
