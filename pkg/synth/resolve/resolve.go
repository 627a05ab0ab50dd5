// Template value resolution for scenario text fields
// Expands {{...}} markers into random values, timestamps, and context lookups
package resolve

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxIterations bounds the number of substitution passes for one value.
const DefaultMaxIterations = 10

// Resolver expands template markers in scenario strings.
// It is safe for concurrent use; the last_match register is kept per worker.
type Resolver struct {
	// MaxIterations caps substitution passes per call. Zero means DefaultMaxIterations.
	MaxIterations int

	logger *zap.Logger

	mu        sync.Mutex
	lastMatch map[int]string
}

// New creates a Resolver that reports diagnostics to logger (nil discards them).
func New(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		MaxIterations: DefaultMaxIterations,
		logger:        logger,
		lastMatch:     make(map[int]string),
	}
}

// Resolve expands templates in value on behalf of worker. Values that are not
// strings are returned unchanged.
func (r *Resolver) Resolve(worker int, value any, vars map[string]any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	return r.String(worker, s, vars)
}

// String expands templates in s until the result stops changing, a previously
// produced string repeats, or the iteration cap is reached. It never fails:
// markers that cannot be resolved are left in place.
func (r *Resolver) String(worker int, s string, vars map[string]any) string {
	limit := r.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}

	seen := make(map[string]struct{}, limit)
	for range limit {
		if _, dup := seen[s]; dup {
			r.logger.Warn("circular reference in template", zap.String("template", s))
			return s
		}
		seen[s] = struct{}{}

		next := r.pass(worker, s, vars)
		if next == s {
			return s
		}
		s = next
	}

	r.logger.Warn("template resolution hit iteration cap",
		zap.Int("max_iterations", limit),
		zap.String("template", s),
	)
	return s
}

// LastMatch returns the most recent random.int draw recorded for worker.
func (r *Resolver) LastMatch(worker int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMatch[worker]
}

// Forget drops the last_match slot held for worker.
func (r *Resolver) Forget(worker int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastMatch, worker)
}

func (r *Resolver) recordMatch(worker int, v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastMatch[worker] = v
}

// pass applies one round of substitutions in fixed order:
// random values, then last_match, then context variables.
func (r *Resolver) pass(worker int, s string, vars map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	s = r.substituteRandom(worker, s)
	s = r.substituteLastMatch(worker, s)
	return r.substituteContext(s, vars)
}

const lastMatchMarker = "{{last_match}}"

func (r *Resolver) substituteLastMatch(worker int, s string) string {
	if !strings.Contains(s, lastMatchMarker) {
		return s
	}
	return strings.ReplaceAll(s, lastMatchMarker, r.LastMatch(worker))
}

func (r *Resolver) substituteContext(s string, vars map[string]any) string {
	return contextPattern.ReplaceAllStringFunc(s, func(marker string) string {
		path := strings.Split(contextPattern.FindStringSubmatch(marker)[1], ".")
		v, ok := Lookup(vars, path)
		if !ok {
			r.logger.Warn("template key not found",
				zap.String("marker", marker),
				zap.Strings("available_keys", slices.Sorted(maps.Keys(vars))),
			)
			return marker
		}
		return render(v)
	})
}
