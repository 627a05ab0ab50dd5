// Attribute typing and weighted selection helpers
// Resolved template values keep their YAML type when they reach the span
package synth

import (
	"fmt"
	"math/rand/v2"

	"go.opentelemetry.io/otel/attribute"
)

// WeightedChoice picks from a set of values according to relative weights.
type WeightedChoice[T any] struct {
	Choices      []T
	CumulWeights []float64
	TotalWeight  float64
}

// NewWeightedChoice builds a chooser over choices using weight to read each
// element's relative weight. Every weight must be positive.
func NewWeightedChoice[T any](choices []T, weight func(T) float64) (*WeightedChoice[T], error) {
	if len(choices) == 0 {
		return nil, fmt.Errorf("at least one choice is required")
	}
	w := &WeightedChoice[T]{
		Choices:      choices,
		CumulWeights: make([]float64, len(choices)),
	}
	for i, c := range choices {
		cw := weight(c)
		if cw <= 0 {
			return nil, fmt.Errorf("choice %d: weight must be positive, got %g", i, cw)
		}
		w.TotalWeight += cw
		w.CumulWeights[i] = w.TotalWeight
	}
	return w, nil
}

// Pick returns one choice with probability proportional to its weight.
func (w *WeightedChoice[T]) Pick(rng *rand.Rand) T {
	r := rng.Float64() * w.TotalWeight
	for i, cw := range w.CumulWeights {
		if r < cw {
			return w.Choices[i]
		}
	}
	return w.Choices[len(w.Choices)-1]
}

func typedAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

// typedAttributes converts resolved attributes in declaration order.
func typedAttributes(order []string, values map[string]any) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(order))
	for _, k := range order {
		kvs = append(kvs, typedAttribute(k, values[k]))
	}
	return kvs
}
