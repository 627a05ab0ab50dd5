// Fuzz targets wrapping property tests via rapid.MakeFuzz
// Run with: go test -fuzz=FuzzValidateConfig ./pkg/synth/ -fuzztime=30s
package synth

import (
	"testing"

	"pgregory.net/rapid"
)

// FuzzValidateConfig uses coverage-guided fuzzing to explore ValidateConfig
// with randomly generated valid configs. Any config produced by genConfig
// must be accepted by ValidateConfig and compile into an arena.
func FuzzValidateConfig(f *testing.F) {
	f.Fuzz(rapid.MakeFuzz(func(t *rapid.T) {
		cfg := genConfig(t)
		if err := ValidateConfig(cfg); err != nil {
			t.Fatalf("ValidateConfig rejected valid config: %v", err)
		}
		scenarios, err := BuildScenarios(cfg.Scenarios)
		if err != nil {
			t.Fatalf("BuildScenarios: %v", err)
		}
		sc := scenarios[0]
		for i, def := range sc.Spans {
			for _, c := range def.Children {
				if c <= i || c >= len(sc.Spans) {
					t.Fatalf("span %d has out-of-order child index %d", i, c)
				}
			}
		}
	}))
}

// FuzzCompileGlob checks that arbitrary patterns never panic and that a
// pattern made only of '*' matches every key.
func FuzzCompileGlob(f *testing.F) {
	f.Add("session-*")
	f.Add("[!a-z]?")
	f.Add("[")
	f.Add("***")
	f.Fuzz(func(t *testing.T, pattern string) {
		re, err := compileGlob(pattern)
		if err != nil {
			return
		}
		stars := true
		for _, c := range pattern {
			if c != '*' {
				stars = false
				break
			}
		}
		if stars && pattern != "" && !re.MatchString("anything-at-all") {
			t.Fatalf("pattern %q should match any key", pattern)
		}
	})
}
