// YAML scenario configuration types, loading, and validation
// Accepts a scenarios directory (_base.yaml plus scenario lists) or a single file
package synth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersion is the only schema_version the loader accepts.
const SupportedSchemaVersion = 1

// BaseFileName is the file inside a scenarios directory holding schema_version and services.
const BaseFileName = "_base.yaml"

// Config is the top-level scenario configuration.
type Config struct {
	SchemaVersion int              `yaml:"schema_version"`
	Services      []string         `yaml:"services"`
	Scenarios     []ScenarioConfig `yaml:"scenarios"`
}

// ScenarioConfig describes one weighted trace template.
type ScenarioConfig struct {
	Name     string      `yaml:"name"`
	Weight   *float64    `yaml:"weight,omitempty"`
	Vars     Vars        `yaml:"vars,omitempty"`
	RootSpan *SpanConfig `yaml:"root_span"`
}

// SpanConfig is one node of a scenario's span tree as written in YAML.
type SpanConfig struct {
	Service         string                 `yaml:"service"`
	Operation       string                 `yaml:"operation,omitempty"`
	Kind            string                 `yaml:"kind,omitempty"`
	Attributes      Attrs                  `yaml:"attributes,omitempty"`
	Events          []EventConfig          `yaml:"events,omitempty"`
	DelayMs         []float64              `yaml:"delay_ms,omitempty"`
	Delay           []float64              `yaml:"delay,omitempty"`
	ErrorConditions []ErrorConditionConfig `yaml:"error_conditions,omitempty"`
	ExportContextAs string                 `yaml:"export_context_as,omitempty"`
	LinkFromContext string                 `yaml:"link_from_context,omitempty"`
	Calls           []SpanConfig           `yaml:"calls,omitempty"`
}

// EventConfig is a span event template.
type EventConfig struct {
	Name       string         `yaml:"name"`
	Attributes Attrs  `yaml:"attributes,omitempty"`
}

// ErrorConditionConfig is a probabilistic failure injected into a span.
// Probability is a percentage in [0, 100].
type ErrorConditionConfig struct {
	Type        string  `yaml:"type"`
	Message     string  `yaml:"message"`
	Probability float64 `yaml:"probability"`
}

// Var is one named scenario variable template.
type Var struct {
	Name  string
	Value any
}

// Vars is an ordered mapping of scenario variables. Declaration order matters
// because later variables may reference earlier ones.
type Vars []Var

// UnmarshalYAML decodes a YAML mapping while preserving key order.
func (v *Vars) UnmarshalYAML(node *yaml.Node) error {
	out, err := decodeOrdered(node, "vars", "var", func(name string, value any) Var {
		return Var{Name: name, Value: value}
	})
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// Attrs is an ordered attribute mapping. Values resolve in the order written,
// so a later attribute can read the {{last_match}} of an earlier one.
type Attrs []AttrTemplate

// UnmarshalYAML decodes a YAML mapping while preserving key order.
func (a *Attrs) UnmarshalYAML(node *yaml.Node) error {
	out, err := decodeOrdered(node, "attributes", "attribute", func(key string, value any) AttrTemplate {
		return AttrTemplate{Key: key, Value: value}
	})
	if err != nil {
		return err
	}
	*a = out
	return nil
}

// decodeOrdered walks a mapping node pairwise so entries keep their YAML order.
// A repeated key keeps its first position and takes the last value.
func decodeOrdered[T any](node *yaml.Node, field, entry string, mk func(string, any) T) ([]T, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %s must be a mapping", node.Line, field)
	}
	out := make([]T, 0, len(node.Content)/2)
	seen := make(map[string]int, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name string
		if err := node.Content[i].Decode(&name); err != nil {
			return nil, err
		}
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return nil, fmt.Errorf("%s %q: %w", entry, name, err)
		}
		if at, ok := seen[name]; ok {
			out[at] = mk(name, value)
			continue
		}
		seen[name] = len(out)
		out = append(out, mk(name, value))
	}
	return out, nil
}

// LoadConfig reads scenarios from path, which may be a directory containing
// _base.yaml plus scenario files, or a single YAML file.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if info.IsDir() {
		return loadDir(path)
	}
	return loadFile(path)
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied config path is expected
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func loadDir(dir string) (*Config, error) {
	basePath := filepath.Join(dir, BaseFileName)
	cfg, err := loadFile(basePath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", BaseFileName, err)
	}
	cfg.Scenarios = nil

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenarios directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == BaseFileName || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		files = append(files, name)
	}
	slices.Sort(files)

	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // files listed from the user-supplied directory
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		var scenarios []ScenarioConfig
		if err := yaml.Unmarshal(data, &scenarios); err != nil {
			return nil, fmt.Errorf("parsing %s: expected a list of scenarios: %w", name, err)
		}
		cfg.Scenarios = append(cfg.Scenarios, scenarios...)
	}

	if len(cfg.Scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios found in %s", dir)
	}
	return cfg, nil
}

// ValidateConfig checks a configuration for structural correctness and reports
// every problem found.
func ValidateConfig(cfg *Config) error {
	var errs []error

	if cfg.SchemaVersion == 0 {
		errs = append(errs, fmt.Errorf("missing required schema_version (current version is %d)", SupportedSchemaVersion))
	} else if cfg.SchemaVersion != SupportedSchemaVersion {
		errs = append(errs, fmt.Errorf("unsupported schema_version %d (supported: %d)", cfg.SchemaVersion, SupportedSchemaVersion))
	}

	if len(cfg.Services) == 0 {
		errs = append(errs, errors.New("services must be a non-empty list"))
	}
	known := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		if strings.TrimSpace(svc) == "" {
			errs = append(errs, fmt.Errorf("services[%d]: name must not be empty", i))
		}
		known[svc] = true
	}

	if len(cfg.Scenarios) == 0 {
		errs = append(errs, errors.New("scenarios must be a non-empty list"))
	}
	for i, sc := range cfg.Scenarios {
		prefix := fmt.Sprintf("scenarios[%d]", i)
		if sc.Name != "" {
			prefix = fmt.Sprintf("scenarios[%d] %q", i, sc.Name)
		} else {
			errs = append(errs, fmt.Errorf("%s: missing required name", prefix))
		}
		if sc.Weight != nil && *sc.Weight <= 0 {
			errs = append(errs, fmt.Errorf("%s: weight must be positive", prefix))
		}
		if sc.RootSpan == nil {
			errs = append(errs, fmt.Errorf("%s: missing required root_span", prefix))
			continue
		}
		errs = append(errs, validateSpan(sc.RootSpan, prefix+".root_span", known)...)
	}

	return errors.Join(errs...)
}

func validateSpan(span *SpanConfig, path string, known map[string]bool) []error {
	var errs []error

	switch {
	case span.Service == "":
		errs = append(errs, fmt.Errorf("%s: missing required service", path))
	case len(known) > 0 && !known[span.Service]:
		errs = append(errs, fmt.Errorf("%s: service %q is not declared in services", path, span.Service))
	}

	if span.Kind != "" {
		if _, ok := parseSpanKind(span.Kind); !ok {
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", path, span.Kind))
		}
	}

	errs = append(errs, validateRange(span.DelayMs, path+".delay_ms")...)
	errs = append(errs, validateRange(span.Delay, path+".delay")...)

	for i, ec := range span.ErrorConditions {
		ecPath := fmt.Sprintf("%s.error_conditions[%d]", path, i)
		if ec.Type == "" {
			errs = append(errs, fmt.Errorf("%s: missing required type", ecPath))
		}
		if ec.Message == "" {
			errs = append(errs, fmt.Errorf("%s: missing required message", ecPath))
		}
		if ec.Probability < 0 || ec.Probability > 100 {
			errs = append(errs, fmt.Errorf("%s: probability must be between 0 and 100", ecPath))
		}
	}

	if span.LinkFromContext != "" {
		if _, err := compileGlob(span.LinkFromContext); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid link_from_context: %w", path, err))
		}
	}

	for i := range span.Calls {
		errs = append(errs, validateSpan(&span.Calls[i], fmt.Sprintf("%s.calls[%d]", path, i), known)...)
	}
	return errs
}

func validateRange(r []float64, path string) []error {
	if r == nil {
		return nil
	}
	if len(r) != 2 {
		return []error{fmt.Errorf("%s: must be a list of two numbers", path)}
	}
	if r[0] < 0 || r[1] < 0 {
		return []error{fmt.Errorf("%s: values must be non-negative", path)}
	}
	return nil
}
