// Tests for scenario loading from directories and single files
// Validates ordering of vars, file merge order, and every validation rule
package synth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigSingleFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "scenarios.yaml", `
schema_version: 1
services: [frontend, auth-service]
scenarios:
  - name: login
    weight: 3
    vars:
      user_id: "user-{{random.int(1,999)}}"
      session: "s-{{user_id}}"
    root_span:
      service: frontend
      operation: POST /login
      kind: SERVER
      attributes:
        user.id: "{{user_id}}"
        http.status_code: 200
      delay_ms: [5, 40]
      error_conditions:
        - {type: Timeout, message: upstream timeout, probability: 2}
      calls:
        - service: auth-service
          operation: verify
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, 1, cfg.SchemaVersion)
	assert.Equal(t, []string{"frontend", "auth-service"}, cfg.Services)
	require.Len(t, cfg.Scenarios, 1)

	sc := cfg.Scenarios[0]
	assert.Equal(t, "login", sc.Name)
	require.NotNil(t, sc.Weight)
	assert.InDelta(t, 3.0, *sc.Weight, 0)
	require.Len(t, sc.Vars, 2)
	assert.Equal(t, "user_id", sc.Vars[0].Name)
	assert.Equal(t, "session", sc.Vars[1].Name)

	root := sc.RootSpan
	require.NotNil(t, root)
	assert.Equal(t, "frontend", root.Service)
	assert.Equal(t, []float64{5, 40}, root.DelayMs)
	require.Len(t, root.Attributes, 2)
	assert.Equal(t, AttrTemplate{Key: "http.status_code", Value: 200}, root.Attributes[1])
	require.Len(t, root.ErrorConditions, 1)
	assert.InDelta(t, 2.0, root.ErrorConditions[0].Probability, 0)
	require.Len(t, root.Calls, 1)
	assert.Equal(t, "auth-service", root.Calls[0].Service)
}

func TestVarsPreserveDeclarationOrder(t *testing.T) {
	t.Parallel()

	var sc ScenarioConfig
	require.NoError(t, yaml.Unmarshal([]byte(`
name: ordered
vars:
  zeta: "1"
  alpha: "{{zeta}}"
  mid: 3
root_span: {service: a}
`), &sc))

	names := make([]string, 0, len(sc.Vars))
	for _, v := range sc.Vars {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
	assert.Equal(t, 3, sc.Vars[2].Value)
}

func TestVarsRejectsSequence(t *testing.T) {
	t.Parallel()

	var sc ScenarioConfig
	err := yaml.Unmarshal([]byte("name: x\nvars: [a, b]\n"), &sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vars must be a mapping")
}

func TestAttrsPreserveWrittenOrder(t *testing.T) {
	t.Parallel()

	var span SpanConfig
	require.NoError(t, yaml.Unmarshal([]byte(`
service: a
attributes:
  zz.id: "{{random.int(7,7)}}"
  aa.copy: "{{last_match}}"
  mm.flag: true
  zz.id: "{{random.int(8,8)}}"
events:
  - name: e
    attributes: {k2: 2, k1: 1}
`), &span))

	assert.Equal(t, Attrs{
		{Key: "zz.id", Value: "{{random.int(8,8)}}"},
		{Key: "aa.copy", Value: "{{last_match}}"},
		{Key: "mm.flag", Value: true},
	}, span.Attributes, "a repeated key keeps its first position and takes the last value")
	require.Len(t, span.Events, 1)
	assert.Equal(t, Attrs{{Key: "k2", Value: 2}, {Key: "k1", Value: 1}}, span.Events[0].Attributes)
}

func TestAttrsRejectsSequence(t *testing.T) {
	t.Parallel()

	var span SpanConfig
	err := yaml.Unmarshal([]byte("service: a\nattributes: [a, b]\n"), &span)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attributes must be a mapping")
}

func TestLoadConfigDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, BaseFileName, "schema_version: 1\nservices: [web, db]\n")
	writeFile(t, dir, "20-orders.yaml", `
- name: orders
  root_span: {service: web, operation: GET /orders}
`)
	writeFile(t, dir, "10-users.yaml", `
- name: users
  root_span: {service: web, operation: GET /users}
- name: users-db
  root_span: {service: db, operation: SELECT}
`)
	writeFile(t, dir, "empty.yaml", "")
	writeFile(t, dir, "notes.txt", "ignored")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	names := make([]string, 0, len(cfg.Scenarios))
	for _, sc := range cfg.Scenarios {
		names = append(names, sc.Name)
	}
	assert.Equal(t, []string{"users", "users-db", "orders"}, names)
	assert.Equal(t, []string{"web", "db"}, cfg.Services)
}

func TestLoadConfigDirectoryMissingBase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "- name: a\n  root_span: {service: web}\n")

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), BaseFileName)
}

func TestLoadConfigDirectoryNoScenarios(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, BaseFileName, "schema_version: 1\nservices: [web]\n")

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenarios found")
}

func TestLoadConfigDirectoryNotAList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, BaseFileName, "schema_version: 1\nservices: [web]\n")
	writeFile(t, dir, "bad.yaml", "name: not-a-list\n")

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestLoadConfigMissingPath(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "bad.yaml", "schema_version: [\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func validConfig() *Config {
	return &Config{
		SchemaVersion: 1,
		Services:      []string{"web", "db"},
		Scenarios: []ScenarioConfig{{
			Name: "s",
			RootSpan: &SpanConfig{
				Service: "web",
				Calls:   []SpanConfig{{Service: "db"}},
			},
		}},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	negative := -1.0

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing schema version",
			mutate:  func(c *Config) { c.SchemaVersion = 0 },
			wantErr: "missing required schema_version",
		},
		{
			name:    "unsupported schema version",
			mutate:  func(c *Config) { c.SchemaVersion = 2 },
			wantErr: "unsupported schema_version 2",
		},
		{
			name:    "no services",
			mutate:  func(c *Config) { c.Services = nil },
			wantErr: "services must be a non-empty list",
		},
		{
			name:    "no scenarios",
			mutate:  func(c *Config) { c.Scenarios = nil },
			wantErr: "scenarios must be a non-empty list",
		},
		{
			name:    "missing name",
			mutate:  func(c *Config) { c.Scenarios[0].Name = "" },
			wantErr: "missing required name",
		},
		{
			name:    "missing root span",
			mutate:  func(c *Config) { c.Scenarios[0].RootSpan = nil },
			wantErr: "missing required root_span",
		},
		{
			name:    "non-positive weight",
			mutate:  func(c *Config) { c.Scenarios[0].Weight = &negative },
			wantErr: "weight must be positive",
		},
		{
			name:    "missing service",
			mutate:  func(c *Config) { c.Scenarios[0].RootSpan.Service = "" },
			wantErr: "missing required service",
		},
		{
			name:    "undeclared service in child",
			mutate:  func(c *Config) { c.Scenarios[0].RootSpan.Calls[0].Service = "cache" },
			wantErr: `root_span.calls[0]: service "cache" is not declared`,
		},
		{
			name:    "unknown kind",
			mutate:  func(c *Config) { c.Scenarios[0].RootSpan.Kind = "SIDEWAYS" },
			wantErr: `unknown kind "SIDEWAYS"`,
		},
		{
			name:    "delay_ms wrong length",
			mutate:  func(c *Config) { c.Scenarios[0].RootSpan.DelayMs = []float64{1} },
			wantErr: "delay_ms: must be a list of two numbers",
		},
		{
			name:    "negative delay",
			mutate:  func(c *Config) { c.Scenarios[0].RootSpan.Delay = []float64{-1, 2} },
			wantErr: "delay: values must be non-negative",
		},
		{
			name: "error condition missing fields",
			mutate: func(c *Config) {
				c.Scenarios[0].RootSpan.ErrorConditions = []ErrorConditionConfig{{Probability: 5}}
			},
			wantErr: "error_conditions[0]: missing required type",
		},
		{
			name: "error condition probability out of range",
			mutate: func(c *Config) {
				c.Scenarios[0].RootSpan.ErrorConditions = []ErrorConditionConfig{{Type: "T", Message: "m", Probability: 101}}
			},
			wantErr: "probability must be between 0 and 100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateConfigReportsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Services: []string{"web"},
		Scenarios: []ScenarioConfig{
			{Name: "a", RootSpan: &SpanConfig{}},
			{RootSpan: &SpanConfig{Service: "web", Kind: "bogus"}},
		},
	}
	err := ValidateConfig(cfg)
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "missing required schema_version")
	assert.Contains(t, msg, `scenarios[0] "a".root_span: missing required service`)
	assert.Contains(t, msg, "scenarios[1]: missing required name")
	assert.Contains(t, msg, `unknown kind "bogus"`)
}

func TestValidateConfigKindCaseInsensitive(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Scenarios[0].RootSpan.Kind = "client"
	require.NoError(t, ValidateConfig(cfg))
}
