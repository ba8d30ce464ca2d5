package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
contracts: contracts
tenant: t1
steps:
  - ingest: BRAND#t1#b1
    version: 1
    payload: {name: Acme}
  - advance: 30s
  - drain: true
assertions:
  - type: index_count
    index: product_by_brand
    value: b1
    count: 0
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "contracts"), scenario.Contracts)
	require.Len(t, scenario.Steps, 3)
	assert.Equal(t, StepIngest, scenario.Steps[0].Kind())
	assert.Equal(t, "Acme", scenario.Steps[0].Payload["name"])
	assert.Equal(t, StepAdvance, scenario.Steps[1].Kind())
	assert.Equal(t, StepDrain, scenario.Steps[2].Kind())
	require.Len(t, scenario.Assertions, 1)
	require.NotNil(t, scenario.Assertions[0].Count)
	assert.Zero(t, *scenario.Assertions[0].Count)
}

func TestLoadScenario_AbsoluteContracts(t *testing.T) {
	path := writeScenario(t, `
name: abs
description: "absolute contracts dir"
contracts: /srv/contracts
tenant: t1
steps:
  - drain: true
`)
	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/contracts", scenario.Contracts)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: "typo"
contracts: contracts
tenant: t1
steps:
  - drain: true
assertion:
  - type: no_drift
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	header := "name: bad\ndescription: \"bad\"\ncontracts: contracts\ntenant: t1\n"

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing name", "description: x\ncontracts: c\ntenant: t1\nsteps: [{drain: true}]\n", "name is required"},
		{"missing tenant", "name: a\ndescription: x\ncontracts: c\nsteps: [{drain: true}]\n", "tenant is required"},
		{"no steps", header, "steps list is required"},
		{"two actions", header + "steps:\n  - drain: true\n    advance: 1s\n", "exactly one of"},
		{"no action", header + "steps:\n  - version: 1\n", "exactly one of"},
		{"ingest without version", header + "steps:\n  - ingest: BRAND#t1#b1\n    payload: {name: x}\n", "positive version"},
		{"ingest without payload", header + "steps:\n  - ingest: BRAND#t1#b1\n    version: 1\n", "requires a payload"},
		{"bad duration", header + "steps:\n  - advance: soon\n", "advance"},
		{"negative duration", header + "steps:\n  - advance: -1s\n", "advance must be positive"},
		{"unknown circuit", header + "fanout: {circuit_action: PANIC}\nsteps: [{drain: true}]\n", "unknown circuit_action"},
		{"unknown assertion", header + "steps: [{drain: true}]\nassertions: [{type: vibes}]\n", "unknown type"},
		{"slice without type", header + "steps: [{drain: true}]\nassertions: [{type: slice, key: K}]\n", "slice requires key and slice"},
		{"count missing", header + "steps: [{drain: true}]\nassertions: [{type: outbox_count}]\n", "requires count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDir(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	names := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	assert.IsIncreasing(t, names)
}
