package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const contractsDir = "../contract/testdata/contracts"

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decode(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestCommandPresence(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "ivm", root.Use)

	for _, path := range [][]string{
		{"validate"}, {"ingest"}, {"work"}, {"dlq", "list"}, {"dlq", "replay"}, {"outbox", "stats"}, {"verify"}, {"test"},
	} {
		sub, _, err := root.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	root := NewRootCommand()

	verbose := root.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	for _, name := range []string{"format", "db", "contracts"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "validate", contractsDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidEnvironment(t *testing.T) {
	t.Setenv("IVM_OUTBOX_WORKERS", "0")
	_, err := execute(t, "validate", contractsDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "load config")
}

func TestValidateContracts(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", contractsDir)
	require.NoError(t, err)

	resp := decode(t, out)
	assert.Equal(t, "ok", resp.Status)
	ruleSets, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, ruleSets, 3)
}

func TestValidateMissingDir(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [VALIDATION]")
}

func TestIngestRequiresFlags(t *testing.T) {
	_, err := execute(t, "--db", filepath.Join(t.TempDir(), "ivm.db"), "ingest", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestIngestDrainAndInspect(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ivm.db")
	payload := filepath.Join(dir, "p1.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"title":"Shoe","price":100}`), 0o644))

	global := []string{"--db", db, "--contracts", contractsDir, "--format", "json"}
	run := func(args ...string) (string, error) {
		return execute(t, append(append([]string{}, global...), args...)...)
	}

	out, err := run("ingest", "--tenant", "t1", "--key", "PRODUCT#t1#p1", "--version", "1", "--drain", payload)
	require.NoError(t, err)
	data := decode(t, out).Data.(map[string]any)
	assert.Equal(t, float64(2), data["processed"])

	out, err = run("outbox", "stats")
	require.NoError(t, err)
	stats := decode(t, out).Data.(map[string]any)
	assert.Equal(t, float64(2), stats["PROCESSED"])
	assert.Equal(t, float64(0), stats["PENDING"])

	_, err = run("verify", "--tenant", "t1", "PRODUCT#t1#p1")
	require.NoError(t, err)

	out, err = run("dlq", "list")
	require.NoError(t, err)
	assert.Empty(t, decode(t, out).Data)

	_, err = run("ingest", "--tenant", "t1", "--key", "PRODUCT#t1#p1", "--version", "2", "--delete", "--reason", "recalled")
	require.NoError(t, err)

	out, err = run("work", "--once")
	require.NoError(t, err)
	work := decode(t, out).Data.(map[string]any)
	assert.Equal(t, float64(2), work["processed"])
}

func TestIngestRejectsConflictingVersion(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ivm.db")
	first := filepath.Join(dir, "a.json")
	second := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(first, []byte(`{"title":"Shoe"}`), 0o644))
	require.NoError(t, os.WriteFile(second, []byte(`{"title":"Boot"}`), 0o644))

	args := []string{"--db", db, "--contracts", contractsDir, "ingest", "--tenant", "t1", "--key", "PRODUCT#t1#p1", "--version", "1"}
	_, err := execute(t, append(args, first)...)
	require.NoError(t, err)

	out, err := execute(t, append(args, second)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [IDEMPOTENCY_VIOLATION]")
}

func TestDLQReplayUnknownEntry(t *testing.T) {
	out, err := execute(t, "--db", filepath.Join(t.TempDir(), "ivm.db"), "dlq", "replay", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_FOUND]")
}

func TestRunScenarios(t *testing.T) {
	out, err := execute(t, "--format", "json", "test", "../harness/testdata/scenarios", "--filter", "brand_*")
	require.NoError(t, err)

	data := decode(t, out).Data.(map[string]any)
	assert.Equal(t, float64(2), data["total"])
	assert.Equal(t, float64(2), data["passed"])
}

func TestRunScenariosReportsFailures(t *testing.T) {
	dir := t.TempDir()
	contracts, err := filepath.Abs("../harness/testdata/contracts")
	require.NoError(t, err)
	scenario := `
name: wrong_version
description: "expects a version the pipeline never writes"
contracts: ` + contracts + `
tenant: t1
steps:
  - ingest: BRAND#t1#b1
    version: 1
    payload: {name: Acme}
assertions:
  - type: slice
    key: BRAND#t1#b1
    slice: CORE
    version: 7
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(scenario), 0o644))

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_version")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}

func TestRunScenariosMissingDir(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
