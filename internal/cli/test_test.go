package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chatsync/internal/harness"
)

const cliScenario = `
name: cli_in_order
description: two events in order
server:
  - message: {conversation: c1, id: 1}
  - message: {conversation: c1, id: 2}
steps:
  - admit: [1, 2]
assertions:
  - type: seq
    scope: global
    value: 3
`

const cliFailingScenario = `
name: cli_wrong
description: expects a counter that is never reached
server:
  - message: {conversation: c1, id: 1}
steps:
  - admit: [1]
assertions:
  - type: seq
    scope: global
    value: 9
`

func writeScenarios(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentDir(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := executeTest(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandPasses(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"cli_in_order.yaml": cliScenario})

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ cli_in_order")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandFailureExitCode(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"cli_in_order.yaml": cliScenario,
		"cli_wrong.yaml":    cliFailingScenario,
	})

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ cli_wrong")
	assert.Contains(t, out, "global at 9")
}

func TestTestCommandFilter(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"cli_in_order.yaml": cliScenario,
		"cli_wrong.yaml":    cliFailingScenario,
	})

	out, err := executeTest(t, "text", dir, "--filter", "cli_in_*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 total")
	assert.NotContains(t, out, "cli_wrong")
}

func TestTestCommandUpdateWritesGolden(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"cli_in_order.yaml": cliScenario})

	out, err := executeTest(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "(golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "cli_in_order.golden"))
	require.NoError(t, err)
	assert.Equal(t, "# 1 admit 1,2\n"+
		"admit global new_seq=2 seq_count=1 kind=message.new outcome=applied\n"+
		"admit global new_seq=3 seq_count=1 kind=message.new outcome=applied\n", string(golden))

	_, err = executeTest(t, "text", dir)
	require.NoError(t, err)
}

func TestTestCommandJSON(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"cli_wrong.yaml": cliFailingScenario})

	out, err := executeTest(t, "json", dir)
	require.Error(t, err)

	var resp struct {
		Status string              `json:"status"`
		Data   harness.SuiteResult `json:"data"`
		Error  *CLIError           `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "cli_wrong", resp.Data.Scenarios[0].Name)
}

func TestTestCommandRepositoryScenarios(t *testing.T) {
	dir := filepath.Join("..", "harness", "testdata")
	out, err := executeTest(t, "text", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "All scenarios passed")
}
