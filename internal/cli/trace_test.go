package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/sched"
)

func TestTrace_TextOutput(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "passing.yaml", passingScenario)

	out, err := execRoot(t, "trace", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Scenario: passing")
	assert.Contains(t, out, "enqueued")
	assert.Contains(t, out, "applied")
	assert.Contains(t, out, "committed")
	assert.Contains(t, out, "update=upd-1")
	assert.Contains(t, out, "Committed output:")
	assert.Contains(t, out, "✓ Scenario passed")
}

func TestTrace_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "failing.yaml", failingScenario)

	out, err := execRoot(t, "trace", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Scenario failed")
}

func TestTrace_JSONOutput(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "passing.yaml", passingScenario)

	out, err := execRoot(t, "--format", "json", "trace", path)
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "passing", resp.Data.ScenarioName)
	assert.True(t, resp.Data.Pass)
	require.NotEmpty(t, resp.Data.Trace)
	assert.Equal(t, "enqueued", resp.Data.Trace[0].Type)
	assert.Equal(t, []string{"hello"}, resp.Data.Outputs)
}

func TestTrace_MissingFile(t *testing.T) {
	_, err := execRoot(t, "trace", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFormatTraceEvent(t *testing.T) {
	line := formatTraceEvent(sched.TraceEvent{
		Seq:      3,
		Type:     "committed",
		UpdateID: "upd-1",
		Lane:     "normal",
		Slot:     "view",
	})
	assert.Contains(t, line, "committed")
	assert.Contains(t, line, "update=upd-1")
	assert.Contains(t, line, "lane=normal")
	assert.Contains(t, line, "slot=view")
	assert.NotContains(t, line, "boundary=")
	assert.NotContains(t, line, "key=")
}
