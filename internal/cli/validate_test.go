package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "passing.yaml", passingScenario)

	out, err := execRoot(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ passing.yaml")
	assert.Contains(t, out, "✓ All scenarios valid")
}

func TestValidate_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	bad := writeScenario(t, dir, "bad.yaml", "name: bad\nsteps:\n  - enqueue:\n      lane: warp\n      slot: view\n      payload: x\n")

	out, err := execRoot(t, "validate", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ bad.yaml")
}

func TestValidate_MixedFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeScenario(t, dir, "good.yaml", passingScenario)
	bad := writeScenario(t, dir, "bad.yaml", "not yaml: [")

	out, err := execRoot(t, "validate", good, bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ good.yaml")
	assert.Contains(t, out, "✗ bad.yaml")
}

func TestValidate_MissingFile(t *testing.T) {
	_, err := execRoot(t, "validate", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidate_JSONOutput(t *testing.T) {
	dir := t.TempDir()
	good := writeScenario(t, dir, "good.yaml", passingScenario)
	bad := writeScenario(t, dir, "bad.yaml", "name: bad\nsteps: []\n")

	out, err := execRoot(t, "--format", "json", "validate", good, bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Files, 2)
	assert.True(t, resp.Data.Files[0].Valid)
	assert.False(t, resp.Data.Files[1].Valid)
	assert.NotEmpty(t, resp.Data.Files[1].Error)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeLoad, resp.Error.Code)
}
