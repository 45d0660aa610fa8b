package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// writeConfig writes a config whose paths all live under a temp directory.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	specs := filepath.Join(dir, "specs")
	require.NoError(t, os.MkdirAll(specs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(specs, "01_news_scout.md"), []byte("Find headlines."), 0o644))

	path := filepath.Join(dir, "config.yaml")
	content := "pipeline:\n" +
		"  specs_dir: " + specs + "\n" +
		"  output_dir: " + filepath.Join(dir, "images") + "\n" +
		"storage:\n" +
		"  db_path: " + filepath.Join(dir, "runs.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, specs
}

func execute(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestUsageAndUnknownCommand(t *testing.T) {
	code, _, stderr := execute()
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "Usage: headlineart")

	code, _, stderr = execute("paint")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "Unknown command: paint")
}

func TestVersion(t *testing.T) {
	code, stdout, _ := execute("version")
	require.Equal(t, exitOK, code)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, Version, out["version"])
}

func TestValidate(t *testing.T) {
	path, specs := writeConfig(t)

	code, stdout, stderr := execute("validate", "-config", path)
	require.Equal(t, exitOK, code, stderr)

	var out struct {
		Valid               bool     `json:"valid"`
		Stages              []string `json:"stages"`
		InstructionsLoaded  int      `json:"instructions_loaded"`
		InstructionsMissing []string `json:"instructions_missing"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.True(t, out.Valid)
	assert.Len(t, out.Stages, 7)
	assert.Equal(t, 1, out.InstructionsLoaded)
	assert.Len(t, out.InstructionsMissing, 6)
	assert.Contains(t, out.InstructionsMissing, filepath.Join(specs, "07_image_creator.md"))
}

func TestValidateRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  verdict_mode: fuzzy\n"), 0o644))

	code, _, stderr := execute("validate", "-config", path)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr, "verdict_mode")
}

func TestHistoryUnknownRun(t *testing.T) {
	path, _ := writeConfig(t)

	code, _, stderr := execute("history", "-config", path, "run_missing")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr, "not found")
}

func TestArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"run without input", []string{"run", "-plain"}, "input is required"},
		{"history without id", []string{"history"}, "exactly one run id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := execute(tt.args...)
			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}
