package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
csv_file: my-evolution.csv
parallel:
  max_workers: 8
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "my-evolution.csv"), cfg.CSVFile)
	assert.Equal(t, 8, cfg.Parallel.MaxWorkers)
	// Untouched defaults survive the merge.
	assert.Equal(t, "BRIEF.md", filepath.Base(cfg.BriefFile))
	assert.Equal(t, 600, cfg.TimeoutSeconds)
	assert.True(t, cfg.AutoIdeate)
}

func TestLoadFileResolvesRelativePathsAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `output_dir: out`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	absDir, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(absDir, "out"), cfg.OutputDir)
	assert.Equal(t, filepath.Join(absDir, "algorithm.py"), cfg.AlgorithmFile)
}

func TestLoadFileDefaultsOutputDirToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `csv_file: evolution.csv`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	absDir, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, absDir, cfg.OutputDir)
}

func TestLoadFileExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("CLAUDE_EVOLVE_PYTHON", "python3.11")
	dir := t.TempDir()
	path := writeConfig(t, dir, "python_cmd: ${CLAUDE_EVOLVE_PYTHON}\n")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "python3.11", cfg.PythonCmd)
}

func TestLoadFileMissingFileReturnsLoadError(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestLoadFileInvalidYAMLReturnsLoadError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "csv_file: [unterminated\n")

	_, err := LoadFile(path)
	require.Error(t, err)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, loadErr, ErrInvalidYAML)
}

func TestLoadPrefersExplicitPathOverEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "csv_file: explicit.csv\n")

	t.Setenv("CLAUDE_EVOLVE_CONFIG", filepath.Join(t.TempDir(), "never-read.yaml"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "explicit.csv"), cfg.CSVFile)
}

func TestLoadFallsBackToEnvConfigPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "csv_file: from-env.csv\n")
	t.Setenv("CLAUDE_EVOLVE_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "from-env.csv"), cfg.CSVFile)
}

func TestLoadReturnsErrConfigNotFoundWhenNothingResolves(t *testing.T) {
	t.Setenv("CLAUDE_EVOLVE_CONFIG", "")
	wd, err := os.Getwd()
	require.NoError(t, err)
	empty := t.TempDir()
	require.NoError(t, os.Chdir(empty))
	defer func() { _ = os.Chdir(wd) }()

	_, err = Load("")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestDefaultMatchesKnownBaselineValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "evolution.csv", cfg.CSVFile)
	assert.Equal(t, 5, cfg.WorkerMaxCandidates)
	assert.Equal(t, 3, cfg.MaxValidationRetries)
	assert.Equal(t, 5*time.Second, cfg.Parallel.PollInterval)
	assert.Equal(t, 0.92, cfg.Novelty.Threshold)
	assert.False(t, cfg.LLM.Bandit.Enabled)
}

func TestExpandEnvLeavesMissingVarsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("value: ${THIS_VAR_DOES_NOT_EXIST_12345}"))
	assert.Equal(t, "value: ", string(out))
}

func TestNewValidationAndLoadErrorsWrapUnderlying(t *testing.T) {
	inner := assertErr("boom")
	ve := NewValidationError("csv_file", inner)
	assert.Contains(t, ve.Error(), "csv_file")
	assert.ErrorIs(t, ve, inner)

	le := NewLoadError("config.yaml", inner)
	assert.Contains(t, le.Error(), "config.yaml")
	assert.ErrorIs(t, le, inner)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
