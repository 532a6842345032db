package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunValidate_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
failsink:
  reporter:
    subsystems: [phone, watch]
`), 0644))

	var buf bytes.Buffer
	require.NoError(t, runValidate(path, &buf))

	assert.Contains(t, buf.String(), "VALID: 2 reporter subsystem(s)")
	assert.Contains(t, buf.String(), "- phone")
	assert.Contains(t, buf.String(), "- watch")
}

func TestRunValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("failsink:\n  log:\n    format: xml\n"), 0644))

	var buf bytes.Buffer
	err := runValidate(path, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID")
	assert.Empty(t, buf.String())
}

func TestRootCommandWiring(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["report"])
	assert.True(t, names["validate"])
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("FAILSINK_LOG_LEVEL=warn\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("FAILSINK_LOG_LEVEL") })
	os.Unsetenv("FAILSINK_LOG_LEVEL")

	require.NoError(t, loadEnvFile(path, true))
	cfg := loadDefaults(t)
	assert.Equal(t, "warn", cfg.Log.Level)

	missing := filepath.Join(dir, "missing.env")
	assert.NoError(t, loadEnvFile(missing, false))
	assert.Error(t, loadEnvFile(missing, true))
}
