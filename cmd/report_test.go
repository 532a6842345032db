package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/failsink/internal/config"
)

func loadDefaults(t *testing.T) *config.GlobalConfig {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestRunReport_Classified(t *testing.T) {
	var buf bytes.Buffer
	err := runReport(loadDefaults(t), reportOptions{
		Kind:    "network",
		Message: "timeout",
		File:    "/app/sync/session.go",
		Line:    42,
	}, &buf)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"file":"session.go"`)
	assert.Contains(t, buf.String(), `"line":42`)
	assert.Contains(t, buf.String(), "current: Network Error: timeout")
}

func TestRunReport_UnclassifiedBecomesGeneral(t *testing.T) {
	var buf bytes.Buffer
	err := runReport(loadDefaults(t), reportOptions{Message: "disk full"}, &buf)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "current: General Error: disk full")
}

func TestRunReport_Clear(t *testing.T) {
	var buf bytes.Buffer
	err := runReport(loadDefaults(t), reportOptions{Kind: "data", Message: "bad", Clear: true}, &buf)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "failure cleared")
	assert.Contains(t, buf.String(), "current: none")
}

func TestRunReport_UnknownKind(t *testing.T) {
	var buf bytes.Buffer
	err := runReport(loadDefaults(t), reportOptions{Kind: "disk", Message: "x"}, &buf)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown failure kind")
}
