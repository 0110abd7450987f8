package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slyt3/strategist/internal/assert"
)

func capture(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(&bytes.Buffer{})
		SetLevel("info")
	})
	return &buf
}

func TestInfoWritesStructuredFields(t *testing.T) {
	buf := capture(t, "info")

	Info("phase_started", Fields{Phase: "deposit", CycleID: "c-1", Component: "engine"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "phase_started", entry["message"])
	require.Equal(t, "deposit", entry["phase"])
	require.Equal(t, "c-1", entry["cycle_id"])
	require.NotContains(t, entry, "tx_hash")
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, "warn")

	Debug("hidden_debug", Fields{})
	Info("hidden_info", Fields{})
	Warn("shown_warn", Fields{})

	out := buf.String()
	require.NotContains(t, out, "hidden_")
	require.Contains(t, out, "shown_warn")
}

func TestCriticalDoesNotExit(t *testing.T) {
	buf := capture(t, "info")

	Critical("engine_stopped", Fields{Error: "config"})

	require.True(t, strings.Contains(buf.String(), `"critical":true`))
}

func TestEmptyMessageDropped(t *testing.T) {
	oldStrict, oldSuppress := assert.StrictMode, assert.SuppressLogs
	assert.StrictMode, assert.SuppressLogs = false, true
	defer func() { assert.StrictMode, assert.SuppressLogs = oldStrict, oldSuppress }()

	buf := capture(t, "debug")
	Info("", Fields{Phase: "sentry"})
	require.Zero(t, buf.Len())
}
