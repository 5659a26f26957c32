package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARNING "))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func Test_Init_EnvLevel(t *testing.T) {
	t.Setenv(EnvLevel, "WARN")
	var out bytes.Buffer
	Init(Options{Enabled: true, Output: &out})
	t.Cleanup(func() { Init(Options{}) })

	Info("hidden")
	Warn("shown", "k", 1)
	require.NotContains(t, out.String(), "hidden")
	require.Contains(t, out.String(), "shown")
	require.Contains(t, out.String(), "k=1")
}

func Test_Init_DisabledDiscards(t *testing.T) {
	var out bytes.Buffer
	lvl := slog.LevelDebug
	Init(Options{Enabled: true, Output: &out, Level: &lvl, JSON: true})
	Debug("first")
	require.Contains(t, out.String(), `"msg":"first"`)

	Init(Options{})
	out.Reset()
	Error("dropped")
	require.Empty(t, out.String())
}
