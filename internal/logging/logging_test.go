package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestInitWriterAndFor(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWriter("debug", "", false, &buf))
	defer Close()

	For("supervisor").Debug("reactor tick", "tasks", 3)
	assert.Contains(t, buf.String(), "component=supervisor")
	assert.Contains(t, buf.String(), "tasks=3")
}

func TestSetLevelFiltersLive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWriter("info", "", false, &buf))
	defer Close()

	slog.Debug("hidden")
	assert.NotContains(t, buf.String(), "hidden")

	SetLevel("debug")
	assert.Equal(t, "debug", Level())
	slog.Debug("visible")
	assert.Contains(t, buf.String(), "visible")

	SetLevel("error")
	assert.Equal(t, "error", Level())
}

func TestInitWithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "warlock.log")
	require.NoError(t, InitWriter("info", path, false, &buf))

	slog.Info("both outputs", "k", "v")
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"both outputs"`)
	assert.Contains(t, buf.String(), "both outputs")
}

func TestInitSilent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWriter("debug", "", true, &buf))
	slog.Error("nothing")
	assert.Empty(t, buf.String())
}

func TestInitBadFile(t *testing.T) {
	err := InitWriter("info", filepath.Join(t.TempDir(), "missing", "x.log"), false, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestMultiHandlerEnabled(t *testing.T) {
	h1 := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError})
	h2 := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	mh := &multiHandler{handlers: []slog.Handler{h1, h2}}
	assert.True(t, mh.Enabled(context.Background(), slog.LevelDebug))

	var buf bytes.Buffer
	mh2 := (&multiHandler{handlers: []slog.Handler{slog.NewTextHandler(&buf, nil)}}).WithAttrs([]slog.Attr{slog.String("task", "t1")})
	slog.New(mh2).Info("attr")
	assert.Contains(t, buf.String(), "task=t1")
}
