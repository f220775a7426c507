package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleScoping(t *testing.T) {
	buf := &bytes.Buffer{}
	root := NewSlogLogger(buf, LogLevelDebug, true)

	root.Module("trainer").Module("epoch").Info("done",
		Int("epoch", 3),
		Float64("loss", 0.25),
		Error(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "trainer.epoch", rec["module"])
	assert.Equal(t, "done", rec["msg"])
	assert.EqualValues(t, 3, rec["epoch"])
	assert.Equal(t, "boom", rec["error"])
}

func TestWithAccumulatesFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelInfo, false).With(String("run_id", "abc"))
	log.Info("first")
	log.With(Bool("extra", true)).Info("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "run_id=abc")
	assert.NotContains(t, lines[0], "extra")
	assert.Contains(t, lines[1], "run_id=abc")
	assert.Contains(t, lines[1], "extra=true")
}

func TestLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelWarn, false)
	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	log, closer := New(Config{Level: "info", File: path})
	log.Info("to file")
	require.NoError(t, closer.Close())
	assert.FileExists(t, path)
}
