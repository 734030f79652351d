package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug", InfoLevel))
	assert.Equal(t, WarnLevel, ParseLevel(" Warning ", InfoLevel))
	assert.Equal(t, ErrorLevel, ParseLevel("ERROR", InfoLevel))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense", InfoLevel))
	assert.Equal(t, WarnLevel, ParseLevel("", WarnLevel))
}

func TestForTab_TagsFields(t *testing.T) {
	prev := Logger
	defer func() { Logger = prev }()

	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, Output: &buf})

	log := ForTab("queue", "tab-1")
	log.Info().Msg("enqueued")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "queue", line["component"])
	assert.Equal(t, "tab-1", line["tab"])
	assert.Equal(t, "enqueued", line["message"])
}

func TestInit_FiltersBelowLevel(t *testing.T) {
	prev := Logger
	defer func() { Logger = prev }()

	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})
	Info().Msg("hidden")
	assert.Empty(t, buf.String())
	Error().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
