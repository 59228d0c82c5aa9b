package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "debug", Writer: &buf})
	require.NoError(t, err)

	log.Debug().Str("stage", "cluster").Msg("stage started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "cluster", line["stage"])
	assert.Equal(t, "dornt", line["app"])
	assert.Equal(t, "stage started", line["message"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "WARN", Writer: &buf})
	require.NoError(t, err)
	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())
	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Format: "console", Writer: &buf})
	require.NoError(t, err)
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
