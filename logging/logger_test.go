package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewWithWriter(buf, "debug", true)

	logger.Debug("window closed", "windowID", "w-1", "missing", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "window closed", line["msg"])
	assert.Equal(t, "w-1", line["windowID"])
	assert.EqualValues(t, 2, line["missing"])
}

func TestNewWithWriterLevelFilter(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewWithWriter(buf, "warn", false)

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}
