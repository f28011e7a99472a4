package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerCarriesCaseAttributes(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "debug", FormatJSON)
	require.NoError(t, err)

	l.WithCase("case-1").WithPhase("deliberating").WithRole("adversarial_counsel").Warn("retrying", "attempt", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "retrying", entry["msg"])
	assert.Equal(t, "case-1", entry["case_id"])
	assert.Equal(t, "deliberating", entry["phase"])
	assert.Equal(t, "adversarial_counsel", entry["role"])
	assert.EqualValues(t, 2, entry["attempt"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "error", FormatText)
	require.NoError(t, err)
	l.Info("hidden")
	assert.Empty(t, buf.String())
	l.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestUnknownFormat(t *testing.T) {
	_, err := New(nil, "info", "xml")
	assert.Error(t, err)
	assert.True(t, ValidLevel("warn"))
	assert.False(t, ValidLevel("loud"))
}

func TestNilAndNopLoggersAreSafe(t *testing.T) {
	var l *Logger
	l.Info("nothing")
	Nop().With("k", "v").Error("nothing")
}
