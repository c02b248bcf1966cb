package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/logging"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, logging.ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, logging.ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, logging.ParseLevel("loud"))
}

func TestParseLevel_DelegatesToZerolog(t *testing.T) {
	// GIVEN: Level names zerolog knows, plus blanks and junk
	// WHEN: Parsing each
	// THEN: Known names map through zerolog, everything else falls back to info

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{" Trace ", zerolog.TraceLevel},
		{"WARN", zerolog.WarnLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"disabled", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, logging.ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNewWithWriter_JSONOutsideDevelopment(t *testing.T) {
	var buf bytes.Buffer
	l := logging.NewWithWriter(logging.Config{Env: "production", Level: "warn", App: "stock-ledger"}, &buf)

	l.Info().Msg("dropped")
	l.Warn().Int("n", 2).Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "stock-ledger", line["app"])
	assert.EqualValues(t, 2, line["n"])
}
