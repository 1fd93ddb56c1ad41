package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG", zerolog.InfoLevel))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warning ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus", zerolog.InfoLevel))
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(Config{Level: "info", Out: &buf}), "scheduler")

	log.Debug().Msg("hidden")
	log.Info().Str("job_id", "j1").Msg("tick")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "tick", entry["message"])
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "j1", entry["job_id"])
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Console: true, Out: &buf})
	log.Debug().Msg("readable")
	assert.Contains(t, buf.String(), "readable")
}
