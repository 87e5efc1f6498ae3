package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(&buf, "debug", "json"), "ring")

	l.Info().Int("self", 3).Msg("bound ring endpoint")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ring", line["component"])
	assert.Equal(t, "bound ring endpoint", line["message"])
	assert.EqualValues(t, 3, line["self"])
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		debugOK bool
	}{
		{"debug", true},
		{"info", false},
		{"", false},
		{"bogus", false},
		{"WARN", false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(&buf, tt.level, "json")
			l.Debug().Msg("x")
			assert.Equal(t, tt.debugOK, buf.Len() > 0)
		})
	}
}
