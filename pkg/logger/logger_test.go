package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_WritesMessages(t *testing.T) {
	log := New(Config{Level: "info", Pretty: false})

	var buf bytes.Buffer
	log = log.Output(&buf)
	log.Info().Msg("hello from meridian")

	assert.Contains(t, buf.String(), "hello from meridian")
}

func TestNew_LevelParsing(t *testing.T) {
	testCases := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			New(Config{Level: tc.level})
			assert.Equal(t, tc.expected, zerolog.GlobalLevel())
		})
	}
}

func TestComponent_TagsSubsystem(t *testing.T) {
	var buf bytes.Buffer
	parent := zerolog.New(&buf)

	log := Component(parent, "breaker")
	log.Info().Msg("tripped")

	assert.Contains(t, buf.String(), `"component":"breaker"`)
	assert.Contains(t, buf.String(), "tripped")
}

func TestNew_LevelFiltering(t *testing.T) {
	log := New(Config{Level: "warn"})

	var buf bytes.Buffer
	log = log.Output(&buf)
	log.Info().Msg("should be dropped")
	log.Warn().Msg("should be kept")

	assert.NotContains(t, buf.String(), "should be dropped")
	assert.Contains(t, buf.String(), "should be kept")
}
