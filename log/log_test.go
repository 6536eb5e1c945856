package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "not-a-level", false)

	l.Debug().Msg("hidden")
	require.Zero(t, buf.Len())

	l.Info().Msg("shown")
	require.NotZero(t, buf.Len())
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug", false)

	sub := l.WithComponent("dispatcher")
	sub.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "dispatcher", entry["component"])
	require.Equal(t, "hello", entry["message"])
}
