package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("Warning"))
	assert.Equal(t, LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestStdLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLoggerTo(&buf, LevelWarn)

	l.Debug(context.Background(), "hidden")
	l.Info(context.Background(), "hidden too")
	l.Warn(context.Background(), "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN shown")
}

func TestStdLoggerRendersSortedFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLoggerTo(&buf, LevelDebug)

	l.Info(context.Background(), "cycle complete", map[string]interface{}{"b": 2, "a": 1})

	assert.Contains(t, buf.String(), "cycle complete a=1 b=2")
}

func TestStdLoggerAppendsError(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLoggerTo(&buf, LevelDebug)

	l.Error(context.Background(), errors.New("boom"), "order failed", map[string]interface{}{"symbol": "ETHUSDT"})

	assert.Contains(t, buf.String(), "ERROR order failed symbol=ETHUSDT error=boom")
}
