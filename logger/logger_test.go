package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelInfo)

	l.Debug("should not appear")
	l.Info("hello info")
	l.Error("hello error")

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "hello info")
	require.Contains(t, out, "hello error")
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelError)
	l.Info("suppressed")
	require.Empty(t, buf.String())

	l.SetLevel(LevelDebug)
	l.Debug("now visible")
	require.Contains(t, buf.String(), "now visible")
}

func TestWithComponentPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelDebug)
	sub := l.With("eventloop")
	sub.Info("dispatch started")
	require.Contains(t, buf.String(), "[eventloop] dispatch started")
}

func TestLevelFromVerbosity(t *testing.T) {
	require.Equal(t, LevelError, LevelFromVerbosity(0))
	require.Equal(t, LevelInfo, LevelFromVerbosity(1))
	require.Equal(t, LevelDebug, LevelFromVerbosity(2))
	require.Equal(t, LevelDebug, LevelFromVerbosity(9))
}
