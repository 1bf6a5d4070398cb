package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConsoleLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, "warn")

	l.Info("should be filtered")
	assert.Empty(t, buf.String())

	l.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestConsoleLoggerNilWriterDiscardsMessages(t *testing.T) {
	l := NewConsoleLogger(nil, "trace")
	assert.NotPanics(t, func() {
		l.Info("anything")
		l.TaskLine(1, "title", "completed", time.Second, "")
	})
}

func TestConsoleLoggerTaskLineIncludesErrorFirstLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, "info")
	l.TaskLine(3, "refactor parser", "failed", 2*time.Second, "boom\nstack trace here")
	out := buf.String()
	assert.Contains(t, out, "item 3")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "stack trace here")
}

func TestNormalizeLogLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, "info", normalizeLogLevel(""))
	assert.Equal(t, "info", normalizeLogLevel("bogus"))
	assert.Equal(t, "debug", normalizeLogLevel("DEBUG"))
}

func TestNopLoggerNeverPanics(t *testing.T) {
	var l Logger = NopLogger{}
	assert.NotPanics(t, func() {
		l.Trace("x")
		l.Debug("x")
		l.Info("x")
		l.Warn("x")
		l.Error("x")
		l.TaskLine(1, "t", "completed", time.Second, "")
	})
}
