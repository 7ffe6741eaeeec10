package logger

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogger_SourceLocation(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(Logger)
	}{
		{"Info", func(l Logger) { l.Info("test message") }},
		{"Debug", func(l Logger) { l.Debug("debug message") }},
		{"Error", func(l Logger) { l.Error("error message") }},
		{"Warn", func(l Logger) { l.Warn("warn message") }},
		{"Infof", func(l Logger) { l.Infof("formatted %s", "message") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(NewArgs{Debug: true, Primary: &buf})
			tt.logFunc(l)
			require.Contains(t, buf.String(), "logger_test.go:")
			require.NotContains(t, buf.String(), "logger.go:")
		})
	}
}

func TestLogger_WithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(NewArgs{Primary: &buf}).With("tenant", "acme")
	l.Info("hello")
	require.Contains(t, buf.String(), "tenant=acme")
}

func TestLogger_FanoutWritesToAllSinks(t *testing.T) {
	var primary, extra bytes.Buffer
	l := New(NewArgs{Primary: &primary, Writers: []io.Writer{&extra}})
	l.Info("fanout")
	require.True(t, strings.Contains(primary.String(), "fanout"))
	require.True(t, strings.Contains(extra.String(), "fanout"))
}
