package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, &buf
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	logger.Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Error("Info message content not found in output")
	}

	buf.Reset()
	logger.SetLevel(ERROR)
	logger.Warn("warn message")
	if buf.Len() > 0 {
		t.Error("Warn message was logged when level is ERROR")
	}
	if !logger.Enabled(ERROR) || logger.Enabled(WARN) {
		t.Error("Enabled does not follow SetLevel")
	}
}

func TestJSONFieldsAndComponent(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatJSON)

	logger.WithComponent("dispatcher").
		WithField("handle", "dm-0").
		Info("attribute read", map[string]interface{}{
			"attribute": "name",
			"error":     errors.New("boom"),
		})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}

	want := map[string]string{
		"message":   "attribute read",
		"level":     "INFO",
		"component": "dispatcher",
		"handle":    "dm-0",
		"attribute": "name",
		"error":     "boom",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %q", k, entry[k], v)
		}
	}
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatJSON)

	_ = logger.WithFields(map[string]interface{}{"child": true})
	logger.Info("parent")

	if strings.Contains(buf.String(), "child") {
		t.Error("parent logger picked up child fields")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{"ERROR", ERROR, false},
		{"trace", TRACE, false},
		{"loud", INFO, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}

	if f, err := ParseLogFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseLogFormat(json) = %v, %v", f, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Error("ParseLogFormat(xml) should fail")
	}
}

func TestNilOutputRejected(t *testing.T) {
	if _, err := NewStructuredLogger(&StructuredLoggerConfig{Level: INFO}); err == nil {
		t.Error("expected error for nil output")
	}
	NewNopLogger().Info("discarded")
}
