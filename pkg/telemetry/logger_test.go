package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.NewComponentLogger("deploy").
		WithInstanceID(7).
		WithOperationID("op-1").
		WithMachine("edge-1", "10.0.0.5").
		Info("starting instance")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}

	want := map[string]interface{}{
		"level":        "info",
		"message":      "starting instance",
		"component":    "deploy",
		"instance_id":  float64(7),
		"operation_id": "op-1",
		"machine":      "edge-1",
		"host":         "10.0.0.5",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatal("warn not logged at warn level")
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggingConfig{Level: "info", Format: "json"}, &buf)

	ctx := logger.WithContext(context.Background())
	if got := FromContext(ctx); got != logger {
		t.Error("FromContext did not return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("FromContext must fall back to a logger")
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]string{
		"trace": "trace",
		"debug": "debug",
		"warn":  "warn",
		"":      "info",
		"loud":  "info",
	} {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
